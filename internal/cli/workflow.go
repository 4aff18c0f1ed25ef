package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/orchestrator"
	"github.com/msageha/govflow/internal/status"
	"github.com/msageha/govflow/internal/uds"
)

func newSubmitCmd(g *globals) *cobra.Command {
	var p uds.SubmitParams

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Open a workflow for a new issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.Title == "" {
				return fmt.Errorf("--title is required")
			}
			var wf model.WorkflowContext
			if err := g.call(cmd.Context(), uds.CmdSubmit, p, &wf); err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), wf, func(w io.Writer) {
				printf(w, "Started workflow %s (%s)\n", wf.IssueID, wf.CurrentState)
			})
		},
	}
	cmd.Flags().StringVar(&p.Title, "title", "", "Issue title")
	cmd.Flags().StringVar(&p.Body, "body", "", "Issue description")
	cmd.Flags().StringVar(&p.Source, "source", "cli", "Where the issue came from")
	cmd.Flags().StringSliceVar(&p.Labels, "label", nil, "Issue label (repeatable)")
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status [workflow-id]",
		Short: "Show the daemon overview or one workflow in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return status.Run(cmd.OutOrStdout(), c, g.json)
			}
			var snap orchestrator.Snapshot
			if err := c.Call(uds.CmdStatus, uds.WorkflowParams{WorkflowID: args[0]}, &snap); err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), snap, func(w io.Writer) { status.PrintWorkflow(w, snap) })
		},
	}
}

// workflowCmd builds a command that sends WorkflowParams for one workflow id
// and prints the resulting state.
func workflowCmd(g *globals, use, short, command, verb string, withReason bool) *cobra.Command {
	var p uds.WorkflowParams

	cmd := &cobra.Command{
		Use:   use + " <workflow-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.WorkflowID = args[0]
			var wf model.WorkflowContext
			if err := g.call(cmd.Context(), command, p, &wf); err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), wf, func(w io.Writer) {
				printf(w, "%s workflow %s (%s)\n", verb, wf.IssueID, wf.CurrentState)
			})
		},
	}
	cmd.Flags().StringVar(&p.Actor, "actor", "operator", "Who is acting")
	if withReason {
		cmd.Flags().StringVar(&p.Reason, "reason", "", "Why")
	}
	return cmd
}

func newUnblockCmd(g *globals) *cobra.Command {
	return workflowCmd(g, "unblock", "Clear a blocked workflow and reset its exhausted tasks", uds.CmdUnblock, "Unblocked", false)
}

func newArchiveCmd(g *globals) *cobra.Command {
	return workflowCmd(g, "archive", "Archive a completed or rejected workflow", uds.CmdArchive, "Archived", false)
}

func newExecCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Decide on execution-locked workflows",
	}
	cmd.AddCommand(workflowCmd(g, "approve", "Grant one required approval (--actor names the approver)", uds.CmdApproveExec, "Approved", false))
	cmd.AddCommand(workflowCmd(g, "reject", "Reject execution and close the workflow", uds.CmdRejectExec, "Rejected", true))
	return cmd
}

func newForceCmd(g *globals) *cobra.Command {
	var p uds.ForceParams

	cmd := &cobra.Command{
		Use:   "force <workflow-id> <state>",
		Short: "Move a workflow to any state, bypassing validation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.Reason == "" {
				return fmt.Errorf("--reason is required")
			}
			p.WorkflowID, p.Target = args[0], args[1]
			var wf model.WorkflowContext
			if err := g.call(cmd.Context(), uds.CmdForce, p, &wf); err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), wf, func(w io.Writer) {
				printf(w, "Forced workflow %s to %s\n", wf.IssueID, wf.CurrentState)
			})
		},
	}
	cmd.Flags().StringVar(&p.Actor, "actor", "operator", "Who is acting")
	cmd.Flags().StringVar(&p.Reason, "reason", "", "Why the transition is forced")
	return cmd
}

func newCancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running specialist task; it is retried under the retry policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.call(cmd.Context(), uds.CmdCancelTask, uds.CancelParams{TaskID: args[0]}, nil); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Cancelled task %s\n", args[0])
			return nil
		},
	}
}
