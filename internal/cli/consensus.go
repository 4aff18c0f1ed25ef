package cli

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/uds"
)

func newConsensusCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consensus",
		Short: "Review passive consensus items",
	}
	cmd.AddCommand(newConsensusListCmd(g))
	cmd.AddCommand(consensusActionCmd(g, "approve", "Approve an item before its window ends", uds.CmdConsensusApprove, false))
	cmd.AddCommand(consensusActionCmd(g, "veto", "Veto an item; the workflow blocks", uds.CmdConsensusVeto, true))
	cmd.AddCommand(consensusActionCmd(g, "escalate", "Escalate an item; the workflow blocks", uds.CmdConsensusEscalate, true))
	return cmd
}

func newConsensusListCmd(g *globals) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List consensus items",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []*model.PassiveConsensusItem
			if err := g.call(cmd.Context(), uds.CmdConsensusList, nil, &items); err != nil {
				return err
			}
			if !all {
				open := items[:0]
				for _, it := range items {
					if !model.IsConsensusTerminal(it.Status) {
						open = append(open, it)
					}
				}
				items = open
			}
			return g.emit(cmd.OutOrStdout(), items, func(w io.Writer) {
				if len(items) == 0 {
					printf(w, "No consensus items\n")
					return
				}
				printf(w, "%-26s  %-26s  %-4s  %-20s  %s\n", "ID", "WORKFLOW", "RISK", "STATUS", "ENDS")
				for _, it := range items {
					printf(w, "%-26s  %-26s  %-4s  %-20s  %s\n",
						it.ID, it.WorkflowID, it.RiskLevel, it.Status, it.ReviewPeriodEndsAt.Format(time.RFC3339))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved items")
	return cmd
}

func consensusActionCmd(g *globals, use, short, command string, withReason bool) *cobra.Command {
	var p uds.ConsensusParams

	cmd := &cobra.Command{
		Use:   use + " <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ItemID = args[0]
			var it model.PassiveConsensusItem
			if err := g.call(cmd.Context(), command, p, &it); err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), it, func(w io.Writer) {
				printf(w, "Consensus item %s: %s\n", it.ID, it.Status)
			})
		},
	}
	cmd.Flags().StringVar(&p.Actor, "actor", "", "Who is acting")
	_ = cmd.MarkFlagRequired("actor")
	if withReason {
		cmd.Flags().StringVar(&p.Reason, "reason", "", "Objection")
	}
	return cmd
}
