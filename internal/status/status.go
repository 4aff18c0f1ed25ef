// Package status renders workflow snapshots for the CLI.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/orchestrator"
	"github.com/msageha/govflow/internal/uds"
)

type Overview struct {
	Daemon    DaemonStatus   `json:"daemon"`
	Workflows []WorkflowRow  `json:"workflows,omitempty"`
	Consensus []ConsensusRow `json:"consensus,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
}

type WorkflowRow struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	State     model.WorkflowState `json:"state"`
	Type      model.WorkflowType  `json:"type,omitempty"`
	Pending   int                 `json:"pending"`
	Running   int                 `json:"in_progress"`
	BlockedBy string              `json:"blocked_by,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type ConsensusRow struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflow_id"`
	Risk       model.RiskLevel       `json:"risk_level"`
	Status     model.ConsensusStatus `json:"status"`
	EndsAt     time.Time             `json:"review_period_ends_at"`
}

// Run asks the daemon for every workflow and open consensus item and prints
// the overview to w.
func Run(w io.Writer, client *uds.Client, jsonOutput bool) error {
	ov := Overview{Daemon: checkDaemon(client)}
	if ov.Daemon.Running {
		var snaps []orchestrator.Snapshot
		if err := client.Call(uds.CmdList, nil, &snaps); err != nil {
			return fmt.Errorf("list workflows: %w", err)
		}
		ov.Workflows = Summarize(snaps)

		var items []*model.PassiveConsensusItem
		if err := client.Call(uds.CmdConsensusList, nil, &items); err != nil {
			return fmt.Errorf("list consensus items: %w", err)
		}
		ov.Consensus = openItems(items)
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ov)
	}
	PrintOverview(w, ov)
	return nil
}

func checkDaemon(client *uds.Client) DaemonStatus {
	return DaemonStatus{Running: client.Call(uds.CmdPing, nil, nil) == nil}
}

// Summarize condenses snapshots into one row per workflow, most recently
// updated first.
func Summarize(snaps []orchestrator.Snapshot) []WorkflowRow {
	rows := make([]WorkflowRow, 0, len(snaps))
	for _, s := range snaps {
		if s.Workflow == nil {
			continue
		}
		row := WorkflowRow{
			ID:        s.Workflow.IssueID,
			Title:     s.Workflow.Issue.Title,
			State:     s.Workflow.CurrentState,
			Type:      s.Workflow.WorkflowType,
			UpdatedAt: s.Workflow.UpdatedAt,
		}
		if s.Todo != nil {
			for _, t := range s.Todo.PendingTasks {
				switch t.Status {
				case model.TaskStatusPending:
					row.Pending++
				case model.TaskStatusInProgress:
					row.Running++
				}
			}
			if s.Todo.BlockedBy != nil {
				row.BlockedBy = *s.Todo.BlockedBy
			}
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].UpdatedAt.After(rows[j].UpdatedAt) })
	return rows
}

func openItems(items []*model.PassiveConsensusItem) []ConsensusRow {
	var rows []ConsensusRow
	for _, it := range items {
		if model.IsConsensusTerminal(it.Status) {
			continue
		}
		rows = append(rows, ConsensusRow{
			ID: it.ID, WorkflowID: it.WorkflowID, Risk: it.RiskLevel, Status: it.Status, EndsAt: it.ReviewPeriodEndsAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].EndsAt.Before(rows[j].EndsAt) })
	return rows
}

func PrintOverview(w io.Writer, ov Overview) {
	if ov.Daemon.Running {
		fmt.Fprintln(w, "Daemon: running")
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}

	if len(ov.Workflows) == 0 {
		fmt.Fprintln(w, "\nWorkflows: none")
	} else {
		fmt.Fprintln(w, "\nWorkflows:")
		fmt.Fprintf(w, "  %-26s  %-16s  %-4s  %7s  %11s  %s\n", "ID", "STATE", "TYPE", "PENDING", "IN_PROGRESS", "TITLE")
		for _, r := range ov.Workflows {
			fmt.Fprintf(w, "  %-26s  %-16s  %-4s  %7d  %11d  %s\n",
				r.ID, r.State, orDash(string(r.Type)), r.Pending, r.Running, truncate(r.Title, 48))
			if r.BlockedBy != "" {
				fmt.Fprintf(w, "  %26s  blocked: %s\n", "", r.BlockedBy)
			}
		}
	}

	if len(ov.Consensus) > 0 {
		fmt.Fprintln(w, "\nOpen consensus items:")
		fmt.Fprintf(w, "  %-26s  %-4s  %-9s  %s\n", "ID", "RISK", "STATUS", "ENDS")
		for _, c := range ov.Consensus {
			fmt.Fprintf(w, "  %-26s  %-4s  %-9s  %s\n", c.ID, c.Risk, c.Status, c.EndsAt.Format(time.RFC3339))
		}
	}
}

// PrintWorkflow writes the detail view of one workflow.
func PrintWorkflow(w io.Writer, s orchestrator.Snapshot) {
	wf := s.Workflow
	fmt.Fprintf(w, "Workflow %s\n", wf.IssueID)
	fmt.Fprintf(w, "  Title:  %s\n", wf.Issue.Title)
	fmt.Fprintf(w, "  State:  %s\n", wf.CurrentState)
	fmt.Fprintf(w, "  Type:   %s\n", orDash(string(wf.WorkflowType)))
	a := wf.Artifacts
	if a.PriorityScore != nil {
		fmt.Fprintf(w, "  Priority: %.0f\n", a.PriorityScore.Total)
	}
	if a.ConsensusScore != nil {
		fmt.Fprintf(w, "  Consensus score: %.1f\n", *a.ConsensusScore)
	}
	if a.DecisionPacket != nil {
		fmt.Fprintf(w, "  Packet: %q rev %d, risk %s\n", a.DecisionPacket.Title, a.DecisionPacket.Revision, a.DecisionPacket.RiskLevel)
	}
	if a.LockReason != "" {
		granted := make([]string, 0, len(a.GrantedApprovals))
		for _, g := range a.GrantedApprovals {
			granted = append(granted, g.Approver)
		}
		fmt.Fprintf(w, "  Execution lock: %s (needs %s, approved by %s)\n",
			a.LockReason, strings.Join(a.RequiredApprovals, ", "), orDash(strings.Join(granted, ", ")))
	}

	if len(wf.StateHistory) > 0 {
		fmt.Fprintln(w, "\nHistory:")
		for _, h := range wf.StateHistory {
			forced := ""
			if h.Forced {
				forced = " (forced)"
			}
			fmt.Fprintf(w, "  %s  %s -> %s by %s%s\n", h.Timestamp.Format(time.RFC3339), h.From, h.To, h.Actor, forced)
		}
	}

	if s.Todo != nil && len(s.Todo.PendingTasks) > 0 {
		fmt.Fprintln(w, "\nTasks:")
		fmt.Fprintf(w, "  %-24s  %-12s  %-11s  %s\n", "TYPE", "ROLE", "STATUS", "RETRIES")
		for _, t := range s.Todo.PendingTasks {
			typ := t.Type
			if t.Perspective != "" {
				typ += "/" + t.Perspective
			}
			fmt.Fprintf(w, "  %-24s  %-12s  %-11s  %d/%d\n", typ, orDash(string(t.Role)), t.Status, t.RetryCount, t.MaxRetries)
		}
		if s.Todo.BlockedBy != nil {
			fmt.Fprintf(w, "  blocked: %s\n", *s.Todo.BlockedBy)
		}
	}

	if c := s.Consensus; c != nil {
		fmt.Fprintf(w, "\nConsensus %s: %s, risk %s, window ends %s\n",
			c.ID, c.Status, c.RiskLevel, c.ReviewPeriodEndsAt.Format(time.RFC3339))
		for _, v := range c.Vetoes {
			fmt.Fprintf(w, "  veto by %s: %s\n", v.Actor, v.Reason)
		}
		for _, e := range c.Escalations {
			fmt.Fprintf(w, "  escalation by %s: %s\n", e.Actor, e.Reason)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
