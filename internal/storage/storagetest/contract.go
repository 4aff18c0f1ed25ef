// Package storagetest holds the behavioural suite every storage adapter must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 30, 15, 123456789, time.UTC)

func strPtr(s string) *string { return &s }

func todo(id string, statuses ...model.TaskStatus) *model.OrchestratorTodo {
	td := &model.OrchestratorTodo{ID: id, WorkflowID: "wf_" + id, CreatedAt: t0, UpdatedAt: t0}
	for i, st := range statuses {
		td.PendingTasks = append(td.PendingTasks, model.OrchestratorTask{
			ID:            id + "_task_" + string(rune('a'+i)),
			TodoID:        id,
			Type:          "research_brief",
			State:         model.StateResearch,
			Role:          model.RoleResearcher,
			Status:        st,
			MaxRetries:    3,
			NextAttemptAt: t0.Add(time.Duration(i) * time.Second),
			CreatedAt:     t0,
			UpdatedAt:     t0,
		})
	}
	return td
}

// RunTodoStorage exercises a TodoStorage. newStore must return an empty store.
func RunTodoStorage(t *testing.T, newStore func(t *testing.T) storage.TodoStorage) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "todo_missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "todo_missing"), storage.ErrNotFound)
	})

	t.Run("save get round trip", func(t *testing.T) {
		s := newStore(t)
		in := todo("todo_1", model.TaskStatusPending, model.TaskStatusInProgress)
		started := t0.Add(time.Minute)
		in.PendingTasks[1].StartedAt = &started
		in.PendingTasks[1].LastError = strPtr("timeout")
		in.TotalRetries = 2
		require.NoError(t, s.Save(ctx, in))

		got, err := s.Get(ctx, "todo_1")
		require.NoError(t, err)
		assert.Equal(t, in.ID, got.ID)
		require.Len(t, got.PendingTasks, 2)
		assert.True(t, got.PendingTasks[0].NextAttemptAt.Equal(in.PendingTasks[0].NextAttemptAt))
		assert.Equal(t, t0.Nanosecond(), got.PendingTasks[0].CreatedAt.Nanosecond())
		require.NotNil(t, got.PendingTasks[1].StartedAt)
		assert.True(t, got.PendingTasks[1].StartedAt.Equal(started))
		assert.Equal(t, "timeout", *got.PendingTasks[1].LastError)
		assert.Equal(t, 2, got.TotalRetries)
	})

	t.Run("returned values are copies", func(t *testing.T) {
		s := newStore(t)
		in := todo("todo_1", model.TaskStatusPending)
		require.NoError(t, s.Save(ctx, in))
		in.PendingTasks[0].Status = model.TaskStatusFailed

		got, err := s.Get(ctx, "todo_1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, got.PendingTasks[0].Status)
		got.PendingTasks[0].Status = model.TaskStatusCompleted

		again, err := s.Get(ctx, "todo_1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, again.PendingTasks[0].Status)
	})

	t.Run("save overwrites", func(t *testing.T) {
		s := newStore(t)
		in := todo("todo_1", model.TaskStatusPending)
		require.NoError(t, s.Save(ctx, in))
		in.BlockedBy = strPtr("task exhausted retries")
		require.NoError(t, s.Save(ctx, in))

		got, err := s.Get(ctx, "todo_1")
		require.NoError(t, err)
		require.NotNil(t, got.BlockedBy)
		assert.Equal(t, "task exhausted retries", *got.BlockedBy)
		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("get all and pending", func(t *testing.T) {
		s := newStore(t)
		done := todo("todo_a", model.TaskStatusCompleted)
		open := todo("todo_b", model.TaskStatusCompleted, model.TaskStatusPending)
		blocked := todo("todo_c", model.TaskStatusCompleted)
		blocked.BlockedBy = strPtr("vetoed")
		empty := todo("todo_d")
		for _, td := range []*model.OrchestratorTodo{done, open, blocked, empty} {
			require.NoError(t, s.Save(ctx, td))
		}

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"todo_a", "todo_b", "todo_c", "todo_d"}, todoIDs(all))

		pending, err := s.GetPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"todo_b", "todo_c"}, todoIDs(pending))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, todo("todo_1", model.TaskStatusPending)))
		require.NoError(t, s.Delete(ctx, "todo_1"))
		_, err := s.Get(ctx, "todo_1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("rejects empty id", func(t *testing.T) {
		s := newStore(t)
		assert.Error(t, s.Save(ctx, &model.OrchestratorTodo{}))
	})
}

func todoIDs(ts []*model.OrchestratorTodo) []string {
	out := make([]string, len(ts))
	for i, td := range ts {
		out[i] = td.ID
	}
	return out
}

func item(id string, risk model.RiskLevel, status model.ConsensusStatus) *model.PassiveConsensusItem {
	return &model.PassiveConsensusItem{
		ID:                 id,
		WorkflowID:         "wf_1",
		DocumentID:         "doc-" + id,
		Title:              "Charter amendment",
		RiskLevel:          risk,
		Status:             status,
		CreatedAt:          t0,
		ReviewPeriodEndsAt: t0.Add(48 * time.Hour),
		UpdatedAt:          t0,
	}
}

func RunConsensusStorage(t *testing.T, newStore func(t *testing.T) storage.ConsensusStorage) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "pc_missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "pc_missing"), storage.ErrNotFound)
	})

	t.Run("round trip preserves objections and times", func(t *testing.T) {
		s := newStore(t)
		in := item("pc_1", model.RiskMid, model.ConsensusVetoed)
		resolved := t0.Add(time.Hour)
		in.ResolvedAt = &resolved
		in.Vetoes = []model.Objection{{Actor: "alice", Reason: "conflicts with bylaws", At: resolved}}
		require.NoError(t, s.Save(ctx, in))

		got, err := s.Get(ctx, "pc_1")
		require.NoError(t, err)
		assert.Equal(t, model.ConsensusVetoed, got.Status)
		assert.Equal(t, model.RiskMid, got.RiskLevel)
		assert.True(t, got.ReviewPeriodEndsAt.Equal(in.ReviewPeriodEndsAt))
		require.NotNil(t, got.ResolvedAt)
		assert.True(t, got.ResolvedAt.Equal(resolved))
		require.Len(t, got.Vetoes, 1)
		assert.Equal(t, "alice", got.Vetoes[0].Actor)
		assert.Nil(t, got.OverdueNotifiedAt)
	})

	t.Run("get by status follows updates", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, item("pc_1", model.RiskLow, model.ConsensusPending)))
		require.NoError(t, s.Save(ctx, item("pc_2", model.RiskHigh, model.ConsensusPending)))
		require.NoError(t, s.Save(ctx, item("pc_3", model.RiskMid, model.ConsensusEscalated)))

		pending, err := s.GetByStatus(ctx, model.ConsensusPending)
		require.NoError(t, err)
		assert.Equal(t, []string{"pc_1", "pc_2"}, itemIDs(pending))

		approved := item("pc_1", model.RiskLow, model.ConsensusApprovedByTimeout)
		require.NoError(t, s.Save(ctx, approved))

		pending, err = s.GetByStatus(ctx, model.ConsensusPending)
		require.NoError(t, err)
		assert.Equal(t, []string{"pc_2"}, itemIDs(pending))

		byTimeout, err := s.GetByStatus(ctx, model.ConsensusApprovedByTimeout)
		require.NoError(t, err)
		assert.Equal(t, []string{"pc_1"}, itemIDs(byTimeout))

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, item("pc_1", model.RiskLow, model.ConsensusPending)))
		require.NoError(t, s.Delete(ctx, "pc_1"))
		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func itemIDs(items []*model.PassiveConsensusItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func workflow(id string, state model.WorkflowState) *model.WorkflowContext {
	score := 72.0
	return &model.WorkflowContext{
		IssueID:      id,
		Issue:        model.Issue{ID: "GH-" + id, Title: "Treasury grant", CreatedAt: t0},
		WorkflowType: model.WorkflowTypeC,
		CurrentState: state,
		StateHistory: []model.TransitionRecord{
			{From: model.StateIntake, To: model.StateTriage, Timestamp: t0, Reason: "criteria met", Actor: "orchestrator"},
		},
		Artifacts: model.Artifacts{
			PriorityScore:  &model.PriorityScore{Total: 150},
			ConsensusScore: &score,
			Translations:   map[string]string{"ja": "助成金"},
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func RunWorkflowStorage(t *testing.T, newStore func(t *testing.T) storage.WorkflowStorage) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "wf_missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "wf_missing"), storage.ErrNotFound)
	})

	t.Run("round trip", func(t *testing.T) {
		s := newStore(t)
		in := workflow("wf_1", model.StateTriage)
		require.NoError(t, s.Save(ctx, in))

		got, err := s.Get(ctx, "wf_1")
		require.NoError(t, err)
		assert.Equal(t, model.StateTriage, got.CurrentState)
		assert.Equal(t, model.WorkflowTypeC, got.WorkflowType)
		require.Len(t, got.StateHistory, 1)
		assert.True(t, got.StateHistory[0].Timestamp.Equal(t0))
		assert.Equal(t, t0.Nanosecond(), got.StateHistory[0].Timestamp.Nanosecond())
		require.NotNil(t, got.Artifacts.ConsensusScore)
		assert.Equal(t, 72.0, *got.Artifacts.ConsensusScore)
		assert.Equal(t, "助成金", got.Artifacts.Translations["ja"])
	})

	t.Run("get by state", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, workflow("wf_1", model.StateTriage)))
		require.NoError(t, s.Save(ctx, workflow("wf_2", model.StatePublish)))
		require.NoError(t, s.Save(ctx, workflow("wf_3", model.StateTriage)))

		triage, err := s.GetByState(ctx, model.StateTriage)
		require.NoError(t, err)
		assert.Equal(t, []string{"wf_1", "wf_3"}, workflowIDs(triage))

		require.NoError(t, s.Save(ctx, workflow("wf_1", model.StateResearch)))
		triage, err = s.GetByState(ctx, model.StateTriage)
		require.NoError(t, err)
		assert.Equal(t, []string{"wf_3"}, workflowIDs(triage))

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"wf_1", "wf_2", "wf_3"}, workflowIDs(all))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, workflow("wf_1", model.StateTriage)))
		require.NoError(t, s.Delete(ctx, "wf_1"))
		_, err := s.Get(ctx, "wf_1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func workflowIDs(ws []*model.WorkflowContext) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.IssueID
	}
	return out
}
