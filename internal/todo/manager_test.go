package todo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/govflow/internal/events"
	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/storage"
)

type capture struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *capture) Publish(e events.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, e)
	c.mu.Unlock()
}

func (c *capture) count(typ events.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.evs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          time.Minute,
		MaxRetries:        3,
	}
}

func newTestManager(t *testing.T) (*Manager, *capture, *fakeClock, storage.TodoStorage) {
	t.Helper()
	store := storage.NewMemoryTodoStorage()
	pub := &capture{}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewManager(store, pub, testPolicy(), WithClock(clock.Now)), pub, clock, store
}

func addTask(t *testing.T, m *Manager, todoID, typ string, priority int) *model.OrchestratorTask {
	t.Helper()
	task, created, err := m.AddTask(context.Background(), todoID, TaskSpec{
		Type:     typ,
		State:    model.StateIntake,
		Role:     model.RoleAnalyst,
		Priority: priority,
	})
	require.NoError(t, err)
	require.True(t, created)
	return task
}

func TestBackoff(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{7, time.Minute},
		{60, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.retry), "retry %d", tt.retry)
	}
}

func TestBackoff_CappedAtMaxDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, p.Backoff(3))
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(model.RetryConfig{InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 60000, MaxRetries: 3})
	assert.Equal(t, 4000*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 3, p.MaxRetries)
}

func TestAddTask_Dedupes(t *testing.T) {
	m, pub, _, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)

	first := addTask(t, m, td.ID, "calculate_priority", 10)
	again, created, err := m.AddTask(ctx, td.ID, TaskSpec{Type: "calculate_priority", State: model.StateIntake})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, created, err = m.AddTask(ctx, td.ID, TaskSpec{Type: "calculate_priority", State: model.StateIntake, Perspective: "other"})
	require.NoError(t, err)
	assert.True(t, created, "different perspective is a different deliverable")

	got, err := m.Get(ctx, td.ID)
	require.NoError(t, err)
	assert.Len(t, got.PendingTasks, 2)
	assert.Equal(t, 2, pub.count(events.EventTaskCreated))
	assert.Equal(t, 3, got.PendingTasks[0].MaxRetries)
}

func TestAddTask_UnknownTodo(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	_, _, err := m.AddTask(context.Background(), "todo_missing", TaskSpec{Type: "x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFailTask_SchedulesRetryWithBackoff(t *testing.T) {
	m, pub, clock, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	task := addTask(t, m, td.ID, "calculate_priority", 10)

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, want := range wantDelays {
		_, err := m.StartTask(ctx, td.ID, task.ID)
		require.NoError(t, err)

		got, err := m.FailTask(ctx, td.ID, task.ID, errors.New("provider timeout"))
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, got.Status)
		assert.Equal(t, i+1, got.RetryCount)
		assert.Equal(t, clock.Now().Add(want), got.NextAttemptAt)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "provider timeout", *got.LastError)

		ready, err := m.GetReadyTasks(ctx)
		require.NoError(t, err)
		assert.Empty(t, ready, "not ready before backoff elapses")

		_, err = m.StartTask(ctx, td.ID, task.ID)
		assert.ErrorIs(t, err, ErrTaskState)

		clock.Advance(want)
	}
	assert.Equal(t, 2, pub.count(events.EventTaskRetryScheduled))
}

func TestFailTask_ExhaustionBlocksTodo(t *testing.T) {
	m, pub, clock, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	task := addTask(t, m, td.ID, "calculate_priority", 10)
	other := addTask(t, m, td.ID, "select_workflow", 10)

	for i := 0; i < 3; i++ {
		_, err := m.StartTask(ctx, td.ID, task.ID)
		require.NoError(t, err)
		_, err = m.FailTask(ctx, td.ID, task.ID, errors.New("malformed output"))
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	got, err := m.Get(ctx, td.ID)
	require.NoError(t, err)
	failed := got.Task(task.ID)
	assert.Equal(t, model.TaskStatusFailed, failed.Status)
	assert.Equal(t, failed.MaxRetries, failed.RetryCount)
	require.True(t, got.IsBlocked())
	assert.NotEmpty(t, *got.BlockedBy)
	assert.Equal(t, 3, got.TotalRetries)
	assert.Equal(t, 1, pub.count(events.EventTaskFailed))
	assert.Equal(t, 1, pub.count(events.EventTodoBlocked))

	ready, err := m.GetReadyTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready, "blocked todo is not scheduled")

	_, err = m.StartTask(ctx, td.ID, other.ID)
	assert.ErrorIs(t, err, ErrTodoBlocked)
	assert.False(t, IsReadyForAdvancement(got))
}

func TestFailTask_ZeroRetryBudget(t *testing.T) {
	store := storage.NewMemoryTodoStorage()
	p := testPolicy()
	p.MaxRetries = 0
	m := NewManager(store, nil, p)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	task := addTask(t, m, td.ID, "calculate_priority", 1)

	got, err := m.FailTask(ctx, td.ID, task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	assert.Equal(t, "unknown failure", *got.LastError)
}

func TestUnblock_RestoresFreshBudget(t *testing.T) {
	m, pub, _, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	task := addTask(t, m, td.ID, "calculate_priority", 10)

	for i := 0; i < 3; i++ {
		_, err := m.FailTask(ctx, td.ID, task.ID, errors.New("boom"))
		require.NoError(t, err)
	}

	got, err := m.Unblock(ctx, td.ID, "operator")
	require.NoError(t, err)
	assert.False(t, got.IsBlocked())
	restored := got.Task(task.ID)
	assert.Equal(t, model.TaskStatusPending, restored.Status)
	assert.Zero(t, restored.RetryCount)
	assert.Equal(t, 1, pub.count(events.EventTaskUnblocked))

	ready, err := m.GetReadyTasks(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	again, err := m.Unblock(ctx, td.ID, "operator")
	require.NoError(t, err)
	assert.False(t, again.IsBlocked())
	assert.Equal(t, 1, pub.count(events.EventTaskUnblocked), "no-op on unblocked todo")
}

func TestBlockTask_AndResolve(t *testing.T) {
	m, pub, _, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	task := addTask(t, m, td.ID, "execution_approval", 50)

	got, err := m.BlockTask(ctx, td.ID, task.ID, "awaiting approval")
	require.NoError(t, err)
	assert.True(t, got.IsBlocked())
	assert.Equal(t, model.TaskStatusBlocked, got.Task(task.ID).Status)

	_, err = m.BlockTask(ctx, td.ID, task.ID, "awaiting approval")
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count(events.EventTaskBlocked), "same reason twice is a no-op")

	got, err = m.CompleteTask(ctx, td.ID, task.ID, "")
	require.NoError(t, err)
	assert.False(t, got.IsBlocked(), "resolving the only blocked task releases the todo")
	assert.True(t, IsReadyForAdvancement(got))
}

func TestUnblockTask_KeepsTodoBlockedWhileOthersRemain(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	a := addTask(t, m, td.ID, "a", 1)
	b := addTask(t, m, td.ID, "b", 1)

	_, err = m.BlockTask(ctx, td.ID, a.ID, "veto")
	require.NoError(t, err)
	_, err = m.BlockTask(ctx, td.ID, b.ID, "veto")
	require.NoError(t, err)

	got, err := m.UnblockTask(ctx, td.ID, a.ID, "operator")
	require.NoError(t, err)
	assert.True(t, got.IsBlocked())

	got, err = m.UnblockTask(ctx, td.ID, b.ID, "operator")
	require.NoError(t, err)
	assert.False(t, got.IsBlocked())

	_, err = m.UnblockTask(ctx, td.ID, b.ID, "operator")
	assert.ErrorIs(t, err, ErrTaskState)
}

func TestGetReadyTasks_Ordering(t *testing.T) {
	m, _, clock, _ := newTestManager(t)
	ctx := context.Background()

	td1, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	td2, err := m.CreateTodo(ctx, "wf_2")
	require.NoError(t, err)

	low := addTask(t, m, td1.ID, "low", 1)
	clock.Advance(time.Second)
	highLate := addTask(t, m, td1.ID, "high_late", 10)
	clock.Advance(-2 * time.Second)
	highEarly := addTask(t, m, td2.ID, "high_early", 10)
	clock.Advance(time.Minute)

	ready, err := m.GetReadyTasks(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, highEarly.ID, ready[0].ID)
	assert.Equal(t, highLate.ID, ready[1].ID)
	assert.Equal(t, low.ID, ready[2].ID)
}

func TestDeferTask(t *testing.T) {
	m, _, clock, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	task := addTask(t, m, td.ID, "a", 1)
	_, err = m.StartTask(ctx, td.ID, task.ID)
	require.NoError(t, err)

	got, err := m.DeferTask(ctx, td.ID, task.ID, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)

	ready, err := m.GetReadyTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready)
	clock.Advance(time.Minute)
	ready, err = m.GetReadyTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestRecover_RequeuesInterruptedTasksIdempotently(t *testing.T) {
	store := storage.NewMemoryTodoStorage()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(store, nil, testPolicy(), WithClock(clock.Now))
	ctx := context.Background()

	running, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	task := addTask(t, m, running.ID, "a", 1)
	addTask(t, m, running.ID, "b", 1)
	_, err = m.StartTask(ctx, running.ID, task.ID)
	require.NoError(t, err)

	blocked, err := m.CreateTodo(ctx, "wf_2")
	require.NoError(t, err)
	bt := addTask(t, m, blocked.ID, "approval", 1)
	_, err = m.BlockTask(ctx, blocked.ID, bt.ID, "awaiting approval")
	require.NoError(t, err)

	_, err = m.CreateTodo(ctx, "wf_3")
	require.NoError(t, err)

	// a fresh manager over the same store stands in for a restarted process
	restarted := NewManager(store, nil, testPolicy(), WithClock(clock.Now))
	report, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{running.ID}, report.Pending)
	assert.Equal(t, []string{blocked.ID}, report.Blocked)
	assert.Equal(t, 1, report.Requeued)

	got, err := restarted.Get(ctx, running.ID)
	require.NoError(t, err)
	require.Len(t, got.PendingTasks, 2)
	assert.Equal(t, model.TaskStatusPending, got.Task(task.ID).Status)
	assert.Zero(t, got.Task(task.ID).RetryCount)

	again, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.Pending, again.Pending)
	assert.Equal(t, report.Blocked, again.Blocked)
	assert.Zero(t, again.Requeued)

	got, err = restarted.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Len(t, got.PendingTasks, 2, "recovery never duplicates tasks")
}

func TestClearCompletedAndAdvancement(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	a := addTask(t, m, td.ID, "calculate_priority", 1)
	b := addTask(t, m, td.ID, "select_workflow", 1)

	for _, id := range []string{a.ID, b.ID} {
		_, err := m.StartTask(ctx, td.ID, id)
		require.NoError(t, err)
		_, err = m.CompleteTask(ctx, td.ID, id, "out_1")
		require.NoError(t, err)
	}
	got, err := m.Get(ctx, td.ID)
	require.NoError(t, err)
	assert.True(t, IsReadyForAdvancement(got))

	got, err = m.ClearCompleted(ctx, td.ID, model.StateIntake)
	require.NoError(t, err)
	assert.Empty(t, got.PendingTasks)
	assert.True(t, IsReadyForAdvancement(got))
	assert.False(t, IsReadyForAdvancement(nil))
}

func TestCompleteTask_RequiresStart(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	task := addTask(t, m, td.ID, "a", 1)

	_, err = m.CompleteTask(ctx, td.ID, task.ID, "out")
	assert.ErrorIs(t, err, ErrTaskState)
	_, err = m.CompleteTask(ctx, td.ID, "task_missing", "out")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDropState_ReleasesTodoBlockedByDroppedTask(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	stuck := addTask(t, m, td.ID, "review_packet", 1)
	_, err = m.BlockTask(ctx, td.ID, stuck.ID, "reviewer unavailable")
	require.NoError(t, err)
	kept, _, err := m.AddTask(ctx, td.ID, TaskSpec{Type: "register_document", State: model.StatePublish})
	require.NoError(t, err)

	got, err := m.DropState(ctx, td.ID, model.StateIntake)
	require.NoError(t, err)
	assert.False(t, got.IsBlocked())
	require.Len(t, got.PendingTasks, 1)
	assert.Equal(t, kept.ID, got.PendingTasks[0].ID)

	got, err = m.DropState(ctx, td.ID, model.StateReview)
	require.NoError(t, err)
	assert.Len(t, got.PendingTasks, 1, "nothing left to drop")
}

func TestBlock_HaltsTodo(t *testing.T) {
	m, pub, _, _ := newTestManager(t)
	ctx := context.Background()
	td, err := m.CreateTodo(ctx, "wf_1")
	require.NoError(t, err)
	task := addTask(t, m, td.ID, "a", 1)

	got, err := m.Block(ctx, td.ID, "criteria unmet")
	require.NoError(t, err)
	assert.True(t, got.IsBlocked())
	_, err = m.Block(ctx, td.ID, "criteria unmet")
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count(events.EventTodoBlocked), "same reason twice publishes once")

	_, err = m.StartTask(ctx, td.ID, task.ID)
	assert.ErrorIs(t, err, ErrTodoBlocked)

	_, err = m.Block(ctx, td.ID, "")
	assert.Error(t, err)

	got, err = m.Unblock(ctx, td.ID, "operator")
	require.NoError(t, err)
	assert.False(t, got.IsBlocked())
}
