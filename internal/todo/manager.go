// Package todo keeps each workflow's durable task list: creation, dispatch
// ordering, retry with exponential backoff, blocking and restart recovery.
package todo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/msageha/govflow/internal/events"
	"github.com/msageha/govflow/internal/lock"
	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/storage"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTodoBlocked  = errors.New("todo is blocked")
	ErrTaskState    = errors.New("task is not in a valid status for this operation")
)

// TaskSpec describes a deliverable to add to a Todo.
type TaskSpec struct {
	Type        string
	State       model.WorkflowState
	Role        model.SpecialistRole
	Perspective string
	Description string
	Priority    int
}

// RecoveryReport summarises what Recover found.
type RecoveryReport struct {
	Pending  []string
	Blocked  []string
	Requeued int
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithLocks shares a lock map with other managers touching the same Todos.
func WithLocks(l *lock.MutexMap) Option {
	return func(m *Manager) { m.locks = l }
}

// Manager serializes all mutation of a Todo behind its lock key and persists
// after every change.
type Manager struct {
	store  storage.TodoStorage
	bus    events.Publisher
	locks  *lock.MutexMap
	policy RetryPolicy
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(store storage.TodoStorage, bus events.Publisher, policy RetryPolicy, opts ...Option) *Manager {
	if bus == nil {
		bus = events.Discard{}
	}
	m := &Manager{
		store:  store,
		bus:    bus,
		locks:  lock.NewMutexMap(),
		policy: policy,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Policy() RetryPolicy { return m.policy }

// CreateTodo creates an empty Todo for a workflow.
func (m *Manager) CreateTodo(ctx context.Context, workflowID string) (*model.OrchestratorTodo, error) {
	id, err := model.GenerateID(model.IDTypeTodo)
	if err != nil {
		return nil, fmt.Errorf("generate todo id: %w", err)
	}
	now := m.now().UTC()
	td := &model.OrchestratorTodo{
		ID:           id,
		WorkflowID:   workflowID,
		PendingTasks: []model.OrchestratorTask{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Save(ctx, td); err != nil {
		return nil, fmt.Errorf("save todo %s: %w", id, err)
	}
	m.logger.Debug("todo created", "todo_id", id, "workflow_id", workflowID)
	return td.Clone(), nil
}

func (m *Manager) Get(ctx context.Context, todoID string) (*model.OrchestratorTodo, error) {
	return m.store.Get(ctx, todoID)
}

// AddTask appends a task unless one with the same state, type and
// perspective is still listed, in which case that task is returned and
// created is false.
func (m *Manager) AddTask(ctx context.Context, todoID string, spec TaskSpec) (task *model.OrchestratorTask, created bool, err error) {
	if spec.Type == "" {
		return nil, false, fmt.Errorf("add task: empty type")
	}
	_, err = m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		candidate := model.OrchestratorTask{Type: spec.Type, State: spec.State, Perspective: spec.Perspective}
		for i := range td.PendingTasks {
			if td.PendingTasks[i].Key() == candidate.Key() {
				existing := td.PendingTasks[i]
				task = &existing
				return nil, errUnchanged
			}
		}
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		t := model.OrchestratorTask{
			ID:            id,
			TodoID:        td.ID,
			WorkflowID:    td.WorkflowID,
			Type:          spec.Type,
			State:         spec.State,
			Role:          spec.Role,
			Perspective:   spec.Perspective,
			Description:   spec.Description,
			Priority:      spec.Priority,
			Status:        model.TaskStatusPending,
			MaxRetries:    m.policy.MaxRetries,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		td.PendingTasks = append(td.PendingTasks, t)
		task = &t
		created = true
		return []events.Event{taskEvent(events.EventTaskCreated, &t, map[string]any{
			"type":  t.Type,
			"state": string(t.State),
			"role":  string(t.Role),
		})}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return task, created, nil
}

// StartTask moves a ready task to in_progress.
func (m *Manager) StartTask(ctx context.Context, todoID, taskID string) (*model.OrchestratorTask, error) {
	var out model.OrchestratorTask
	_, err := m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		if td.IsBlocked() {
			return nil, fmt.Errorf("start task %s: %w: %s", taskID, ErrTodoBlocked, *td.BlockedBy)
		}
		t, err := findTask(td, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status == model.TaskStatusPending && t.NextAttemptAt.After(now) {
			return nil, fmt.Errorf("start task %s: %w: next attempt at %s", taskID, ErrTaskState, t.NextAttemptAt.Format(time.RFC3339))
		}
		if err := setStatus(t, model.TaskStatusInProgress, now); err != nil {
			return nil, err
		}
		t.StartedAt = &now
		out = *t
		return []events.Event{taskEvent(events.EventTaskStarted, t, map[string]any{"attempt": t.RetryCount + 1})}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteTask records outputID for an in-progress task, or resolves a
// blocked one. A Todo blocked only by resolved tasks is released.
func (m *Manager) CompleteTask(ctx context.Context, todoID, taskID, outputID string) (*model.OrchestratorTodo, error) {
	return m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		t, err := findTask(td, taskID)
		if err != nil {
			return nil, err
		}
		if err := setStatus(t, model.TaskStatusCompleted, now); err != nil {
			return nil, err
		}
		t.OutputID = outputID
		t.BlockedBy = nil
		t.CompletedAt = &now
		releaseIfResolved(td)
		return []events.Event{taskEvent(events.EventTaskCompleted, t, map[string]any{"output_id": outputID})}, nil
	})
}

// FailTask counts a failure. Below the task's retry ceiling it is
// rescheduled after Backoff(retryCount); at the ceiling it is marked failed
// and the whole Todo is blocked.
func (m *Manager) FailTask(ctx context.Context, todoID, taskID string, cause error) (*model.OrchestratorTask, error) {
	var out model.OrchestratorTask
	_, err := m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		t, err := findTask(td, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status != model.TaskStatusInProgress && t.Status != model.TaskStatusPending {
			return nil, fmt.Errorf("fail task %s: %w: %s", taskID, ErrTaskState, t.Status)
		}
		msg := "unknown failure"
		if cause != nil {
			msg = cause.Error()
		}
		t.RetryCount++
		t.LastError = &msg
		t.StartedAt = nil
		td.TotalRetries++
		td.LastFailureAt = &now

		if !m.policy.Exhausted(t.RetryCount, t.MaxRetries) {
			delay := m.policy.Backoff(t.RetryCount)
			t.Status = model.TaskStatusPending
			t.NextAttemptAt = now.Add(delay)
			t.UpdatedAt = now
			out = *t
			m.logger.Info("task retry scheduled", "task_id", t.ID, "retry", t.RetryCount, "delay", delay, "error", msg)
			return []events.Event{taskEvent(events.EventTaskRetryScheduled, t, map[string]any{
				"retry_count":     t.RetryCount,
				"delay_ms":        delay.Milliseconds(),
				"next_attempt_at": t.NextAttemptAt.Format(time.RFC3339Nano),
				"error":           msg,
			})}, nil
		}

		if err := setStatus(t, model.TaskStatusFailed, now); err != nil {
			return nil, err
		}
		reason := fmt.Sprintf("task %s (%s) failed after %d attempts: %s", t.ID, t.Type, t.RetryCount, msg)
		td.BlockedBy = &reason
		out = *t
		m.logger.Warn("task retries exhausted, todo blocked", "task_id", t.ID, "todo_id", td.ID, "error", msg)
		return []events.Event{
			taskEvent(events.EventTaskFailed, t, map[string]any{"retry_count": t.RetryCount, "error": msg}),
			todoEvent(td, reason),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BlockTask parks a task for human resolution and blocks its Todo.
func (m *Manager) BlockTask(ctx context.Context, todoID, taskID, reason string) (*model.OrchestratorTodo, error) {
	if reason == "" {
		return nil, fmt.Errorf("block task %s: empty reason", taskID)
	}
	return m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		t, err := findTask(td, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status == model.TaskStatusBlocked && t.BlockedBy != nil && *t.BlockedBy == reason {
			return nil, errUnchanged
		}
		if t.Status != model.TaskStatusBlocked {
			if err := setStatus(t, model.TaskStatusBlocked, now); err != nil {
				return nil, err
			}
		}
		r := reason
		t.BlockedBy = &r
		t.StartedAt = nil
		td.BlockedBy = &r
		return []events.Event{
			taskEvent(events.EventTaskBlocked, t, map[string]any{"reason": reason}),
			todoEvent(td, reason),
		}, nil
	})
}

// DeferTask pushes a pending or in-progress task's next attempt to until
// without counting a failure.
func (m *Manager) DeferTask(ctx context.Context, todoID, taskID string, until time.Time) (*model.OrchestratorTask, error) {
	var out model.OrchestratorTask
	_, err := m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		t, err := findTask(td, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status == model.TaskStatusInProgress {
			if err := setStatus(t, model.TaskStatusPending, now); err != nil {
				return nil, err
			}
		} else if t.Status != model.TaskStatusPending {
			return nil, fmt.Errorf("defer task %s: %w: %s", taskID, ErrTaskState, t.Status)
		}
		t.NextAttemptAt = until.UTC()
		t.StartedAt = nil
		t.UpdatedAt = now
		out = *t
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UnblockTask returns a blocked or failed task to pending with a fresh retry
// budget. The Todo is released once no blocked or failed task remains.
func (m *Manager) UnblockTask(ctx context.Context, todoID, taskID, actor string) (*model.OrchestratorTodo, error) {
	return m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		t, err := findTask(td, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status != model.TaskStatusBlocked && t.Status != model.TaskStatusFailed {
			return nil, fmt.Errorf("unblock task %s: %w: %s", taskID, ErrTaskState, t.Status)
		}
		resetTask(t, now)
		releaseIfResolved(td)
		return []events.Event{taskEvent(events.EventTaskUnblocked, t, map[string]any{"actor": actor})}, nil
	})
}

// Unblock clears the Todo's blockedBy and returns every blocked or failed
// task to pending with a fresh retry budget.
func (m *Manager) Unblock(ctx context.Context, todoID, actor string) (*model.OrchestratorTodo, error) {
	return m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		if !td.IsBlocked() {
			return nil, errUnchanged
		}
		var evs []events.Event
		for i := range td.PendingTasks {
			t := &td.PendingTasks[i]
			if t.Status == model.TaskStatusBlocked || t.Status == model.TaskStatusFailed {
				resetTask(t, now)
				evs = append(evs, taskEvent(events.EventTaskUnblocked, t, map[string]any{"actor": actor}))
			}
		}
		td.BlockedBy = nil
		m.logger.Info("todo unblocked", "todo_id", td.ID, "actor", actor, "tasks", len(evs))
		return evs, nil
	})
}

// ClearCompleted drops completed tasks that belong to state.
func (m *Manager) ClearCompleted(ctx context.Context, todoID string, state model.WorkflowState) (*model.OrchestratorTodo, error) {
	return m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		kept := td.PendingTasks[:0]
		for _, t := range td.PendingTasks {
			if t.Status == model.TaskStatusCompleted && t.State == state {
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == len(td.PendingTasks) {
			return nil, errUnchanged
		}
		td.PendingTasks = kept
		return nil, nil
	})
}

// DropState removes every task that belongs to state, whatever its status.
// Used when a forced transition abandons a state's deliverables.
func (m *Manager) DropState(ctx context.Context, todoID string, state model.WorkflowState) (*model.OrchestratorTodo, error) {
	return m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		kept := td.PendingTasks[:0]
		for _, t := range td.PendingTasks {
			if t.State == state {
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == len(td.PendingTasks) {
			return nil, errUnchanged
		}
		td.PendingTasks = kept
		releaseIfResolved(td)
		return nil, nil
	})
}

// Block halts the whole Todo for human attention without touching its tasks.
func (m *Manager) Block(ctx context.Context, todoID, reason string) (*model.OrchestratorTodo, error) {
	if reason == "" {
		return nil, fmt.Errorf("block todo %s: empty reason", todoID)
	}
	return m.mutate(ctx, todoID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
		if td.BlockedBy != nil && *td.BlockedBy == reason {
			return nil, errUnchanged
		}
		r := reason
		td.BlockedBy = &r
		m.logger.Warn("todo blocked", "todo_id", td.ID, "reason", reason)
		return []events.Event{todoEvent(td, reason)}, nil
	})
}

// GetReadyTasks returns every pending task whose next attempt is due, across
// all unblocked Todos, ordered by priority (highest first) then creation time.
func (m *Manager) GetReadyTasks(ctx context.Context) ([]model.OrchestratorTask, error) {
	todos, err := m.store.GetPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending todos: %w", err)
	}
	now := m.now()
	var ready []model.OrchestratorTask
	for _, td := range todos {
		if td.IsBlocked() {
			continue
		}
		for i := range td.PendingTasks {
			if td.PendingTasks[i].IsReady(now) {
				ready = append(ready, td.PendingTasks[i])
			}
		}
	}
	SortReady(ready)
	return ready, nil
}

// SortReady orders tasks by descending priority, then ascending creation time.
func SortReady(tasks []model.OrchestratorTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// IsReadyForAdvancement reports whether the Todo is unblocked and every task
// it lists has completed.
func IsReadyForAdvancement(td *model.OrchestratorTodo) bool {
	return td != nil && !td.IsBlocked() && !td.HasOpenTasks()
}

// Recover re-surfaces Todos after a restart. Tasks left in_progress by the
// previous process go back to pending without counting a failure. Running it
// twice changes nothing the second time.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	todos, err := m.store.GetAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list todos: %w", err)
	}
	for _, snapshot := range todos {
		td, err := m.mutate(ctx, snapshot.ID, func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error) {
			n := 0
			for i := range td.PendingTasks {
				t := &td.PendingTasks[i]
				if t.Status != model.TaskStatusInProgress {
					continue
				}
				t.Status = model.TaskStatusPending
				t.StartedAt = nil
				t.NextAttemptAt = now
				t.UpdatedAt = now
				n++
			}
			report.Requeued += n
			if n == 0 {
				return nil, errUnchanged
			}
			return nil, nil
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return report, err
		}
		switch {
		case td.IsBlocked():
			report.Blocked = append(report.Blocked, td.ID)
		case td.HasOpenTasks():
			report.Pending = append(report.Pending, td.ID)
		}
	}
	m.logger.Info("todo recovery complete",
		"pending", len(report.Pending), "blocked", len(report.Blocked), "requeued", report.Requeued)
	return report, nil
}

// errUnchanged short-circuits mutate without saving or publishing.
var errUnchanged = errors.New("unchanged")

func (m *Manager) mutate(ctx context.Context, todoID string, fn func(td *model.OrchestratorTodo, now time.Time) ([]events.Event, error)) (*model.OrchestratorTodo, error) {
	var (
		out *model.OrchestratorTodo
		evs []events.Event
	)
	err := m.locks.With(lock.TodoKey(todoID), func() error {
		td, err := m.store.Get(ctx, todoID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		evs, err = fn(td, now)
		if errors.Is(err, errUnchanged) {
			out = td
			return nil
		}
		if err != nil {
			return err
		}
		td.UpdatedAt = now
		if err := m.store.Save(ctx, td); err != nil {
			return fmt.Errorf("save todo %s: %w", todoID, err)
		}
		out = td
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range evs {
		m.bus.Publish(e)
	}
	return out, nil
}

func findTask(td *model.OrchestratorTodo, taskID string) (*model.OrchestratorTask, error) {
	t := td.Task(taskID)
	if t == nil {
		return nil, fmt.Errorf("%w: %s in todo %s", ErrTaskNotFound, taskID, td.ID)
	}
	return t, nil
}

func setStatus(t *model.OrchestratorTask, to model.TaskStatus, now time.Time) error {
	if err := model.ValidateTaskTransition(t.Status, to); err != nil {
		return fmt.Errorf("task %s: %w: %v", t.ID, ErrTaskState, err)
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

func resetTask(t *model.OrchestratorTask, now time.Time) {
	t.Status = model.TaskStatusPending
	t.RetryCount = 0
	t.BlockedBy = nil
	t.StartedAt = nil
	t.NextAttemptAt = now
	t.UpdatedAt = now
}

func releaseIfResolved(td *model.OrchestratorTodo) {
	if !td.IsBlocked() {
		return
	}
	for _, t := range td.PendingTasks {
		if t.Status == model.TaskStatusBlocked || t.Status == model.TaskStatusFailed {
			return
		}
	}
	td.BlockedBy = nil
}

func taskEvent(typ events.EventType, t *model.OrchestratorTask, data map[string]any) events.Event {
	if data == nil {
		data = map[string]any{}
	}
	data["todo_id"] = t.TodoID
	data["type"] = t.Type
	return events.Event{
		Type:       typ,
		WorkflowID: t.WorkflowID,
		TaskID:     t.ID,
		Data:       data,
	}
}

func todoEvent(td *model.OrchestratorTodo, reason string) events.Event {
	return events.Event{
		Type:       events.EventTodoBlocked,
		WorkflowID: td.WorkflowID,
		Data:       map[string]any{"todo_id": td.ID, "reason": reason},
	}
}
