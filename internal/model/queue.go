package model

import "time"

// OrchestratorTodo is the durable task list of one workflow instance.
type OrchestratorTodo struct {
	ID            string             `json:"id" yaml:"id"`
	WorkflowID    string             `json:"workflow_id" yaml:"workflow_id"`
	PendingTasks  []OrchestratorTask `json:"pending_tasks" yaml:"pending_tasks"`
	BlockedBy     *string            `json:"blocked_by,omitempty" yaml:"blocked_by,omitempty"`
	TotalRetries  int                `json:"total_retries" yaml:"total_retries"`
	LastFailureAt *time.Time         `json:"last_failure_at,omitempty" yaml:"last_failure_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of t.
func (t *OrchestratorTodo) Clone() *OrchestratorTodo {
	if t == nil {
		return nil
	}
	return deepCopy(t)
}

// IsBlocked reports whether automatic progress is halted.
func (t *OrchestratorTodo) IsBlocked() bool {
	return t.BlockedBy != nil && *t.BlockedBy != ""
}

// Task returns a pointer into PendingTasks for id, or nil.
func (t *OrchestratorTodo) Task(id string) *OrchestratorTask {
	for i := range t.PendingTasks {
		if t.PendingTasks[i].ID == id {
			return &t.PendingTasks[i]
		}
	}
	return nil
}

// HasOpenTasks reports whether any task has not completed yet.
func (t *OrchestratorTodo) HasOpenTasks() bool {
	for i := range t.PendingTasks {
		if t.PendingTasks[i].Status != TaskStatusCompleted {
			return true
		}
	}
	return false
}

// OrchestratorTask is one atomic unit of delegated work.
type OrchestratorTask struct {
	ID            string         `json:"id" yaml:"id"`
	TodoID        string         `json:"todo_id" yaml:"todo_id"`
	WorkflowID    string         `json:"workflow_id" yaml:"workflow_id"`
	Type          string         `json:"type" yaml:"type"`
	State         WorkflowState  `json:"state" yaml:"state"`
	Role          SpecialistRole `json:"role,omitempty" yaml:"role,omitempty"`
	Perspective   string         `json:"perspective,omitempty" yaml:"perspective,omitempty"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Priority      int            `json:"priority" yaml:"priority"`
	Status        TaskStatus     `json:"status" yaml:"status"`
	RetryCount    int            `json:"retry_count" yaml:"retry_count"`
	MaxRetries    int            `json:"max_retries" yaml:"max_retries"`
	NextAttemptAt time.Time      `json:"next_attempt_at" yaml:"next_attempt_at"`
	BlockedBy     *string        `json:"blocked_by,omitempty" yaml:"blocked_by,omitempty"`
	LastError     *string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	OutputID      string         `json:"output_id,omitempty" yaml:"output_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Key identifies the deliverable a task produces, used to avoid duplicates.
func (t *OrchestratorTask) Key() string {
	return string(t.State) + "/" + t.Type + "/" + t.Perspective
}

// IsReady reports whether the task may be picked up at now.
func (t *OrchestratorTask) IsReady(now time.Time) bool {
	return t.Status == TaskStatusPending && !t.NextAttemptAt.After(now)
}
