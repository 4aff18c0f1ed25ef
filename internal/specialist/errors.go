package specialist

import (
	"errors"
	"fmt"

	"github.com/msageha/govflow/internal/quality"
)

var (
	ErrUnknownRole = errors.New("unknown specialist role")
	// ErrCancelled is the cause recorded when an operator cancels a task.
	ErrCancelled = errors.New("cancelled by operator")
)

// FailureKind classifies why a specialist task did not produce output.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureCancelled   FailureKind = "cancelled"
	FailureProvider    FailureKind = "provider"
	FailureMalformed   FailureKind = "malformed"
	FailureQuality     FailureKind = "quality"
	FailureUnavailable FailureKind = "unavailable"
	FailureBudget      FailureKind = "budget"
)

// TaskFailure is the only error Execute returns for a task that ran.
type TaskFailure struct {
	Kind   FailureKind
	TaskID string
	Err    error
	// Quality is set for FailureQuality.
	Quality *quality.Result
}

func (f *TaskFailure) Error() string {
	return fmt.Sprintf("specialist task %s failed (%s): %v", f.TaskID, f.Kind, f.Err)
}

func (f *TaskFailure) Unwrap() error { return f.Err }

// Retryable reports whether the todo retry policy applies. Every kind is
// retryable; a cancelled task is treated like a timed-out one.
func (f *TaskFailure) Retryable() bool {
	return true
}

// AsTaskFailure unwraps err into a *TaskFailure.
func AsTaskFailure(err error) (*TaskFailure, bool) {
	var f *TaskFailure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
