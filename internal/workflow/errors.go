package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/govflow/internal/model"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrCriteriaUnmet     = errors.New("acceptance criteria unmet")
	ErrTerminalState     = errors.New("workflow is in a terminal state")
)

// IllegalTransitionError is returned when the target is not adjacent to the
// current state.
type IllegalTransitionError struct {
	From model.WorkflowState
	To   model.WorkflowState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s → %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// CriteriaUnmetError is returned when the current state's acceptance criteria
// do not hold. Missing lists absent required fields; Failed holds the
// state-specific predicate failure, if any.
type CriteriaUnmetError struct {
	State   model.WorkflowState
	Missing []string
	Failed  error
}

func (e *CriteriaUnmetError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if e.Failed != nil {
		parts = append(parts, e.Failed.Error())
	}
	return fmt.Sprintf("acceptance criteria unmet for %s: %s", e.State, strings.Join(parts, "; "))
}

func (e *CriteriaUnmetError) Is(target error) bool {
	return target == ErrCriteriaUnmet
}

func (e *CriteriaUnmetError) Unwrap() error {
	return e.Failed
}
