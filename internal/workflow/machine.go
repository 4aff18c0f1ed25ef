// Package workflow implements the per-issue governance state machine.
package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/govflow/internal/model"
)

const (
	DefaultPriorityThreshold  = 100
	DefaultConsensusThreshold = 60
)

// Options tune the recommended-state branching.
type Options struct {
	PriorityThreshold  float64          `json:"priority_threshold"`
	ConsensusThreshold float64          `json:"consensus_threshold"`
	Now                func() time.Time `json:"-"`
}

func (o Options) withDefaults() Options {
	if o.PriorityThreshold == 0 {
		o.PriorityThreshold = DefaultPriorityThreshold
	}
	if o.ConsensusThreshold == 0 {
		o.ConsensusThreshold = DefaultConsensusThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// StateMachine owns the context of exactly one workflow.
type StateMachine struct {
	mu   sync.Mutex
	ctx  *model.WorkflowContext
	opts Options
}

// New starts a workflow for issue in INTAKE.
func New(id string, issue model.Issue, opts Options) *StateMachine {
	opts = opts.withDefaults()
	now := opts.Now().UTC()
	return &StateMachine{
		ctx: &model.WorkflowContext{
			IssueID:      id,
			Issue:        issue,
			CurrentState: model.StateIntake,
			StateHistory: []model.TransitionRecord{},
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		opts: opts,
	}
}

// FromContext wraps an existing context, e.g. one loaded from storage.
func FromContext(c *model.WorkflowContext, opts Options) (*StateMachine, error) {
	if c == nil {
		return nil, fmt.Errorf("nil workflow context")
	}
	if _, ok := adjacency[c.CurrentState]; !ok {
		return nil, fmt.Errorf("unknown workflow state %q", c.CurrentState)
	}
	return &StateMachine{ctx: c.Clone(), opts: opts.withDefaults()}, nil
}

func (m *StateMachine) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.IssueID
}

func (m *StateMachine) State() model.WorkflowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.CurrentState
}

// Context returns a copy of the current context.
func (m *StateMachine) Context() *model.WorkflowContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.Clone()
}

func (m *StateMachine) Options() Options {
	return m.opts
}

func (m *StateMachine) CanTransitionTo(target model.WorkflowState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Adjacent(m.ctx.CurrentState, target)
}

// Transition moves to target after checking adjacency and the current state's
// acceptance criteria. The context is left untouched on error.
func (m *StateMachine) Transition(target model.WorkflowState, reason, actor string) (*model.WorkflowContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.ctx.CurrentState
	if !Adjacent(from, target) {
		return nil, &IllegalTransitionError{From: from, To: target}
	}
	if err := CheckCriteria(m.ctx); err != nil {
		return nil, err
	}
	m.apply(target, reason, actor, false)
	return m.ctx.Clone(), nil
}

// ForceTransition moves to target without any validation. The history record
// is tagged as forced.
func (m *StateMachine) ForceTransition(target model.WorkflowState, reason, actor string) (*model.WorkflowContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := adjacency[target]; !ok {
		return nil, fmt.Errorf("unknown workflow state %q", target)
	}
	m.apply(target, reason, actor, true)
	return m.ctx.Clone(), nil
}

func (m *StateMachine) apply(target model.WorkflowState, reason, actor string, forced bool) {
	now := m.opts.Now().UTC()
	m.ctx.StateHistory = append(m.ctx.StateHistory, model.TransitionRecord{
		From:      m.ctx.CurrentState,
		To:        target,
		Timestamp: now,
		Reason:    reason,
		Actor:     actor,
		Forced:    forced,
	})
	m.ctx.CurrentState = target
	m.ctx.UpdatedAt = now
}

// CheckCriteria reports whether the current state's acceptance criteria hold.
func (m *StateMachine) CheckCriteria() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CheckCriteria(m.ctx)
}

// SetWorkflowType records the playbook chosen at intake.
func (m *StateMachine) SetWorkflowType(t model.WorkflowType) error {
	if !t.Valid() {
		return fmt.Errorf("invalid workflow type %q", t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.CurrentState.IsTerminal() {
		return ErrTerminalState
	}
	m.ctx.WorkflowType = t
	m.ctx.UpdatedAt = m.opts.Now().UTC()
	return nil
}

// BindTodo records the Todo that carries this workflow's tasks. It may only
// be set once.
func (m *StateMachine) BindTodo(todoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.TodoID != "" && m.ctx.TodoID != todoID {
		return fmt.Errorf("workflow %s already bound to todo %s", m.ctx.IssueID, m.ctx.TodoID)
	}
	m.ctx.TodoID = todoID
	return nil
}

// Update mutates the artifacts through fn. Changes made by a failing fn are
// discarded.
func (m *StateMachine) Update(fn func(*model.Artifacts) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.CurrentState.IsTerminal() {
		return ErrTerminalState
	}
	next := m.ctx.Clone()
	if err := fn(&next.Artifacts); err != nil {
		return err
	}
	next.UpdatedAt = m.opts.Now().UTC()
	m.ctx = next
	return nil
}

// NextRecommendedState returns the default next state for the context, or
// false when the context does not yet determine one.
func (m *StateMachine) NextRecommendedState() (model.WorkflowState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NextRecommendedState(m.ctx, m.opts)
}

// NextRecommendedState is the pure happy-path branching rule.
func NextRecommendedState(c *model.WorkflowContext, opts Options) (model.WorkflowState, bool) {
	opts = opts.withDefaults()
	a := &c.Artifacts
	switch c.CurrentState {
	case model.StateIntake:
		return model.StateTriage, true
	case model.StateTriage:
		if a.PriorityScore == nil {
			return "", false
		}
		if a.PriorityScore.Total > opts.PriorityThreshold {
			return model.StateDeliberation, true
		}
		return model.StateResearch, true
	case model.StateResearch:
		return model.StateDeliberation, true
	case model.StateDeliberation:
		if a.ConsensusScore == nil {
			return "", false
		}
		if *a.ConsensusScore < opts.ConsensusThreshold {
			return model.StateRejected, true
		}
		return model.StateDecisionPacket, true
	case model.StateDecisionPacket:
		if a.DecisionPacket != nil && a.DecisionPacket.RiskLevel == model.RiskLow {
			return model.StatePublish, true
		}
		return model.StateReview, true
	case model.StateReview:
		if a.ReviewVerdict == nil {
			return "", false
		}
		switch a.ReviewVerdict.Verdict {
		case model.VerdictApprove:
			return model.StatePublish, true
		case model.VerdictRevise:
			return model.StateDecisionPacket, true
		case model.VerdictReject:
			return model.StateRejected, true
		}
		return "", false
	case model.StatePublish:
		if a.DecisionPacket != nil && a.DecisionPacket.RequiresExecution {
			return model.StateExecLocked, true
		}
		return model.StateCompleted, true
	case model.StateExecLocked:
		if a.ExecutionRejected {
			return model.StateRejected, true
		}
		return model.StateOutcomeProof, true
	case model.StateOutcomeProof:
		return model.StateCompleted, true
	case model.StateCompleted, model.StateRejected:
		return model.StateArchived, true
	}
	return "", false
}

type snapshot struct {
	Context *model.WorkflowContext `json:"context"`
	Options Options                `json:"options"`
}

// Marshal encodes the context and options. Times use RFC3339 with nanoseconds.
func (m *StateMachine) Marshal() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(snapshot{Context: m.ctx, Options: m.opts})
}

// Unmarshal restores a machine from Marshal output. now replaces the clock,
// which is not persisted; nil means time.Now.
func Unmarshal(data []byte, now func() time.Time) (*StateMachine, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode workflow snapshot: %w", err)
	}
	s.Options.Now = now
	return FromContext(s.Context, s.Options)
}
