// Package orchestrator drives governance workflows: it turns each state's
// deliverables into Todo tasks, dispatches them to specialists, folds the
// results into the workflow context and advances the state machine once a
// state's tasks are complete.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/govflow/internal/consensus"
	"github.com/msageha/govflow/internal/events"
	"github.com/msageha/govflow/internal/lock"
	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/specialist"
	"github.com/msageha/govflow/internal/storage"
	"github.com/msageha/govflow/internal/todo"
	"github.com/msageha/govflow/internal/workflow"
)

// Actor is recorded on transitions the orchestrator makes on its own.
const Actor = "orchestrator"

// DefaultApprovers is used when a packet that requires execution names no
// approvers.
var DefaultApprovers = []string{"governance_board"}

var (
	ErrWrongState      = errors.New("workflow is not in the required state")
	ErrUnknownApprover = errors.New("approver is not required for this workflow")
	errNoRoute         = errors.New("no recommended next state")
	errUnchanged       = errors.New("unchanged")
)

// RunReport summarises one RunOnce pass. Skipped counts tasks left alone
// because their workflow moved on or another pass already started them.
type RunReport struct {
	Dispatched int
	Succeeded  int
	Failed     int
	Skipped    int
	Advanced   int
}

// RecoveryReport summarises Recover.
type RecoveryReport struct {
	Workflows int      `json:"workflows"`
	Requeued  int      `json:"requeued"`
	Blocked   []string `json:"blocked,omitempty"`
}

// Snapshot is everything known about one workflow.
type Snapshot struct {
	Workflow  *model.WorkflowContext      `json:"workflow"`
	Todo      *model.OrchestratorTodo     `json:"todo,omitempty"`
	Consensus *model.PassiveConsensusItem `json:"consensus,omitempty"`
}

// Subscriber is the subscribing half of the event bus.
type Subscriber interface {
	Subscribe(events.EventType, events.Subscriber) func()
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithLocks(l *lock.MutexMap) Option {
	return func(o *Orchestrator) { o.locks = l }
}

// WithLanguages sets the languages publication summaries are translated into.
func WithLanguages(langs []string) Option {
	return func(o *Orchestrator) { o.languages = langs }
}

// WithThresholds overrides the priority and consensus branching thresholds.
func WithThresholds(priority, consensus float64) Option {
	return func(o *Orchestrator) {
		o.wfOpts.PriorityThreshold = priority
		o.wfOpts.ConsensusThreshold = consensus
	}
}

type Orchestrator struct {
	workflows   storage.WorkflowStorage
	todos       *todo.Manager
	specialists *specialist.Manager
	consensus   *consensus.Manager
	bus         events.Publisher
	locks       *lock.MutexMap
	wfOpts      workflow.Options
	languages   []string
	now         func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	running map[string]string // orchestrator task ID -> specialist task ID
}

func New(workflows storage.WorkflowStorage, todos *todo.Manager, specialists *specialist.Manager,
	cons *consensus.Manager, bus events.Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		workflows:   workflows,
		todos:       todos,
		specialists: specialists,
		consensus:   cons,
		bus:         bus,
		now:         time.Now,
		logger:      slog.Default(),
		running:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = events.Discard{}
	}
	if o.locks == nil {
		o.locks = lock.NewMutexMap()
	}
	o.wfOpts.Now = o.now
	return o
}

// StartWorkflow opens a workflow for issue in INTAKE together with its Todo
// and the intake tasks.
func (o *Orchestrator) StartWorkflow(ctx context.Context, issue model.Issue) (*model.WorkflowContext, error) {
	if strings.TrimSpace(issue.Title) == "" {
		return nil, errors.New("issue title is required")
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = o.now().UTC()
	}
	id := model.MustGenerateID(model.IDTypeWorkflow)
	if issue.ID == "" {
		issue.ID = id
	}
	sm := workflow.New(id, issue, o.wfOpts)

	td, err := o.todos.CreateTodo(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sm.BindTodo(td.ID); err != nil {
		return nil, err
	}
	if err := o.workflows.Save(ctx, sm.Context()); err != nil {
		return nil, fmt.Errorf("save workflow %s: %w", id, err)
	}
	o.bus.Publish(events.Event{
		Type:       events.EventWorkflowStarted,
		WorkflowID: id,
		Data:       map[string]any{"issue_id": issue.ID, "title": issue.Title, "todo_id": td.ID},
	})
	o.logger.Info("workflow started", "workflow_id", id, "issue", issue.ID)

	if err := o.prepareState(ctx, id); err != nil {
		return nil, err
	}
	return o.workflows.Get(ctx, id)
}

func (o *Orchestrator) Get(ctx context.Context, id string) (*model.WorkflowContext, error) {
	return o.workflows.Get(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context) ([]*model.WorkflowContext, error) {
	return o.workflows.GetAll(ctx)
}

// Snapshot gathers the workflow, its Todo and its open consensus item.
func (o *Orchestrator) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	wf, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Workflow: wf}
	if wf.TodoID != "" {
		if s.Todo, err = o.todos.Get(ctx, wf.TodoID); err != nil {
			return nil, err
		}
	}
	if wf.Artifacts.ConsensusItemID != "" {
		if s.Consensus, err = o.consensus.Get(ctx, wf.Artifacts.ConsensusItemID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RunOnce dispatches every ready task, waits for them, then tries to advance
// every open workflow by one state. Tasks take specialist slots in the order
// GetReadyTasks returns them.
func (o *Orchestrator) RunOnce(ctx context.Context) (RunReport, error) {
	var report RunReport
	ready, err := o.todos.GetReadyTasks(ctx)
	if err != nil {
		return report, err
	}

	var outcomes [numOutcomes]atomic.Int64
	g := new(errgroup.Group)
	if n := o.specialists.Stats().MaxConcurrent; n > 0 {
		g.SetLimit(int(n))
	}
	for _, t := range ready {
		if t.Role == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		report.Dispatched++
		// Blocks while every slot is taken.
		g.Go(func() error {
			outcomes[o.dispatch(ctx, t)].Add(1)
			return nil
		})
	}
	_ = g.Wait()
	report.Succeeded = int(outcomes[outcomeCompleted].Load())
	report.Failed = int(outcomes[outcomeFailed].Load())
	report.Skipped = int(outcomes[outcomeSkipped].Load())

	if err := ctx.Err(); err != nil {
		return report, err
	}
	wfs, err := o.workflows.GetAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list workflows: %w", err)
	}
	for _, wf := range wfs {
		if wf.CurrentState.IsTerminal() {
			continue
		}
		advanced, err := o.Advance(ctx, wf.IssueID)
		if err != nil {
			o.logger.Warn("workflow did not advance", "workflow_id", wf.IssueID, "error", err)
			continue
		}
		if advanced {
			report.Advanced++
		}
	}
	return report, nil
}

// Run calls RunOnce immediately and then every interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("orchestrator poll interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	report, err := o.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		o.logger.Error("orchestrator pass", "error", err)
	}
	if report.Dispatched > 0 || report.Advanced > 0 {
		o.logger.Info("orchestrator pass",
			"dispatched", report.Dispatched, "succeeded", report.Succeeded,
			"failed", report.Failed, "skipped", report.Skipped, "advanced", report.Advanced)
	}
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeSkipped
	numOutcomes
)

// dispatch runs one task through its specialist and records the outcome.
// Once the specialist has been called the outcome is persisted even if ctx
// is cancelled, so an interrupted task counts as a failure like a timeout.
func (o *Orchestrator) dispatch(ctx context.Context, t model.OrchestratorTask) outcome {
	log := o.logger.With("workflow_id", t.WorkflowID, "task_id", t.ID, "type", t.Type)
	if ctx.Err() != nil {
		return outcomeSkipped
	}
	wf, err := o.workflows.Get(ctx, t.WorkflowID)
	if err != nil {
		log.Error("load workflow for task", "error", err)
		return outcomeFailed
	}
	if wf.CurrentState != t.State {
		log.Debug("skipping task of a state the workflow has left", "state", t.State, "current", wf.CurrentState)
		return outcomeSkipped
	}
	if _, err := o.todos.StartTask(ctx, t.TodoID, t.ID); err != nil {
		log.Debug("task not started", "error", err)
		return outcomeSkipped
	}

	st := specialistTask(wf, t)
	o.track(t.ID, st.ID)
	out, err := o.specialists.Execute(ctx, st)
	o.untrack(t.ID)

	rctx := context.WithoutCancel(ctx)
	if err != nil {
		o.fail(rctx, t, err)
		return outcomeFailed
	}
	_, err = o.withWorkflow(rctx, t.WorkflowID, func(sm *workflow.StateMachine) error {
		if s := sm.State(); s != t.State {
			return fmt.Errorf("%w: workflow moved to %s while %s ran", ErrWrongState, s, t.Type)
		}
		return applyOutput(sm, t, out)
	})
	if err != nil {
		o.fail(rctx, t, err)
		return outcomeFailed
	}
	if _, err := o.todos.CompleteTask(rctx, t.TodoID, t.ID, out.ID); err != nil {
		log.Error("complete task", "error", err)
		return outcomeFailed
	}
	if out.RequiresReview {
		o.bus.Publish(events.Event{
			Type:       events.EventQualityReviewFlagged,
			WorkflowID: t.WorkflowID,
			TaskID:     t.ID,
			Data: map[string]any{
				"output_id":  out.ID,
				"role":       string(out.Role),
				"task_type":  t.Type,
				"confidence": out.Confidence,
			},
		})
	}
	log.Info("task completed", "output_id", out.ID, "tokens", out.TokensUsed, "requires_review", out.RequiresReview)
	return outcomeCompleted
}

func (o *Orchestrator) fail(ctx context.Context, t model.OrchestratorTask, cause error) {
	kind := "apply"
	if f, ok := specialist.AsTaskFailure(cause); ok {
		kind = string(f.Kind)
	}
	if _, err := o.todos.FailTask(ctx, t.TodoID, t.ID, cause); err != nil {
		o.logger.Error("record task failure", "task_id", t.ID, "cause", cause, "error", err)
		return
	}
	o.logger.Warn("task failed", "workflow_id", t.WorkflowID, "task_id", t.ID, "type", t.Type, "kind", kind, "error", cause)
}

func (o *Orchestrator) track(taskID, specialistID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[taskID] = specialistID
}

func (o *Orchestrator) untrack(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, taskID)
}

// CancelTask cancels the in-flight generation of an orchestrator task. The
// task then fails and is retried under the usual policy.
func (o *Orchestrator) CancelTask(taskID string) bool {
	o.mu.Lock()
	spt, ok := o.running[taskID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	return o.specialists.Cancel(spt)
}

// Advance moves the workflow to its recommended next state once its Todo is
// unblocked and every task is complete. It reports whether it moved. A
// complete Todo whose state criteria still fail is blocked for a human.
func (o *Orchestrator) Advance(ctx context.Context, id string) (bool, error) {
	wf, err := o.workflows.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if wf.CurrentState.IsTerminal() {
		return false, nil
	}
	if wf.CurrentState == model.StatePublish {
		if err := o.syncPublication(ctx, id); err != nil {
			o.logger.Warn("sync publication", "workflow_id", id, "error", err)
		}
	}
	td, err := o.todos.Get(ctx, wf.TodoID)
	if err != nil {
		return false, fmt.Errorf("load todo %s: %w", wf.TodoID, err)
	}
	if !todo.IsReadyForAdvancement(td) {
		return false, nil
	}

	var from, to model.WorkflowState
	_, err = o.withWorkflow(ctx, id, func(sm *workflow.StateMachine) error {
		from = sm.State()
		if from.IsTerminal() {
			return errUnchanged
		}
		if err := sm.CheckCriteria(); err != nil {
			return err
		}
		next, ok := sm.NextRecommendedState()
		if !ok {
			return fmt.Errorf("%w from %s", errNoRoute, from)
		}
		if _, err := sm.Transition(next, "acceptance criteria met", Actor); err != nil {
			return err
		}
		to = next
		return nil
	})
	if err != nil {
		if errors.Is(err, workflow.ErrCriteriaUnmet) || errors.Is(err, errNoRoute) {
			if _, berr := o.todos.Block(ctx, td.ID, err.Error()); berr != nil {
				o.logger.Error("block todo", "todo_id", td.ID, "error", berr)
			}
		}
		return false, err
	}
	if to == "" {
		return false, nil
	}
	o.bus.Publish(events.Event{
		Type:       events.EventWorkflowTransition,
		WorkflowID: id,
		Data:       map[string]any{"from": string(from), "to": string(to), "actor": Actor},
	})
	o.logger.Info("workflow advanced", "workflow_id", id, "from", from, "to", to)

	if _, err := o.todos.ClearCompleted(ctx, td.ID, from); err != nil {
		return true, err
	}
	return true, o.prepareState(ctx, id)
}

// ForceTransition moves a workflow to target without validation, dropping
// the open tasks of the state it leaves.
func (o *Orchestrator) ForceTransition(ctx context.Context, id string, target model.WorkflowState, reason, actor string) (*model.WorkflowContext, error) {
	if reason == "" {
		return nil, errors.New("forced transition needs a reason")
	}
	var from model.WorkflowState
	wf, err := o.withWorkflow(ctx, id, func(sm *workflow.StateMachine) error {
		from = sm.State()
		_, err := sm.ForceTransition(target, reason, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.bus.Publish(events.Event{
		Type:       events.EventWorkflowForcedTransition,
		WorkflowID: id,
		Data:       map[string]any{"from": string(from), "to": string(target), "actor": actor, "reason": reason},
	})
	o.logger.Warn("workflow force-transitioned", "workflow_id", id, "from", from, "to", target, "actor", actor)

	if from != target {
		if _, err := o.todos.DropState(ctx, wf.TodoID, from); err != nil {
			return nil, err
		}
	}
	if err := o.prepareState(ctx, id); err != nil {
		return nil, err
	}
	return o.workflows.Get(ctx, id)
}

// Archive retires a COMPLETED or REJECTED workflow.
func (o *Orchestrator) Archive(ctx context.Context, id, actor string) (*model.WorkflowContext, error) {
	var from model.WorkflowState
	wf, err := o.withWorkflow(ctx, id, func(sm *workflow.StateMachine) error {
		from = sm.State()
		if from != model.StateCompleted && from != model.StateRejected {
			return fmt.Errorf("%w: archive needs COMPLETED or REJECTED, workflow is %s", ErrWrongState, from)
		}
		_, err := sm.Transition(model.StateArchived, "archived", actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.bus.Publish(events.Event{
		Type:       events.EventWorkflowTransition,
		WorkflowID: id,
		Data:       map[string]any{"from": string(from), "to": string(model.StateArchived), "actor": actor},
	})
	return wf, nil
}

// Unblock releases a blocked Todo. At publication a vetoed or escalated
// document is put back into review under a fresh consensus item.
func (o *Orchestrator) Unblock(ctx context.Context, id, actor string) (*model.WorkflowContext, error) {
	wf, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.CurrentState == model.StatePublish && wf.Artifacts.ConsensusItemID != "" {
		item, err := o.consensus.Get(ctx, wf.Artifacts.ConsensusItemID)
		if err != nil {
			return nil, err
		}
		if item.Status == model.ConsensusVetoed || item.Status == model.ConsensusEscalated {
			_, err := o.withWorkflow(ctx, id, func(sm *workflow.StateMachine) error {
				return sm.Update(func(a *model.Artifacts) error {
					a.ConsensusItemID = ""
					a.PublicationApproved = false
					return nil
				})
			})
			if err != nil {
				return nil, err
			}
		}
	}
	if _, err := o.todos.Unblock(ctx, wf.TodoID, actor); err != nil {
		return nil, err
	}
	if err := o.prepareState(ctx, id); err != nil {
		return nil, err
	}
	return o.workflows.Get(ctx, id)
}

// GrantApproval records one execution approval. Once every required
// approver has signed, the lock is released and the workflow advances.
func (o *Orchestrator) GrantApproval(ctx context.Context, id, approver string) (*model.WorkflowContext, error) {
	var complete bool
	wf, err := o.withWorkflow(ctx, id, func(sm *workflow.StateMachine) error {
		c := sm.Context()
		if c.CurrentState != model.StateExecLocked {
			return fmt.Errorf("%w: %s is %s, not %s", ErrWrongState, id, c.CurrentState, model.StateExecLocked)
		}
		if !slices.Contains(c.Artifacts.RequiredApprovals, approver) {
			return fmt.Errorf("%w: %q (required: %s)", ErrUnknownApprover, approver, strings.Join(c.Artifacts.RequiredApprovals, ", "))
		}
		if c.Artifacts.HasApproval(approver) {
			complete = c.Artifacts.AllApprovalsGranted()
			return errUnchanged
		}
		err := sm.Update(func(a *model.Artifacts) error {
			a.GrantedApprovals = append(a.GrantedApprovals, model.Approval{Approver: approver, GrantedAt: o.now().UTC()})
			complete = a.AllApprovalsGranted()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("execution approval granted", "workflow_id", id, "approver", approver, "complete", complete)
	if !complete {
		return wf, nil
	}
	return o.releaseLock(ctx, wf, "approved")
}

// RejectExecution refuses execution. The workflow ends REJECTED.
func (o *Orchestrator) RejectExecution(ctx context.Context, id, actor, reason string) (*model.WorkflowContext, error) {
	wf, err := o.withWorkflow(ctx, id, func(sm *workflow.StateMachine) error {
		if s := sm.State(); s != model.StateExecLocked {
			return fmt.Errorf("%w: %s is %s, not %s", ErrWrongState, id, s, model.StateExecLocked)
		}
		return sm.Update(func(a *model.Artifacts) error {
			a.ExecutionRejected = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	o.logger.Warn("execution rejected", "workflow_id", id, "actor", actor, "reason", reason)
	return o.releaseLock(ctx, wf, "rejected by "+actor)
}

func (o *Orchestrator) releaseLock(ctx context.Context, wf *model.WorkflowContext, outcome string) (*model.WorkflowContext, error) {
	if err := o.completeHumanTask(ctx, wf, TaskExecApproval, outcome); err != nil {
		return nil, err
	}
	if _, err := o.Advance(ctx, wf.IssueID); err != nil {
		return nil, err
	}
	return o.workflows.Get(ctx, wf.IssueID)
}

// Recover re-surfaces state after a restart: interrupted tasks are requeued
// and every open workflow gets any state setup or task it is missing.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	tr, err := o.todos.Recover(ctx)
	if err != nil {
		return report, err
	}
	report.Requeued = tr.Requeued
	report.Blocked = tr.Blocked

	wfs, err := o.workflows.GetAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list workflows: %w", err)
	}
	var errs []error
	for _, wf := range wfs {
		if wf.CurrentState.IsTerminal() {
			continue
		}
		report.Workflows++
		if err := o.prepareState(ctx, wf.IssueID); err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", wf.IssueID, err))
			continue
		}
		if err := o.syncPublication(ctx, wf.IssueID); err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", wf.IssueID, err))
		}
	}
	o.logger.Info("orchestrator recovery complete",
		"workflows", report.Workflows, "requeued", report.Requeued, "blocked", len(report.Blocked))
	return report, errors.Join(errs...)
}

// Attach keeps publication tasks in step with consensus decisions as they
// are published. The returned func detaches.
func (o *Orchestrator) Attach(bus Subscriber) func() {
	handler := func(e events.Event) {
		if e.WorkflowID == "" {
			return
		}
		if err := o.syncPublication(context.Background(), e.WorkflowID); err != nil {
			o.logger.Warn("sync publication", "workflow_id", e.WorkflowID, "event", e.Type, "error", err)
		}
	}
	var unsubs []func()
	for _, typ := range []events.EventType{
		events.EventConsensusApproved,
		events.EventConsensusAutoApproved,
		events.EventConsensusVetoed,
		events.EventConsensusEscalated,
	} {
		unsubs = append(unsubs, bus.Subscribe(typ, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// prepareState performs the idempotent setup of the workflow's current
// state: publication opens a consensus item, the execution lock records who
// must approve, and every deliverable gets a task.
func (o *Orchestrator) prepareState(ctx context.Context, id string) error {
	wf, err := o.withWorkflow(ctx, id, func(sm *workflow.StateMachine) error {
		c := sm.Context()
		p := c.Artifacts.DecisionPacket
		switch c.CurrentState {
		case model.StatePublish:
			if c.Artifacts.ConsensusItemID != "" {
				return errUnchanged
			}
			req := consensus.CreateRequest{WorkflowID: id, Title: c.Issue.Title, RiskLevel: model.RiskHigh, DocumentID: id}
			if p != nil {
				req.Title = p.Title
				req.ContentHash = p.ContentHash
				req.RiskLevel = p.RiskLevel
				req.DocumentID = fmt.Sprintf("%s-r%d", id, p.Revision)
			}
			item, err := o.consensus.Create(ctx, req)
			if err != nil {
				return err
			}
			return sm.Update(func(a *model.Artifacts) error {
				a.ConsensusItemID = item.ID
				a.PublicationApproved = false
				return nil
			})
		case model.StateExecLocked:
			if c.Artifacts.LockReason != "" {
				return errUnchanged
			}
			approvers := DefaultApprovers
			if p != nil && len(p.RequiredApprovals) > 0 {
				approvers = p.RequiredApprovals
			}
			return sm.Update(func(a *model.Artifacts) error {
				a.LockReason = "decision requires execution; awaiting human approval"
				a.RequiredApprovals = slices.Clone(approvers)
				a.GrantedApprovals = nil
				a.ExecutionRejected = false
				return nil
			})
		}
		return errUnchanged
	})
	if err != nil {
		return err
	}

	priority := 0
	if ps := wf.Artifacts.PriorityScore; ps != nil {
		priority = int(ps.Total)
	}
	for _, d := range DeliverablesFor(wf.CurrentState, o.languages) {
		task, created, err := o.todos.AddTask(ctx, wf.TodoID, todo.TaskSpec{
			Type:        d.Type,
			State:       wf.CurrentState,
			Role:        d.Role,
			Perspective: d.Perspective,
			Description: d.Description,
			Priority:    priority,
		})
		if err != nil {
			return fmt.Errorf("add %s task: %w", d.Type, err)
		}
		if d.Type == TaskExecApproval && task.Status == model.TaskStatusPending {
			reason := "awaiting execution approval from " + strings.Join(wf.Artifacts.RequiredApprovals, ", ")
			if _, err := o.todos.BlockTask(ctx, wf.TodoID, task.ID, reason); err != nil {
				return err
			}
		}
		if created {
			o.logger.Debug("task added", "workflow_id", id, "type", d.Type, "perspective", d.Perspective)
		}
	}
	return nil
}

// syncPublication mirrors the consensus item's status onto the publication
// review task: approval completes it, a veto or escalation blocks it.
func (o *Orchestrator) syncPublication(ctx context.Context, id string) error {
	wf, err := o.workflows.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.CurrentState != model.StatePublish || wf.Artifacts.ConsensusItemID == "" {
		return nil
	}
	item, err := o.consensus.Get(ctx, wf.Artifacts.ConsensusItemID)
	if err != nil {
		return err
	}
	switch item.Status {
	case model.ConsensusExplicitlyApproved, model.ConsensusApprovedByTimeout:
		if !wf.Artifacts.PublicationApproved {
			wf, err = o.withWorkflow(ctx, id, func(sm *workflow.StateMachine) error {
				if sm.Context().Artifacts.ConsensusItemID != item.ID {
					return errUnchanged
				}
				return sm.Update(func(a *model.Artifacts) error {
					a.PublicationApproved = true
					return nil
				})
			})
			if err != nil {
				return err
			}
		}
		return o.completeHumanTask(ctx, wf, TaskPublicationReview, item.ID)
	case model.ConsensusVetoed, model.ConsensusEscalated:
		task, err := o.findTask(ctx, wf, TaskPublicationReview)
		if err != nil || task == nil {
			return err
		}
		if task.Status == model.TaskStatusBlocked || task.Status == model.TaskStatusCompleted {
			return nil
		}
		_, err = o.todos.BlockTask(ctx, wf.TodoID, task.ID, objectionReason(item))
		return err
	}
	return nil
}

func objectionReason(item *model.PassiveConsensusItem) string {
	verb, list := "vetoed", item.Vetoes
	if item.Status == model.ConsensusEscalated {
		verb, list = "escalated", item.Escalations
	}
	if len(list) == 0 {
		return fmt.Sprintf("publication %s (consensus item %s)", verb, item.ID)
	}
	last := list[len(list)-1]
	return fmt.Sprintf("publication %s by %s: %s (consensus item %s)", verb, last.Actor, last.Reason, item.ID)
}

// completeHumanTask resolves the current state's task of type typ.
func (o *Orchestrator) completeHumanTask(ctx context.Context, wf *model.WorkflowContext, typ, outputID string) error {
	task, err := o.findTask(ctx, wf, typ)
	if err != nil || task == nil {
		return err
	}
	switch task.Status {
	case model.TaskStatusCompleted:
		return nil
	case model.TaskStatusPending:
		if _, err := o.todos.StartTask(ctx, wf.TodoID, task.ID); err != nil {
			return err
		}
	}
	_, err = o.todos.CompleteTask(ctx, wf.TodoID, task.ID, outputID)
	return err
}

func (o *Orchestrator) findTask(ctx context.Context, wf *model.WorkflowContext, typ string) (*model.OrchestratorTask, error) {
	td, err := o.todos.Get(ctx, wf.TodoID)
	if err != nil {
		return nil, err
	}
	for i := range td.PendingTasks {
		t := &td.PendingTasks[i]
		if t.Type == typ && t.State == wf.CurrentState {
			return t, nil
		}
	}
	return nil, nil
}

// withWorkflow loads, mutates and saves one workflow under its lock. fn may
// return errUnchanged to skip the save.
func (o *Orchestrator) withWorkflow(ctx context.Context, id string, fn func(sm *workflow.StateMachine) error) (*model.WorkflowContext, error) {
	var out *model.WorkflowContext
	err := o.locks.With(lock.WorkflowKey(id), func() error {
		wf, err := o.workflows.Get(ctx, id)
		if err != nil {
			return err
		}
		sm, err := workflow.FromContext(wf, o.wfOpts)
		if err != nil {
			return err
		}
		if err := fn(sm); err != nil {
			if errors.Is(err, errUnchanged) {
				out = wf
				return nil
			}
			return err
		}
		next := sm.Context()
		if err := o.workflows.Save(ctx, next); err != nil {
			return fmt.Errorf("save workflow %s: %w", id, err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
