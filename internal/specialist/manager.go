package specialist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/govflow/internal/events"
	"github.com/msageha/govflow/internal/llm"
	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/quality"
)

const (
	DefaultMaxConcurrent = 5
	DefaultTaskTimeout   = 2 * time.Minute
)

// QualityChecker scores generated content.
type QualityChecker interface {
	Check(ctx context.Context, contentType, content string) (*quality.Result, error)
}

// Stats is a point-in-time view of the manager's load.
type Stats struct {
	Active        int64
	Queued        int64
	Completed     int64
	Failed        int64
	MaxConcurrent int64
	TokensUsed    int64
}

// Observer receives one call per finished task, successful or not.
type Observer func(role model.SpecialistRole, out *model.SpecialistOutput, failure *TaskFailure, elapsed time.Duration)

type Option func(*Manager)

func WithMaxConcurrent(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrent = int64(n)
		}
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithCatalog(c Catalog) Option {
	return func(m *Manager) { m.catalog = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// Manager executes specialist tasks. At most maxConcurrent tasks hold a slot
// at once; the rest wait on the semaphore in arrival order.
type Manager struct {
	provider      llm.Provider
	gate          QualityChecker
	bus           events.Publisher
	catalog       Catalog
	sem           *semaphore.Weighted
	maxConcurrent int64
	timeout       time.Duration
	now           func() time.Time
	logger        *slog.Logger
	observer      Observer

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc

	active     atomic.Int64
	queued     atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	tokensUsed atomic.Int64
}

func NewManager(provider llm.Provider, gate QualityChecker, bus events.Publisher, opts ...Option) *Manager {
	m := &Manager{
		provider:      provider,
		gate:          gate,
		bus:           bus,
		maxConcurrent: DefaultMaxConcurrent,
		timeout:       DefaultTaskTimeout,
		now:           time.Now,
		logger:        slog.Default(),
		inflight:      make(map[string]context.CancelCauseFunc),
	}
	for _, o := range opts {
		o(m)
	}
	if m.catalog == nil {
		m.catalog = DefaultCatalog(nil)
	}
	if m.bus == nil {
		m.bus = events.Discard{}
	}
	m.sem = semaphore.NewWeighted(m.maxConcurrent)
	return m
}

func (m *Manager) Catalog() Catalog { return m.catalog }

// Execute runs task to completion or failure. Any error other than an
// unknown role is a *TaskFailure.
func (m *Manager) Execute(ctx context.Context, task model.SpecialistTask) (*model.SpecialistOutput, error) {
	spec, err := m.catalog.Lookup(task.Role)
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = model.MustGenerateID(model.IDTypeSpecialistTask)
	}

	m.queued.Add(1)
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.queued.Add(-1)
		return nil, m.fail(spec, task, &TaskFailure{Kind: FailureCancelled, TaskID: task.ID, Err: err}, 0)
	}
	m.queued.Add(-1)
	m.active.Add(1)
	defer func() {
		m.active.Add(-1)
		m.sem.Release(1)
	}()

	start := m.now()
	out, failure := m.run(ctx, spec, task)
	elapsed := m.now().Sub(start)
	if failure != nil {
		return nil, m.fail(spec, task, failure, elapsed)
	}
	out.Duration = elapsed
	m.completed.Add(1)
	m.tokensUsed.Add(int64(out.TokensUsed))
	if m.observer != nil {
		m.observer(spec.Role, out, nil, elapsed)
	}
	m.logger.Debug("specialist task completed",
		"task_id", task.ID, "role", spec.Role, "tokens", out.TokensUsed, "confidence", out.Confidence)
	return out, nil
}

func (m *Manager) run(parent context.Context, spec Specialist, task model.SpecialistTask) (*model.SpecialistOutput, *TaskFailure) {
	timeout := m.timeout
	if task.Timeout > 0 {
		timeout = task.Timeout
	}
	cctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	ctx, stop := context.WithTimeout(cctx, timeout)
	defer stop()

	m.track(task.ID, cancel)
	defer m.untrack(task.ID)

	if !m.provider.IsAvailable(ctx) {
		if f := m.contextFailure(ctx, cctx, parent, task.ID); f != nil {
			return nil, f
		}
		return nil, &TaskFailure{Kind: FailureUnavailable, TaskID: task.ID, Err: llm.ErrUnavailable}
	}

	budget := spec.TokenBudget
	if task.MaxTokens > 0 && (budget <= 0 || task.MaxTokens < budget) {
		budget = task.MaxTokens
	}

	gen, err := m.generate(ctx, task, spec, budget)
	if err != nil {
		if f := m.contextFailure(ctx, cctx, parent, task.ID); f != nil {
			return nil, f
		}
		return nil, &TaskFailure{Kind: FailureProvider, TaskID: task.ID, Err: err}
	}
	if strings.TrimSpace(gen.Content) == "" {
		return nil, &TaskFailure{Kind: FailureMalformed, TaskID: task.ID, Err: errors.New("empty response")}
	}
	if budget > 0 && gen.TokensUsed > budget {
		return nil, &TaskFailure{Kind: FailureBudget, TaskID: task.ID,
			Err: fmt.Errorf("used %d tokens, budget %d", gen.TokensUsed, budget)}
	}

	sum := sha256.Sum256([]byte(gen.Content))
	info := m.provider.ModelInfo()
	out := &model.SpecialistOutput{
		ID:                model.MustGenerateID(model.IDTypeSpecialistOutput),
		TaskID:            task.ID,
		Role:              spec.Role,
		Content:           gen.Content,
		ContentHash:       hex.EncodeToString(sum[:]),
		Model:             gen.Model,
		TokensUsed:        gen.TokensUsed,
		Cost:              float64(gen.TokensUsed) / 1000 * info.CostPer1KTokens,
		Confidence:        1,
		PassedQualityGate: true,
		QualityExempt:     spec.QualityExempt,
		CompletedAt:       m.now().UTC(),
	}
	if out.Model == "" {
		out.Model = info.Name
	}
	if spec.QualityExempt || m.gate == nil {
		return out, nil
	}

	res, err := m.gate.Check(ctx, spec.ContentType, gen.Content)
	if err != nil {
		if f := m.contextFailure(ctx, cctx, parent, task.ID); f != nil {
			return nil, f
		}
		return nil, &TaskFailure{Kind: FailureProvider, TaskID: task.ID, Err: fmt.Errorf("quality check: %w", err)}
	}
	out.Confidence = res.Confidence
	out.Issues = res.ModelIssues()
	if !res.Passed {
		m.bus.Publish(events.Event{
			Type:       events.EventQualityFailed,
			WorkflowID: task.WorkflowID,
			TaskID:     task.OrchestratorTaskID,
			Data: map[string]any{
				"specialist_task_id": task.ID,
				"role":               string(spec.Role),
				"content_type":       spec.ContentType,
				"confidence":         res.Confidence,
				"issues":             res.Summary(),
			},
		})
		return nil, &TaskFailure{Kind: FailureQuality, TaskID: task.ID,
			Err: fmt.Errorf("quality gate rejected %s output: %s", spec.ContentType, res.Summary()), Quality: res}
	}
	out.RequiresReview = res.RequiresReview
	return out, nil
}

type generation struct {
	gen *llm.Generation
	err error
}

// generate calls the provider on its own goroutine so a provider that
// ignores ctx cannot hold the slot past the deadline.
func (m *Manager) generate(ctx context.Context, task model.SpecialistTask, spec Specialist, budget int) (*llm.Generation, error) {
	done := make(chan generation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- generation{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		gen, err := m.provider.Generate(ctx, buildPrompt(spec, task), llm.GenerateContext{
			MaxTokens: budget,
			Role:      spec.Role,
			TaskType:  task.TaskType,
			System:    spec.System,
			RequestID: task.ID,
		})
		if err == nil && gen == nil {
			err = errors.New("provider returned no generation")
		}
		done <- generation{gen: gen, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.gen, r.err
	}
}

// contextFailure reports why ctx ended, if it has. Operator cancellation and
// caller cancellation are "cancelled"; the task deadline is "timeout".
func (m *Manager) contextFailure(ctx, cctx, parent context.Context, taskID string) *TaskFailure {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(cctx); errors.Is(cause, ErrCancelled) {
		return &TaskFailure{Kind: FailureCancelled, TaskID: taskID, Err: cause}
	}
	if parent.Err() != nil {
		return &TaskFailure{Kind: FailureCancelled, TaskID: taskID, Err: parent.Err()}
	}
	return &TaskFailure{Kind: FailureTimeout, TaskID: taskID, Err: context.DeadlineExceeded}
}

func (m *Manager) fail(spec Specialist, task model.SpecialistTask, f *TaskFailure, elapsed time.Duration) error {
	m.failed.Add(1)
	if m.observer != nil {
		m.observer(spec.Role, nil, f, elapsed)
	}
	m.logger.Warn("specialist task failed",
		"task_id", task.ID, "role", spec.Role, "kind", f.Kind, "error", f.Err)
	return f
}

func (m *Manager) track(id string, cancel context.CancelCauseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight[id] = cancel
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
}

// Cancel aborts an in-flight task. It reports whether the task was running.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	cancel, ok := m.inflight[taskID]
	m.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

// InFlight returns the IDs of tasks currently holding a slot.
func (m *Manager) InFlight() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.inflight))
	for id := range m.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) Stats() Stats {
	return Stats{
		Active:        m.active.Load(),
		Queued:        m.queued.Load(),
		Completed:     m.completed.Load(),
		Failed:        m.failed.Load(),
		MaxConcurrent: m.maxConcurrent,
		TokensUsed:    m.tokensUsed.Load(),
	}
}

func buildPrompt(spec Specialist, task model.SpecialistTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\nDeliverable: %s\nTask: %s\n", spec.Name, spec.Deliverable, task.TaskType)
	if len(task.Context) > 0 {
		b.WriteString("\nContext:\n")
		for _, k := range sortedKeys(task.Context) {
			fmt.Fprintf(&b, "- %s: %s\n", k, task.Context[k])
		}
	}
	if task.Prompt != "" {
		b.WriteString("\n")
		b.WriteString(task.Prompt)
		b.WriteString("\n")
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
