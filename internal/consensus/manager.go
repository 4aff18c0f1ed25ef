// Package consensus runs opt-out review of publishable documents: items
// become approved when nobody objects within a risk-dependent window, except
// HIGH risk items which always need an explicit decision.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/msageha/govflow/internal/events"
	"github.com/msageha/govflow/internal/lock"
	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/storage"
)

// TimeoutActor is recorded as the approver of timed-out items.
const TimeoutActor = "system:timeout"

var ErrInvalidRisk = errors.New("invalid risk level")

// Windows holds the review period per risk level. High is only used to
// decide when a HIGH item is overdue; it never approves anything.
type Windows struct {
	Low  time.Duration
	Mid  time.Duration
	High time.Duration
}

func DefaultWindows() Windows {
	return Windows{Low: 24 * time.Hour, Mid: 48 * time.Hour, High: 72 * time.Hour}
}

func WindowsFromConfig(c model.ConsensusConfig) Windows {
	return Windows{
		Low:  c.Window(model.RiskLow),
		Mid:  c.Window(model.RiskMid),
		High: c.Window(model.RiskHigh),
	}
}

func (w Windows) For(r model.RiskLevel) time.Duration {
	switch r {
	case model.RiskLow:
		return w.Low
	case model.RiskMid:
		return w.Mid
	default:
		return w.High
	}
}

// CreateRequest describes a document entering review.
type CreateRequest struct {
	WorkflowID  string
	DocumentID  string
	Title       string
	ContentHash string
	RiskLevel   model.RiskLevel
}

// SweepReport lists what one ProcessExpiredItems pass changed.
type SweepReport struct {
	Scanned      int
	AutoApproved []string
	Overdue      []string
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithLocks(l *lock.MutexMap) Option {
	return func(m *Manager) { m.locks = l }
}

func WithWindows(w Windows) Option {
	return func(m *Manager) { m.windows = w }
}

type Manager struct {
	store   storage.ConsensusStorage
	bus     events.Publisher
	locks   *lock.MutexMap
	windows Windows
	now     func() time.Time
	logger  *slog.Logger
}

func NewManager(store storage.ConsensusStorage, bus events.Publisher, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		bus:     bus,
		windows: DefaultWindows(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.bus == nil {
		m.bus = events.Discard{}
	}
	if m.locks == nil {
		m.locks = lock.NewMutexMap()
	}
	return m
}

// Create opens a PENDING item whose review period ends one window after now.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.PassiveConsensusItem, error) {
	if !req.RiskLevel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRisk, req.RiskLevel)
	}
	now := m.now().UTC()
	it := &model.PassiveConsensusItem{
		ID:                 model.MustGenerateID(model.IDTypeConsensus),
		WorkflowID:         req.WorkflowID,
		DocumentID:         req.DocumentID,
		Title:              req.Title,
		ContentHash:        req.ContentHash,
		RiskLevel:          req.RiskLevel,
		Status:             model.ConsensusPending,
		CreatedAt:          now,
		ReviewPeriodEndsAt: now.Add(m.windows.For(req.RiskLevel)),
		UpdatedAt:          now,
	}
	if err := m.store.Save(ctx, it); err != nil {
		return nil, fmt.Errorf("save consensus item: %w", err)
	}
	m.bus.Publish(itemEvent(events.EventConsensusCreated, it, map[string]any{
		"review_period_ends_at": it.ReviewPeriodEndsAt.Format(time.RFC3339Nano),
	}))
	m.logger.Info("consensus item created", "item_id", it.ID, "workflow_id", it.WorkflowID, "risk", it.RiskLevel)
	return it.Clone(), nil
}

func (m *Manager) Get(ctx context.Context, id string) (*model.PassiveConsensusItem, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*model.PassiveConsensusItem, error) {
	return m.store.GetAll(ctx)
}

func (m *Manager) Pending(ctx context.Context) ([]*model.PassiveConsensusItem, error) {
	return m.store.GetByStatus(ctx, model.ConsensusPending)
}

// Approve records an explicit approval. It is a no-op once the item is
// terminal.
func (m *Manager) Approve(ctx context.Context, id, actor string) (*model.PassiveConsensusItem, error) {
	return m.resolve(ctx, id, func(it *model.PassiveConsensusItem, now time.Time) (events.Event, error) {
		if err := setStatus(it, model.ConsensusExplicitlyApproved, now); err != nil {
			return events.Event{}, err
		}
		it.ApprovedBy = actor
		return itemEvent(events.EventConsensusApproved, it, map[string]any{"actor": actor}), nil
	})
}

// Veto blocks publication. It is a no-op once the item is terminal.
func (m *Manager) Veto(ctx context.Context, id, actor, reason string) (*model.PassiveConsensusItem, error) {
	return m.resolve(ctx, id, func(it *model.PassiveConsensusItem, now time.Time) (events.Event, error) {
		if err := setStatus(it, model.ConsensusVetoed, now); err != nil {
			return events.Event{}, err
		}
		it.Vetoes = append(it.Vetoes, model.Objection{Actor: actor, Reason: reason, At: now})
		return itemEvent(events.EventConsensusVetoed, it, map[string]any{"actor": actor, "reason": reason}), nil
	})
}

// Escalate hands the decision to a human body. It is a no-op once the item
// is terminal.
func (m *Manager) Escalate(ctx context.Context, id, actor, reason string) (*model.PassiveConsensusItem, error) {
	return m.resolve(ctx, id, func(it *model.PassiveConsensusItem, now time.Time) (events.Event, error) {
		if err := setStatus(it, model.ConsensusEscalated, now); err != nil {
			return events.Event{}, err
		}
		it.Escalations = append(it.Escalations, model.Objection{Actor: actor, Reason: reason, At: now})
		return itemEvent(events.EventConsensusEscalated, it, map[string]any{"actor": actor, "reason": reason}), nil
	})
}

// ProcessExpiredItems auto-approves LOW and MID items whose window has
// elapsed and flags elapsed HIGH items as overdue once. Each candidate is
// re-read under its lock so a veto that lands mid-sweep wins.
func (m *Manager) ProcessExpiredItems(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	pending, err := m.store.GetByStatus(ctx, model.ConsensusPending)
	if err != nil {
		return report, fmt.Errorf("list pending consensus items: %w", err)
	}
	report.Scanned = len(pending)

	var errs []error
	for _, candidate := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if candidate.ReviewPeriodEndsAt.After(m.now()) {
			continue
		}
		var evs []events.Event
		err := m.locks.With(lock.ConsensusKey(candidate.ID), func() error {
			it, err := m.store.Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			now := m.now().UTC()
			switch {
			case it.AutoApprovable(now):
				if err := setStatus(it, model.ConsensusApprovedByTimeout, now); err != nil {
					return err
				}
				it.ApprovedBy = TimeoutActor
				evs = append(evs, itemEvent(events.EventConsensusAutoApproved, it, nil))
			case it.Status == model.ConsensusPending && it.RiskLevel == model.RiskHigh &&
				!it.ReviewPeriodEndsAt.After(now) && it.OverdueNotifiedAt == nil:
				it.OverdueNotifiedAt = &now
				it.UpdatedAt = now
				evs = append(evs, itemEvent(events.EventConsensusReviewOverdue, it, map[string]any{
					"overdue_since": it.ReviewPeriodEndsAt.Format(time.RFC3339Nano),
				}))
			default:
				return nil
			}
			return m.store.Save(ctx, it)
		})
		if err != nil {
			m.logger.Warn("consensus sweep failed for item", "item_id", candidate.ID, "error", err)
			errs = append(errs, fmt.Errorf("item %s: %w", candidate.ID, err))
			continue
		}
		for _, e := range evs {
			switch e.Type {
			case events.EventConsensusAutoApproved:
				report.AutoApproved = append(report.AutoApproved, e.ItemID)
				m.logger.Info("consensus item approved by timeout", "item_id", e.ItemID, "workflow_id", e.WorkflowID)
			case events.EventConsensusReviewOverdue:
				report.Overdue = append(report.Overdue, e.ItemID)
				m.logger.Warn("high risk consensus item overdue", "item_id", e.ItemID, "workflow_id", e.WorkflowID)
			}
			m.bus.Publish(e)
		}
	}
	return report, errors.Join(errs...)
}

// Run sweeps immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("consensus sweep interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	report, err := m.ProcessExpiredItems(ctx)
	if err != nil && ctx.Err() == nil {
		m.logger.Error("consensus sweep", "error", err)
	}
	m.logger.Debug("consensus sweep done",
		"scanned", report.Scanned, "auto_approved", len(report.AutoApproved), "overdue", len(report.Overdue))
}

var errUnchanged = errors.New("unchanged")

// resolve applies fn to a PENDING item under its lock. Terminal items are
// returned as they are and fn is not called.
func (m *Manager) resolve(ctx context.Context, id string, fn func(*model.PassiveConsensusItem, time.Time) (events.Event, error)) (*model.PassiveConsensusItem, error) {
	var (
		out *model.PassiveConsensusItem
		ev  events.Event
	)
	err := m.locks.With(lock.ConsensusKey(id), func() error {
		it, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		out = it
		if model.IsConsensusTerminal(it.Status) {
			return errUnchanged
		}
		ev, err = fn(it, m.now().UTC())
		if err != nil {
			return err
		}
		return m.store.Save(ctx, it)
	})
	if errors.Is(err, errUnchanged) {
		m.logger.Debug("consensus item already resolved", "item_id", id, "status", out.Status)
		return out.Clone(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("consensus item %s: %w", id, err)
	}
	m.bus.Publish(ev)
	m.logger.Info("consensus item resolved", "item_id", id, "status", out.Status)
	return out.Clone(), nil
}

func setStatus(it *model.PassiveConsensusItem, to model.ConsensusStatus, now time.Time) error {
	if err := model.ValidateConsensusTransition(it.Status, to); err != nil {
		return err
	}
	it.Status = to
	it.ResolvedAt = &now
	it.UpdatedAt = now
	return nil
}

func itemEvent(typ events.EventType, it *model.PassiveConsensusItem, data map[string]any) events.Event {
	if data == nil {
		data = map[string]any{}
	}
	data["risk_level"] = string(it.RiskLevel)
	data["status"] = string(it.Status)
	if it.DocumentID != "" {
		data["document_id"] = it.DocumentID
	}
	return events.Event{
		Type:       typ,
		WorkflowID: it.WorkflowID,
		ItemID:     it.ID,
		Data:       data,
	}
}
