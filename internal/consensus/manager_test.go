package consensus

import (
	"context"
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
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capture) count(typ events.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *capture, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: t0}
	bus := &capture{}
	m := NewManager(storage.NewMemoryConsensusStorage(), bus, WithClock(clock.Now))
	return m, bus, clock
}

func create(t *testing.T, m *Manager, risk model.RiskLevel) *model.PassiveConsensusItem {
	t.Helper()
	it, err := m.Create(context.Background(), CreateRequest{
		WorkflowID: "wf_1772355600_0000abcd",
		DocumentID: "doc-1",
		Title:      "Extend library hours",
		RiskLevel:  risk,
	})
	require.NoError(t, err)
	return it
}

func TestCreate_WindowPerRisk(t *testing.T) {
	m, bus, _ := newTestManager(t)
	tests := []struct {
		risk model.RiskLevel
		want time.Duration
	}{
		{model.RiskLow, 24 * time.Hour},
		{model.RiskMid, 48 * time.Hour},
		{model.RiskHigh, 72 * time.Hour},
	}
	for _, tt := range tests {
		it := create(t, m, tt.risk)
		assert.Equal(t, model.ConsensusPending, it.Status)
		assert.Equal(t, t0.Add(tt.want), it.ReviewPeriodEndsAt, tt.risk)
		assert.True(t, model.ValidateID(it.ID))
	}
	assert.Equal(t, 3, bus.count(events.EventConsensusCreated))

	_, err := m.Create(context.Background(), CreateRequest{RiskLevel: "EXTREME"})
	assert.ErrorIs(t, err, ErrInvalidRisk)
}

func TestWindowsFromConfig(t *testing.T) {
	w := WindowsFromConfig(model.DefaultConfig().Consensus)
	assert.Equal(t, DefaultWindows(), w)
}

func TestProcessExpiredItems_MidApprovedAfterWindow(t *testing.T) {
	m, bus, clock := newTestManager(t)
	it := create(t, m, model.RiskMid)
	ctx := context.Background()

	clock.Advance(47 * time.Hour)
	report, err := m.ProcessExpiredItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.AutoApproved)

	clock.Advance(2 * time.Hour) // t0+49h
	report, err = m.ProcessExpiredItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{it.ID}, report.AutoApproved)

	got, err := m.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConsensusApprovedByTimeout, got.Status)
	assert.Equal(t, TimeoutActor, got.ApprovedBy)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, 1, bus.count(events.EventConsensusAutoApproved))

	report, err = m.ProcessExpiredItems(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, 1, bus.count(events.EventConsensusAutoApproved), "approved once")
}

func TestProcessExpiredItems_LowAtExactBoundary(t *testing.T) {
	m, _, clock := newTestManager(t)
	it := create(t, m, model.RiskLow)

	clock.Advance(24 * time.Hour)
	report, err := m.ProcessExpiredItems(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{it.ID}, report.AutoApproved, "reviewPeriodEndsAt <= now is expired")
}

func TestProcessExpiredItems_HighNeverAutoApproved(t *testing.T) {
	m, bus, clock := newTestManager(t)
	it := create(t, m, model.RiskHigh)
	ctx := context.Background()

	clock.Advance(1000 * time.Hour)
	for i := 0; i < 3; i++ {
		report, err := m.ProcessExpiredItems(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.AutoApproved)
	}

	got, err := m.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConsensusPending, got.Status)
	require.NotNil(t, got.OverdueNotifiedAt)
	assert.Equal(t, 0, bus.count(events.EventConsensusAutoApproved))
	assert.Equal(t, 1, bus.count(events.EventConsensusReviewOverdue), "overdue reminder fires once")

	approved, err := m.Approve(ctx, it.ID, "council-chair")
	require.NoError(t, err)
	assert.Equal(t, model.ConsensusExplicitlyApproved, approved.Status)
	assert.Equal(t, "council-chair", approved.ApprovedBy)
}

func TestVeto_IsTerminalAndIdempotent(t *testing.T) {
	m, bus, clock := newTestManager(t)
	it := create(t, m, model.RiskLow)
	ctx := context.Background()

	got, err := m.Veto(ctx, it.ID, "resident-7", "conflicts with zoning plan")
	require.NoError(t, err)
	assert.Equal(t, model.ConsensusVetoed, got.Status)
	require.Len(t, got.Vetoes, 1)

	got, err = m.Veto(ctx, it.ID, "resident-8", "again")
	require.NoError(t, err)
	assert.Equal(t, model.ConsensusVetoed, got.Status)
	assert.Len(t, got.Vetoes, 1, "second veto is a no-op")
	assert.Equal(t, 1, bus.count(events.EventConsensusVetoed))

	got, err = m.Approve(ctx, it.ID, "chair")
	require.NoError(t, err)
	assert.Equal(t, model.ConsensusVetoed, got.Status)
	assert.Equal(t, 0, bus.count(events.EventConsensusApproved))

	clock.Advance(48 * time.Hour)
	report, err := m.ProcessExpiredItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.AutoApproved, "vetoed items never expire into approval")
}

func TestEscalate(t *testing.T) {
	m, bus, _ := newTestManager(t)
	it := create(t, m, model.RiskMid)
	ctx := context.Background()

	got, err := m.Escalate(ctx, it.ID, "ward-3", "needs council vote")
	require.NoError(t, err)
	assert.Equal(t, model.ConsensusEscalated, got.Status)
	require.Len(t, got.Escalations, 1)
	assert.Equal(t, "ward-3", got.Escalations[0].Actor)

	_, err = m.Veto(ctx, it.ID, "x", "y")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.count(events.EventConsensusEscalated))
	assert.Equal(t, 0, bus.count(events.EventConsensusVetoed))
}

func TestResolve_UnknownItem(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Approve(context.Background(), "pc_0000000000_00000000", "x")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// vetoOnRead vetoes the item the first time the sweep re-reads it, standing in
// for a veto that lands between the scan and the update.
type vetoOnRead struct {
	storage.ConsensusStorage
	once sync.Once
}

func (s *vetoOnRead) Get(ctx context.Context, id string) (*model.PassiveConsensusItem, error) {
	s.once.Do(func() {
		it, _ := s.ConsensusStorage.Get(ctx, id)
		it.Status = model.ConsensusVetoed
		_ = s.ConsensusStorage.Save(ctx, it)
	})
	return s.ConsensusStorage.Get(ctx, id)
}

func TestProcessExpiredItems_RechecksUnderLock(t *testing.T) {
	clock := &fakeClock{t: t0}
	bus := &capture{}
	store := &vetoOnRead{ConsensusStorage: storage.NewMemoryConsensusStorage()}
	m := NewManager(store, bus, WithClock(clock.Now))

	it, err := m.Create(context.Background(), CreateRequest{WorkflowID: "wf", RiskLevel: model.RiskLow})
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	report, err := m.ProcessExpiredItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.AutoApproved)
	got, err := store.ConsensusStorage.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConsensusVetoed, got.Status)
	assert.Equal(t, 0, bus.count(events.EventConsensusAutoApproved))
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	clock := &fakeClock{t: t0}
	bus := &capture{}
	m := NewManager(storage.NewMemoryConsensusStorage(), bus, WithClock(clock.Now))
	_, err := m.Create(context.Background(), CreateRequest{WorkflowID: "wf", RiskLevel: model.RiskLow})
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return bus.count(events.EventConsensusAutoApproved) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	assert.Error(t, m.Run(context.Background(), 0))
}
