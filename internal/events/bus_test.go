package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	rec := &recorder{}
	unsub := bus.Subscribe(EventTaskStarted, rec.add)
	defer unsub()

	bus.Publish(Event{Type: EventTaskStarted, TaskID: "task_123", Data: map[string]any{"role": "analyst"}})

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()[0]
	assert.Equal(t, EventTaskStarted, got.Type)
	assert.Equal(t, "task_123", got.TaskID)
	assert.Equal(t, "analyst", got.Data["role"])
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_OnlyMatchingTypeDelivered(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	rec := &recorder{}
	bus.Subscribe(EventConsensusVetoed, rec.add)

	bus.Publish(Event{Type: EventConsensusApproved})
	assert.Never(t, func() bool { return rec.len() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	rec := &recorder{}
	bus.SubscribeAll(rec.add)

	for _, et := range []EventType{EventTaskCreated, EventConsensusCreated, EventQualityFailed} {
		bus.Publish(Event{Type: et})
	}
	require.Eventually(t, func() bool { return rec.len() == 3 }, time.Second, 5*time.Millisecond)

	got := rec.snapshot()
	assert.Equal(t, EventTaskCreated, got[0].Type)
	assert.Equal(t, EventConsensusCreated, got[1].Type)
	assert.Equal(t, EventQualityFailed, got[2].Type)
}

func TestBus_PreservesCallerIDAndTimestamp(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	rec := &recorder{}
	bus.SubscribeAll(rec.add)

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	bus.Publish(Event{ID: "fixed", Type: EventTaskCreated, Timestamp: ts})
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "fixed", rec.snapshot()[0].ID)
	assert.Equal(t, ts, rec.snapshot()[0].Timestamp)
}

func TestBus_NonBlockingDropsWhenFull(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(EventTaskStarted, func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: EventTaskStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
	assert.Greater(t, bus.Dropped(), int64(0))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	var count atomic.Int32
	unsub := bus.Subscribe(EventTaskCompleted, func(Event) { count.Add(1) })

	bus.Publish(Event{Type: EventTaskCompleted})
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	bus.Publish(Event{Type: EventTaskCompleted})
	assert.Never(t, func() bool { return count.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBus_UnsubscribeAfterCloseIsSafe(t *testing.T) {
	bus := NewBus(10, nil)
	unsub := bus.Subscribe(EventTaskCompleted, func(Event) {})
	unsubAll := bus.SubscribeAll(func(Event) {})
	bus.Close()

	assert.NotPanics(t, func() {
		unsub()
		unsubAll()
		bus.Publish(Event{Type: EventTaskCompleted})
	})
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	rec := &recorder{}
	bus.Subscribe(EventTaskFailed, func(e Event) {
		if e.TaskID == "boom" {
			panic("subscriber exploded")
		}
		rec.add(e)
	})

	bus.Publish(Event{Type: EventTaskFailed, TaskID: "boom"})
	bus.Publish(Event{Type: EventTaskFailed, TaskID: "ok"})

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ok", rec.snapshot()[0].TaskID)
}

func TestEventType_Category(t *testing.T) {
	assert.Equal(t, "consensus", EventConsensusAutoApproved.Category())
	assert.Equal(t, "workflow", EventWorkflowTransition.Category())
	assert.Equal(t, "plain", EventType("plain").Category())
	assert.Len(t, AllEventTypes, 19)
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(1000, nil)
	defer bus.Close()
	bus.Subscribe(EventTaskStarted, func(Event) {})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(Event{Type: EventTaskStarted, TaskID: "task"})
	}
}
