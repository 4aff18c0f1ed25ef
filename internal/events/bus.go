// Package events carries engine notifications upward to subscribers.
package events

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventWorkflowStarted          EventType = "workflow.started"
	EventWorkflowTransition       EventType = "workflow.transition"
	EventWorkflowForcedTransition EventType = "workflow.forced_transition"

	EventTaskCreated        EventType = "task.created"
	EventTaskStarted        EventType = "task.started"
	EventTaskCompleted      EventType = "task.completed"
	EventTaskFailed         EventType = "task.failed"
	EventTaskRetryScheduled EventType = "task.retry_scheduled"
	EventTaskBlocked        EventType = "task.blocked"
	EventTaskUnblocked      EventType = "task.unblocked"
	EventTodoBlocked        EventType = "todo.blocked"

	EventConsensusCreated       EventType = "consensus.created"
	EventConsensusApproved      EventType = "consensus.approved"
	EventConsensusVetoed        EventType = "consensus.vetoed"
	EventConsensusEscalated     EventType = "consensus.escalated"
	EventConsensusAutoApproved  EventType = "consensus.auto_approved"
	EventConsensusReviewOverdue EventType = "consensus.review_overdue"

	EventQualityFailed        EventType = "quality.failed"
	EventQualityReviewFlagged EventType = "quality.review_flagged"
)

// AllEventTypes lists every type the engine emits.
var AllEventTypes = []EventType{
	EventWorkflowStarted,
	EventWorkflowTransition,
	EventWorkflowForcedTransition,
	EventTaskCreated,
	EventTaskStarted,
	EventTaskCompleted,
	EventTaskFailed,
	EventTaskRetryScheduled,
	EventTaskBlocked,
	EventTaskUnblocked,
	EventTodoBlocked,
	EventConsensusCreated,
	EventConsensusApproved,
	EventConsensusVetoed,
	EventConsensusEscalated,
	EventConsensusAutoApproved,
	EventConsensusReviewOverdue,
	EventQualityFailed,
	EventQualityReviewFlagged,
}

// Category returns the prefix before the first dot, e.g. "task".
func (t EventType) Category() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t)[:i]
	}
	return string(t)
}

// Event represents a system event.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	ItemID     string         `json:"item_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Publisher is the emitting half of the bus.
type Publisher interface {
	Publish(e Event)
}

type subscription struct {
	ch     chan Event
	closed bool
}

// Bus is a non-blocking event bus. Each subscriber gets its own bounded
// channel drained by one goroutine, so delivery order per subscriber matches
// publish order. A full channel drops the event for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	all         []*subscription
	bufferSize  int
	dropped     atomic.Int64
	logger      *slog.Logger
	now         func() time.Time
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[EventType][]*subscription),
		bufferSize:  bufferSize,
		logger:      logger,
		now:         time.Now,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.start(fn)
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subscribers[eventType] = b.remove(b.subscribers[eventType], sub)
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.start(fn)
	b.all = append(b.all, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = b.remove(b.all, sub)
	}
}

func (b *Bus) start(fn Subscriber) *subscription {
	sub := &subscription{ch: make(chan Event, b.bufferSize)}
	go func() {
		for event := range sub.ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("event subscriber panicked", "type", event.Type, "panic", r)
					}
				}()
				fn(event)
			}()
		}
	}()
	return sub
}

func (b *Bus) remove(subs []*subscription, sub *subscription) []*subscription {
	for i, s := range subs {
		if s == sub {
			if !s.closed {
				close(s.ch)
				s.closed = true
			}
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish delivers e to every subscriber of its type and to catch-all
// subscribers. ID and Timestamp are filled in when empty.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[e.Type] {
		b.send(sub, e)
	}
	for _, sub := range b.all {
		b.send(sub, e)
	}
}

func (b *Bus) send(sub *subscription, e Event) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- e:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("event dropped: subscriber buffer full", "type", e.Type, "dropped_total", n)
	}
}

// Dropped returns how many deliveries were discarded because a buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, sub := range subs {
			if !sub.closed {
				close(sub.ch)
				sub.closed = true
			}
		}
		delete(b.subscribers, eventType)
	}
	for _, sub := range b.all {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
	}
	b.all = nil
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
