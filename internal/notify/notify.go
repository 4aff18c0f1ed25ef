// Package notify forwards engine events to people and external systems.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/msageha/govflow/internal/events"
)

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials a NATS server for event forwarding.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix string, t events.EventType) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}

// NATSForwarder publishes every bus event as JSON to <prefix>.<event type>.
type NATSForwarder struct {
	conn   Publisher
	prefix string
	logger *slog.Logger
}

func NewNATSForwarder(conn Publisher, prefix string, logger *slog.Logger) *NATSForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSForwarder{conn: conn, prefix: prefix, logger: logger}
}

// Forward publishes one event. Failures are returned and never retried.
func (f *NATSForwarder) Forward(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	subject := Subject(f.prefix, e.Type)
	if err := f.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Attach forwards every event on bus until the returned func is called.
func (f *NATSForwarder) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(func(e events.Event) {
		if err := f.Forward(e); err != nil {
			f.logger.Warn("event forward failed", "event_id", e.ID, "type", e.Type, "error", err)
		}
	})
}

// Notable lists the events that need a person's attention.
var Notable = map[events.EventType]slog.Level{
	events.EventTodoBlocked:            slog.LevelWarn,
	events.EventTaskBlocked:            slog.LevelWarn,
	events.EventConsensusVetoed:        slog.LevelWarn,
	events.EventConsensusEscalated:     slog.LevelWarn,
	events.EventConsensusReviewOverdue: slog.LevelWarn,
	events.EventConsensusCreated:       slog.LevelInfo,
	events.EventConsensusApproved:      slog.LevelInfo,
	events.EventConsensusAutoApproved:  slog.LevelInfo,
	events.EventQualityReviewFlagged:   slog.LevelInfo,

	events.EventWorkflowForcedTransition: slog.LevelWarn,
}

// Message renders a short title and body for e.
func Message(e events.Event) (title, body string) {
	subject := e.WorkflowID
	if e.ItemID != "" {
		subject = e.ItemID
	}
	title = fmt.Sprintf("govflow: %s", e.Type)
	if subject != "" {
		title += " (" + subject + ")"
	}

	var parts []string
	for _, k := range []string{"title", "reason", "actor", "from", "to", "risk_level"} {
		if v, ok := e.Data[k]; ok && fmt.Sprint(v) != "" {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return title, strings.Join(parts, " ")
}

// LogSink writes notable events to a logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

// Notify logs e when it is notable and reports whether it did.
func (s *LogSink) Notify(e events.Event) bool {
	level, ok := Notable[e.Type]
	if !ok {
		return false
	}
	title, body := Message(e)
	s.logger.Log(context.Background(), level, title, "detail", body, "event_id", e.ID)
	return true
}

// Attach subscribes the sink to each notable event type on bus.
func (s *LogSink) Attach(bus *events.Bus) func() {
	var unsubs []func()
	for t := range Notable {
		unsubs = append(unsubs, bus.Subscribe(t, func(e events.Event) { s.Notify(e) }))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
