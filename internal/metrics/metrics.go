// Package metrics exposes engine counters in the Prometheus exposition format.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/govflow/internal/events"
	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/specialist"
)

const namespace = "govflow"

// Sources are the live values read at scrape time. Nil funcs are skipped.
type Sources struct {
	SpecialistStats func() specialist.Stats
	DroppedEvents   func() int64
}

// WorkflowLister is satisfied by storage.WorkflowStorage.
type WorkflowLister interface {
	GetAll(ctx context.Context) ([]*model.WorkflowContext, error)
}

// Collector owns a private registry so tests and embedders never collide
// with the default one.
type Collector struct {
	reg *prometheus.Registry

	events            *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	specialistTasks   *prometheus.CounterVec
	specialistLatency *prometheus.HistogramVec
	tokens            *prometheus.CounterVec
	cost              *prometheus.CounterVec
	workflows         *prometheus.GaugeVec
}

func NewCollector(src Sources) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Engine events published, by type.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Workflow state transitions, by source and target state.",
		}, []string{"from", "to", "forced"}),
		specialistTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "specialist",
			Name:      "tasks_total",
			Help:      "Finished specialist tasks, by role and outcome.",
		}, []string{"role", "outcome"}),
		specialistLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "specialist",
			Name:      "task_duration_seconds",
			Help:      "Wall time of specialist tasks, including queueing for a slot.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"role"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "specialist",
			Name:      "tokens_total",
			Help:      "Tokens consumed by accepted specialist outputs.",
		}, []string{"role"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "specialist",
			Name:      "cost_total",
			Help:      "Estimated provider cost of accepted specialist outputs.",
		}, []string{"role"}),
		workflows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows",
			Help:      "Workflows currently in each state.",
		}, []string{"state"}),
	}

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.events, c.transitions, c.specialistTasks, c.specialistLatency, c.tokens, c.cost, c.workflows,
	)

	if src.SpecialistStats != nil {
		stats := src.SpecialistStats
		c.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "specialist", Name: "active",
				Help: "Specialist tasks holding a concurrency slot.",
			}, func() float64 { return float64(stats().Active) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "specialist", Name: "queued",
				Help: "Specialist tasks waiting for a concurrency slot.",
			}, func() float64 { return float64(stats().Queued) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "specialist", Name: "max_concurrent",
				Help: "Specialist concurrency ceiling.",
			}, func() float64 { return float64(stats().MaxConcurrent) }),
		)
	}
	if src.DroppedEvents != nil {
		dropped := src.DroppedEvents
		c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Event deliveries discarded because a subscriber buffer was full.",
		}, func() float64 { return float64(dropped()) }))
	}
	return c
}

// Registry returns the collector's private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Record counts one event.
func (c *Collector) Record(e events.Event) {
	c.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case events.EventWorkflowTransition, events.EventWorkflowForcedTransition:
		forced := "false"
		if e.Type == events.EventWorkflowForcedTransition {
			forced = "true"
		}
		c.transitions.WithLabelValues(fmt.Sprint(e.Data["from"]), fmt.Sprint(e.Data["to"]), forced).Inc()
	}
}

// Attach counts every event on bus.
func (c *Collector) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(c.Record)
}

// Observer returns a hook for specialist.WithObserver.
func (c *Collector) Observer() specialist.Observer {
	return func(role model.SpecialistRole, out *model.SpecialistOutput, failure *specialist.TaskFailure, elapsed time.Duration) {
		r := string(role)
		c.specialistLatency.WithLabelValues(r).Observe(elapsed.Seconds())
		if failure != nil {
			c.specialistTasks.WithLabelValues(r, string(failure.Kind)).Inc()
			return
		}
		c.specialistTasks.WithLabelValues(r, "succeeded").Inc()
		if out != nil {
			c.tokens.WithLabelValues(r).Add(float64(out.TokensUsed))
			c.cost.WithLabelValues(r).Add(out.Cost)
		}
	}
}

// RefreshWorkflows recounts workflows per state.
func (c *Collector) RefreshWorkflows(ctx context.Context, wfs WorkflowLister) error {
	list, err := wfs.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	counts := make(map[model.WorkflowState]int, len(model.AllStates))
	for _, wf := range list {
		counts[wf.CurrentState]++
	}
	for _, s := range model.AllStates {
		c.workflows.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return nil
}
