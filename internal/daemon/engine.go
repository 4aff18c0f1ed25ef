package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/msageha/govflow/internal/consensus"
	"github.com/msageha/govflow/internal/events"
	"github.com/msageha/govflow/internal/llm"
	"github.com/msageha/govflow/internal/lock"
	"github.com/msageha/govflow/internal/metrics"
	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/notify"
	"github.com/msageha/govflow/internal/orchestrator"
	"github.com/msageha/govflow/internal/quality"
	"github.com/msageha/govflow/internal/specialist"
	"github.com/msageha/govflow/internal/storage"
	"github.com/msageha/govflow/internal/storage/filestore"
	"github.com/msageha/govflow/internal/storage/sqlite"
	"github.com/msageha/govflow/internal/todo"
)

const defaultSQLiteFile = "govflow.db"

// Engine is the wired set of managers one daemon process drives.
type Engine struct {
	Stores       *storage.Stores
	Bus          *events.Bus
	Gate         *quality.Gate
	Todos        *todo.Manager
	Specialists  *specialist.Manager
	Consensus    *consensus.Manager
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Collector
	Rules        *quality.Loader

	logger  *slog.Logger
	closers []func() error
}

// OpenStores opens the backend named by cfg.
func OpenStores(ctx context.Context, cfg model.StorageConfig, logger *slog.Logger) (*storage.Stores, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStores(), nil
	case "file":
		return filestore.Open(cfg.Path, logger)
	case "sqlite":
		path := cfg.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, defaultSQLiteFile)
		}
		return sqlite.OpenStores(ctx, path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// NewEngine opens storage and wires every manager to one event bus. A nil
// provider is built from cfg.LLM; a scripted provider is loaded with the
// demo replies.
func NewEngine(ctx context.Context, cfg model.Config, provider llm.Provider, logger *slog.Logger) (_ *Engine, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if provider == nil {
		if provider, err = llm.FromConfig(cfg.LLM); err != nil {
			return nil, err
		}
	}
	if sp, ok := provider.(*llm.ScriptedProvider); ok {
		orchestrator.ScriptDemo(sp)
	}

	if e.Stores, err = OpenStores(ctx, cfg.Storage, logger); err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	e.closers = append(e.closers, e.Stores.Close)

	e.Bus = events.NewBus(cfg.Events.BufferSize, logger)
	e.closers = append(e.closers, func() error { e.Bus.Close(); return nil })

	if err := e.attachSinks(cfg); err != nil {
		return nil, err
	}

	e.Rules = quality.NewLoader(cfg.Quality.RulesDir)
	e.Gate = quality.NewGate(quality.ThresholdsFromConfig(cfg.Quality),
		quality.WithCache(quality.NewResultCache(cfg.Quality.CacheSize, time.Duration(cfg.Quality.CacheTTLSec)*time.Second)))
	if err := e.ReloadRules(); err != nil {
		return nil, err
	}

	e.Metrics = metrics.NewCollector(metrics.Sources{
		SpecialistStats: func() specialist.Stats { return e.Specialists.Stats() },
		DroppedEvents:   e.Bus.Dropped,
	})
	e.closers = append(e.closers, unsub(e.Metrics.Attach(e.Bus)))

	locks := lock.NewMutexMap()
	e.Todos = todo.NewManager(e.Stores.Todos, e.Bus, todo.PolicyFromConfig(cfg.Retry),
		todo.WithLogger(logger), todo.WithLocks(locks))
	e.Specialists = specialist.NewManager(provider, e.Gate, e.Bus,
		specialist.WithMaxConcurrent(cfg.Specialists.MaxConcurrent),
		specialist.WithTaskTimeout(cfg.Specialists.TaskTimeout()),
		specialist.WithCatalog(specialist.DefaultCatalog(cfg.Specialists.TokenBudgets)),
		specialist.WithLogger(logger),
		specialist.WithObserver(e.Metrics.Observer()))
	e.Consensus = consensus.NewManager(e.Stores.Consensus, e.Bus,
		consensus.WithWindows(consensus.WindowsFromConfig(cfg.Consensus)),
		consensus.WithLogger(logger), consensus.WithLocks(locks))
	e.Orchestrator = orchestrator.New(e.Stores.Workflows, e.Todos, e.Specialists, e.Consensus, e.Bus,
		orchestrator.WithLogger(logger),
		orchestrator.WithLocks(locks),
		orchestrator.WithLanguages(cfg.Project.Languages),
		orchestrator.WithThresholds(cfg.Workflow.PriorityThreshold, cfg.Workflow.ConsensusThreshold))
	e.closers = append(e.closers, unsub(e.Orchestrator.Attach(e.Bus)))

	return e, nil
}

func (e *Engine) attachSinks(cfg model.Config) error {
	if cfg.Events.AuditLog != "" {
		audit, err := events.NewAuditLogger(cfg.Events.AuditLog, 0, e.logger)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		e.closers = append(e.closers, audit.Close, unsub(audit.Attach(e.Bus)))
	}

	e.closers = append(e.closers, unsub(notify.NewLogSink(e.logger).Attach(e.Bus)))

	if cfg.NATS.URL != "" {
		conn, err := notify.Connect(cfg.NATS.URL, "govflow-"+cfg.Project.Name)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func() error { return drain(conn) })
		fwd := notify.NewNATSForwarder(conn, cfg.NATS.SubjectPrefix, e.logger)
		e.closers = append(e.closers, unsub(fwd.Attach(e.Bus)))
		e.logger.Info("forwarding events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}
	return nil
}

// ReloadRules reads the rule directory and swaps the gate's validators. On
// error the previous rules stay active.
func (e *Engine) ReloadRules() error {
	files, err := e.Rules.Load()
	if err != nil {
		return fmt.Errorf("load quality rules: %w", err)
	}
	if err := e.Gate.LoadRules(files); err != nil {
		return fmt.Errorf("apply quality rules: %w", err)
	}
	e.logger.Info("quality rules loaded", "files", len(files), "checksum", e.Gate.Checksum())
	return nil
}

// Close releases everything NewEngine opened, newest first.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func unsub(fn func()) func() error {
	return func() error { fn(); return nil }
}

func drain(conn *nats.Conn) error {
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
