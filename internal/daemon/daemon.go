// Package daemon runs the governance engine as a long-lived process behind a
// Unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/govflow/internal/llm"
	"github.com/msageha/govflow/internal/lock"
	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/uds"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	metricsRefreshInterval = 15 * time.Second
	rulesReloadDebounce    = 250 * time.Millisecond
)

// Daemon owns the engine, the control socket and the background loops.
type Daemon struct {
	dataDir  string
	config   model.Config
	logger   *slog.Logger
	provider llm.Provider
	poll     time.Duration

	fileLock *lock.FileLock
	server   *uds.Server
	engine   *Engine

	mu     sync.Mutex
	cancel context.CancelFunc
}

type Option func(*Daemon)

// WithProvider overrides the provider built from the llm section.
func WithProvider(p llm.Provider) Option { return func(d *Daemon) { d.provider = p } }

func WithLogger(l *slog.Logger) Option { return func(d *Daemon) { d.logger = l } }

// WithPollInterval overrides daemon.poll_interval_sec.
func WithPollInterval(iv time.Duration) Option { return func(d *Daemon) { d.poll = iv } }

// New prepares a daemon for dataDir. Nothing is opened until Run.
func New(dataDir string, cfg model.Config, opts ...Option) *Daemon {
	d := &Daemon{
		dataDir:  dataDir,
		config:   cfg,
		poll:     time.Duration(cfg.Daemon.PollIntervalSec) * time.Second,
		fileLock: lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "daemon")
	return d
}

// SocketPath is where the daemon listens.
func (d *Daemon) SocketPath() string {
	return filepath.Join(d.dataDir, uds.DefaultSocketName)
}

// Run starts the daemon and blocks until ctx is cancelled, a shutdown
// command arrives or a loop fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.fileLock.Path()), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			if pid, perr := lock.ReadPID(d.fileLock.Path()); perr == nil {
				return fmt.Errorf("daemon already running (pid %d): %w", pid, err)
			}
		}
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer d.fileLock.Unlock()
	d.logger.Info("daemon starting", "pid", os.Getpid(), "data_dir", d.dataDir)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	engine, err := NewEngine(ctx, d.config, d.provider, d.logger.With("component", "engine"))
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.engine = engine
	d.mu.Unlock()
	defer func() {
		if err := engine.Close(); err != nil {
			d.logger.Warn("engine close", "error", err)
		}
	}()

	report, err := engine.Orchestrator.Recover(ctx)
	if err != nil {
		d.logger.Error("startup recovery", "error", err)
	} else {
		d.logger.Info("startup recovery",
			"workflows", report.Workflows, "requeued", report.Requeued, "blocked", report.Blocked)
	}

	d.server = uds.NewServer(d.SocketPath(), d.logger)
	d.registerHandlers()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.Serve(gctx) })
	g.Go(func() error { return engine.Orchestrator.Run(gctx, d.poll) })
	g.Go(func() error { return engine.Consensus.Run(gctx, d.config.Consensus.SweepInterval()) })
	g.Go(func() error { return d.watchRules(gctx) })
	g.Go(func() error { return d.refreshMetrics(gctx) })
	if addr := d.config.Daemon.MetricsAddr; addr != "" {
		g.Go(func() error { return d.serveMetrics(gctx, addr) })
	}
	d.logger.Info("daemon ready", "socket", d.SocketPath())

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		d.logger.Info("shutdown started")
		select {
		case err = <-done:
			d.logger.Info("all loops drained")
		case <-time.After(d.shutdownTimeout()):
			d.logger.Warn("shutdown timeout, some operations may be incomplete", "timeout", d.shutdownTimeout())
		}
	}
	d.logger.Info("daemon stopped")
	return err
}

// Engine returns the engine of a running daemon, or nil before Run has
// wired it.
func (d *Daemon) Engine() *Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

// Shutdown asks a running daemon to stop. It is safe to call more than once.
func (d *Daemon) Shutdown() { d.stop() }

func (d *Daemon) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) shutdownTimeout() time.Duration {
	if s := d.config.Daemon.ShutdownTimeoutSec; s > 0 {
		return time.Duration(s) * time.Second
	}
	return defaultShutdownTimeout
}

// watchRules reloads the quality rules whenever a file in the rules
// directory changes. Bursts of events collapse into one reload.
func (d *Daemon) watchRules(ctx context.Context) error {
	dir := d.engine.Rules.Dir()
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); err != nil {
		d.logger.Info("rules directory absent, hot reload disabled", "dir", dir)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				d.logger.Debug("rules changed", "op", event.Op.String(), "file", event.Name)
				pending = time.After(rulesReloadDebounce)
			}
		case <-pending:
			pending = nil
			if err := d.engine.ReloadRules(); err != nil {
				d.logger.Error("reload quality rules, keeping previous set", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("fsnotify", "error", err)
		}
	}
}

func (d *Daemon) refreshMetrics(ctx context.Context) error {
	ticker := time.NewTicker(metricsRefreshInterval)
	defer ticker.Stop()
	for {
		if err := d.engine.Metrics.RefreshWorkflows(ctx, d.engine.Stores.Workflows); err != nil && ctx.Err() == nil {
			d.logger.Warn("refresh workflow gauges", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Daemon) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.engine.Metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
