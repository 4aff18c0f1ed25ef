package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msageha/govflow/internal/daemon"
	"github.com/msageha/govflow/internal/orchestrator"
	"github.com/msageha/govflow/internal/setup"
	"github.com/msageha/govflow/internal/uds"
)

func newInitCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "init [project-dir]",
		Short: "Create a .govflow data directory with default config and quality rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			base, err := setup.Run(dir, name)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Initialized %s\n", base)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Project name (default: directory name)")
	return cmd
}

func newDaemonCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the engine in the foreground",
		Long: "Run the engine in the foreground. SIGINT or SIGTERM starts a graceful\n" +
			"shutdown; a second signal exits immediately.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := g.resolveDataDir()
			if err != nil {
				return err
			}
			cfg, err := setup.LoadConfig(dir)
			if err != nil {
				return err
			}

			logPath := filepath.Join(dir, "logs", "daemon.log")
			if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
				return fmt.Errorf("create log dir: %w", err)
			}
			logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("open daemon log: %w", err)
			}
			defer logFile.Close()
			logger := daemon.NewLogger(cfg.Logging, io.MultiWriter(cmd.ErrOrStderr(), logFile))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				// Restore default handling so a second signal kills the process.
				stop()
			}()

			return daemon.New(dir, cfg, daemon.WithLogger(logger)).Run(ctx)
		},
	}
}

func newStopCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if c.Call(uds.CmdPing, nil, nil) != nil {
				printf(cmd.OutOrStdout(), "govflow daemon is not running\n")
				return nil
			}
			if err := c.Call(uds.CmdShutdown, nil, nil); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Shutdown requested\n")
			return nil
		},
	}
}

func newRecoverCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Requeue interrupted tasks and restore missing ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report orchestrator.RecoveryReport
			if err := g.call(cmd.Context(), uds.CmdRecover, nil, &report); err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), report, func(w io.Writer) {
				printf(w, "Checked %d workflows, requeued %d tasks\n", report.Workflows, report.Requeued)
				for _, id := range report.Blocked {
					printf(w, "  blocked: %s\n", id)
				}
			})
		},
	}
}
