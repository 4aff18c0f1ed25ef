// Package cli holds the govflow command tree.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/govflow/internal/setup"
	"github.com/msageha/govflow/internal/uds"
)

// EnvDataDir overrides the data directory lookup.
const EnvDataDir = "GOVFLOW_DIR"

var errNoDataDir = errors.New("govflow data directory not found; run 'govflow init' first")

type globals struct {
	dataDir string
	json    bool
}

func NewRootCmd(version string) *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:          "govflow",
		Short:        "govflow: governance workflow orchestration",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "Data directory (default: nearest .govflow/, env: "+EnvDataDir+")")
	cmd.PersistentFlags().BoolVar(&g.json, "json", false, "Print machine-readable JSON")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newDaemonCmd(g))
	cmd.AddCommand(newStopCmd(g))
	cmd.AddCommand(newSubmitCmd(g))
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newConsensusCmd(g))
	cmd.AddCommand(newUnblockCmd(g))
	cmd.AddCommand(newExecCmd(g))
	cmd.AddCommand(newArchiveCmd(g))
	cmd.AddCommand(newForceCmd(g))
	cmd.AddCommand(newCancelCmd(g))
	cmd.AddCommand(newRecoverCmd(g))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("govflow {{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}
	return cmd
}

// resolveDataDir picks --data-dir, then $GOVFLOW_DIR, then the nearest
// .govflow directory above the working directory.
func (g *globals) resolveDataDir() (string, error) {
	if g.dataDir != "" {
		return filepath.Abs(g.dataDir)
	}
	if env := os.Getenv(EnvDataDir); env != "" {
		return filepath.Abs(env)
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if found := findDataDir(dir); found != "" {
		return found, nil
	}
	return "", errNoDataDir
}

func findDataDir(dir string) string {
	for {
		candidate := filepath.Join(dir, setup.DefaultDataDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func (g *globals) client() (*uds.Client, error) {
	dir, err := g.resolveDataDir()
	if err != nil {
		return nil, err
	}
	return uds.NewClient(filepath.Join(dir, uds.DefaultSocketName)), nil
}

// call sends one command to the daemon and decodes its reply into out.
func (g *globals) call(ctx context.Context, command string, params, out any) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	return c.CallContext(ctx, command, params, out)
}

// emit prints v as JSON under --json, otherwise runs text.
func (g *globals) emit(w io.Writer, v any, text func(io.Writer)) error {
	if g.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
