package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/msageha/govflow/internal/model"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "myproject")
	require.NoError(t, os.Mkdir(projectDir, 0755))

	base, err := Run(projectDir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(projectDir, DefaultDataDir), base)

	for _, d := range []string{"state", "locks", "logs", "quarantine", "quality"} {
		info, err := os.Stat(filepath.Join(base, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}

	rules, err := filepath.Glob(filepath.Join(base, "quality", "*.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, rules)
}

func TestRun_WritesConfig(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "myproject")
	require.NoError(t, os.Mkdir(projectDir, 0755))

	base, err := Run(projectDir, "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(base, ConfigFile))
	require.NoError(t, err)
	var cfg model.Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, "myproject", cfg.Project.Name)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestRun_ProjectNameOverride(t *testing.T) {
	base, err := Run(t.TempDir(), "council")
	require.NoError(t, err)

	cfg, err := LoadConfig(base)
	require.NoError(t, err)
	assert.Equal(t, "council", cfg.Project.Name)
}

func TestRun_AlreadyExists(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(dir, "")
	require.NoError(t, err)
	_, err = Run(dir, "")
	assert.Error(t, err)
}

func TestLoadConfig_ResolvesRelativePaths(t *testing.T) {
	base, err := Run(t.TempDir(), "")
	require.NoError(t, err)

	cfg, err := LoadConfig(base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "state"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join(base, "quality"), cfg.Quality.RulesDir)
	assert.Equal(t, filepath.Join(base, "logs", "audit.jsonl"), cfg.Events.AuditLog)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.Storage.Path)
	assert.Equal(t, 5, cfg.Specialists.MaxConcurrent)
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("storage:\n  backend: redis\n"), 0644))
	_, err := LoadConfig(dir)
	assert.ErrorContains(t, err, "storage.backend")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("retry: ["), 0644))
	_, err = LoadConfig(dir)
	assert.ErrorContains(t, err, "parse config")
}
