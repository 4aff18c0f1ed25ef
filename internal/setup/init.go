// Package setup initializes a govflow data directory and loads its configuration.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/govflow/internal/model"
	atomicyaml "github.com/msageha/govflow/internal/yaml"
	"github.com/msageha/govflow/templates"
)

const (
	DefaultDataDir = ".govflow"
	ConfigFile     = "config.yaml"
)

// Run initializes the data directory under projectDir.
// projectName overrides the auto-detected name (defaults to directory basename if empty).
func Run(projectDir, projectName string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, DefaultDataDir)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	dirs := []string{"state", "locks", "logs", "quarantine", "quality"}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	rules, err := fs.ReadDir(templates.FS, "quality")
	if err != nil {
		return "", fmt.Errorf("read quality templates: %w", err)
	}
	for _, r := range rules {
		if r.IsDir() {
			continue
		}
		if err := copyTemplateFile(path.Join("quality", r.Name()), filepath.Join(base, "quality", r.Name())); err != nil {
			return "", err
		}
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("template config invalid: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, ConfigFile), cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return "", fmt.Errorf("create daemon.lock: %w", err)
	}
	return base, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	cfg := model.DefaultConfig()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	return &cfg, nil
}

// LoadConfig reads <dataDir>/config.yaml over the defaults, resolves
// relative paths against dataDir and validates the result. A missing file
// yields the defaults.
func LoadConfig(dataDir string) (model.Config, error) {
	cfg := model.DefaultConfig()
	data, err := os.ReadFile(filepath.Join(dataDir, ConfigFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Storage.Path = resolve(dataDir, cfg.Storage.Path)
	cfg.Quality.RulesDir = resolve(dataDir, cfg.Quality.RulesDir)
	cfg.Events.AuditLog = resolve(dataDir, cfg.Events.AuditLog)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
