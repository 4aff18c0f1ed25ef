// Package model defines the data structures for govflow's configuration,
// workflow contexts, task lists and consensus items.
package model

import (
	"fmt"
	"time"
)

type Config struct {
	Project     ProjectConfig     `yaml:"project"`
	Storage     StorageConfig     `yaml:"storage"`
	Retry       RetryConfig       `yaml:"retry"`
	Specialists SpecialistsConfig `yaml:"specialists"`
	Quality     QualityConfig     `yaml:"quality"`
	Consensus   ConsensusConfig   `yaml:"consensus"`
	Workflow    WorkflowConfig    `yaml:"workflow"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	LLM         LLMConfig         `yaml:"llm"`
	Events      EventsConfig      `yaml:"events"`
	NATS        NATSConfig        `yaml:"nats"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Languages   []string `yaml:"languages,omitempty"`
}

// StorageConfig selects the persistence backend: memory, file or sqlite.
// Relative paths are resolved against the data directory.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type RetryConfig struct {
	InitialDelayMs    int     `yaml:"initial_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	MaxRetries        int     `yaml:"max_retries"`
}

func (c RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

type SpecialistsConfig struct {
	MaxConcurrent  int                    `yaml:"max_concurrent"`
	TaskTimeoutSec int                    `yaml:"task_timeout_sec"`
	TokenBudgets   map[SpecialistRole]int `yaml:"token_budgets,omitempty"`
}

func (c SpecialistsConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSec) * time.Second
}

type QualityConfig struct {
	MinConfidence   float64 `yaml:"min_confidence"`
	ReviewThreshold float64 `yaml:"review_threshold"`
	RulesDir        string  `yaml:"rules_dir,omitempty"`
	CacheSize       int     `yaml:"cache_size"`
	CacheTTLSec     int     `yaml:"cache_ttl_sec"`
}

type ConsensusConfig struct {
	LowWindowHours   int `yaml:"low_window_hours"`
	MidWindowHours   int `yaml:"mid_window_hours"`
	HighNominalHours int `yaml:"high_nominal_hours"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// Window returns the review period for a risk level.
func (c ConsensusConfig) Window(r RiskLevel) time.Duration {
	switch r {
	case RiskLow:
		return time.Duration(c.LowWindowHours) * time.Hour
	case RiskMid:
		return time.Duration(c.MidWindowHours) * time.Hour
	default:
		return time.Duration(c.HighNominalHours) * time.Hour
	}
}

func (c ConsensusConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

type WorkflowConfig struct {
	PriorityThreshold  float64 `yaml:"priority_threshold"`
	ConsensusThreshold float64 `yaml:"consensus_threshold"`
}

type DaemonConfig struct {
	PollIntervalSec    int    `yaml:"poll_interval_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	MetricsAddr        string `yaml:"metrics_addr,omitempty"`
}

type LLMConfig struct {
	Provider        string  `yaml:"provider"`
	BaseURL         string  `yaml:"base_url"`
	Model           string  `yaml:"model"`
	APIKeyEnv       string  `yaml:"api_key_env,omitempty"`
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens"`
	TimeoutSec      int     `yaml:"timeout_sec"`
}

type EventsConfig struct {
	BufferSize int    `yaml:"buffer_size"`
	AuditLog   string `yaml:"audit_log,omitempty"`
}

type NATSConfig struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file overrides a value.
func DefaultConfig() Config {
	return Config{
		Project: ProjectConfig{Name: "govflow"},
		Storage: StorageConfig{Backend: "file", Path: "state"},
		Retry: RetryConfig{
			InitialDelayMs:    1000,
			BackoffMultiplier: 2,
			MaxDelayMs:        60000,
			MaxRetries:        3,
		},
		Specialists: SpecialistsConfig{
			MaxConcurrent:  5,
			TaskTimeoutSec: 120,
			TokenBudgets: map[SpecialistRole]int{
				RoleResearcher: 4000,
				RoleAnalyst:    3000,
				RoleDrafter:    4000,
				RoleReviewer:   2000,
				RoleRedTeam:    2000,
				RoleSummarizer: 1000,
				RoleTranslator: 2000,
				RoleArchivist:  500,
			},
		},
		Quality: QualityConfig{
			MinConfidence:   0.6,
			ReviewThreshold: 0.8,
			CacheSize:       256,
			CacheTTLSec:     300,
		},
		Consensus: ConsensusConfig{
			LowWindowHours:   24,
			MidWindowHours:   48,
			HighNominalHours: 72,
			SweepIntervalSec: 60,
		},
		Workflow: WorkflowConfig{
			PriorityThreshold:  100,
			ConsensusThreshold: 60,
		},
		Daemon: DaemonConfig{
			PollIntervalSec:    5,
			ShutdownTimeoutSec: 30,
		},
		LLM: LLMConfig{
			Provider:        "openai",
			BaseURL:         "http://localhost:11434/v1",
			Model:           "llama3.1",
			APIKeyEnv:       "GOVFLOW_LLM_API_KEY",
			CostPer1KTokens: 0,
			TimeoutSec:      120,
		},
		Events:  EventsConfig{BufferSize: 256},
		NATS:    NATSConfig{SubjectPrefix: "govflow.events"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for backend %q", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.InitialDelayMs < 0 || c.Retry.MaxDelayMs < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1, got %v", c.Retry.BackoffMultiplier)
	}
	if c.Specialists.MaxConcurrent < 1 {
		return fmt.Errorf("specialists.max_concurrent must be >= 1, got %d", c.Specialists.MaxConcurrent)
	}
	if c.Specialists.TaskTimeoutSec <= 0 {
		return fmt.Errorf("specialists.task_timeout_sec must be > 0, got %d", c.Specialists.TaskTimeoutSec)
	}
	if c.Quality.MinConfidence < 0 || c.Quality.MinConfidence > 1 {
		return fmt.Errorf("quality.min_confidence must be within [0,1], got %v", c.Quality.MinConfidence)
	}
	if c.Quality.ReviewThreshold < 0 || c.Quality.ReviewThreshold > 1 {
		return fmt.Errorf("quality.review_threshold must be within [0,1], got %v", c.Quality.ReviewThreshold)
	}
	if c.Consensus.LowWindowHours <= 0 || c.Consensus.MidWindowHours <= 0 || c.Consensus.HighNominalHours <= 0 {
		return fmt.Errorf("consensus windows must be > 0")
	}
	if c.Consensus.SweepIntervalSec <= 0 {
		return fmt.Errorf("consensus.sweep_interval_sec must be > 0")
	}
	if c.Daemon.PollIntervalSec <= 0 {
		return fmt.Errorf("daemon.poll_interval_sec must be > 0")
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be > 0")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
