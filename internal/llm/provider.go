// Package llm abstracts the text generation backend used by specialists.
package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/msageha/govflow/internal/model"
)

// GenerateContext carries the per-call limits and routing hints.
type GenerateContext struct {
	MaxTokens   int
	Role        model.SpecialistRole
	TaskType    string
	System      string
	Temperature *float64
	RequestID   string
}

// Generation is one completed model response.
type Generation struct {
	Content      string
	Model        string
	TokensUsed   int
	FinishReason string
}

// ModelInfo describes the backing model for cost accounting.
type ModelInfo struct {
	Name            string
	Provider        string
	CostPer1KTokens float64
	ContextWindow   int
}

// Provider generates text. Implementations must honour ctx cancellation.
type Provider interface {
	Generate(ctx context.Context, prompt string, gc GenerateContext) (*Generation, error)
	IsAvailable(ctx context.Context) bool
	ModelInfo() ModelInfo
}

// FromConfig builds the provider named by cfg.Provider.
func FromConfig(cfg model.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai", "":
		var key string
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL:         cfg.BaseURL,
			Model:           cfg.Model,
			APIKey:          key,
			CostPer1KTokens: cfg.CostPer1KTokens,
			Timeout:         time.Duration(cfg.TimeoutSec) * time.Second,
		}), nil
	case "scripted":
		return NewScriptedProvider(cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
