package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultBaseURL = "http://localhost:11434/v1"

// OpenAIConfig configures an OpenAI-compatible endpoint (OpenAI, Ollama, vLLM).
type OpenAIConfig struct {
	BaseURL         string
	Model           string
	APIKey          string
	CostPer1KTokens float64
	ContextWindow   int
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// OpenAIProvider talks to a chat completions endpoint.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	url    string
	client *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &OpenAIProvider{cfg: cfg, url: buildURL(cfg.BaseURL), client: client}
}

func buildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends one chat completion request.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, gc GenerateContext) (*Generation, error) {
	req := chatRequest{Model: p.cfg.Model, Temperature: gc.Temperature}
	if gc.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: gc.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})
	if gc.MaxTokens > 0 {
		maxTokens := gc.MaxTokens
		req.MaxTokens = &maxTokens
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create http request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	requestID := gc.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	httpReq.Header.Set("X-Request-ID", requestID)
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse chat response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, NewFatalError(fmt.Errorf("no choices in response"))
	}
	tokens := parsed.Usage.TotalTokens
	if tokens == 0 {
		tokens = parsed.Usage.PromptTokens + parsed.Usage.CompletionTokens
	}
	modelName := parsed.Model
	if modelName == "" {
		modelName = p.cfg.Model
	}
	return &Generation{
		Content:      parsed.Choices[0].Message.Content,
		Model:        modelName,
		TokensUsed:   tokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// IsAvailable probes the models listing of the endpoint.
func (p *OpenAIProvider) IsAvailable(ctx context.Context) bool {
	url := strings.TrimSuffix(p.url, "/chat/completions") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500
}

func (p *OpenAIProvider) ModelInfo() ModelInfo {
	return ModelInfo{
		Name:            p.cfg.Model,
		Provider:        "openai",
		CostPer1KTokens: p.cfg.CostPer1KTokens,
		ContextWindow:   p.cfg.ContextWindow,
	}
}
