package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedResponse is one canned reply.
type ScriptedResponse struct {
	Content    string
	TokensUsed int
	Err        error
	Delay      time.Duration
}

// ScriptedProvider replays canned responses keyed by task type. The last
// response queued for a task type is repeated once the queue drains.
type ScriptedProvider struct {
	mu        sync.Mutex
	model     string
	cost      float64
	scripts   map[string][]ScriptedResponse
	fallback  func(prompt string, gc GenerateContext) ScriptedResponse
	available bool
	calls     map[string]int
	prompts   []string
}

func NewScriptedProvider(modelName string) *ScriptedProvider {
	if modelName == "" {
		modelName = "scripted"
	}
	return &ScriptedProvider{
		model:     modelName,
		scripts:   make(map[string][]ScriptedResponse),
		available: true,
		calls:     make(map[string]int),
	}
}

// On queues responses for taskType.
func (p *ScriptedProvider) On(taskType string, responses ...ScriptedResponse) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[taskType] = append(p.scripts[taskType], responses...)
	return p
}

// OnContent is On with plain content strings.
func (p *ScriptedProvider) OnContent(taskType string, contents ...string) *ScriptedProvider {
	rs := make([]ScriptedResponse, len(contents))
	for i, c := range contents {
		rs[i] = ScriptedResponse{Content: c}
	}
	return p.On(taskType, rs...)
}

// SetFallback answers task types with no script.
func (p *ScriptedProvider) SetFallback(fn func(prompt string, gc GenerateContext) ScriptedResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = fn
}

func (p *ScriptedProvider) SetAvailable(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = ok
}

func (p *ScriptedProvider) SetCost(per1K float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cost = per1K
}

// Calls returns how many times taskType was generated.
func (p *ScriptedProvider) Calls(taskType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[taskType]
}

// Prompts returns every prompt received so far.
func (p *ScriptedProvider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.prompts))
	copy(out, p.prompts)
	return out
}

func (p *ScriptedProvider) next(prompt string, gc GenerateContext) (ScriptedResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[gc.TaskType]++
	p.prompts = append(p.prompts, prompt)

	queue := p.scripts[gc.TaskType]
	switch {
	case len(queue) > 1:
		p.scripts[gc.TaskType] = queue[1:]
		return queue[0], nil
	case len(queue) == 1:
		return queue[0], nil
	case p.fallback != nil:
		return p.fallback(prompt, gc), nil
	}
	return ScriptedResponse{}, NewFatalError(fmt.Errorf("no scripted response for task type %q", gc.TaskType))
}

func (p *ScriptedProvider) Generate(ctx context.Context, prompt string, gc GenerateContext) (*Generation, error) {
	r, err := p.next(prompt, gc)
	if err != nil {
		return nil, err
	}
	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	tokens := r.TokensUsed
	if tokens == 0 {
		tokens = estimateTokens(prompt) + estimateTokens(r.Content)
	}
	return &Generation{Content: r.Content, Model: p.model, TokensUsed: tokens, FinishReason: "stop"}, nil
}

func (p *ScriptedProvider) IsAvailable(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *ScriptedProvider) ModelInfo() ModelInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ModelInfo{Name: p.model, Provider: "scripted", CostPer1KTokens: p.cost}
}

// estimateTokens approximates four characters per token.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
