// Package irisinvoker implements the agent invoker on top of the Iris
// provider registry. Model ids are routed to a provider by prefix and each
// invocation yields a raw trace in the shape the telemetry extractor reads.
package irisinvoker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"

	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/trellis-labs/trellis/core"
)

// Config carries per-provider API keys. Providers without a key entry are
// created with an empty key, which suits local backends.
type Config struct {
	APIKeys map[string]string
}

// Invoker routes agent invocations to Iris providers, caching one provider
// instance per backend.
type Invoker struct {
	keys map[string]string

	mu    sync.Mutex
	cache map[string]iriscore.Provider
}

// New builds an invoker.
func New(cfg Config) *Invoker {
	keys := cfg.APIKeys
	if keys == nil {
		keys = make(map[string]string)
	}
	return &Invoker{
		keys:  keys,
		cache: make(map[string]iriscore.Provider),
	}
}

// ProviderFor maps a model id to the provider registry name.
func ProviderFor(modelID string) string {
	switch {
	case strings.HasPrefix(modelID, "claude-"), strings.HasPrefix(modelID, "anthropic"):
		return "anthropic"
	case strings.HasPrefix(modelID, "llama-"), strings.HasPrefix(modelID, "mixtral-"):
		return "ollama"
	default:
		return "openai"
	}
}

// Invoke sends one chat turn to the model behind the agent spec. Bound
// tools are surfaced to the model through the instructions; their actual
// execution happens in dedicated tool nodes.
func (inv *Invoker) Invoke(ctx context.Context, spec core.AgentSpec, tools []core.ToolBinding, prompt string) (*core.InvokeResult, error) {
	provider, err := inv.providerFor(spec.ModelID)
	if err != nil {
		return nil, err
	}

	req := &iriscore.ChatRequest{
		Model:        iriscore.ModelID(spec.ModelID),
		Instructions: instructions(spec, tools),
		Messages: []iriscore.Message{
			{Role: iriscore.RoleUser, Content: prompt},
		},
	}

	start := time.Now()
	resp, err := provider.Chat(ctx, req)
	end := time.Now()
	if err != nil {
		return nil, fmt.Errorf("chat with %s: %w", provider.ID(), err)
	}

	return &core.InvokeResult{
		FinalOutput: resp.Output,
		RawTrace:    rawTrace(spec, resp, start, end),
	}, nil
}

func (inv *Invoker) providerFor(modelID string) (iriscore.Provider, error) {
	name := ProviderFor(modelID)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if p, ok := inv.cache[name]; ok {
		return p, nil
	}
	p, err := providers.Create(name, inv.keys[name])
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	inv.cache[name] = p
	return p, nil
}

// instructions folds the agent's system prompt and its tool roster into one
// instruction block.
func instructions(spec core.AgentSpec, tools []core.ToolBinding) string {
	if len(tools) == 0 {
		return spec.Instructions
	}
	var b strings.Builder
	b.WriteString(spec.Instructions)
	b.WriteString("\n\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s (%s)\n", t.ID, t.Type)
	}
	return b.String()
}

// rawTrace renders the invocation as a single-span trace under the GenAI
// attribute convention.
func rawTrace(spec core.AgentSpec, resp *iriscore.ChatResponse, start, end time.Time) map[string]any {
	spanID := resp.ID
	if spanID == "" {
		spanID = uuid.NewString()
	}
	return map[string]any{
		"final_output": resp.Output,
		"spans": []any{
			map[string]any{
				"name":       "agent." + spec.Name,
				"span_id":    spanID,
				"trace_id":   uuid.NewString(),
				"start_time": start.UnixNano(),
				"end_time":   end.UnixNano(),
				"status":     resp.Status,
				"kind":       "llm",
				"attributes": map[string]any{
					"gen_ai.request.model":       spec.ModelID,
					"gen_ai.response.model":      string(resp.Model),
					"gen_ai.usage.input_tokens":  resp.Usage.PromptTokens,
					"gen_ai.usage.output_tokens": resp.Usage.CompletionTokens,
				},
			},
		},
	}
}

var _ core.AgentInvoker = (*Invoker)(nil)
