package irisinvoker

import (
	"strings"
	"testing"
	"time"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/trellis-labs/trellis/core"
)

func TestProviderFor(t *testing.T) {
	tests := []struct {
		modelID string
		want    string
	}{
		{"gpt-4o-mini", "openai"},
		{"o1-preview", "openai"},
		{"o3-mini", "openai"},
		{"claude-sonnet-4", "anthropic"},
		{"anthropic.claude-v2", "anthropic"},
		{"llama-3.1-70b", "ollama"},
		{"mixtral-8x7b", "ollama"},
		{"gemini-1.5-pro", "openai"},
		{"something-custom", "openai"},
	}
	for _, tt := range tests {
		if got := ProviderFor(tt.modelID); got != tt.want {
			t.Errorf("ProviderFor(%q) = %q, want %q", tt.modelID, got, tt.want)
		}
	}
}

func TestProviderForCachesInstances(t *testing.T) {
	inv := New(Config{APIKeys: map[string]string{"openai": "test-key"}})

	first, err := inv.providerFor("gpt-4o")
	if err != nil {
		t.Fatalf("providerFor() error = %v", err)
	}
	second, err := inv.providerFor("gpt-4o-mini")
	if err != nil {
		t.Fatalf("providerFor() error = %v", err)
	}
	if first != second {
		t.Error("expected the same provider instance for models sharing a backend")
	}
}

func TestInstructions_IncludesToolRoster(t *testing.T) {
	spec := core.AgentSpec{Name: "Researcher", Instructions: "Answer briefly."}

	if got := instructions(spec, nil); got != "Answer briefly." {
		t.Errorf("instructions without tools = %q", got)
	}

	tools := []core.ToolBinding{
		{ID: "web_search", Type: "web_search"},
		{ID: "composio-github_star_repo", Type: "composio"},
	}
	got := instructions(spec, tools)
	if !strings.HasPrefix(got, "Answer briefly.") {
		t.Errorf("instructions should start with the agent prompt, got %q", got)
	}
	for _, want := range []string{"web_search", "composio-github_star_repo"} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing tool %q: %q", want, got)
		}
	}
}

func TestRawTrace_FeedsTelemetryExtraction(t *testing.T) {
	spec := core.AgentSpec{Name: "Writer", ModelID: "gpt-4o-mini"}
	resp := &iriscore.ChatResponse{
		ID:     "resp_123",
		Output: "done",
		Model:  iriscore.ModelID("gpt-4o-mini-2024"),
		Status: "completed",
		Usage:  iriscore.TokenUsage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140},
	}

	start := time.Now()
	raw := rawTrace(spec, resp, start, start.Add(250*time.Millisecond))

	spans, ok := raw["spans"].([]any)
	if !ok || len(spans) != 1 {
		t.Fatalf("spans = %#v, want one entry", raw["spans"])
	}
	span := spans[0].(map[string]any)
	if span["name"] != "agent.Writer" {
		t.Errorf("span name = %v", span["name"])
	}
	if span["span_id"] != "resp_123" {
		t.Errorf("span_id = %v", span["span_id"])
	}

	attrs := span["attributes"].(map[string]any)
	if attrs["gen_ai.usage.input_tokens"] != 100 || attrs["gen_ai.usage.output_tokens"] != 40 {
		t.Errorf("usage attributes = %#v", attrs)
	}
	if attrs["gen_ai.request.model"] != "gpt-4o-mini" {
		t.Errorf("request model = %v", attrs["gen_ai.request.model"])
	}
}
