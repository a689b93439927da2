package telemetry

import (
	"math"
	"testing"
)

func span(attrs map[string]any) map[string]any {
	return map[string]any{
		"name":       "llm.call",
		"span_id":    "s1",
		"trace_id":   "t1",
		"start_time": int64(1_000_000_000),
		"end_time":   int64(1_250_000_000),
		"status":     "ok",
		"kind":       "client",
		"attributes": attrs,
	}
}

func rawTrace(spans ...map[string]any) map[string]any {
	list := make([]any, len(spans))
	for i, s := range spans {
		list[i] = s
	}
	return map[string]any{"spans": list}
}

func closeTo(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestExtract_GenAIConvention(t *testing.T) {
	trace := Extract("final", []any{rawTrace(span(map[string]any{
		"gen_ai.usage.input_tokens":  100,
		"gen_ai.usage.output_tokens": 50,
		"gen_ai.usage.input_cost":    0.001,
		"gen_ai.usage.output_cost":   0.002,
	}))}, nil)

	if trace.ExtractionError != "" {
		t.Fatalf("unexpected extraction error: %s", trace.ExtractionError)
	}
	if trace.FinalOutput != "final" {
		t.Errorf("final output = %q", trace.FinalOutput)
	}
	ci := trace.CostInfo
	if ci.InputTokens != 100 || ci.OutputTokens != 50 || ci.TotalTokens != 150 {
		t.Errorf("tokens = %+v", ci)
	}
	if !closeTo(ci.TotalCost, 0.003) {
		t.Errorf("total cost = %v", ci.TotalCost)
	}
	if !closeTo(trace.Spans[0].DurationMS, 250) {
		t.Errorf("duration = %v, want 250", trace.Spans[0].DurationMS)
	}
}

func TestExtract_LegacyConvention(t *testing.T) {
	trace := Extract("", []any{rawTrace(span(map[string]any{
		"llm.token_count.prompt":     40,
		"llm.token_count.completion": 10,
		"cost_prompt":                0.0004,
		"cost_completion":            0.0001,
	}))}, nil)

	ci := trace.CostInfo
	if ci.InputTokens != 40 || ci.OutputTokens != 10 {
		t.Errorf("tokens = %+v", ci)
	}
	if !closeTo(ci.TotalCost, 0.0005) {
		t.Errorf("total cost = %v", ci.TotalCost)
	}
}

func TestExtract_GenAITakesPrecedence(t *testing.T) {
	trace := Extract("", []any{rawTrace(span(map[string]any{
		"gen_ai.usage.input_tokens":  100,
		"gen_ai.usage.output_tokens": 50,
		"llm.token_count.prompt":     999,
		"llm.token_count.completion": 999,
	}))}, nil)

	if trace.CostInfo.InputTokens != 100 || trace.CostInfo.OutputTokens != 50 {
		t.Errorf("legacy keys overrode GenAI keys: %+v", trace.CostInfo)
	}
}

func TestExtract_PricingFallback(t *testing.T) {
	pricing := DefaultPricing()

	t.Run("known model derives cost", func(t *testing.T) {
		trace := Extract("", []any{rawTrace(span(map[string]any{
			"gen_ai.usage.input_tokens":  1_000_000,
			"gen_ai.usage.output_tokens": 1_000_000,
			"gen_ai.request.model":       "gpt-4o-mini",
		}))}, pricing)
		if !closeTo(trace.CostInfo.TotalCost, 0.75) {
			t.Errorf("total cost = %v, want 0.75", trace.CostInfo.TotalCost)
		}
	})

	t.Run("unknown model stays zero", func(t *testing.T) {
		trace := Extract("", []any{rawTrace(span(map[string]any{
			"gen_ai.usage.input_tokens": 1000,
			"gen_ai.request.model":      "mystery-model",
		}))}, pricing)
		if trace.CostInfo.TotalCost != 0 {
			t.Errorf("total cost = %v, want 0", trace.CostInfo.TotalCost)
		}
	})

	t.Run("reported cost suppresses fallback", func(t *testing.T) {
		trace := Extract("", []any{rawTrace(span(map[string]any{
			"gen_ai.usage.input_tokens": 1_000_000,
			"gen_ai.usage.input_cost":   0.01,
			"gen_ai.request.model":      "gpt-4o-mini",
		}))}, pricing)
		if !closeTo(trace.CostInfo.TotalCost, 0.01) {
			t.Errorf("total cost = %v, want reported 0.01", trace.CostInfo.TotalCost)
		}
	})
}

func TestExtract_AggregatesAcrossSpans(t *testing.T) {
	trace := Extract("", []any{rawTrace(
		span(map[string]any{"gen_ai.usage.input_tokens": 10, "gen_ai.usage.output_tokens": 5}),
		span(map[string]any{"gen_ai.usage.input_tokens": 20, "gen_ai.usage.output_tokens": 15}),
	)}, nil)

	ci := trace.CostInfo
	if ci.InputTokens != 30 || ci.OutputTokens != 20 || ci.TotalTokens != 50 {
		t.Errorf("aggregate = %+v", ci)
	}
	if trace.Performance.SpanCount != 2 {
		t.Errorf("span count = %d", trace.Performance.SpanCount)
	}
	if !closeTo(trace.Performance.TotalDurationMS, 500) {
		t.Errorf("total duration = %v", trace.Performance.TotalDurationMS)
	}
}

func TestExtract_MalformedContainerNeverFails(t *testing.T) {
	trace := Extract("out", []any{"not a map"}, nil)
	if trace == nil {
		t.Fatal("extractor must always return a trace")
	}
	if trace.ExtractionError == "" {
		t.Error("expected extraction error for malformed container")
	}
	if trace.FinalOutput != "out" {
		t.Error("final output must survive extraction failure")
	}
}

func TestExtract_PartialSalvage(t *testing.T) {
	trace := Extract("", []any{
		"garbage",
		rawTrace(span(map[string]any{"gen_ai.usage.input_tokens": 7})),
	}, nil)
	if len(trace.Spans) != 1 {
		t.Errorf("spans = %d, want the valid trace salvaged", len(trace.Spans))
	}
	if trace.ExtractionError == "" {
		t.Error("extraction error must record the garbage container")
	}
}

func TestExtract_MissingTimestampsSkipDuration(t *testing.T) {
	s := span(nil)
	delete(s, "end_time")
	trace := Extract("", []any{rawTrace(s)}, nil)
	if trace.Spans[0].DurationMS != 0 {
		t.Errorf("duration = %v, want 0 without end_time", trace.Spans[0].DurationMS)
	}
}

func TestTablePricing_LongestPrefixWins(t *testing.T) {
	p := DefaultPricing()
	minIn, _, ok := p.PriceFor("gpt-4o-mini-2024")
	if !ok {
		t.Fatal("expected a price")
	}
	fullIn, _, _ := p.PriceFor("gpt-4o")
	if minIn >= fullIn {
		t.Errorf("mini price %v should undercut full price %v", minIn, fullIn)
	}
}
