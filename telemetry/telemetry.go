// Package telemetry turns raw invoker traces into the trace record attached
// to terminal executions. Extraction never fails; a malformed trace yields a
// trace with ExtractionError set and whatever could be salvaged.
package telemetry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/trellis-labs/trellis/core"
)

// Attribute keys under the generative-AI semantic convention. These take
// precedence over the legacy keys when both appear on a span.
const (
	attrGenAIInputTokens  = "gen_ai.usage.input_tokens"
	attrGenAIOutputTokens = "gen_ai.usage.output_tokens"
	attrGenAIInputCost    = "gen_ai.usage.input_cost"
	attrGenAIOutputCost   = "gen_ai.usage.output_cost"

	attrLegacyPromptTokens     = "llm.token_count.prompt"
	attrLegacyCompletionTokens = "llm.token_count.completion"
	attrLegacyPromptCost       = "cost_prompt"
	attrLegacyCompletionCost   = "cost_completion"
)

// modelAttrKeys are probed in order when a pricing fallback needs the model.
var modelAttrKeys = []string{
	"gen_ai.request.model",
	"gen_ai.response.model",
	"llm.model_name",
	"model",
}

// Pricing resolves per-token prices for a model. Implementations return
// ok=false for unknown models, which leaves costs at zero.
type Pricing interface {
	PriceFor(model string) (inputPerToken, outputPerToken float64, ok bool)
}

// Extract builds the trace for an execution from the raw traces collected
// per agent invocation. pricing may be nil.
func Extract(finalOutput string, raws []any, pricing Pricing) (trace *core.Trace) {
	trace = &core.Trace{FinalOutput: finalOutput}

	defer func() {
		if r := recover(); r != nil {
			trace.ExtractionError = fmt.Sprintf("panic during extraction: %v", r)
		}
	}()

	for _, raw := range raws {
		spans, err := rawSpans(raw)
		if err != nil {
			trace.ExtractionError = err.Error()
			continue
		}
		for _, rawSpan := range spans {
			span, cost := extractSpan(rawSpan, pricing)
			trace.Spans = append(trace.Spans, span)
			trace.CostInfo = trace.CostInfo.Add(cost)
		}
	}

	for _, s := range trace.Spans {
		trace.Performance.TotalDurationMS += s.DurationMS
	}
	trace.Performance.TotalCost = trace.CostInfo.TotalCost
	trace.Performance.TotalTokens = trace.CostInfo.TotalTokens
	trace.Performance.SpanCount = len(trace.Spans)
	return trace
}

// rawSpans digs the span list out of one raw trace container.
func rawSpans(raw any) ([]map[string]any, error) {
	container, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("trace container is %T, not a map", raw)
	}
	listVal, ok := container["spans"]
	if !ok {
		return nil, nil
	}

	var out []map[string]any
	switch list := listVal.(type) {
	case []map[string]any:
		out = list
	case []any:
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	default:
		return nil, fmt.Errorf("spans field is %T, not a list", listVal)
	}
	return out, nil
}

func extractSpan(raw map[string]any, pricing Pricing) (core.Span, core.CostInfo) {
	span := core.Span{
		Name:      asString(raw["name"]),
		SpanID:    asString(raw["span_id"]),
		TraceID:   asString(raw["trace_id"]),
		Status:    asString(raw["status"]),
		Kind:      asString(raw["kind"]),
		StartTime: asInt64(raw["start_time"]),
		EndTime:   asInt64(raw["end_time"]),
	}
	if span.StartTime > 0 && span.EndTime > 0 {
		span.DurationMS = float64(span.EndTime-span.StartTime) / 1e6
	}
	if attrs, ok := raw["attributes"].(map[string]any); ok {
		span.Attributes = attrs
	}
	if events, ok := raw["events"].([]any); ok {
		for _, ev := range events {
			if m, ok := ev.(map[string]any); ok {
				spanEvent := core.SpanEvent{
					Name:      asString(m["name"]),
					Timestamp: asInt64(m["timestamp"]),
				}
				if evAttrs, ok := m["attributes"].(map[string]any); ok {
					spanEvent.Attributes = evAttrs
				}
				span.Events = append(span.Events, spanEvent)
			}
		}
	}
	return span, spanCost(span, pricing)
}

// spanCost reads token and cost attributes, GenAI convention first, then
// applies the pricing fallback when tokens exist but no cost was reported.
func spanCost(span core.Span, pricing Pricing) core.CostInfo {
	attrs := span.Attributes
	if attrs == nil {
		return core.CostInfo{}
	}

	inTokens, inTokensOK := attrInt(attrs, attrGenAIInputTokens)
	outTokens, outTokensOK := attrInt(attrs, attrGenAIOutputTokens)
	inCost, inCostOK := attrFloat(attrs, attrGenAIInputCost)
	outCost, outCostOK := attrFloat(attrs, attrGenAIOutputCost)

	if !inTokensOK {
		inTokens, _ = attrInt(attrs, attrLegacyPromptTokens)
	}
	if !outTokensOK {
		outTokens, _ = attrInt(attrs, attrLegacyCompletionTokens)
	}
	if !inCostOK {
		inCost, _ = attrFloat(attrs, attrLegacyPromptCost)
	}
	if !outCostOK {
		outCost, _ = attrFloat(attrs, attrLegacyCompletionCost)
	}

	if pricing != nil && inCost == 0 && outCost == 0 && inTokens+outTokens > 0 {
		if model := spanModel(attrs); model != "" {
			if inPrice, outPrice, ok := pricing.PriceFor(model); ok {
				inCost = float64(inTokens) * inPrice
				outCost = float64(outTokens) * outPrice
			}
		}
	}

	return core.CostInfo{
		TotalCost:    inCost + outCost,
		TotalTokens:  inTokens + outTokens,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
	}
}

func spanModel(attrs map[string]any) string {
	for _, key := range modelAttrKeys {
		if v := asString(attrs[key]); v != "" {
			return v
		}
	}
	return ""
}

func attrInt(attrs map[string]any, key string) (int, bool) {
	v, ok := attrs[key]
	if !ok {
		return 0, false
	}
	return int(asInt64(v)), true
}

func attrFloat(attrs map[string]any, key string) (float64, bool) {
	v, ok := attrs[key]
	if !ok {
		return 0, false
	}
	return asFloat(v), true
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
