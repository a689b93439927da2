package core

// Span is one timed record produced by an agent or tool invocation.
// StartTime and EndTime are Unix nanoseconds; zero means absent.
type Span struct {
	Name       string         `json:"name"`
	SpanID     string         `json:"span_id,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	StartTime  int64          `json:"start_time,omitempty"`
	EndTime    int64          `json:"end_time,omitempty"`
	DurationMS float64        `json:"duration_ms,omitempty"`
	Status     string         `json:"status,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Events     []SpanEvent    `json:"events,omitempty"`
}

// SpanEvent is a point-in-time annotation on a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// CostInfo aggregates token and cost totals across an execution's spans.
// Invariant: TotalTokens = InputTokens + OutputTokens.
type CostInfo struct {
	TotalCost    float64 `json:"total_cost"`
	TotalTokens  int     `json:"total_tokens"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// Add combines two CostInfo values.
func (c CostInfo) Add(other CostInfo) CostInfo {
	return CostInfo{
		TotalCost:    c.TotalCost + other.TotalCost,
		TotalTokens:  c.TotalTokens + other.TotalTokens,
		InputTokens:  c.InputTokens + other.InputTokens,
		OutputTokens: c.OutputTokens + other.OutputTokens,
	}
}

// Performance summarizes an execution's telemetry.
type Performance struct {
	TotalDurationMS float64 `json:"total_duration_ms"`
	TotalCost       float64 `json:"total_cost"`
	TotalTokens     int     `json:"total_tokens"`
	SpanCount       int     `json:"span_count"`
}

// Trace is the telemetry attached to a terminal execution record.
// ExtractionError is set instead of failing when the raw trace could not
// be interpreted; the extractor never surfaces an error.
type Trace struct {
	FinalOutput     string      `json:"final_output,omitempty"`
	Spans           []Span      `json:"spans,omitempty"`
	CostInfo        CostInfo    `json:"cost_info"`
	Performance     Performance `json:"performance"`
	ExtractionError string      `json:"extraction_error,omitempty"`
}

// Clone returns a copy of the trace with independent span storage.
func (t *Trace) Clone() *Trace {
	if t == nil {
		return nil
	}
	out := *t
	if t.Spans != nil {
		out.Spans = make([]Span, len(t.Spans))
		copy(out.Spans, t.Spans)
	}
	return &out
}
