package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/trellis-labs/trellis/nodes"
)

// ToolObserver records tool dispatch and retry signals.
type ToolObserver struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	retries     metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewToolObserver creates a tool observer bound to the provided meter and
// tracer. tracer may be nil to record metrics only.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	invocations, err := meter.Int64Counter(
		"trellis.tool.invocations",
		metric.WithDescription("Number of tool dispatches"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"trellis.tool.retries",
		metric.WithDescription("Number of tool retry attempts"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"trellis.tool.latency",
		metric.WithDescription("Tool latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ToolObserver{
		tracer:      tracer,
		invocations: invocations,
		retries:     retries,
		latency:     latency,
	}, nil
}

// ObserveDispatch records one tool dispatch result.
func (o *ToolObserver) ObserveDispatch(obs nodes.ToolObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", obs.Tool),
		attribute.String("node_id", obs.NodeID),
		attribute.Bool("success", obs.Success),
	}
	if obs.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", obs.ErrorKind))
	}
	if obs.StatusCode != 0 {
		attrs = append(attrs, attribute.Int("http_status", obs.StatusCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, float64(time.Duration(obs.DurationMS)*time.Millisecond)/float64(time.Second), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "tool.dispatch", trace.WithAttributes(attrs...))
	if !obs.Success {
		span.SetStatus(codes.Error, obs.ErrorKind)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveRetry records one backoff attempt.
func (o *ToolObserver) ObserveRetry(obs nodes.RetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("action", obs.Action),
		attribute.String("node_id", obs.NodeID),
		attribute.Int("attempt", obs.Attempt),
		attribute.Int("http_status", obs.Status),
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

var _ nodes.ToolObserver = (*ToolObserver)(nil)
