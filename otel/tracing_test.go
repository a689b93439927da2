package otel_test

import (
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/trellis-labs/trellis/bus"
	"github.com/trellis-labs/trellis/core"
	trellisotel "github.com/trellis-labs/trellis/otel"
)

func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func update(execID string, status core.Status, nodes map[string]core.NodeProgress) bus.Message {
	return bus.Message{
		Type:        bus.MessageExecutionUpdate,
		ExecutionID: execID,
		Status:      status,
		Progress:    &core.Progress{NodeStatus: nodes},
	}
}

func TestTracingObserver_NodeLifecycle(t *testing.T) {
	exporter, tp := newTestTracer()
	obs := trellisotel.NewTracingObserver(tp.Tracer("test"))

	obs.Observe(update("exec_u_1", core.StatusRunning, map[string]core.NodeProgress{
		"a1": {State: core.NodeStateRunning, Kind: core.NodeKindAgent, Name: "Writer"},
	}))
	obs.Observe(update("exec_u_1", core.StatusRunning, map[string]core.NodeProgress{
		"a1": {State: core.NodeStateCompleted, Kind: core.NodeKindAgent, Name: "Writer"},
	}))
	obs.Observe(update("exec_u_1", core.StatusCompleted, map[string]core.NodeProgress{
		"a1": {State: core.NodeStateCompleted, Kind: core.NodeKindAgent, Name: "Writer"},
	}))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2 (node + execution)", len(spans))
	}

	var nodeSpan, execSpan *tracetest.SpanStub
	for i := range spans {
		switch spans[i].Name {
		case "node:a1":
			nodeSpan = &spans[i]
		case "execution":
			execSpan = &spans[i]
		}
	}
	if nodeSpan == nil || execSpan == nil {
		t.Fatalf("missing spans: %+v", spans)
	}
	if nodeSpan.Status.Code != codes.Ok {
		t.Errorf("node status = %v, want Ok", nodeSpan.Status.Code)
	}
	if nodeSpan.Parent.SpanID() != execSpan.SpanContext.SpanID() {
		t.Error("node span should be a child of the execution span")
	}
	if execSpan.Status.Code != codes.Ok {
		t.Errorf("execution status = %v, want Ok", execSpan.Status.Code)
	}
}

func TestTracingObserver_FailedNodeEndsWithError(t *testing.T) {
	exporter, tp := newTestTracer()
	obs := trellisotel.NewTracingObserver(tp.Tracer("test"))

	obs.Observe(update("exec_u_2", core.StatusRunning, map[string]core.NodeProgress{
		"a1": {State: core.NodeStateRunning, Kind: core.NodeKindAgent},
	}))

	failed := update("exec_u_2", core.StatusFailed, map[string]core.NodeProgress{
		"a1": {State: core.NodeStateFailed, Kind: core.NodeKindAgent},
	})
	failed.Error = &core.ExecError{Kind: core.ErrorHandlerFailure, Message: "model exploded", NodeID: "a1"}
	obs.Observe(failed)

	for _, span := range exporter.GetSpans() {
		if span.Status.Code != codes.Error {
			t.Errorf("span %s status = %v, want Error", span.Name, span.Status.Code)
		}
		if span.Name == "node:a1" && span.Status.Description != "model exploded" {
			t.Errorf("node error description = %q", span.Status.Description)
		}
	}
}

func TestTracingObserver_InputRequestAddsEvent(t *testing.T) {
	exporter, tp := newTestTracer()
	obs := trellisotel.NewTracingObserver(tp.Tracer("test"))

	obs.Observe(update("exec_u_3", core.StatusRunning, nil))
	obs.Observe(bus.Message{
		Type:        bus.MessageInputRequest,
		ExecutionID: "exec_u_3",
		Question:    "What topping would you like?",
	})
	obs.Observe(update("exec_u_3", core.StatusCompleted, nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	events := spans[0].Events
	if len(events) != 1 || events[0].Name != "input.requested" {
		t.Fatalf("events = %+v, want one input.requested", events)
	}
}

func TestTracingObserver_ActiveSpanContext(t *testing.T) {
	_, tp := newTestTracer()
	obs := trellisotel.NewTracingObserver(tp.Tracer("test"))

	if obs.ActiveSpanContext("nope", "a1").IsValid() {
		t.Error("expected invalid span context before any message")
	}

	obs.Observe(update("exec_u_4", core.StatusRunning, map[string]core.NodeProgress{
		"a1": {State: core.NodeStateRunning, Kind: core.NodeKindAgent},
	}))
	if !obs.ActiveSpanContext("exec_u_4", "a1").IsValid() {
		t.Error("expected valid span context while the node runs")
	}

	obs.Observe(update("exec_u_4", core.StatusRunning, map[string]core.NodeProgress{
		"a1": {State: core.NodeStateCompleted, Kind: core.NodeKindAgent},
	}))
	if obs.ActiveSpanContext("exec_u_4", "a1").IsValid() {
		t.Error("expected invalid span context after the node finished")
	}
}
