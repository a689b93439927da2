// Package otel translates engine progress into OpenTelemetry signals. The
// observers consume bus messages, so they see exactly what external
// subscribers see and never touch engine internals.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trellis-labs/trellis/bus"
	"github.com/trellis-labs/trellis/core"
)

// TracingObserver turns execution updates into spans: one root span per
// execution with one child span per executed node. Node transitions are
// derived by diffing the node status map across successive updates.
type TracingObserver struct {
	tracer trace.Tracer

	mu    sync.Mutex
	execs map[string]*execTrace
}

type execTrace struct {
	ctx   context.Context
	span  trace.Span
	nodes map[string]trace.Span
	seen  map[string]core.NodeState
}

// NewTracingObserver creates an observer that starts spans on the given
// tracer.
func NewTracingObserver(tracer trace.Tracer) *TracingObserver {
	return &TracingObserver{
		tracer: tracer,
		execs:  make(map[string]*execTrace),
	}
}

// Observe processes one bus message.
func (o *TracingObserver) Observe(msg bus.Message) {
	switch msg.Type {
	case bus.MessageExecutionUpdate:
		o.observeUpdate(msg)
	case bus.MessageInputRequest:
		o.addEvent(msg.ExecutionID, "input.requested",
			attribute.String("trellis.question", msg.Question))
	case bus.MessageInputReceived:
		o.addEvent(msg.ExecutionID, "input.received")
	}
}

func (o *TracingObserver) observeUpdate(msg bus.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()

	et := o.ensureExecLocked(msg)

	if msg.Progress != nil {
		for nodeID, np := range msg.Progress.NodeStatus {
			prev, known := et.seen[nodeID]
			if known && prev == np.State {
				continue
			}
			o.transitionLocked(et, msg, nodeID, np)
			et.seen[nodeID] = np.State
		}
	}

	if msg.Status.Terminal() {
		o.finishLocked(msg, et)
	}
}

func (o *TracingObserver) ensureExecLocked(msg bus.Message) *execTrace {
	if et, ok := o.execs[msg.ExecutionID]; ok {
		return et
	}

	attrs := []attribute.KeyValue{
		attribute.String("trellis.execution_id", msg.ExecutionID),
	}
	if msg.Identity != nil {
		attrs = append(attrs,
			attribute.String("trellis.workflow_name", msg.Identity.Name),
			attribute.String("trellis.workflow_category", string(msg.Identity.Category)),
			attribute.String("trellis.structure_hash", msg.Identity.StructureHash),
		)
	}

	ctx, span := o.tracer.Start(context.Background(), "execution",
		trace.WithAttributes(attrs...))
	et := &execTrace{
		ctx:   ctx,
		span:  span,
		nodes: make(map[string]trace.Span),
		seen:  make(map[string]core.NodeState),
	}
	o.execs[msg.ExecutionID] = et
	return et
}

func (o *TracingObserver) transitionLocked(et *execTrace, msg bus.Message, nodeID string, np core.NodeProgress) {
	switch np.State {
	case core.NodeStateRunning:
		_, span := o.tracer.Start(et.ctx, "node:"+nodeID,
			trace.WithAttributes(
				attribute.String("trellis.node_id", nodeID),
				attribute.String("trellis.node_kind", string(np.Kind)),
				attribute.String("trellis.node_name", np.Name),
			))
		et.nodes[nodeID] = span

	case core.NodeStateCompleted:
		if span, ok := et.nodes[nodeID]; ok {
			delete(et.nodes, nodeID)
			span.SetStatus(codes.Ok, "")
			span.End()
		}

	case core.NodeStateFailed:
		if span, ok := et.nodes[nodeID]; ok {
			delete(et.nodes, nodeID)
			errMsg := "node failed"
			if msg.Error != nil && msg.Error.NodeID == nodeID {
				errMsg = msg.Error.Message
			}
			span.SetStatus(codes.Error, errMsg)
			span.RecordError(spanError(errMsg))
			span.End()
		}
	}
}

func (o *TracingObserver) finishLocked(msg bus.Message, et *execTrace) {
	delete(o.execs, msg.ExecutionID)

	for _, span := range et.nodes {
		span.End()
	}

	et.span.SetAttributes(attribute.String("trellis.status", string(msg.Status)))
	if msg.Status == core.StatusFailed {
		errMsg := "execution failed"
		if msg.Error != nil {
			errMsg = msg.Error.Message
			et.span.SetAttributes(attribute.String("trellis.error_kind", string(msg.Error.Kind)))
		}
		et.span.SetStatus(codes.Error, errMsg)
	} else {
		et.span.SetStatus(codes.Ok, "")
	}
	et.span.End()
}

func (o *TracingObserver) addEvent(execID, name string, attrs ...attribute.KeyValue) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if et, ok := o.execs[execID]; ok {
		et.span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// ActiveSpanContext returns the span context of the open node span, or the
// zero value when the node is not currently running.
func (o *TracingObserver) ActiveSpanContext(execID, nodeID string) trace.SpanContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	if et, ok := o.execs[execID]; ok {
		if span, ok := et.nodes[nodeID]; ok {
			return span.SpanContext()
		}
	}
	return trace.SpanContext{}
}

type spanError string

func (e spanError) Error() string { return string(e) }
