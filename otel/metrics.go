package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-labs/trellis/bus"
	"github.com/trellis-labs/trellis/core"
)

// MetricsObserver records counters and histograms from execution updates.
type MetricsObserver struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	executions     metric.Int64Counter
	execDuration   metric.Float64Histogram

	mu    sync.Mutex
	state map[string]*execMetrics
}

type execMetrics struct {
	startedAt  time.Time
	nodeStarts map[string]time.Time
	seen       map[string]core.NodeState
}

// NewMetricsObserver creates the instruments on the given meter.
func NewMetricsObserver(meter metric.Meter) (*MetricsObserver, error) {
	nodeExec, err := meter.Int64Counter("trellis.node.executions",
		metric.WithDescription("Number of completed node executions"),
	)
	if err != nil {
		return nil, err
	}
	nodeFail, err := meter.Int64Counter("trellis.node.failures",
		metric.WithDescription("Number of failed node executions"),
	)
	if err != nil {
		return nil, err
	}
	nodeDur, err := meter.Float64Histogram("trellis.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	executions, err := meter.Int64Counter("trellis.executions",
		metric.WithDescription("Number of finished executions by status"),
	)
	if err != nil {
		return nil, err
	}
	execDur, err := meter.Float64Histogram("trellis.execution.duration",
		metric.WithDescription("Duration of an execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsObserver{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		executions:     executions,
		execDuration:   execDur,
		state:          make(map[string]*execMetrics),
	}, nil
}

// Observe processes one bus message.
func (o *MetricsObserver) Observe(msg bus.Message) {
	if msg.Type != bus.MessageExecutionUpdate {
		return
	}
	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	em, ok := o.state[msg.ExecutionID]
	if !ok {
		em = &execMetrics{
			startedAt:  now,
			nodeStarts: make(map[string]time.Time),
			seen:       make(map[string]core.NodeState),
		}
		o.state[msg.ExecutionID] = em
	}

	if msg.Progress != nil {
		for nodeID, np := range msg.Progress.NodeStatus {
			prev, known := em.seen[nodeID]
			if known && prev == np.State {
				continue
			}
			o.recordNode(em, nodeID, np, now)
			em.seen[nodeID] = np.State
		}
	}

	if msg.Status.Terminal() {
		delete(o.state, msg.ExecutionID)
		ctx := context.Background()
		attrs := metric.WithAttributes(attribute.String("status", string(msg.Status)))
		o.executions.Add(ctx, 1, attrs)
		o.execDuration.Record(ctx, now.Sub(em.startedAt).Seconds(), attrs)
	}
}

func (o *MetricsObserver) recordNode(em *execMetrics, nodeID string, np core.NodeProgress, now time.Time) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node_kind", string(np.Kind)),
		attribute.String("node_id", nodeID),
	)

	switch np.State {
	case core.NodeStateRunning:
		em.nodeStarts[nodeID] = now

	case core.NodeStateCompleted:
		if start, ok := em.nodeStarts[nodeID]; ok {
			delete(em.nodeStarts, nodeID)
			o.nodeExecutions.Add(ctx, 1, attrs)
			o.nodeDuration.Record(ctx, now.Sub(start).Seconds(), attrs)
		}

	case core.NodeStateFailed:
		delete(em.nodeStarts, nodeID)
		o.nodeFailures.Add(ctx, 1, attrs)
	}
}
