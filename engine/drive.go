package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trellis-labs/trellis/bus"
	"github.com/trellis-labs/trellis/core"
	"github.com/trellis-labs/trellis/nodes"
	"github.com/trellis-labs/trellis/plan"
	"github.com/trellis-labs/trellis/telemetry"
	"github.com/trellis-labs/trellis/validate"
)

// drive runs one execution start to finish. It is the single writer for
// the execution record; observers only ever see clones through the
// retention store and the bus.
func (e *Engine) drive(ctx context.Context, execID string, sub core.Submission, state *runState) {
	defer e.forget(execID)

	exec := &core.Execution{
		ID:        execID,
		UserID:    sub.ResolveUser(),
		Status:    core.StatusRunning,
		CreatedAt: time.Now(),
		Input:     sub.Input,
		Graph:     sub.Graph.Clone(),
		Framework: sub.Framework,
	}
	e.store.Put(exec.Clone())

	verdict := e.validator.Validate(sub.Graph)
	if !verdict.OK {
		e.finishFailed(exec, validationError(verdict), nil)
		return
	}
	exec.Graph = verdict.Normalized
	exec.Identity = e.resolveIdentity(exec.Graph, sub.Identity)

	e.initProgress(exec)
	e.publishUpdate(exec)

	p := plan.Build(exec.Graph)
	ec := &nodes.ExecContext{
		ExecutionID:  execID,
		UserID:       exec.UserID,
		Framework:    exec.Framework,
		InitialInput: exec.Input,
		Graph:        &exec.Graph,
		Invoker:      e.invoker,
		Tools:        e.tools,
	}

	outputs := make(map[string]nodes.Outputs)
	decisions := make(map[string]string)
	skipped := make(map[string]bool)
	completed := 0
	var lastResult string

	for _, nodeID := range p.Order {
		if ctx.Err() != nil {
			e.finishFailed(exec, cancelledError(nodeID), ec.RawTraces)
			return
		}
		node := exec.Graph.NodeByID(nodeID)
		if node == nil {
			continue
		}
		if offBranch(nodeID, p, decisions, skipped) {
			skipped[nodeID] = true
			// Untaken branches are not failures; they read as never started.
			if np, ok := exec.Progress.NodeStatus[nodeID]; ok {
				np.State = core.NodeStatePending
				exec.Progress.NodeStatus[nodeID] = np
			}
			continue
		}

		input := gatherInput(nodeID, p, outputs, decisions, skipped)

		if node.Kind == core.NodeKindConditional {
			choice, err := nodes.Decide(*node, input)
			if err != nil {
				e.failNode(exec, nodeID, err, ec.RawTraces)
				return
			}
			decisions[nodeID] = choice
			outputs[nodeID] = nodes.Outputs{nodes.KeyResult: input, nodes.KeyDefault: input}
			continue
		}

		handler := e.handlers.Resolve(*node)
		if handler == nil {
			e.failNode(exec, nodeID, core.NewExecError(core.ErrorInternal, "no handler for kind %s", node.Kind), ec.RawTraces)
			return
		}

		if !node.Executable() {
			out, err := handler.Execute(ctx, *node, input, ec)
			if err != nil {
				e.failNode(exec, nodeID, err, ec.RawTraces)
				return
			}
			outputs[nodeID] = out
			continue
		}

		e.markNodeRunning(exec, *node, completed)
		out, err := handler.Execute(ctx, *node, input, ec)
		if err != nil {
			e.failNode(exec, nodeID, err, ec.RawTraces)
			return
		}

		if node.IsAgent() && !node.IsTool() {
			if question, ok := DetectQuestion(out[nodes.KeyResult]); ok {
				replacement, err := e.awaitInput(ctx, exec, question, out[nodes.KeyResult], state)
				if err != nil {
					e.finishFailed(exec, cancelledError(nodeID), ec.RawTraces)
					return
				}
				out[nodes.KeyResult] = replacement
				out[nodes.KeyDefault] = replacement
			}
		}

		outputs[nodeID] = out
		lastResult = out[nodes.KeyResult]
		completed++
		e.markNodeCompleted(exec, *node, completed)
	}

	result := finalResult(exec.Graph, p, outputs, skipped, lastResult)
	trace := telemetry.Extract(result, ec.RawTraces, e.pricing)

	exec.Result = result
	exec.Trace = trace
	e.finish(exec, core.StatusCompleted)
}

// offBranch reports whether every data edge into the node comes from a
// skipped source or an untaken conditional branch. Nodes with no inbound
// data edges always run.
func offBranch(nodeID string, p plan.Plan, decisions map[string]string, skipped map[string]bool) bool {
	upstream := p.Upstream[nodeID]
	if len(upstream) == 0 {
		return false
	}
	for _, edge := range upstream {
		if skipped[edge.Source] {
			continue
		}
		if choice, isConditional := decisions[edge.Source]; isConditional && edge.SourceHandle != choice {
			continue
		}
		return false
	}
	return true
}

// gatherInput concatenates upstream outputs. A single contribution passes
// through untouched; several get numbered prefixes.
func gatherInput(nodeID string, p plan.Plan, outputs map[string]nodes.Outputs, decisions map[string]string, skipped map[string]bool) string {
	var parts []string
	for _, edge := range p.Upstream[nodeID] {
		if skipped[edge.Source] {
			continue
		}
		if choice, isConditional := decisions[edge.Source]; isConditional && edge.SourceHandle != choice {
			continue
		}
		out, ok := outputs[edge.Source]
		if !ok {
			continue
		}
		value, ok := out[nodes.KeyResult]
		if !ok {
			value = out[nodes.KeyDefault]
		}
		parts = append(parts, value)
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	numbered := make([]string, len(parts))
	for i, part := range parts {
		numbered[i] = fmt.Sprintf("%d. %s", i+1, part)
	}
	return strings.Join(numbered, "\n\n")
}

// finalResult concatenates output-node values in plan order; with no output
// nodes, the last executable result stands in.
func finalResult(g core.Graph, p plan.Plan, outputs map[string]nodes.Outputs, skipped map[string]bool, lastResult string) string {
	var parts []string
	for _, nodeID := range p.Order {
		node := g.NodeByID(nodeID)
		if node == nil || node.Kind != core.NodeKindOutput || skipped[nodeID] {
			continue
		}
		if out, ok := outputs[nodeID]; ok {
			parts = append(parts, out[nodes.KeyResult])
		}
	}
	if len(parts) == 0 {
		return lastResult
	}
	return strings.Join(parts, "\n\n")
}

// initProgress seeds node status: executables pending, everything else
// completed up front so percent tracks real work only.
func (e *Engine) initProgress(exec *core.Execution) {
	status := make(map[string]core.NodeProgress, len(exec.Graph.Nodes))
	total := 0
	for _, n := range exec.Graph.Nodes {
		state := core.NodeStateCompleted
		if n.Executable() {
			state = core.NodeStatePending
			total++
		}
		status[n.ID] = core.NodeProgress{State: state, Name: n.Data.DisplayName(), Kind: n.Kind}
	}
	exec.Progress = core.Progress{
		Percent:    0,
		TotalSteps: total,
		NodeStatus: status,
	}
}

func (e *Engine) markNodeRunning(exec *core.Execution, node core.Node, completed int) {
	np := exec.Progress.NodeStatus[node.ID]
	np.State = core.NodeStateRunning
	exec.Progress.NodeStatus[node.ID] = np
	exec.Progress.CurrentStep = completed + 1
	exec.Progress.CurrentActivity = "Running " + node.Data.DisplayName()
	e.publishUpdate(exec)
}

func (e *Engine) markNodeCompleted(exec *core.Execution, node core.Node, completed int) {
	np := exec.Progress.NodeStatus[node.ID]
	np.State = core.NodeStateCompleted
	exec.Progress.NodeStatus[node.ID] = np
	if exec.Progress.TotalSteps > 0 {
		percent := 100 * float64(completed) / float64(exec.Progress.TotalSteps)
		if percent > exec.Progress.Percent {
			exec.Progress.Percent = percent
		}
	}
	e.publishUpdate(exec)
}

// failNode cascades a node failure: the failing node and everything still
// pending or running goes to failed, then the execution terminates.
func (e *Engine) failNode(exec *core.Execution, nodeID string, err error, raws []any) {
	execErr := core.ClassifyError(err, nodeID)
	if errors.Is(err, context.Canceled) {
		execErr = cancelledError(nodeID)
	}
	if np, ok := exec.Progress.NodeStatus[nodeID]; ok {
		np.State = core.NodeStateFailed
		exec.Progress.NodeStatus[nodeID] = np
	}
	e.finishFailed(exec, execErr, raws)
}

func (e *Engine) finishFailed(exec *core.Execution, execErr *core.ExecError, raws []any) {
	for id, np := range exec.Progress.NodeStatus {
		if np.State == core.NodeStatePending || np.State == core.NodeStateRunning {
			np.State = core.NodeStateFailed
			exec.Progress.NodeStatus[id] = np
		}
	}
	exec.Error = execErr
	if len(raws) > 0 {
		exec.Trace = telemetry.Extract("", raws, e.pricing)
	}
	e.logger.Warn("execution failed",
		"execution_id", exec.ID,
		"user_id", exec.UserID,
		"kind", string(execErr.Kind),
		"error", execErr.Message)
	e.finish(exec, core.StatusFailed)
}

// finish seals the record: terminal status, final event, retention commit,
// and the one graph-store record.
func (e *Engine) finish(exec *core.Execution, status core.Status) {
	now := time.Now()
	exec.Status = status
	exec.CompletedAt = &now
	exec.Progress.CurrentActivity = ""
	// Percent reaches 100 exactly when the record turns terminal, for
	// failed runs as much as completed ones.
	exec.Progress.Percent = 100
	e.publishUpdate(exec)

	if e.graphStore != nil {
		if err := e.graphStore.Record(context.Background(), exec.Snapshot()); err != nil {
			e.logger.Error("graph store record failed", "execution_id", exec.ID, "error", err)
		}
	}
}

// publishUpdate commits the record to the store before fanning out, so a
// subscriber's attach snapshot is never behind the stream it just joined.
func (e *Engine) publishUpdate(exec *core.Execution) {
	e.store.Put(exec.Clone())

	progress := exec.Progress.Clone()
	identity := exec.Identity
	e.bus.Publish(bus.Message{
		Type:        bus.MessageExecutionUpdate,
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Progress:    &progress,
		Result:      exec.Result,
		Error:       exec.Error,
		Identity:    &identity,
	})
}

func validationError(verdict validate.Result) *core.ExecError {
	for _, d := range verdict.Diagnostics {
		if d.Severity == validate.SeverityError {
			return core.NewExecError(core.ErrorValidation, "%s: %s", d.Code, d.Message)
		}
	}
	return core.NewExecError(core.ErrorValidation, "graph failed validation")
}

func cancelledError(nodeID string) *core.ExecError {
	e := core.NewExecError(core.ErrorCancelled, "execution cancelled")
	if nodeID != "" {
		return e.WithNode(nodeID)
	}
	return e
}
