// Package nodes dispatches execution of individual graph nodes. One handler
// exists per node kind; the engine resolves the handler for each planned
// step and feeds it the concatenated upstream output.
package nodes

import (
	"context"

	"github.com/trellis-labs/trellis/core"
)

// Output keys shared by the input and agent handlers. Downstream nodes read
// result first and fall back to default.
const (
	KeyResult  = "result"
	KeyDefault = "default"
)

// Outputs is the keyed result set one node hands to its successors.
type Outputs map[string]string

// ExecContext is the per-execution state visible to handlers. The engine
// owns it; handlers only read the fields and append to RawTraces.
type ExecContext struct {
	ExecutionID  string
	UserID       string
	Framework    string
	InitialInput string
	Graph        *core.Graph

	Invoker core.AgentInvoker
	Tools   *ToolRegistry

	// RawTraces collects the invoker's per-agent traces for telemetry
	// extraction after the run.
	RawTraces []any
}

// Handler executes one node.
type Handler interface {
	Execute(ctx context.Context, node core.Node, input string, ec *ExecContext) (Outputs, error)
}

// Registry resolves the handler for a node. Composio-typed nodes route to
// the tool handler regardless of their declared kind.
type Registry struct {
	handlers map[core.NodeKind]Handler
}

// NewRegistry wires the default handler set.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[core.NodeKind]Handler)}
	r.Register(core.NodeKindInput, InputHandler{})
	r.Register(core.NodeKindOutput, OutputHandler{})
	r.Register(core.NodeKindAgent, AgentHandler{})
	r.Register(core.NodeKindTool, ToolHandler{})
	return r
}

// Register replaces the handler for a kind.
func (r *Registry) Register(kind core.NodeKind, h Handler) {
	r.handlers[kind] = h
}

// Resolve returns the handler for a node, or nil when the kind has none.
func (r *Registry) Resolve(node core.Node) Handler {
	if node.IsTool() {
		return r.handlers[core.NodeKindTool]
	}
	return r.handlers[node.Kind]
}
