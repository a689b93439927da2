// Package core provides the foundational types for Trellis workflows.
//
// This package contains:
//   - The graph model: Node, Edge, Graph
//   - Execution records: Execution, Progress, Status
//   - Telemetry shapes: Trace, Span, CostInfo, Performance
//   - The classified error taxonomy: ExecError
//   - Collaborator contracts: AgentInvoker, CredentialBroker, GraphStore
package core

import "strings"

// NodeKind identifies the type of a node.
// The set of kinds is closed: unknown kinds fail validation rather than
// silently degrading.
type NodeKind string

const (
	NodeKindAgent       NodeKind = "agent"
	NodeKindTool        NodeKind = "tool"
	NodeKindConditional NodeKind = "conditional"
	NodeKindInput       NodeKind = "input"
	NodeKindOutput      NodeKind = "output"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// Known reports whether the kind is one of the closed set.
func (k NodeKind) Known() bool {
	switch k {
	case NodeKindAgent, NodeKindTool, NodeKindConditional, NodeKindInput, NodeKindOutput:
		return true
	}
	return false
}

// ComposioTypePrefix marks node data types produced by the Composio-style
// builder surface. Nodes carrying it are classified as tools regardless of
// their declared kind.
const ComposioTypePrefix = "composio-"

// ConditionOp is the comparison operator in a conditional rule.
type ConditionOp string

const (
	OpEquals      ConditionOp = "equals"
	OpNotEquals   ConditionOp = "not_equals"
	OpContains    ConditionOp = "contains"
	OpGreaterThan ConditionOp = "greater_than"
	OpLessThan    ConditionOp = "less_than"
)

// Known reports whether the operator is one of the supported set.
func (o ConditionOp) Known() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// ConditionRule is the predicate attached to one conditional branch.
// JSONPath is applied to the node's input payload; the extracted value is
// compared against Value using Operator.
type ConditionRule struct {
	JSONPath string      `json:"jsonpath"`
	Operator ConditionOp `json:"operator"`
	Value    string      `json:"value"`
}

// Condition is one ordered entry of a conditional node. At most one entry
// in a node may carry IsDefault.
type Condition struct {
	ID        string         `json:"id"`
	Rule      *ConditionRule `json:"rule,omitempty"`
	IsDefault bool           `json:"is_default,omitempty"`
}

// NodeData is the kind-specific payload of a node. Fields not relevant to
// a given kind are left zero; two upstream producers populate overlapping
// field sets, which is why both Name and Label exist.
type NodeData struct {
	Name         string         `json:"name,omitempty"`
	Label        string         `json:"label,omitempty"`
	Description  string         `json:"description,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	ModelID      string         `json:"model_id,omitempty"`
	Type         string         `json:"type,omitempty"`
	ToolType     string         `json:"tool_type,omitempty"`
	Format       string         `json:"format,omitempty"`
	Conditions   []Condition    `json:"conditions,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
}

// DisplayName returns Name, falling back to Label, falling back to the
// empty string.
func (d NodeData) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Label
}

// Node is one vertex of a workflow graph.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
	Data NodeData `json:"data"`

	// Position is opaque UI state, carried through untouched. It never
	// participates in hashing or validation.
	Position map[string]any `json:"position,omitempty"`
}

// IsTool reports whether the node executes as a tool. A node counts as a
// tool when its kind is tool or its data type carries the Composio prefix;
// this unified rule reconciles the two upstream producers.
func (n Node) IsTool() bool {
	return n.Kind == NodeKindTool || strings.HasPrefix(n.Data.Type, ComposioTypePrefix)
}

// IsAgent reports whether the node executes as an agent.
func (n Node) IsAgent() bool {
	return n.Kind == NodeKindAgent && !n.IsTool()
}

// Executable reports whether the node performs work during execution.
// Conditional, input, and output nodes are bookkeeping; agents and tools
// are executable.
func (n Node) Executable() bool {
	return n.IsTool() || n.IsAgent()
}

// Edge is one directed connection between two nodes. SourceHandle on a
// conditional source names the condition whose branch the edge represents;
// TargetHandle "tool" on an agent target binds the source tool to the
// agent's tool set.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
}

// ToolHandle is the TargetHandle value that binds a tool node to an agent.
const ToolHandle = "tool"

// Graph is a workflow definition: flat node and edge slices in ingestion
// order. Adjacency is computed where needed (validator, planner) rather
// than stored, keeping the definition free of pointer cycles.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil. The pointer aliases
// the graph's node storage.
func (g Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the graph. Frozen execution records hold a
// clone so later mutation of the submitted graph cannot leak in.
func (g Graph) Clone() Graph {
	out := Graph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	copy(out.Edges, g.Edges)
	for i, n := range g.Nodes {
		cn := n
		if n.Position != nil {
			cn.Position = make(map[string]any, len(n.Position))
			for k, v := range n.Position {
				cn.Position[k] = v
			}
		}
		if n.Data.Conditions != nil {
			cn.Data.Conditions = make([]Condition, len(n.Data.Conditions))
			copy(cn.Data.Conditions, n.Data.Conditions)
		}
		if n.Data.Inputs != nil {
			cn.Data.Inputs = make(map[string]any, len(n.Data.Inputs))
			for k, v := range n.Data.Inputs {
				cn.Data.Inputs[k] = v
			}
		}
		out.Nodes[i] = cn
	}
	return out
}

// BoundTools returns the ids of tool nodes bound to the given agent node
// via edges with the tool handle, in edge ingestion order.
func (g Graph) BoundTools(agentID string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.Target == agentID && e.TargetHandle == ToolHandle {
			out = append(out, e.Source)
		}
	}
	return out
}

// Identity is a graph's human-readable identity plus its stable structural
// digest. StructureHash is the equivalence key for grouping executions of
// "the same" graph.
type Identity struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Description   string  `json:"description,omitempty"`
	Confidence    float64 `json:"confidence"`
	StructureHash string  `json:"structure_hash"`
}
