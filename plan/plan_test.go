package plan

import (
	"reflect"
	"testing"

	"github.com/trellis-labs/trellis/core"
)

func TestBuild_TopologicalWithInputsFirst(t *testing.T) {
	g := core.Graph{
		Nodes: []core.Node{
			{ID: "agent", Kind: core.NodeKindAgent},
			{ID: "in", Kind: core.NodeKindInput},
			{ID: "out", Kind: core.NodeKindOutput},
		},
		Edges: []core.Edge{
			{ID: "e1", Source: "in", Target: "agent"},
			{ID: "e2", Source: "agent", Target: "out"},
		},
	}

	p := Build(g)
	want := []string{"in", "agent", "out"}
	if !reflect.DeepEqual(p.Order, want) {
		t.Errorf("order = %v, want %v", p.Order, want)
	}
}

func TestBuild_TiesBrokenByIngestionOrder(t *testing.T) {
	// Two independent agents feeding one output. Both become ready at the
	// same time; the one listed first runs first.
	g := core.Graph{
		Nodes: []core.Node{
			{ID: "b", Kind: core.NodeKindAgent},
			{ID: "a", Kind: core.NodeKindAgent},
			{ID: "out", Kind: core.NodeKindOutput},
		},
		Edges: []core.Edge{
			{ID: "e1", Source: "b", Target: "out"},
			{ID: "e2", Source: "a", Target: "out"},
		},
	}

	p := Build(g)
	want := []string{"b", "a", "out"}
	if !reflect.DeepEqual(p.Order, want) {
		t.Errorf("order = %v, want %v", p.Order, want)
	}
}

func TestBuild_SingleNode(t *testing.T) {
	g := core.Graph{Nodes: []core.Node{{ID: "solo", Kind: core.NodeKindAgent}}}
	p := Build(g)
	if !reflect.DeepEqual(p.Order, []string{"solo"}) {
		t.Errorf("order = %v, want [solo]", p.Order)
	}
}

func TestBuild_ToolEdgesExcludedFromDataFlow(t *testing.T) {
	g := core.Graph{
		Nodes: []core.Node{
			{ID: "in", Kind: core.NodeKindInput},
			{ID: "search", Kind: core.NodeKindTool},
			{ID: "agent", Kind: core.NodeKindAgent},
		},
		Edges: []core.Edge{
			{ID: "e1", Source: "in", Target: "agent"},
			{ID: "e2", Source: "search", Target: "agent", TargetHandle: core.ToolHandle},
		},
	}

	p := Build(g)
	if len(p.Upstream["agent"]) != 1 || p.Upstream["agent"][0].ID != "e1" {
		t.Errorf("tool-binding edge leaked into upstream view: %+v", p.Upstream["agent"])
	}
	if len(p.Order) != 3 {
		t.Errorf("all nodes must be ordered, got %v", p.Order)
	}
}

func TestStarts(t *testing.T) {
	g := core.Graph{
		Nodes: []core.Node{
			{ID: "in", Kind: core.NodeKindInput},
			{ID: "seed", Kind: core.NodeKindAgent},
			{ID: "sink", Kind: core.NodeKindOutput},
		},
		Edges: []core.Edge{
			{ID: "e1", Source: "in", Target: "sink"},
			{ID: "e2", Source: "seed", Target: "sink"},
		},
	}

	got := Starts(g)
	want := []string{"in", "seed"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("starts = %v, want %v", got, want)
	}
}
