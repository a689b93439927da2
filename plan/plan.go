// Package plan orders a validated graph for execution. The order is a
// topological sort with two determinism rules: input nodes are scheduled
// before any other ready node, and remaining ties fall back to the order
// nodes were ingested in.
package plan

import (
	"github.com/trellis-labs/trellis/core"
)

// Plan is the execution order plus the dependency view the engine needs to
// route data between steps.
type Plan struct {
	// Order holds node ids in execution order.
	Order []string

	// Upstream maps a node id to the edges feeding it, in edge ingestion
	// order. Tool-binding edges are excluded; they describe capability, not
	// data flow.
	Upstream map[string][]core.Edge

	// Downstream maps a node id to the edges it feeds.
	Downstream map[string][]core.Edge
}

// Build computes the plan for a graph. The graph must already have passed
// validation; cycles here would loop forever in the ready scan, so Build
// stops and returns what it ordered when no progress can be made.
func Build(g core.Graph) Plan {
	p := Plan{
		Upstream:   make(map[string][]core.Edge, len(g.Nodes)),
		Downstream: make(map[string][]core.Edge, len(g.Nodes)),
	}

	indeg := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range g.Edges {
		if e.TargetHandle == core.ToolHandle {
			continue
		}
		p.Upstream[e.Target] = append(p.Upstream[e.Target], e)
		p.Downstream[e.Source] = append(p.Downstream[e.Source], e)
		indeg[e.Target]++
	}

	if len(g.Nodes) == 1 {
		p.Order = []string{g.Nodes[0].ID}
		return p
	}

	done := make(map[string]bool, len(g.Nodes))
	for len(p.Order) < len(g.Nodes) {
		next := pickReady(g, indeg, done)
		if next == "" {
			break
		}
		done[next] = true
		p.Order = append(p.Order, next)
		for _, e := range p.Downstream[next] {
			indeg[e.Target]--
		}
	}
	return p
}

// pickReady scans nodes in ingestion order twice: first for a ready input
// node, then for any ready node. Input nodes also count as ready regardless
// of in-degree, since they start the flow by definition.
func pickReady(g core.Graph, indeg map[string]int, done map[string]bool) string {
	for _, n := range g.Nodes {
		if !done[n.ID] && n.Kind == core.NodeKindInput {
			return n.ID
		}
	}
	for _, n := range g.Nodes {
		if !done[n.ID] && indeg[n.ID] <= 0 {
			return n.ID
		}
	}
	return ""
}

// Starts returns the start set: zero in-degree nodes plus all input nodes,
// deduplicated, in ingestion order.
func Starts(g core.Graph) []string {
	indeg := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range g.Edges {
		if e.TargetHandle == core.ToolHandle {
			continue
		}
		indeg[e.Target]++
	}

	var starts []string
	seen := make(map[string]bool)
	for _, n := range g.Nodes {
		if indeg[n.ID] == 0 || n.Kind == core.NodeKindInput {
			if !seen[n.ID] {
				seen[n.ID] = true
				starts = append(starts, n.ID)
			}
		}
	}
	return starts
}
