// Package identity derives a deterministic human-readable identity for a
// workflow graph. Two graphs that differ only in node ordering, edge
// ordering, or canvas positions share the same structure hash and therefore
// the same identity.
package identity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/trellis-labs/trellis/core"
)

// StructureHash digests the multiset of node kinds and the set of
// source/target edge pairs. Node ids contribute only through edges, so
// renaming a node while keeping its wiring changes the hash, but moving it
// on the canvas does not.
func StructureHash(g core.Graph) string {
	kinds := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		kinds = append(kinds, string(n.Kind))
	}
	sort.Strings(kinds)

	pairs := make([]string, 0, len(g.Edges))
	for _, e := range g.Edges {
		pairs = append(pairs, e.Source+">"+e.Target)
	}
	sort.Strings(pairs)

	h := blake3.New()
	for _, k := range kinds {
		h.WriteString("n:")
		h.WriteString(k)
		h.WriteString("\n")
	}
	for _, p := range pairs {
		h.WriteString("e:")
		h.WriteString(p)
		h.WriteString("\n")
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}

// Category labels used by Derive. The choice is structural only; no model
// call is involved.
const (
	CategoryToolAugmented = "tool_augmented"
	CategoryRouting       = "conditional_routing"
	CategoryMultiAgent    = "multi_agent"
	CategoryConversation  = "conversational"
	CategoryPipeline      = "pipeline"
)

// Derive produces the identity for a graph. The output depends only on the
// structure, so the engine may cache it by StructureHash.
func Derive(g core.Graph) core.Identity {
	var agents, tools, conditionals int
	for _, n := range g.Nodes {
		switch {
		case n.IsTool():
			tools++
		case n.IsAgent():
			agents++
		case n.Kind == core.NodeKindConditional:
			conditionals++
		}
	}

	category := CategoryPipeline
	switch {
	case tools > 0 && agents > 0:
		category = CategoryToolAugmented
	case conditionals > 0:
		category = CategoryRouting
	case agents > 1:
		category = CategoryMultiAgent
	case agents == 1:
		category = CategoryConversation
	}

	return core.Identity{
		Name:          deriveName(g, category, agents, tools),
		Category:      category,
		Description:   describe(agents, tools, conditionals, len(g.Nodes)),
		Confidence:    confidence(agents, tools, conditionals),
		StructureHash: StructureHash(g),
	}
}

// deriveName prefers the first agent's display name in ingestion order
// after sorting by node id, so the result is stable across reorderings.
func deriveName(g core.Graph, category string, agents, tools int) string {
	named := make([]string, 0, agents)
	for _, n := range g.Nodes {
		if n.IsAgent() && !n.IsTool() {
			if dn := n.Data.DisplayName(); dn != "" {
				named = append(named, dn)
			}
		}
	}
	sort.Strings(named)
	if len(named) > 0 {
		base := named[0]
		if tools > 0 {
			return base + " with Tools"
		}
		return base + " Workflow"
	}
	return titleize(category)
}

func describe(agents, tools, conditionals, total int) string {
	parts := []string{fmt.Sprintf("%d nodes", total)}
	if agents > 0 {
		parts = append(parts, fmt.Sprintf("%d agents", agents))
	}
	if tools > 0 {
		parts = append(parts, fmt.Sprintf("%d tools", tools))
	}
	if conditionals > 0 {
		parts = append(parts, fmt.Sprintf("%d branches", conditionals))
	}
	return "Workflow with " + strings.Join(parts, ", ")
}

// confidence reflects how much structural signal backed the category pick.
// More distinct signals mean a firmer label; an empty graph bottoms out at
// the floor.
func confidence(agents, tools, conditionals int) float64 {
	score := 0.4
	if agents > 0 {
		score += 0.25
	}
	if tools > 0 {
		score += 0.2
	}
	if conditionals > 0 {
		score += 0.1
	}
	if score > 0.95 {
		score = 0.95
	}
	return score
}

func titleize(category string) string {
	words := strings.Split(category, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
