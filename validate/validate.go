// Package validate checks workflow graphs before execution. Checks run in a
// fixed order and the first failing check short-circuits the rest, so a
// malformed node never reaches the structural passes.
package validate

import (
	"fmt"
	"strings"

	"github.com/trellis-labs/trellis/core"
)

// Diagnostic is one validation finding.
type Diagnostic struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors reports whether any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// acceptedModelPrefixes is the closed set of model identifier prefixes the
// invoker can route.
var acceptedModelPrefixes = []string{
	"gpt-", "claude-", "gemini-", "llama-", "mixtral-",
	"anthropic", "openai", "o1-", "o3-",
}

// KnownModel reports whether a model id starts with an accepted prefix.
func KnownModel(modelID string) bool {
	for _, p := range acceptedModelPrefixes {
		if strings.HasPrefix(modelID, p) {
			return true
		}
	}
	return false
}

// MaxPathLength bounds the longest simple start-to-end path.
const MaxPathLength = 20

// Result is the verdict for one graph. Normalized carries the graph after
// field synthesis (check 4) and is the graph the engine must execute.
type Result struct {
	OK          bool         `json:"ok"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Normalized  core.Graph   `json:"-"`
}

func errDiag(code, format string, args ...any) Diagnostic {
	return Diagnostic{Code: code, Severity: SeverityError, Message: fmt.Sprintf(format, args...)}
}

func errDiagAt(code, path, format string, args ...any) Diagnostic {
	d := errDiag(code, format, args...)
	d.Path = path
	return d
}

// Graph runs all checks against a graph. The input is cloned first; the
// caller's copy is never mutated by normalization.
func Graph(g core.Graph) Result {
	g = g.Clone()
	diags := make([]Diagnostic, 0)

	checks := []func(*core.Graph) []Diagnostic{
		checkWellFormed,
		checkExecutablePresence,
		checkAgentFields,
		checkToolFields,
		checkConditionalBranches,
		checkEdgeEndpoints,
		checkFlow,
		checkAcyclic,
		checkPathBound,
	}
	for _, check := range checks {
		found := check(&g)
		diags = append(diags, found...)
		if HasErrors(found) {
			return Result{OK: false, Diagnostics: diags, Normalized: g}
		}
	}

	diags = append(diags, warnOpenConditionals(&g)...)
	return Result{OK: true, Diagnostics: diags, Normalized: g}
}

// Check 1: every node carries an id and a known kind.
func checkWellFormed(g *core.Graph) []Diagnostic {
	var diags []Diagnostic
	for i, n := range g.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			diags = append(diags, errDiagAt("GV-001", path, "node at index %d has no id", i))
			continue
		}
		if !n.Kind.Known() {
			diags = append(diags, errDiagAt("GV-001", path, "node %q has unknown kind %q", n.ID, n.Kind))
		}
	}
	return diags
}

// Check 2: at least one agent or tool node.
func checkExecutablePresence(g *core.Graph) []Diagnostic {
	for _, n := range g.Nodes {
		if n.Executable() {
			return nil
		}
	}
	return []Diagnostic{errDiag("GV-002", "graph has no agent or tool node")}
}

// Check 3: agent nodes carry a display name, instructions, and an accepted
// model id when one is set.
func checkAgentFields(g *core.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if !n.IsAgent() {
			continue
		}
		path := "nodes." + n.ID
		if n.Data.DisplayName() == "" {
			diags = append(diags, errDiagAt("GV-003", path, "agent %q has neither name nor label", n.ID))
		}
		if strings.TrimSpace(n.Data.Instructions) == "" {
			diags = append(diags, errDiagAt("GV-003", path, "agent %q has empty instructions", n.ID))
		}
		if n.Data.ModelID != "" && !KnownModel(n.Data.ModelID) {
			diags = append(diags, errDiagAt("GV-003", path,
				"agent %q model %q does not match an accepted provider prefix", n.ID, n.Data.ModelID))
		}
	}
	return diags
}

// Check 4: tool nodes carry a display name. A tool with a browse/search
// model id but no tool type is normalized in place: the tool type becomes
// web_search and the spurious model id is dropped.
func checkToolFields(g *core.Graph) []Diagnostic {
	var diags []Diagnostic
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if !n.IsTool() {
			continue
		}
		if n.Data.DisplayName() == "" {
			diags = append(diags, errDiagAt("GV-004", "nodes."+n.ID, "tool %q has neither name nor label", n.ID))
			continue
		}
		if n.Data.ToolType == "" && n.Data.ModelID != "" {
			lower := strings.ToLower(n.Data.ModelID)
			if strings.Contains(lower, "browse") || strings.Contains(lower, "search") {
				n.Data.ToolType = "web_search"
				n.Data.ModelID = ""
			}
		}
	}
	return diags
}

// Check 5: a conditional node carries at most one default branch.
func checkConditionalBranches(g *core.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if n.Kind != core.NodeKindConditional {
			continue
		}
		defaults := 0
		for _, c := range n.Data.Conditions {
			if c.IsDefault {
				defaults++
			}
		}
		if defaults > 1 {
			diags = append(diags, errDiagAt("GV-010", "nodes."+n.ID,
				"conditional %q has %d default branches, at most one is allowed", n.ID, defaults))
		}
	}
	return diags
}

// Check 6: edge endpoints reference existing nodes.
func checkEdgeEndpoints(g *core.Graph) []Diagnostic {
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = true
	}
	var diags []Diagnostic
	for _, e := range g.Edges {
		if !ids[e.Source] {
			diags = append(diags, errDiagAt("GV-005", "edges."+e.ID, "edge %q source %q does not exist", e.ID, e.Source))
		}
		if !ids[e.Target] {
			diags = append(diags, errDiagAt("GV-005", "edges."+e.ID, "edge %q target %q does not exist", e.ID, e.Target))
		}
	}
	return diags
}

// Check 7: no orphans (single-node graphs excepted), non-empty start and
// end sets, and every node reachable from some start.
func checkFlow(g *core.Graph) []Diagnostic {
	if len(g.Nodes) == 1 {
		return nil
	}

	in := make(map[string]int, len(g.Nodes))
	out := make(map[string]int, len(g.Nodes))
	adj := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		in[n.ID], out[n.ID] = 0, 0
	}
	for _, e := range g.Edges {
		in[e.Target]++
		out[e.Source]++
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	var diags []Diagnostic
	var starts []string
	endCount := 0
	for _, n := range g.Nodes {
		if in[n.ID] == 0 && out[n.ID] == 0 {
			diags = append(diags, errDiagAt("GV-006", "nodes."+n.ID, "node %q is not connected to the graph", n.ID))
		}
		if in[n.ID] == 0 {
			starts = append(starts, n.ID)
		}
		if out[n.ID] == 0 {
			endCount++
		}
	}
	if len(diags) > 0 {
		return diags
	}
	if len(starts) == 0 {
		return []Diagnostic{errDiag("GV-006", "graph has no start node")}
	}
	if endCount == 0 {
		return []Diagnostic{errDiag("GV-006", "graph has no end node")}
	}

	seen := make(map[string]bool, len(g.Nodes))
	stack := append([]string(nil), starts...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, adj[id]...)
	}
	for _, n := range g.Nodes {
		if !seen[n.ID] {
			diags = append(diags, errDiagAt("GV-006", "nodes."+n.ID, "node %q is unreachable from any start node", n.ID))
		}
	}
	return diags
}

// Check 8: DFS cycle detection with an explicit recursion stack.
func checkAcyclic(g *core.Graph) []Diagnostic {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, n := range g.Nodes {
		if color[n.ID] == white && visit(n.ID) {
			return []Diagnostic{errDiag("GV-007", "graph contains a cycle through node %q", n.ID)}
		}
	}
	return nil
}

// Check 9: longest simple path from any start stays within MaxPathLength
// nodes. Runs after the acyclicity check, so memoized depth is exact.
func checkPathBound(g *core.Graph) []Diagnostic {
	adj := make(map[string][]string, len(g.Nodes))
	in := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		in[n.ID] = 0
	}
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		in[e.Target]++
	}

	depth := make(map[string]int, len(g.Nodes))
	var longest func(id string) int
	longest = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		best := 1
		for _, next := range adj[id] {
			if d := 1 + longest(next); d > best {
				best = d
			}
		}
		depth[id] = best
		return best
	}

	for _, n := range g.Nodes {
		if in[n.ID] != 0 {
			continue
		}
		if d := longest(n.ID); d > MaxPathLength {
			return []Diagnostic{errDiag("GV-008",
				"longest path from %q spans %d nodes, limit is %d", n.ID, d, MaxPathLength)}
		}
	}
	return nil
}

// warnOpenConditionals flags conditionals that can fall through at runtime.
// This is advisory only; the engine still fails such an execution with a
// no-matching-branch error when it happens.
func warnOpenConditionals(g *core.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if n.Kind != core.NodeKindConditional {
			continue
		}
		hasDefault := false
		for _, c := range n.Data.Conditions {
			if c.IsDefault {
				hasDefault = true
				break
			}
		}
		if !hasDefault {
			diags = append(diags, Diagnostic{
				Code:     "GV-009",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("conditional %q has no default branch; unmatched input fails the execution", n.ID),
				Path:     "nodes." + n.ID,
			})
		}
	}
	return diags
}
