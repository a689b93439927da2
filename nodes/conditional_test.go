package nodes

import (
	"errors"
	"testing"

	"github.com/trellis-labs/trellis/core"
)

func routeNode(conds ...core.Condition) core.Node {
	return core.Node{ID: "route", Kind: core.NodeKindConditional, Data: core.NodeData{
		Name:       "Route",
		Conditions: conds,
	}}
}

func TestDecide_AgeRouting(t *testing.T) {
	node := routeNode(
		core.Condition{ID: "adult", Rule: &core.ConditionRule{JSONPath: "$.age", Operator: core.OpGreaterThan, Value: "17"}},
		core.Condition{ID: "minor", IsDefault: true},
	)

	t.Run("adult branch", func(t *testing.T) {
		got, err := Decide(node, `{"age":25,"name":"Alice"}`)
		if err != nil {
			t.Fatal(err)
		}
		if got != "adult" {
			t.Errorf("branch = %q, want adult", got)
		}
	})

	t.Run("default branch", func(t *testing.T) {
		got, err := Decide(node, `{"age":12}`)
		if err != nil {
			t.Fatal(err)
		}
		if got != "minor" {
			t.Errorf("branch = %q, want minor", got)
		}
	})
}

func TestDecide_FirstMatchWins(t *testing.T) {
	node := routeNode(
		core.Condition{ID: "first", Rule: &core.ConditionRule{JSONPath: "$.v", Operator: core.OpEquals, Value: "x"}},
		core.Condition{ID: "second", Rule: &core.ConditionRule{JSONPath: "$.v", Operator: core.OpContains, Value: "x"}},
	)
	got, err := Decide(node, `{"v":"x"}`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "first" {
		t.Errorf("branch = %q, want first", got)
	}
}

func TestDecide_NoMatchNoDefaultFails(t *testing.T) {
	node := routeNode(
		core.Condition{ID: "only", Rule: &core.ConditionRule{JSONPath: "$.v", Operator: core.OpEquals, Value: "never"}},
	)
	_, err := Decide(node, `{"v":"other"}`)
	var execErr *core.ExecError
	if !errors.As(err, &execErr) || execErr.Kind != core.ErrorNoMatchingBranch {
		t.Fatalf("expected no_matching_branch, got %v", err)
	}
}

func TestDecide_MissingPathIsFalse(t *testing.T) {
	node := routeNode(
		core.Condition{ID: "a", Rule: &core.ConditionRule{JSONPath: "$.missing", Operator: core.OpEquals, Value: ""}},
		core.Condition{ID: "fallback", IsDefault: true},
	)
	got, err := Decide(node, `{"present":1}`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "fallback" {
		t.Errorf("branch = %q, want fallback", got)
	}
}

func TestDecide_NonJSONInputWrappedAsResult(t *testing.T) {
	node := routeNode(
		core.Condition{ID: "hit", Rule: &core.ConditionRule{JSONPath: "$.result", Operator: core.OpContains, Value: "plain"}},
		core.Condition{ID: "miss", IsDefault: true},
	)
	got, err := Decide(node, "some plain text")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hit" {
		t.Errorf("branch = %q, want hit", got)
	}
}

func TestDecide_Operators(t *testing.T) {
	tests := []struct {
		name  string
		rule  core.ConditionRule
		input string
		match bool
	}{
		{"equals numeric string", core.ConditionRule{JSONPath: "$.n", Operator: core.OpEquals, Value: "5"}, `{"n":5}`, true},
		{"not_equals", core.ConditionRule{JSONPath: "$.s", Operator: core.OpNotEquals, Value: "a"}, `{"s":"b"}`, true},
		{"contains", core.ConditionRule{JSONPath: "$.s", Operator: core.OpContains, Value: "ell"}, `{"s":"hello"}`, true},
		{"greater_than numeric", core.ConditionRule{JSONPath: "$.n", Operator: core.OpGreaterThan, Value: "9"}, `{"n":10}`, true},
		{"greater_than lexicographic fallback", core.ConditionRule{JSONPath: "$.s", Operator: core.OpGreaterThan, Value: "apple"}, `{"s":"banana"}`, true},
		{"less_than numeric false", core.ConditionRule{JSONPath: "$.n", Operator: core.OpLessThan, Value: "9"}, `{"n":10}`, false},
		{"numeric not lexicographic", core.ConditionRule{JSONPath: "$.n", Operator: core.OpGreaterThan, Value: "9"}, `{"n":100}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := routeNode(
				core.Condition{ID: "yes", Rule: &tt.rule},
				core.Condition{ID: "no", IsDefault: true},
			)
			got, err := Decide(node, tt.input)
			if err != nil {
				t.Fatal(err)
			}
			want := "no"
			if tt.match {
				want = "yes"
			}
			if got != want {
				t.Errorf("branch = %q, want %q", got, want)
			}
		})
	}
}

func TestDecide_NestedPath(t *testing.T) {
	node := routeNode(
		core.Condition{ID: "deep", Rule: &core.ConditionRule{JSONPath: "$.user.tags[0]", Operator: core.OpEquals, Value: "vip"}},
		core.Condition{ID: "shallow", IsDefault: true},
	)
	got, err := Decide(node, `{"user":{"tags":["vip","beta"]}}`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "deep" {
		t.Errorf("branch = %q, want deep", got)
	}
}
