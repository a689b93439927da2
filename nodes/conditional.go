package nodes

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/trellis-labs/trellis/core"
)

// Decide evaluates a conditional node against its input and returns the id
// of the condition whose branch should be followed. Conditions are checked
// in listed order and the first match wins; with no match the default
// branch is taken; with neither, the execution fails.
func Decide(node core.Node, input string) (string, error) {
	payload := conditionPayload(input)

	var fallback string
	haveFallback := false
	for _, cond := range node.Data.Conditions {
		if cond.IsDefault {
			if !haveFallback {
				fallback = cond.ID
				haveFallback = true
			}
			continue
		}
		if cond.Rule == nil {
			continue
		}
		if evalRule(*cond.Rule, payload) {
			return cond.ID, nil
		}
	}
	if haveFallback {
		return fallback, nil
	}
	return "", core.NewExecError(core.ErrorNoMatchingBranch,
		"no condition matched and no default branch exists").WithNode(node.ID)
}

// conditionPayload parses the input as JSON when possible; otherwise the
// raw value is addressable under $.result.
func conditionPayload(input string) string {
	trimmed := strings.TrimSpace(input)
	if gjson.Valid(trimmed) && (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
		return trimmed
	}
	wrapped, err := json.Marshal(map[string]string{"result": input})
	if err != nil {
		return "{}"
	}
	return string(wrapped)
}

func evalRule(rule core.ConditionRule, payload string) bool {
	res := gjson.Get(payload, gjsonPath(rule.JSONPath))
	if !res.Exists() {
		return false
	}
	extracted := res.String()

	switch rule.Operator {
	case core.OpEquals:
		return extracted == rule.Value
	case core.OpNotEquals:
		return extracted != rule.Value
	case core.OpContains:
		return strings.Contains(extracted, rule.Value)
	case core.OpGreaterThan:
		return compare(extracted, rule.Value) > 0
	case core.OpLessThan:
		return compare(extracted, rule.Value) < 0
	default:
		return false
	}
}

// compare parses both sides as floats and falls back to lexicographic
// string comparison when either side does not parse.
func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA == nil && errB == nil {
		switch {
		case fa > fb:
			return 1
		case fa < fb:
			return -1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// gjsonPath converts a $.a.b[0] style path to gjson syntax.
func gjsonPath(jsonPath string) string {
	p := strings.TrimSpace(jsonPath)
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")
	p = strings.ReplaceAll(p, "[", ".")
	p = strings.ReplaceAll(p, "]", "")
	return p
}
