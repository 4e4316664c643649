package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// SelectEdge picks the next edge out of a node, in strict priority order:
// condition match, then the outcome's preferred label, then its suggested
// next ids, then the heaviest unconditional edge, then the heaviest edge
// overall. Weight ties break lexically on target id ascending. Returns nil
// only when the node has no outgoing edges.
func SelectEdge(g *Graph, nodeID string, outcome Outcome, ctx *Context) *Edge {
	edges := g.Outgoing(nodeID)
	if len(edges) == 0 {
		return nil
	}

	var matched []*Edge
	for _, e := range edges {
		if e.Condition() == "" {
			continue
		}
		if evalCondition(e.Condition(), outcome, ctx) {
			matched = append(matched, e)
		}
	}
	if len(matched) > 0 {
		return heaviest(matched)
	}

	if outcome.PreferredLabel != "" {
		want := NormalizeLabel(outcome.PreferredLabel)
		for _, e := range edges {
			if NormalizeLabel(e.Label()) == want {
				return e
			}
		}
	}

	for _, id := range outcome.SuggestedNextIDs {
		for _, e := range edges {
			if e.To == id {
				return e
			}
		}
	}

	var unconditional []*Edge
	for _, e := range edges {
		if e.Condition() == "" {
			unconditional = append(unconditional, e)
		}
	}
	if len(unconditional) > 0 {
		return heaviest(unconditional)
	}

	return heaviest(edges)
}

// heaviest returns the highest-weight edge, breaking ties on target id
// ascending.
func heaviest(edges []*Edge) *Edge {
	sorted := make([]*Edge, len(edges))
	copy(sorted, edges)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight() != sorted[j].Weight() {
			return sorted[i].Weight() > sorted[j].Weight()
		}
		return sorted[i].To < sorted[j].To
	})
	return sorted[0]
}

// evalCondition evaluates an &&-joined condition. Each clause is key=value,
// key!=value, or a bare key (truthy). Empty clauses are skipped. The key
// "outcome" resolves to the outcome status; everything else reads the
// context.
func evalCondition(condition string, outcome Outcome, ctx *Context) bool {
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		if !evalClause(clause, outcome, ctx) {
			return false
		}
	}
	return true
}

func evalClause(clause string, outcome Outcome, ctx *Context) bool {
	if key, want, ok := strings.Cut(clause, "!="); ok {
		return !strings.EqualFold(conditionValue(strings.TrimSpace(key), outcome, ctx), strings.TrimSpace(want))
	}
	if key, want, ok := strings.Cut(clause, "="); ok {
		return strings.EqualFold(conditionValue(strings.TrimSpace(key), outcome, ctx), strings.TrimSpace(want))
	}
	return truthy(lookupCondition(clause, outcome, ctx))
}

// conditionValue stringifies the value behind a condition key.
func conditionValue(key string, outcome Outcome, ctx *Context) string {
	v := lookupCondition(key, outcome, ctx)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func lookupCondition(key string, outcome Outcome, ctx *Context) any {
	if key == "outcome" {
		return string(outcome.Status)
	}
	if ctx == nil {
		return nil
	}
	v, ok := ctx.Get(key)
	if !ok {
		return nil
	}
	return v
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return true
	}
}

// NormalizeLabel lowercases a label, strips an accelerator prefix of the
// form "[K] ", "K) " or "K - ", and trims space. Preferred-label matching
// and wait-human answers both compare through this.
func NormalizeLabel(label string) string {
	s := strings.TrimSpace(strings.ToLower(label))
	s = strings.TrimSpace(stripAccelerator(s))
	return s
}

// AcceleratorKey extracts the accelerator from a label: "[K] rest" / "K)
// rest" / "K - rest" yield "k"; anything else yields the first character.
func AcceleratorKey(label string) string {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return ""
	}
	if key, rest, ok := acceleratorParts(trimmed); ok && rest != "" {
		return strings.ToLower(key)
	}
	return strings.ToLower(string([]rune(trimmed)[0]))
}

func stripAccelerator(label string) string {
	if _, rest, ok := acceleratorParts(label); ok {
		return rest
	}
	return label
}

// acceleratorParts splits a label into its accelerator key and the
// remaining text when one of the recognised prefixes is present.
func acceleratorParts(label string) (key, rest string, ok bool) {
	if strings.HasPrefix(label, "[") {
		if end := strings.Index(label, "]"); end > 1 {
			return label[1:end], strings.TrimSpace(label[end+1:]), true
		}
	}
	runes := []rune(label)
	if len(runes) >= 2 && runes[1] == ')' {
		return string(runes[0]), strings.TrimSpace(string(runes[2:])), true
	}
	if len(runes) >= 3 && runes[1] == ' ' && runes[2] == '-' {
		return string(runes[0]), strings.TrimSpace(string(runes[3:])), true
	}
	return "", "", false
}
