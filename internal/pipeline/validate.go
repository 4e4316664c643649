package pipeline

import (
	"fmt"
	"strings"
)

// LintSeverity grades a validation finding.
type LintSeverity string

const (
	SeverityError   LintSeverity = "ERROR"
	SeverityWarning LintSeverity = "WARNING"
)

// Lint is one validation finding. NodeID or Edge locate it when applicable.
type Lint struct {
	Severity LintSeverity
	Message  string
	NodeID   string
	Edge     *Edge
}

func (l Lint) String() string {
	where := ""
	switch {
	case l.Edge != nil:
		where = fmt.Sprintf(" (%s -> %s)", l.Edge.From, l.Edge.To)
	case l.NodeID != "":
		where = fmt.Sprintf(" (%s)", l.NodeID)
	}
	return fmt.Sprintf("%s: %s%s", l.Severity, l.Message, where)
}

// HasErrors reports whether any finding is ERROR severity.
func HasErrors(lints []Lint) bool {
	for _, l := range lints {
		if l.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate lints a graph. ERROR findings abort execution; WARNING findings
// are reported and execution continues.
func Validate(g *Graph) []Lint {
	var lints []Lint

	start, hasStart := g.StartNode()
	if !hasStart {
		lints = append(lints, Lint{Severity: SeverityError, Message: "no start node: need shape=Mdiamond or a node named start"})
	}

	for _, id := range g.duplicates {
		lints = append(lints, Lint{Severity: SeverityError, Message: "duplicate node id", NodeID: id})
	}

	for _, n := range g.Nodes() {
		if n.Type() == "" {
			lints = append(lints, Lint{
				Severity: SeverityError,
				Message:  fmt.Sprintf("unknown shape %q and no type attribute", n.Shape()),
				NodeID:   n.ID,
			})
		}
		for _, target := range []string{n.RetryTarget(), n.FallbackRetryTarget()} {
			if target == "" {
				continue
			}
			if _, ok := g.Node(target); !ok {
				lints = append(lints, Lint{
					Severity: SeverityError,
					Message:  fmt.Sprintf("retry target %q is not a node", target),
					NodeID:   n.ID,
				})
			}
		}
		if n.Terminal() {
			if n.GoalGate() {
				lints = append(lints, Lint{Severity: SeverityWarning, Message: "goal_gate on an exit node has no effect", NodeID: n.ID})
			}
			if len(g.Outgoing(n.ID)) > 0 {
				lints = append(lints, Lint{Severity: SeverityWarning, Message: "exit node has outgoing edges", NodeID: n.ID})
			}
		}
	}

	for _, target := range []string{g.RetryTarget(), g.FallbackRetryTarget()} {
		if target == "" {
			continue
		}
		if _, ok := g.Node(target); !ok {
			lints = append(lints, Lint{
				Severity: SeverityError,
				Message:  fmt.Sprintf("graph retry target %q is not a node", target),
			})
		}
	}

	for _, e := range g.Edges() {
		if _, ok := g.Node(e.From); !ok {
			lints = append(lints, Lint{Severity: SeverityError, Message: fmt.Sprintf("edge source %q is not a node", e.From), Edge: e})
		}
		if _, ok := g.Node(e.To); !ok {
			if e.LoopRestart() {
				lints = append(lints, Lint{Severity: SeverityError, Message: fmt.Sprintf("loop_restart edge targets missing node %q", e.To), Edge: e})
			} else {
				lints = append(lints, Lint{Severity: SeverityError, Message: fmt.Sprintf("edge target %q is not a node", e.To), Edge: e})
			}
		}
		for _, clause := range strings.Split(e.Condition(), "&&") {
			if strings.TrimSpace(clause) == "=" {
				lints = append(lints, Lint{Severity: SeverityWarning, Message: "condition clause with empty key and value never matches", Edge: e})
			}
		}
	}

	if hasStart {
		for _, id := range unreachableFrom(g, start.ID) {
			lints = append(lints, Lint{Severity: SeverityWarning, Message: "node is unreachable from the start node", NodeID: id})
		}
	}

	return lints
}

// unreachableFrom returns node ids not reachable from the given start, in
// declaration order.
func unreachableFrom(g *Graph, startID string) []string {
	seen := map[string]bool{startID: true}
	frontier := []string{startID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, e := range g.Outgoing(id) {
			if !seen[e.To] {
				seen[e.To] = true
				frontier = append(frontier, e.To)
			}
		}
	}
	var out []string
	for _, id := range g.nodeOrder {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}
