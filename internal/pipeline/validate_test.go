package pipeline

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, source string) *Graph {
	t.Helper()
	g, err := ParseDOT(source)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	return g
}

func lintMessages(lints []Lint, severity LintSeverity) []string {
	var out []string
	for _, l := range lints {
		if l.Severity == severity {
			out = append(out, l.String())
		}
	}
	return out
}

func TestValidateCleanGraph(t *testing.T) {
	g := mustParse(t, `digraph d {
        start [shape=Mdiamond];
        work [shape=box];
        done [shape=Msquare];
        start -> work;
        work -> done;
    }`)
	if lints := Validate(g); len(lints) != 0 {
		t.Errorf("Validate() on clean graph got %v", lints)
	}
}

func TestValidateMissingStart(t *testing.T) {
	g := mustParse(t, `digraph d { a [shape=box]; }`)
	lints := Validate(g)
	if !HasErrors(lints) {
		t.Fatal("Validate() accepted a graph without a start node")
	}
	msgs := lintMessages(lints, SeverityError)
	if len(msgs) == 0 || !strings.Contains(msgs[0], "no start node") {
		t.Errorf("errors got %v, want no start node", msgs)
	}
}

func TestValidateEdgeEndpoints(t *testing.T) {
	g := mustParse(t, `digraph d {
        start [shape=Mdiamond];
        ghost_src -> start;
        start -> ghost_dst;
    }`)
	msgs := lintMessages(Validate(g), SeverityError)
	var src, dst bool
	for _, m := range msgs {
		if strings.Contains(m, `edge source "ghost_src"`) {
			src = true
		}
		if strings.Contains(m, `edge target "ghost_dst"`) {
			dst = true
		}
	}
	if !src || !dst {
		t.Errorf("endpoint errors got %v, want source and target findings", msgs)
	}
}

func TestValidateLoopRestartTarget(t *testing.T) {
	g := mustParse(t, `digraph d {
        start [shape=Mdiamond];
        start -> ghost [loop_restart=true];
    }`)
	msgs := lintMessages(Validate(g), SeverityError)
	found := false
	for _, m := range msgs {
		if strings.Contains(m, "loop_restart edge targets missing node") {
			found = true
		}
	}
	if !found {
		t.Errorf("errors got %v, want loop_restart finding", msgs)
	}
}

func TestValidateRetryTargets(t *testing.T) {
	g := mustParse(t, `digraph d {
        retry_target = "ghost";
        start [shape=Mdiamond];
        work [shape=box, retry_target="also_ghost"];
        start -> work;
    }`)
	msgs := lintMessages(Validate(g), SeverityError)
	var nodeLint, graphLint bool
	for _, m := range msgs {
		if strings.Contains(m, `retry target "also_ghost"`) {
			nodeLint = true
		}
		if strings.Contains(m, `graph retry target "ghost"`) {
			graphLint = true
		}
	}
	if !nodeLint || !graphLint {
		t.Errorf("retry target errors got %v", msgs)
	}
}

func TestValidateUnknownShape(t *testing.T) {
	g := mustParse(t, `digraph d {
        start [shape=Mdiamond];
        odd [shape=cloud];
        start -> odd;
    }`)
	msgs := lintMessages(Validate(g), SeverityError)
	found := false
	for _, m := range msgs {
		if strings.Contains(m, `unknown shape "cloud"`) {
			found = true
		}
	}
	if !found {
		t.Errorf("errors got %v, want unknown shape finding", msgs)
	}

	// An explicit type attribute rescues an unknown shape.
	g2 := mustParse(t, `digraph d {
        start [shape=Mdiamond];
        odd [shape=cloud, type=tool];
        start -> odd;
    }`)
	if HasErrors(Validate(g2)) {
		t.Errorf("Validate() rejected unknown shape with explicit type: %v", Validate(g2))
	}
}

func TestValidateWarnings(t *testing.T) {
	g := mustParse(t, `digraph d {
        start [shape=Mdiamond];
        done [shape=Msquare, goal_gate=true];
        orphan [shape=box];
        start -> done [condition="="];
        done -> start;
    }`)
	lints := Validate(g)
	if HasErrors(lints) {
		t.Fatalf("Validate() raised errors for warning-only graph: %v", lints)
	}
	warnings := strings.Join(lintMessages(lints, SeverityWarning), "\n")
	for _, want := range []string{
		"goal_gate on an exit node",
		"exit node has outgoing edges",
		"unreachable from the start node",
		"condition clause with empty key and value",
	} {
		if !strings.Contains(warnings, want) {
			t.Errorf("warnings missing %q in:\n%s", want, warnings)
		}
	}
}

func TestLintString(t *testing.T) {
	nodeLint := Lint{Severity: SeverityError, Message: "broken", NodeID: "a"}
	if got := nodeLint.String(); got != "ERROR: broken (a)" {
		t.Errorf("String() got %q", got)
	}
	edgeLint := Lint{
		Severity: SeverityWarning,
		Message:  "odd",
		Edge:     &Edge{From: "a", To: "b"},
	}
	if got := edgeLint.String(); got != "WARNING: odd (a -> b)" {
		t.Errorf("String() got %q", got)
	}
}

func TestHasErrors(t *testing.T) {
	warnOnly := []Lint{{Severity: SeverityWarning, Message: "w"}}
	if HasErrors(warnOnly) {
		t.Error("HasErrors() true for warnings only")
	}
	mixed := append(warnOnly, Lint{Severity: SeverityError, Message: "e"})
	if !HasErrors(mixed) {
		t.Error("HasErrors() false with an error present")
	}
}
