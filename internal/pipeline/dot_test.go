package pipeline

import (
	"strings"
	"testing"
)

func TestParseDOTBasic(t *testing.T) {
	source := `
digraph release {
    goal = "ship the release";
    default_max_retry = "2";
    node [shape=box];

    start [shape=Mdiamond];
    plan [label="Plan the work" prompt="Write a release plan"];
    review [shape=diamond]
    done [shape=Msquare, label="Done"];

    start -> plan;
    plan -> review [weight=2];
    review -> plan [label="revise", condition="outcome=FAIL"];
    review -> done [label="approve"];
}
`
	g, err := ParseDOT(source)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	if g.Name != "release" {
		t.Errorf("graph name got %q, want release", g.Name)
	}
	if got := g.Goal(); got != "ship the release" {
		t.Errorf("Goal() got %q", got)
	}
	if got := g.DefaultMaxRetry(); got != 2 {
		t.Errorf("DefaultMaxRetry() got %d, want 2", got)
	}

	nodes := g.Nodes()
	if len(nodes) != 4 {
		t.Fatalf("Nodes() got %d, want 4", len(nodes))
	}
	wantOrder := []string{"start", "plan", "review", "done"}
	for i, id := range wantOrder {
		if nodes[i].ID != id {
			t.Errorf("Nodes()[%d] got %q, want %q", i, nodes[i].ID, id)
		}
	}

	plan, ok := g.Node("plan")
	if !ok {
		t.Fatal("Node(plan) not found")
	}
	if plan.Shape() != "box" {
		t.Errorf("plan shape got %q, want box (node default)", plan.Shape())
	}
	if plan.Label() != "Plan the work" {
		t.Errorf("plan label got %q", plan.Label())
	}
	if plan.Prompt() != "Write a release plan" {
		t.Errorf("plan prompt got %q", plan.Prompt())
	}

	if len(g.Edges()) != 4 {
		t.Fatalf("Edges() got %d, want 4", len(g.Edges()))
	}
	out := g.Outgoing("review")
	if len(out) != 2 {
		t.Fatalf("Outgoing(review) got %d edges, want 2", len(out))
	}
	if out[0].To != "plan" || out[0].Condition() != "outcome=FAIL" {
		t.Errorf("review edge 0 got to=%q condition=%q", out[0].To, out[0].Condition())
	}
	if out[1].To != "done" || out[1].Label() != "approve" {
		t.Errorf("review edge 1 got to=%q label=%q", out[1].To, out[1].Label())
	}
}

func TestParseDOTNodeDefaultOverride(t *testing.T) {
	g, err := ParseDOT(`digraph d {
        node [shape=box, fidelity=compact];
        start [shape=Mdiamond];
        work;
    }`)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	start, _ := g.Node("start")
	if start.Shape() != "Mdiamond" {
		t.Errorf("start shape got %q, want Mdiamond", start.Shape())
	}
	if start.Fidelity() != "compact" {
		t.Errorf("start fidelity got %q, want inherited compact", start.Fidelity())
	}
	work, ok := g.Node("work")
	if !ok {
		t.Fatal("bare node statement did not create a node")
	}
	if work.Shape() != "box" {
		t.Errorf("work shape got %q, want box", work.Shape())
	}
}

func TestParseDOTEdgeDefaults(t *testing.T) {
	g, err := ParseDOT(`digraph d {
        edge [weight=5];
        a; b;
        a -> b;
    }`)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	if got := g.Edges()[0].Weight(); got != 5 {
		t.Errorf("edge weight got %d, want default 5", got)
	}
}

func TestParseDOTEdgeChain(t *testing.T) {
	g, err := ParseDOT(`digraph d {
        a; b; c;
        a -> b -> c [label="next", weight=1];
    }`)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	edges := g.Edges()
	if len(edges) != 2 {
		t.Fatalf("chain produced %d edges, want 2", len(edges))
	}
	for _, e := range edges {
		if e.Label() != "next" || e.Weight() != 1 {
			t.Errorf("chain edge %s->%s got label=%q weight=%d", e.From, e.To, e.Label(), e.Weight())
		}
	}
	if edges[0].From != "a" || edges[0].To != "b" || edges[1].From != "b" || edges[1].To != "c" {
		t.Errorf("chain endpoints got %s->%s, %s->%s", edges[0].From, edges[0].To, edges[1].From, edges[1].To)
	}
}

func TestParseDOTComments(t *testing.T) {
	g, err := ParseDOT(`digraph d {
        // line comment
        # hash comment
        /* block
           comment */
        a [label="kept"]; // trailing
    }`)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	if len(g.Nodes()) != 1 {
		t.Fatalf("Nodes() got %d, want 1", len(g.Nodes()))
	}
}

func TestParseDOTQuotedStrings(t *testing.T) {
	g, err := ParseDOT(`digraph d {
        a [label="say \"hi\"", prompt="line one\nline two", path="C:\\tmp"];
    }`)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	a, _ := g.Node("a")
	if got := a.Label(); got != `say "hi"` {
		t.Errorf("escaped quote label got %q", got)
	}
	if got := a.Prompt(); got != "line one\nline two" {
		t.Errorf("escaped newline prompt got %q", got)
	}
	if got := a.Attr("path"); got != `C:\tmp` {
		t.Errorf("escaped backslash got %q", got)
	}
}

func TestParseDOTNegativeWeight(t *testing.T) {
	g, err := ParseDOT(`digraph d { a; b; a -> b [weight=-1]; }`)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	if got := g.Edges()[0].Weight(); got != -1 {
		t.Errorf("weight got %d, want -1", got)
	}
}

func TestParseDOTDuplicateNodeMergesAttrs(t *testing.T) {
	g, err := ParseDOT(`digraph d {
        a [label="first", shape=box];
        a [label="second"];
    }`)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	a, _ := g.Node("a")
	if a.Label() != "second" {
		t.Errorf("duplicate merge label got %q, want second", a.Label())
	}
	if a.Shape() != "box" {
		t.Errorf("duplicate merge dropped shape, got %q", a.Shape())
	}
	lints := Validate(g)
	found := false
	for _, l := range lints {
		if l.Severity == SeverityError && strings.Contains(l.Message, "duplicate node id") {
			found = true
		}
	}
	if !found {
		t.Errorf("Validate() missing duplicate node lint, got %v", lints)
	}
}

func TestParseDOTNoAutoCreate(t *testing.T) {
	// Edge endpoints never create nodes; validation reports them instead.
	g, err := ParseDOT(`digraph d {
        start [shape=Mdiamond];
        start -> ghost;
    }`)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	if _, ok := g.Node("ghost"); ok {
		t.Fatal("edge endpoint auto-created a node")
	}
	if !HasErrors(Validate(g)) {
		t.Error("Validate() accepted an edge to a missing node")
	}
}

func TestParseDOTErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"not a digraph", "graph d { }", "expected digraph"},
		{"missing brace", "digraph d { a;", "expected }"},
		{"dangling arrow", "digraph d {\n a -> ;\n}", "line 2"},
		{"unterminated string", "digraph d {\n\n a [label=\"oops];\n}", "line 3: unterminated string"},
		{"unterminated block comment", "digraph d { /* never closed", "unterminated block comment"},
		{"missing attr value", "digraph d { a [label=]; }", "expected attribute value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDOT(tt.source)
			if err == nil {
				t.Fatal("ParseDOT() accepted invalid input")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseDOT() error %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParseDOTGraphKeywordAttrs(t *testing.T) {
	g, err := ParseDOT(`digraph d {
        graph [goal="from graph stmt", retry_target="fix"];
        fix; start [shape=Mdiamond];
    }`)
	if err != nil {
		t.Fatalf("ParseDOT() error: %v", err)
	}
	if got := g.Goal(); got != "from graph stmt" {
		t.Errorf("Goal() got %q", got)
	}
	if got := g.RetryTarget(); got != "fix" {
		t.Errorf("RetryTarget() got %q", got)
	}
}
