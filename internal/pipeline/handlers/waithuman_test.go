package handlers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/drover/internal/pipeline"
)

// scriptedInteractor returns a canned answer and records the questions it
// was asked.
type scriptedInteractor struct {
	answer Answer
	err    error
	asked  []Question
}

func (s *scriptedInteractor) Ask(ctx context.Context, q Question) (Answer, error) {
	s.asked = append(s.asked, q)
	return s.answer, s.err
}

func gateGraph(t *testing.T) *pipeline.Graph {
	t.Helper()
	return mustGraph(t, `digraph g {
		gate [shape=hexagon, label="Ship now?", default_choice="w"];
		ship; wait; abort;
		gate -> ship [label="[S] Ship it"];
		gate -> wait [label="Wait for QA"];
		gate -> abort [label="Abort"];
	}`)
}

func runGate(t *testing.T, g *pipeline.Graph, in Interactor) (pipeline.Outcome, string) {
	t.Helper()
	node, ok := g.Node("gate")
	if !ok {
		t.Fatalf("gate node missing")
	}
	root := t.TempDir()
	h := NewWaitHuman(in, nil)
	out, err := h.Handle(context.Background(), node, pipeline.NewContext(), g, root)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	return out, root
}

func TestWaitHumanAnswers(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		wantTarget string
		wantLabel  string
	}{
		{"by accelerator key", "s", "ship", "[S] Ship it"},
		{"by label", "wait for qa", "wait", "Wait for QA"},
		{"by target id", "abort", "abort", "Abort"},
		{"unmatched takes the first choice", "zzz", "ship", "[S] Ship it"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _ := runGate(t, gateGraph(t), &scriptedInteractor{answer: Answer{Kind: AnswerValue, Value: tt.value}})
			if out.Status != pipeline.StatusSuccess {
				t.Fatalf("Handle() status = %s, want SUCCESS", out.Status)
			}
			if !reflect.DeepEqual(out.SuggestedNextIDs, []string{tt.wantTarget}) {
				t.Errorf("SuggestedNextIDs = %v, want [%s]", out.SuggestedNextIDs, tt.wantTarget)
			}
			if out.PreferredLabel != tt.wantLabel {
				t.Errorf("PreferredLabel = %q, want %q", out.PreferredLabel, tt.wantLabel)
			}
			if got := out.ContextUpdates["gate.choice"]; got != tt.wantTarget {
				t.Errorf("gate.choice = %v, want %s", got, tt.wantTarget)
			}
		})
	}
}

func TestWaitHumanTimeoutTakesDefault(t *testing.T) {
	out, _ := runGate(t, gateGraph(t), &scriptedInteractor{answer: Answer{Kind: AnswerTimeout}})
	if out.Status != pipeline.StatusSuccess {
		t.Fatalf("Handle() status = %s, want SUCCESS", out.Status)
	}
	if !reflect.DeepEqual(out.SuggestedNextIDs, []string{"wait"}) {
		t.Errorf("SuggestedNextIDs = %v, want the default choice wait", out.SuggestedNextIDs)
	}
	if out.Notes != "timed out, default applied" {
		t.Errorf("Notes = %q", out.Notes)
	}
}

func TestWaitHumanTimeoutWithoutDefault(t *testing.T) {
	g := mustGraph(t, `digraph g {
		gate [shape=hexagon];
		ship; gate -> ship [label="Ship"];
	}`)
	out, _ := runGate(t, g, &scriptedInteractor{answer: Answer{Kind: AnswerTimeout}})
	if out.Status != pipeline.StatusRetry {
		t.Errorf("Handle() status = %s, want RETRY", out.Status)
	}
	if !strings.Contains(out.FailureReason, "no default choice") {
		t.Errorf("FailureReason = %q", out.FailureReason)
	}
}

func TestWaitHumanSkipped(t *testing.T) {
	out, _ := runGate(t, gateGraph(t), &scriptedInteractor{answer: Answer{Kind: AnswerSkipped}})
	if out.Status != pipeline.StatusFail {
		t.Errorf("Handle() status = %s, want FAIL", out.Status)
	}
	if out.FailureReason != "human skipped the gate" {
		t.Errorf("FailureReason = %q", out.FailureReason)
	}
}

func TestWaitHumanNoEdges(t *testing.T) {
	g := mustGraph(t, `digraph g { gate [shape=hexagon]; }`)
	out, _ := runGate(t, g, &scriptedInteractor{})
	if out.Status != pipeline.StatusFail {
		t.Errorf("Handle() status = %s, want FAIL", out.Status)
	}
	if !strings.Contains(out.FailureReason, "no outgoing edges") {
		t.Errorf("FailureReason = %q", out.FailureReason)
	}
}

func TestWaitHumanInteractorError(t *testing.T) {
	g := gateGraph(t)
	node, _ := g.Node("gate")
	h := NewWaitHuman(&scriptedInteractor{err: errors.New("tty vanished")}, nil)
	_, err := h.Handle(context.Background(), node, pipeline.NewContext(), g, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "wait.human gate") {
		t.Errorf("Handle() error = %v, want wait.human gate wrap", err)
	}
}

func TestWaitHumanQuestionArtifact(t *testing.T) {
	in := &scriptedInteractor{answer: Answer{Kind: AnswerValue, Value: "s"}}
	_, root := runGate(t, gateGraph(t), in)

	if len(in.asked) != 1 {
		t.Fatalf("asked %d questions, want 1", len(in.asked))
	}
	q := in.asked[0]
	if q.NodeID != "gate" || q.Prompt != "Ship now?" {
		t.Errorf("question = %+v", q)
	}
	if q.Dir != filepath.Join(root, "gate") {
		t.Errorf("question dir = %q, want the stage dir", q.Dir)
	}
	if len(q.Choices) != 3 || q.Choices[0].Key != "s" || q.Choices[1].Key != "w" {
		t.Errorf("choices = %+v", q.Choices)
	}

	data, err := os.ReadFile(filepath.Join(root, "gate", "question.md"))
	if err != nil {
		t.Fatalf("read question.md: %v", err)
	}
	for _, want := range []string{"Ship now?", "-> ship", "-> wait", "-> abort"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("question.md missing %q:\n%s", want, data)
		}
	}
}

func TestWaitHumanNoInteractor(t *testing.T) {
	g := gateGraph(t)
	node, _ := g.Node("gate")
	h := NewWaitHuman(nil, nil)
	out, err := h.Handle(context.Background(), node, pipeline.NewContext(), g, t.TempDir())
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if out.Status != pipeline.StatusFail || !strings.Contains(out.FailureReason, "no interactor") {
		t.Errorf("Handle() = %+v, want FAIL with no interactor reason", out)
	}
}

func TestDefaultChoice(t *testing.T) {
	choices := []Choice{
		{Key: "s", Label: "[S] Ship it", Target: "ship"},
		{Key: "w", Label: "Wait for QA", Target: "wait"},
	}
	tests := []struct {
		name   string
		want   string
		target string
		ok     bool
	}{
		{"by key", "w", "wait", true},
		{"by key case folded", "S", "ship", true},
		{"by label", "wait for qa", "wait", true},
		{"unknown", "abort", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := defaultChoice(choices, tt.want)
			if ok != tt.ok || c.Target != tt.target {
				t.Errorf("defaultChoice(%q) = %+v, %v, want target %q, %v", tt.want, c, ok, tt.target, tt.ok)
			}
		})
	}
}
