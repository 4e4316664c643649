package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/drover/internal/pipeline"
)

func fanGraph(t *testing.T, nodeAttrs string) *pipeline.Graph {
	t.Helper()
	return mustGraph(t, `digraph g {
		fan [shape=component`+nodeAttrs+`];
		a; b; c;
		fan -> a;
		fan -> b;
		fan -> c;
	}`)
}

func runFan(t *testing.T, g *pipeline.Graph, exec BranchExecutor) (pipeline.Outcome, []BranchResult, string) {
	t.Helper()
	node, ok := g.Node("fan")
	if !ok {
		t.Fatalf("fan node missing")
	}
	root := t.TempDir()
	h := NewParallel(exec, nil)
	out, err := h.Handle(context.Background(), node, pipeline.NewContext(), g, root)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	raw, _ := out.ContextUpdates["parallel.results"].(string)
	var results []BranchResult
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &results); err != nil {
			t.Fatalf("decode parallel.results: %v", err)
		}
	}
	return out, results, root
}

func TestParallelSimulated(t *testing.T) {
	out, results, root := runFan(t, fanGraph(t, ""), nil)
	if out.Status != pipeline.StatusSuccess {
		t.Fatalf("Handle() status = %s, want SUCCESS", out.Status)
	}
	if out.Notes != "3/3 branches succeeded" {
		t.Errorf("Notes = %q", out.Notes)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []string{"a", "b", "c"} {
		if results[i].Branch != want || results[i].Outcome != "SUCCESS" || results[i].Notes != "Simulated" {
			t.Errorf("results[%d] = %+v, want simulated success for %s", i, results[i], want)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "fan", "branches.json")); err != nil {
		t.Errorf("branches.json missing: %v", err)
	}
}

func TestParallelExecutorOutcomes(t *testing.T) {
	exec := BranchExecutorFunc(func(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error) {
		switch edge.To {
		case "a":
			return pipeline.Outcome{Status: pipeline.StatusSuccess, ContextUpdates: map[string]any{"score": 0.9}}, nil
		case "b":
			return pipeline.Outcome{Status: pipeline.StatusPartialSuccess, Notes: "half done", ContextUpdates: map[string]any{"score": "0.4"}}, nil
		default:
			return pipeline.Outcome{}, errors.New("branch melted")
		}
	})
	out, results, _ := runFan(t, fanGraph(t, `, join_policy=wait_all`), exec)
	if out.Status != pipeline.StatusPartialSuccess {
		t.Errorf("Handle() status = %s, want PARTIAL_SUCCESS under wait_all", out.Status)
	}
	if out.Notes != "2/3 branches succeeded" {
		t.Errorf("Notes = %q", out.Notes)
	}
	if results[0].Score != 0.9 {
		t.Errorf("results[0].Score = %v, want 0.9", results[0].Score)
	}
	if results[1].Outcome != "PARTIAL_SUCCESS" || results[1].Score != 0.4 || results[1].Notes != "half done" {
		t.Errorf("results[1] = %+v", results[1])
	}
	if results[2].Outcome != "FAIL" || !strings.Contains(results[2].Notes, "branch melted") {
		t.Errorf("results[2] = %+v", results[2])
	}
}

func TestParallelJoinPolicies(t *testing.T) {
	oneGood := BranchExecutorFunc(func(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error) {
		if edge.To == "a" {
			return pipeline.Outcome{Status: pipeline.StatusSuccess}, nil
		}
		return pipeline.Outcome{Status: pipeline.StatusFail}, nil
	})
	allBad := BranchExecutorFunc(func(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error) {
		return pipeline.Outcome{Status: pipeline.StatusFail}, nil
	})
	allGood := BranchExecutorFunc(func(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error) {
		return pipeline.Outcome{Status: pipeline.StatusSuccess}, nil
	})

	tests := []struct {
		name string
		attr string
		exec BranchExecutor
		want pipeline.Status
	}{
		{"wait_all clean", `, join_policy=wait_all`, allGood, pipeline.StatusSuccess},
		{"wait_all with a failure", `, join_policy=wait_all`, oneGood, pipeline.StatusPartialSuccess},
		{"first_success", `, join_policy=first_success`, oneGood, pipeline.StatusSuccess},
		{"any with all failed", `, join_policy=any`, allBad, pipeline.StatusFail},
		{"unset policy defaults to any", "", oneGood, pipeline.StatusSuccess},
		{"unset policy with all failed", "", allBad, pipeline.StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, _ := runFan(t, fanGraph(t, tt.attr), tt.exec)
			if out.Status != tt.want {
				t.Errorf("Handle() status = %s, want %s", out.Status, tt.want)
			}
		})
	}
}

func TestParallelFailFast(t *testing.T) {
	var calls int32
	exec := BranchExecutorFunc(func(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error) {
		atomic.AddInt32(&calls, 1)
		return pipeline.Outcome{Status: pipeline.StatusFail, FailureReason: "nope"}, nil
	})
	out, results, _ := runFan(t, fanGraph(t, `, max_parallel=1, error_policy=fail_fast`), exec)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("executed %d branches, want 1 after fail_fast", got)
	}
	if len(results) != 1 || results[0].Branch != "a" {
		t.Errorf("results = %+v, want only branch a", results)
	}
	if out.Status != pipeline.StatusFail {
		t.Errorf("Handle() status = %s, want FAIL with no branch succeeded", out.Status)
	}
}

func TestParallelBatchWidth(t *testing.T) {
	var active, peak int32
	var mu sync.Mutex
	exec := BranchExecutorFunc(func(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error) {
		n := atomic.AddInt32(&active, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return pipeline.Outcome{Status: pipeline.StatusSuccess}, nil
	})
	_, results, _ := runFan(t, fanGraph(t, `, max_parallel=1`), exec)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1 with max_parallel=1", peak)
	}
}

func TestParallelClonesContext(t *testing.T) {
	parent := pipeline.NewContextWith(map[string]any{"shared": "yes"})
	exec := BranchExecutorFunc(func(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error) {
		if branchCtx.GetString("shared") != "yes" {
			t.Errorf("branch context missing parent value")
		}
		branchCtx.Set("leak", edge.To)
		return pipeline.Outcome{Status: pipeline.StatusSuccess}, nil
	})
	g := fanGraph(t, "")
	node, _ := g.Node("fan")
	h := NewParallel(exec, nil)
	if _, err := h.Handle(context.Background(), node, parent, g, t.TempDir()); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if _, ok := parent.Get("leak"); ok {
		t.Errorf("branch write leaked into the parent context")
	}
}

func TestParallelBranchPanic(t *testing.T) {
	exec := BranchExecutorFunc(func(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error) {
		if edge.To == "b" {
			panic("branch exploded")
		}
		return pipeline.Outcome{Status: pipeline.StatusSuccess}, nil
	})
	out, results, _ := runFan(t, fanGraph(t, `, join_policy=wait_all`), exec)
	if out.Status != pipeline.StatusPartialSuccess {
		t.Errorf("Handle() status = %s, want PARTIAL_SUCCESS", out.Status)
	}
	if results[1].Outcome != "FAIL" || !strings.Contains(results[1].Notes, "branch panic") {
		t.Errorf("results[1] = %+v, want a recovered panic failure", results[1])
	}
}

func TestParallelNoBranches(t *testing.T) {
	g := mustGraph(t, `digraph g { fan [shape=component]; }`)
	node, _ := g.Node("fan")
	h := NewParallel(nil, nil)
	out, err := h.Handle(context.Background(), node, pipeline.NewContext(), g, t.TempDir())
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if out.Status != pipeline.StatusFail || !strings.Contains(out.FailureReason, "no outgoing branches") {
		t.Errorf("Handle() = %+v, want FAIL for the empty fan", out)
	}
}
