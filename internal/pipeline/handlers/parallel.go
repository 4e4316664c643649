package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/drover/internal/pipeline"
)

// BranchExecutor runs one branch of a parallel stage against a cloned
// context and reports its outcome.
type BranchExecutor interface {
	ExecuteBranch(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error)
}

// BranchExecutorFunc adapts a function to BranchExecutor.
type BranchExecutorFunc func(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error)

func (f BranchExecutorFunc) ExecuteBranch(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error) {
	return f(ctx, edge, branchCtx)
}

// BranchResult is one branch's entry in the parallel.results context value.
type BranchResult struct {
	Branch  string  `json:"branch"`
	Outcome string  `json:"outcome"`
	Notes   string  `json:"notes,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Parallel fans a stage out over its outgoing edges. Branches run in
// batches of max_parallel against cloned contexts; error_policy=fail_fast
// stops scheduling after a batch with a failure. join_policy=wait_all passes
// only when every branch passes; the default (any) passes when at least one
// branch does. Without an executor every branch is simulated as an immediate
// success.
type Parallel struct {
	executor BranchExecutor
	logger   *slog.Logger
}

func NewParallel(executor BranchExecutor, logger *slog.Logger) *Parallel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parallel{executor: executor, logger: logger}
}

func (h *Parallel) Handle(ctx context.Context, node *pipeline.Node, pctx *pipeline.Context, graph *pipeline.Graph, logsRoot string) (pipeline.Outcome, error) {
	branches := graph.Outgoing(node.ID)
	if len(branches) == 0 {
		return pipeline.Outcome{
			Status:        pipeline.StatusFail,
			FailureReason: fmt.Sprintf("parallel node %q has no outgoing branches", node.ID),
		}, nil
	}
	width := atoiDefault(node.Attr("max_parallel"), len(branches))
	if width <= 0 || width > len(branches) {
		width = len(branches)
	}
	failFast := strings.EqualFold(strings.TrimSpace(node.Attr("error_policy")), "fail_fast")

	results := make([]BranchResult, 0, len(branches))
	for start := 0; start < len(branches); start += width {
		end := start + width
		if end > len(branches) {
			end = len(branches)
		}
		batch := branches[start:end]
		batchResults := make([]BranchResult, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, edge := range batch {
			g.Go(func() error {
				batchResults[i] = h.runBranch(gctx, edge, pctx)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return pipeline.Outcome{}, err
		}
		results = append(results, batchResults...)
		if failFast && anyFailed(batchResults) {
			h.logger.Debug("parallel stage stopping early", "node", node.ID, "completed", len(results))
			break
		}
	}

	data, err := json.Marshal(results)
	if err != nil {
		return pipeline.Outcome{}, fmt.Errorf("encode branch results: %w", err)
	}
	if err := writeStageFile(logsRoot, node.ID, "branches.json", data); err != nil {
		return pipeline.Outcome{}, err
	}

	succeeded := 0
	for _, r := range results {
		if pipeline.Status(r.Outcome).Succeeded() {
			succeeded++
		}
	}
	out := pipeline.Outcome{
		Notes:          fmt.Sprintf("%d/%d branches succeeded", succeeded, len(results)),
		ContextUpdates: map[string]any{"parallel.results": string(data)},
	}
	switch strings.ToLower(strings.TrimSpace(node.Attr("join_policy"))) {
	case "wait_all":
		if succeeded == len(results) && len(results) == len(branches) {
			out.Status = pipeline.StatusSuccess
		} else {
			out.Status = pipeline.StatusPartialSuccess
		}
	default: // first_success, any
		if succeeded > 0 {
			out.Status = pipeline.StatusSuccess
		} else {
			out.Status = pipeline.StatusFail
			out.FailureReason = "no branch succeeded"
		}
	}
	return out, nil
}

func (h *Parallel) runBranch(ctx context.Context, edge *pipeline.Edge, pctx *pipeline.Context) (res BranchResult) {
	branch := edge.To
	res = BranchResult{Branch: branch, Outcome: string(pipeline.StatusFail)}
	defer func() {
		if r := recover(); r != nil {
			res.Notes = fmt.Sprintf("branch panic: %v", r)
		}
	}()
	if h.executor == nil {
		return BranchResult{Branch: branch, Outcome: string(pipeline.StatusSuccess), Notes: "Simulated"}
	}
	out, err := h.executor.ExecuteBranch(ctx, edge, pctx.Clone())
	if err != nil {
		res.Notes = err.Error()
		return res
	}
	res.Outcome = string(out.Status)
	res.Notes = out.Notes
	if score, ok := branchScore(out); ok {
		res.Score = score
	}
	return res
}

func anyFailed(results []BranchResult) bool {
	for _, r := range results {
		if !pipeline.Status(r.Outcome).Succeeded() {
			return true
		}
	}
	return false
}

// branchScore lifts a numeric "score" context update off a branch outcome.
func branchScore(out pipeline.Outcome) (float64, bool) {
	raw, ok := out.ContextUpdates["score"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
