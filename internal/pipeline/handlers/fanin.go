package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/haasonsaas/drover/internal/pipeline"
)

// FanIn ranks the recorded parallel branch results and exposes the winner
// as parallel.fan_in.best_id.
type FanIn struct {
	logger *slog.Logger
}

func NewFanIn(logger *slog.Logger) *FanIn {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanIn{logger: logger}
}

func (h *FanIn) Handle(ctx context.Context, node *pipeline.Node, pctx *pipeline.Context, graph *pipeline.Graph, logsRoot string) (pipeline.Outcome, error) {
	raw := pctx.GetString("parallel.results")
	if strings.TrimSpace(raw) == "" {
		return pipeline.Outcome{
			Status:        pipeline.StatusFail,
			FailureReason: "no parallel results to fan in",
		}, nil
	}
	var results []BranchResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return pipeline.Outcome{
			Status:        pipeline.StatusFail,
			FailureReason: fmt.Sprintf("malformed parallel results: %v", err),
		}, nil
	}
	if len(results) == 0 {
		return pipeline.Outcome{
			Status:        pipeline.StatusFail,
			FailureReason: "no parallel results to fan in",
		}, nil
	}

	ranked := make([]BranchResult, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := statusRank(ranked[i].Outcome), statusRank(ranked[j].Outcome)
		if ri != rj {
			return ri < rj
		}
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Branch < ranked[j].Branch
	})
	best := ranked[0]
	if statusRank(best.Outcome) > 1 {
		return pipeline.Outcome{
			Status:        pipeline.StatusFail,
			FailureReason: "all parallel branches failed",
		}, nil
	}
	h.logger.Debug("fan-in selected branch", "node", node.ID, "branch", best.Branch, "outcome", best.Outcome)
	return pipeline.Outcome{
		Status:         pipeline.StatusSuccess,
		Notes:          fmt.Sprintf("selected branch %s", best.Branch),
		ContextUpdates: map[string]any{"parallel.fan_in.best_id": best.Branch},
	}, nil
}

// statusRank orders branch outcomes for selection: clean successes first,
// partials next, everything else last.
func statusRank(outcome string) int {
	status, ok := pipeline.ParseStatus(outcome)
	if !ok {
		return 3
	}
	switch status {
	case pipeline.StatusSuccess:
		return 0
	case pipeline.StatusPartialSuccess:
		return 1
	default:
		return 3
	}
}
