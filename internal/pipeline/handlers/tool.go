package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/drover/internal/pipeline"
	"github.com/haasonsaas/drover/internal/workspace"
)

// Tool runs the node's command attribute in the workspace shell and lifts
// stdout into the pipeline context.
type Tool struct {
	ws     *workspace.Workspace
	logger *slog.Logger
}

func NewTool(ws *workspace.Workspace, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{ws: ws, logger: logger}
}

func (h *Tool) Handle(ctx context.Context, node *pipeline.Node, pctx *pipeline.Context, graph *pipeline.Graph, logsRoot string) (pipeline.Outcome, error) {
	command := strings.TrimSpace(node.Attr("command"))
	if command == "" {
		return pipeline.Outcome{
			Status:        pipeline.StatusFail,
			FailureReason: fmt.Sprintf("tool node %q has no command attribute", node.ID),
		}, nil
	}
	timeout := time.Duration(node.TimeoutSeconds()) * time.Second
	res := h.ws.ExecCommand(ctx, command, timeout, "", nil)

	log := fmt.Sprintf("$ %s\nexit %d in %dms\n\n--- stdout ---\n%s\n--- stderr ---\n%s\n",
		command, res.ExitCode, res.DurationMs, res.Stdout, res.Stderr)
	if err := writeStageFile(logsRoot, node.ID, "command.log", []byte(log)); err != nil {
		return pipeline.Outcome{}, err
	}

	out := pipeline.Outcome{
		ContextUpdates: map[string]any{
			node.ID + ".stdout":    strings.TrimSpace(res.Stdout),
			node.ID + ".exit_code": res.ExitCode,
		},
	}
	switch {
	case res.TimedOut:
		out.Status = pipeline.StatusFail
		out.FailureReason = fmt.Sprintf("command timed out after %dms", res.DurationMs)
	case res.ExitCode != 0:
		out.Status = pipeline.StatusFail
		out.FailureReason = fmt.Sprintf("exit code %d: %s", res.ExitCode, firstLine(res.Stderr))
	default:
		out.Status = pipeline.StatusSuccess
		out.Notes = firstLine(res.Stdout)
	}
	h.logger.Debug("tool stage complete", "node", node.ID, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
	return out, nil
}
