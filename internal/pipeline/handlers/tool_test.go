package handlers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/drover/internal/pipeline"
	"github.com/haasonsaas/drover/internal/workspace"
)

func newTestTool(t *testing.T) *Tool {
	t.Helper()
	ws := workspace.New(workspace.Config{WorkingDir: t.TempDir()})
	return NewTool(ws, nil)
}

func toolNode(attrs map[string]string) *pipeline.Node {
	return &pipeline.Node{ID: "run", Attrs: attrs}
}

func TestToolSuccess(t *testing.T) {
	h := newTestTool(t)
	root := t.TempDir()
	node := toolNode(map[string]string{"command": "printf hello"})

	out, err := h.Handle(context.Background(), node, pipeline.NewContext(), pipeline.NewGraph("g"), root)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if out.Status != pipeline.StatusSuccess {
		t.Fatalf("Handle() status = %s, want SUCCESS", out.Status)
	}
	if got := out.ContextUpdates["run.stdout"]; got != "hello" {
		t.Errorf("run.stdout = %v, want hello", got)
	}
	if got := out.ContextUpdates["run.exit_code"]; got != 0 {
		t.Errorf("run.exit_code = %v, want 0", got)
	}
	if out.Notes != "hello" {
		t.Errorf("Notes = %q, want hello", out.Notes)
	}
	log, err := os.ReadFile(filepath.Join(root, "run", "command.log"))
	if err != nil {
		t.Fatalf("read command.log: %v", err)
	}
	if !strings.Contains(string(log), "printf hello") || !strings.Contains(string(log), "hello") {
		t.Errorf("command.log missing command or output:\n%s", log)
	}
}

func TestToolNonZeroExit(t *testing.T) {
	h := newTestTool(t)
	node := toolNode(map[string]string{"command": "echo bad >&2; exit 3"})

	out, err := h.Handle(context.Background(), node, pipeline.NewContext(), pipeline.NewGraph("g"), t.TempDir())
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if out.Status != pipeline.StatusFail {
		t.Errorf("Handle() status = %s, want FAIL", out.Status)
	}
	if !strings.Contains(out.FailureReason, "exit code 3") || !strings.Contains(out.FailureReason, "bad") {
		t.Errorf("FailureReason = %q", out.FailureReason)
	}
	if got := out.ContextUpdates["run.exit_code"]; got != 3 {
		t.Errorf("run.exit_code = %v, want 3", got)
	}
}

func TestToolMissingCommand(t *testing.T) {
	h := newTestTool(t)
	node := toolNode(map[string]string{})

	out, err := h.Handle(context.Background(), node, pipeline.NewContext(), pipeline.NewGraph("g"), t.TempDir())
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if out.Status != pipeline.StatusFail || !strings.Contains(out.FailureReason, "no command attribute") {
		t.Errorf("Handle() = %+v, want FAIL for the missing command", out)
	}
}

func TestToolTimeout(t *testing.T) {
	h := newTestTool(t)
	node := toolNode(map[string]string{"command": "sleep 5", "timeout": "1"})

	out, err := h.Handle(context.Background(), node, pipeline.NewContext(), pipeline.NewGraph("g"), t.TempDir())
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if out.Status != pipeline.StatusFail || !strings.Contains(out.FailureReason, "timed out") {
		t.Errorf("Handle() = %+v, want FAIL for the timeout", out)
	}
}
