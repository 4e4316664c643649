package handlers

import (
	"testing"

	"github.com/haasonsaas/drover/internal/llm"
	"github.com/haasonsaas/drover/internal/pipeline"
	"github.com/haasonsaas/drover/internal/workspace"
)

func TestDefaultsTable(t *testing.T) {
	t.Run("bare options", func(t *testing.T) {
		table := Defaults(Options{})
		for _, want := range []string{pipeline.TypeWaitHuman, pipeline.TypeParallel, pipeline.TypeFanIn} {
			if _, ok := table[want]; !ok {
				t.Errorf("Defaults() missing %s handler", want)
			}
		}
		if _, ok := table[pipeline.TypeCodergen]; ok {
			t.Errorf("Defaults() registered codergen without a client")
		}
		if _, ok := table[pipeline.TypeTool]; ok {
			t.Errorf("Defaults() registered tool without a workspace")
		}
	})

	t.Run("full options", func(t *testing.T) {
		table := Defaults(Options{
			Client:    llm.NewClient(llm.ClientOptions{}),
			Workspace: workspace.New(workspace.Config{WorkingDir: t.TempDir()}),
		})
		for _, want := range []string{
			pipeline.TypeCodergen,
			pipeline.TypeTool,
			pipeline.TypeWaitHuman,
			pipeline.TypeParallel,
			pipeline.TypeFanIn,
		} {
			if _, ok := table[want]; !ok {
				t.Errorf("Defaults() missing %s handler", want)
			}
		}
	})
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello\nworld", "hello"},
		{"  spaced  \nrest", "spaced"},
		{"", ""},
		{"single", "single"},
	}
	for _, tt := range tests {
		if got := firstLine(tt.in); got != tt.want {
			t.Errorf("firstLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
