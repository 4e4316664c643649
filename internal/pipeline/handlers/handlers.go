// Package handlers implements the stage handlers a pipeline engine
// dispatches to: LLM generation, shell tools, human gates, and parallel
// fan-out with its matching fan-in.
package handlers

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/haasonsaas/drover/internal/llm"
	"github.com/haasonsaas/drover/internal/pipeline"
	"github.com/haasonsaas/drover/internal/workspace"
)

// Options configures the default handler set.
type Options struct {
	// Client serves codergen stages. Nil disables them.
	Client *llm.Client

	// Provider and Model route codergen stages when neither the node nor
	// the model stylesheet names one.
	Provider string
	Model    string

	// Stylesheet wins over the graph's model_stylesheet file when set.
	Stylesheet Stylesheet

	// Workspace runs tool stages. Nil disables them.
	Workspace *workspace.Workspace

	// Interactor answers wait.human stages. Nil picks the console when
	// stdin is a terminal and the answer-file watcher otherwise.
	Interactor Interactor

	// Executor runs parallel branches. Nil simulates every branch as an
	// immediate success.
	Executor BranchExecutor

	Logger *slog.Logger
}

// Defaults builds the handler table for every stage type the engine does not
// run itself. Codergen and tool entries appear only when their backing
// dependency is configured.
func Defaults(opts Options) map[string]pipeline.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interactor := opts.Interactor
	if interactor == nil {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			interactor = NewConsole()
		} else {
			interactor = NewAnswerFile("")
		}
	}
	table := map[string]pipeline.Handler{
		pipeline.TypeWaitHuman: NewWaitHuman(interactor, logger),
		pipeline.TypeParallel:  NewParallel(opts.Executor, logger),
		pipeline.TypeFanIn:     NewFanIn(logger),
	}
	if opts.Client != nil {
		table[pipeline.TypeCodergen] = NewCodergen(CodergenOptions{
			Client:     opts.Client,
			Provider:   opts.Provider,
			Model:      opts.Model,
			Stylesheet: opts.Stylesheet,
			Logger:     logger,
		})
	}
	if opts.Workspace != nil {
		table[pipeline.TypeTool] = NewTool(opts.Workspace, logger)
	}
	return table
}

// stageDir creates and returns the per-stage artifact directory.
func stageDir(logsRoot, nodeID string) (string, error) {
	dir := filepath.Join(logsRoot, nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create stage dir: %w", err)
	}
	return dir, nil
}

// writeStageFile writes one artifact into the stage directory, creating the
// directory as needed.
func writeStageFile(logsRoot, nodeID, name string, data []byte) error {
	dir, err := stageDir(logsRoot, nodeID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// firstLine returns the first line of s, trimmed and capped for log notes.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	const limit = 160
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
