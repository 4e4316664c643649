package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/drover/internal/observability"
	"github.com/haasonsaas/drover/internal/pipeline"
	"github.com/haasonsaas/drover/internal/pipeline/handlers"
	"github.com/haasonsaas/drover/internal/workspace"
)

type runFlags struct {
	logsRoot           string
	contextPairs       []string
	varPairs           []string
	resume             bool
	checkpointInterval int
}

// runRun handles the run command: load the graph, wire the engine, and
// execute to completion.
func runRun(cmd *cobra.Command, graphPath string, flags runFlags) error {
	out := cmd.OutOrStdout()

	cfg, logger, err := loadRuntime(configPath)
	if err != nil {
		return err
	}

	vars, err := parseKeyValues(flags.varPairs)
	if err != nil {
		return fmt.Errorf("--var: %w", err)
	}
	contextPairs, err := parseKeyValues(flags.contextPairs)
	if err != nil {
		return fmt.Errorf("--context: %w", err)
	}

	source, err := os.ReadFile(graphPath)
	if err != nil {
		return fmt.Errorf("read graph: %w", err)
	}
	graph, err := pipeline.ParseDOT(expandGraphVars(string(source), vars))
	if err != nil {
		return fmt.Errorf("parse %s: %w", graphPath, err)
	}

	lints := pipeline.Validate(graph)
	for _, l := range lints {
		fmt.Fprintln(out, l.String())
	}
	if pipeline.HasErrors(lints) {
		return fmt.Errorf("%s failed validation", graphPath)
	}

	metrics, tracer, shutdownTracing := setupObservability(cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	client, err := buildClient(cfg, logger, tracer)
	if err != nil {
		return err
	}
	if client != nil && metrics != nil {
		client.Use(observability.MetricsMiddleware(metrics))
	}

	store := openStore(cfg, metrics, tracer, logger)
	if store != nil {
		defer store.Close()
	}

	var sheet handlers.Stylesheet
	if cfg.Pipeline.Stylesheet != "" {
		sheet, err = handlers.LoadStylesheet(cfg.Pipeline.Stylesheet)
		if err != nil {
			return err
		}
	}

	logsRoot := flags.logsRoot
	if logsRoot == "" {
		if flags.resume {
			return fmt.Errorf("--resume requires --logs-root pointing at the original run directory")
		}
		logsRoot = filepath.Join(cfg.Pipeline.LogsRoot, "run_"+time.Now().Format("20060102_150405"))
	}

	checkpointInterval := cfg.Pipeline.CheckpointInterval
	if flags.checkpointInterval > 0 {
		checkpointInterval = flags.checkpointInterval
	}

	initialContext := make(map[string]any, len(contextPairs))
	for k, v := range contextPairs {
		initialContext[k] = v
	}

	env := workspace.New(cfg.Workspace)
	if err := env.Initialize(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	// Parallel branches re-enter the same handler table, so the executor
	// closes over it and the table is built afterwards.
	var table map[string]pipeline.Handler
	executor := handlers.BranchExecutorFunc(func(ctx context.Context, edge *pipeline.Edge, branchCtx *pipeline.Context) (pipeline.Outcome, error) {
		node, ok := graph.Node(edge.To)
		if !ok {
			return pipeline.Outcome{Status: pipeline.StatusFail, FailureReason: fmt.Sprintf("branch target %s not in graph", edge.To)}, nil
		}
		h, ok := table[node.Type()]
		if !ok {
			return pipeline.Outcome{Status: pipeline.StatusFail, FailureReason: fmt.Sprintf("no handler for branch node type %q", node.Type())}, nil
		}
		return h.Handle(ctx, node, branchCtx, graph, logsRoot)
	})
	table = handlers.Defaults(handlers.Options{
		Client:     client,
		Provider:   cfg.LLM.DefaultProvider,
		Model:      cfg.LLM.DefaultModel,
		Stylesheet: sheet,
		Workspace:  env,
		Executor:   executor,
		Logger:     logger,
	})

	engineOpts := pipeline.EngineOptions{
		LogsRoot:           logsRoot,
		Handlers:           table,
		Listener:           stageEventPrinter(out),
		Logger:             logger,
		Metrics:            metrics,
		Tracer:             tracer,
		CheckpointInterval: checkpointInterval,
		Resume:             flags.resume,
		InitialContext:     initialContext,
	}
	if store != nil {
		engineOpts.Recorder = store
	}
	engine := pipeline.NewEngine(graph, engineOpts)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("pipeline run starting",
		"run_id", engine.RunID(),
		"graph", graphPath,
		"logs_root", logsRoot,
		"resume", flags.resume,
	)

	result, err := engine.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s: %w", engine.RunID(), err)
	}

	fmt.Fprintf(out, "run %s finished: %s (%d stages)\n", engine.RunID(), result.Status, len(result.CompletedNodes))
	fmt.Fprintf(out, "logs: %s\n", result.LogsRoot)
	if !result.Status.Succeeded() {
		return fmt.Errorf("run finished with status %s", result.Status)
	}
	return nil
}

// runValidate handles the validate command.
func runValidate(cmd *cobra.Command, graphPath string) error {
	out := cmd.OutOrStdout()

	source, err := os.ReadFile(graphPath)
	if err != nil {
		return fmt.Errorf("read graph: %w", err)
	}
	graph, err := pipeline.ParseDOT(string(source))
	if err != nil {
		return fmt.Errorf("parse %s: %w", graphPath, err)
	}

	lints := pipeline.Validate(graph)
	for _, l := range lints {
		fmt.Fprintln(out, l.String())
	}
	if pipeline.HasErrors(lints) {
		errors := 0
		for _, l := range lints {
			if l.Severity == pipeline.SeverityError {
				errors++
			}
		}
		return fmt.Errorf("%s: %d validation error(s)", graphPath, errors)
	}

	fmt.Fprintf(out, "%s: ok (%d nodes, %d edges)\n", graphPath, len(graph.Nodes()), len(graph.Edges()))
	return nil
}

// stageEventPrinter renders engine progress on the command's stdout.
func stageEventPrinter(out io.Writer) pipeline.Listener {
	return func(ev pipeline.StageEvent) {
		switch ev.Kind {
		case pipeline.EventStageStarted:
			fmt.Fprintf(out, "[%s] started\n", ev.NodeID)
		case pipeline.EventStageCompleted:
			status := ""
			if ev.Outcome != nil {
				status = string(ev.Outcome.Status)
			}
			if ev.Attempt > 1 {
				fmt.Fprintf(out, "[%s] %s (attempt %d)\n", ev.NodeID, status, ev.Attempt)
				return
			}
			fmt.Fprintf(out, "[%s] %s\n", ev.NodeID, status)
		case pipeline.EventStageFailed:
			fmt.Fprintf(out, "[%s] FAIL: %s\n", ev.NodeID, ev.Message)
		case pipeline.EventStageRetrying:
			fmt.Fprintf(out, "[%s] retrying (attempt %d): %s\n", ev.NodeID, ev.Attempt, ev.Message)
		case pipeline.EventRunRestarted:
			fmt.Fprintf(out, "restarting from %s, fresh logs under %s\n", ev.NodeID, ev.Message)
		}
	}
}

// parseKeyValues splits repeated key=value flag instances into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = value
	}
	return out, nil
}

// expandGraphVars substitutes $name and ${name} placeholders in the graph
// source. Names not present in vars are left as written so DOT content
// that happens to contain a dollar sign survives.
func expandGraphVars(source string, vars map[string]string) string {
	if len(vars) == 0 {
		return source
	}
	return os.Expand(source, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return "$" + name
	})
}
