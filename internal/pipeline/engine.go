package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/drover/internal/backoff"
	"github.com/haasonsaas/drover/internal/observability"
)

// Handler executes one node. Handlers write stage artifacts under
// <logsRoot>/<nodeID>/ and return an Outcome; returned errors are routed
// through the retry policy rather than aborting the run directly.
type Handler interface {
	Handle(ctx context.Context, node *Node, pctx *Context, graph *Graph, logsRoot string) (Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, node *Node, pctx *Context, graph *Graph, logsRoot string) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, node *Node, pctx *Context, graph *Graph, logsRoot string) (Outcome, error) {
	return f(ctx, node, pctx, graph, logsRoot)
}

// RunRecorder persists run and stage rows as the engine progresses. A nil
// recorder disables recording; recorder errors are logged, not fatal.
type RunRecorder interface {
	BeginRun(ctx context.Context, run RunInfo) error
	RecordStage(ctx context.Context, rec StageRecord) error
	FinishRun(ctx context.Context, runID string, status Status, finishedAt time.Time) error
}

// RunInfo describes a run at start time.
type RunInfo struct {
	ID        string
	Name      string
	Goal      string
	Label     string
	LogsRoot  string
	StartedAt time.Time
}

// StageRecord describes one recorded node completion.
type StageRecord struct {
	RunID         string
	NodeID        string
	NodeType      string
	StageIndex    int
	Attempts      int
	Status        Status
	FailureReason string
	Notes         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Result is the finalized outcome of a run.
type Result struct {
	Status         Status
	CompletedNodes []string
	NodeOutcomes   map[string]Outcome
	FinalContext   map[string]any
	LogsRoot       string
}

// EngineOptions configures a pipeline engine.
type EngineOptions struct {
	// LogsRoot is the run's artifact directory. Defaults to
	// logs/run_<timestamp>.
	LogsRoot string

	// Handlers maps node types to implementations. start and conditional
	// nodes get pass-through handlers unless overridden.
	Handlers map[string]Handler

	// Listener receives stage events; nil disables emission.
	Listener Listener

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records stage and checkpoint counters; nil disables.
	Metrics *observability.Metrics

	// Tracer opens a span around each stage execution; nil disables.
	Tracer *observability.Tracer

	// Recorder persists runs and stages; nil disables.
	Recorder RunRecorder

	// CheckpointInterval saves the checkpoint every Nth completed stage.
	// Values below 2 save after every stage.
	CheckpointInterval int

	// Backoff governs retry delays. Zero value means backoff.DefaultPolicy.
	Backoff backoff.Policy

	// ShouldRetry classifies handler errors; nil means DefaultShouldRetry.
	ShouldRetry func(error) bool

	// Resume loads <LogsRoot>/checkpoint.json and continues after the
	// recorded node. A missing checkpoint starts fresh.
	Resume bool

	// InitialContext seeds the pipeline context. Restarted runs are
	// re-seeded from the same values.
	InitialContext map[string]any
}

// Engine interprets a validated graph, dispatching nodes to handlers and
// selecting edges until a terminal node's goal gates are satisfied.
type Engine struct {
	graph       *Graph
	handlers    map[string]Handler
	listener    Listener
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	recorder    RunRecorder
	policy      backoff.Policy
	shouldRetry func(error) bool
	resume      bool
	seed        map[string]any
	logsRoot    string
	runID       string
	cpInterval  int
}

// NewEngine builds an engine for one graph. Validation happens in Run.
func NewEngine(g *Graph, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logsRoot := opts.LogsRoot
	if logsRoot == "" {
		logsRoot = filepath.Join("logs", "run_"+time.Now().Format("20060102_150405"))
	}
	policy := opts.Backoff
	if policy.Initial == 0 && policy.Max == 0 && policy.Multiplier == 0 {
		policy = backoff.DefaultPolicy()
	}
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	handlers := map[string]Handler{
		TypeStart:       passThroughHandler(),
		TypeConditional: passThroughHandler(),
	}
	for typ, h := range opts.Handlers {
		handlers[typ] = h
	}
	return &Engine{
		graph:       g,
		handlers:    handlers,
		listener:    opts.Listener,
		logger:      logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		recorder:    opts.Recorder,
		policy:      policy,
		shouldRetry: shouldRetry,
		resume:      opts.Resume,
		seed:        opts.InitialContext,
		logsRoot:    logsRoot,
		runID:       uuid.NewString(),
		cpInterval:  opts.CheckpointInterval,
	}
}

// RunID identifies this run in the recorder's store.
func (e *Engine) RunID() string { return e.runID }

// Run validates the graph and executes it to completion.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if e.graph == nil {
		return nil, fmt.Errorf("pipeline: nil graph")
	}
	if lints := Validate(e.graph); HasErrors(lints) {
		var msgs []string
		for _, l := range lints {
			if l.Severity == SeverityError {
				msgs = append(msgs, l.String())
			}
		}
		return nil, fmt.Errorf("pipeline: graph failed validation:\n  %s", strings.Join(msgs, "\n  "))
	}
	start, ok := e.graph.StartNode()
	if !ok {
		return nil, fmt.Errorf("pipeline: no start node: need shape=Mdiamond or a node named start")
	}

	st := e.newState(e.logsRoot)
	startID := start.ID

	if e.resume {
		cp, err := LoadCheckpoint(e.logsRoot)
		if err != nil {
			return nil, fmt.Errorf("pipeline: resume: %w", err)
		}
		if cp != nil {
			done, next, err := e.restoreFrom(cp, st)
			if err != nil {
				return nil, err
			}
			if done != nil {
				return done, nil
			}
			startID = next
		}
	}
	if _, err := os.Stat(filepath.Join(st.logsRoot, checkpointFilename)); os.IsNotExist(err) {
		if err := e.writeManifest(st.logsRoot); err != nil {
			return nil, err
		}
	}

	e.beginRun(ctx, st)
	res, err := e.execute(ctx, st, startID)
	e.finishRun(ctx, res, err)
	return res, err
}

// restoreFrom rebuilds run state from a checkpoint. It returns a non-nil
// Result when the checkpoint shows the run already complete, otherwise the
// id of the next node to execute.
func (e *Engine) restoreFrom(cp *Checkpoint, st *runState) (*Result, string, error) {
	node, ok := e.graph.Node(cp.CurrentNode)
	if !ok {
		return nil, "", fmt.Errorf("pipeline: resume: checkpoint node %q not in graph", cp.CurrentNode)
	}
	st.ctx = NewContextWith(cp.ContextValues)
	for _, entry := range cp.Logs {
		st.ctx.AppendLog(entry)
	}
	st.completed = append([]string(nil), cp.CompletedNodes...)
	for id, n := range cp.NodeRetries {
		st.retries[id] = n
	}
	for id, oc := range cp.NodeOutcomes {
		st.outcomes[id] = oc
	}
	st.stageIndex = len(st.completed)

	outcome, ok := cp.NodeOutcomes[cp.CurrentNode]
	if !ok {
		outcome = Outcome{Status: StatusSuccess}
	}
	st.lastOutcome = &outcome

	edge := SelectEdge(e.graph, node.ID, outcome, st.ctx)
	if edge == nil {
		res := e.finalize(st)
		res.Status = StatusSuccess
		return res, "", nil
	}
	e.logger.Info("resuming pipeline run",
		"checkpoint_node", node.ID,
		"next", edge.To,
		"completed", len(st.completed))
	return nil, edge.To, nil
}

type runState struct {
	ctx         *Context
	completed   []string
	outcomes    map[string]Outcome
	retries     map[string]int
	lastOutcome *Outcome
	stageIndex  int
	logsRoot    string
}

func (e *Engine) newState(logsRoot string) *runState {
	return &runState{
		ctx:      NewContextWith(e.seed),
		outcomes: make(map[string]Outcome),
		retries:  make(map[string]int),
		logsRoot: logsRoot,
	}
}

// execute drives the node loop. A loop_restart edge recurses with fresh
// state and a fresh logs directory.
func (e *Engine) execute(ctx context.Context, st *runState, startID string) (*Result, error) {
	currentID := startID
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node, ok := e.graph.Node(currentID)
		if !ok {
			return nil, fmt.Errorf("pipeline: node %q not in graph", currentID)
		}
		st.ctx.Set("current_node", node.ID)

		if node.Terminal() {
			gateID := e.failingGate(st)
			if gateID == "" {
				return e.finalize(st), nil
			}
			gate, _ := e.graph.Node(gateID)
			target := e.retryTargetFor(gate)
			if target == "" {
				return nil, fmt.Errorf("Goal gate unsatisfied for node '%s' and no retry target available", gateID)
			}
			e.logger.Warn("goal gate unsatisfied, jumping to retry target",
				"gate", gateID, "target", target)
			currentID = target
			continue
		}

		e.emit(StageEvent{Kind: EventStageStarted, NodeID: node.ID})
		stageCtx, span := e.tracer.TraceStage(ctx, node.ID, node.Type())
		started := time.Now()
		outcome, attempts := e.executeWithRetry(stageCtx, node, st)
		finished := time.Now()
		e.tracer.SetAttributes(span,
			"stage.status", string(outcome.Status),
			"stage.attempts", attempts,
		)
		span.End()
		e.metrics.RecordStage(node.Type(), string(outcome.Status), finished.Sub(started))

		if node.AutoStatus() {
			statusPath := filepath.Join(st.logsRoot, node.ID, "status.json")
			if _, err := os.Stat(statusPath); os.IsNotExist(err) {
				outcome.Status = StatusSuccess
				outcome.Notes = "auto_status: synthesized"
			}
		}

		if outcome.Status == StatusSkipped {
			e.emit(StageEvent{Kind: EventStageCompleted, NodeID: node.ID, Attempt: attempts, Outcome: &outcome})
			edge := SelectEdge(e.graph, node.ID, outcome, st.ctx)
			if edge == nil {
				return e.finalize(st), nil
			}
			e.emit(StageEvent{Kind: EventEdgeSelected, NodeID: node.ID, Edge: edge})
			next, res, err := e.advance(ctx, st, edge)
			if res != nil || err != nil {
				return res, err
			}
			currentID = next
			continue
		}

		st.completed = append(st.completed, node.ID)
		st.outcomes[node.ID] = outcome
		st.lastOutcome = &outcome
		if outcome.Status.Succeeded() {
			e.emit(StageEvent{Kind: EventStageCompleted, NodeID: node.ID, Attempt: attempts, Outcome: &outcome})
		} else {
			e.emit(StageEvent{Kind: EventStageFailed, NodeID: node.ID, Attempt: attempts, Outcome: &outcome, Message: outcome.FailureReason})
		}

		st.ctx.ApplyUpdates(outcome.ContextUpdates)
		st.ctx.Set("outcome", string(outcome.Status))
		if outcome.PreferredLabel != "" {
			st.ctx.Set("preferred_label", outcome.PreferredLabel)
		}

		if e.cpInterval <= 1 || len(st.completed)%e.cpInterval == 0 {
			e.saveCheckpoint(st, node.ID)
		}
		e.recordStage(ctx, st, node, outcome, attempts, started, finished)

		edge := SelectEdge(e.graph, node.ID, outcome, st.ctx)
		if edge == nil {
			if outcome.Status == StatusFail {
				return nil, fmt.Errorf("Stage '%s' failed with no outgoing fail edge", node.ID)
			}
			return e.finalize(st), nil
		}
		e.emit(StageEvent{Kind: EventEdgeSelected, NodeID: node.ID, Edge: edge})
		next, res, err := e.advance(ctx, st, edge)
		if res != nil || err != nil {
			return res, err
		}
		currentID = next
		st.stageIndex++
	}
}

// advance follows a selected edge. loop_restart edges tear down the current
// state and recurse; the returned Result/error short-circuit the caller.
func (e *Engine) advance(ctx context.Context, st *runState, edge *Edge) (string, *Result, error) {
	if edge.LoopRestart() {
		res, err := e.restart(ctx, edge.To)
		return "", res, err
	}
	if _, ok := e.graph.Node(edge.To); !ok {
		return "", nil, fmt.Errorf("pipeline: edge target %q not in graph", edge.To)
	}
	return edge.To, nil, nil
}

// restart begins a fresh execute loop at startID with empty state and a new
// logs directory derived from the original root.
func (e *Engine) restart(ctx context.Context, startID string) (*Result, error) {
	suffix := fmt.Sprintf("_restart_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
	logsRoot := e.logsRoot + suffix
	st := e.newState(logsRoot)
	if err := e.writeManifest(logsRoot); err != nil {
		return nil, err
	}
	e.emit(StageEvent{Kind: EventRunRestarted, NodeID: startID, Message: logsRoot})
	e.logger.Info("pipeline loop restart", "start", startID, "logs_root", logsRoot)
	return e.execute(ctx, st, startID)
}

// executeWithRetry runs the node's handler under the retry policy and
// reports the final outcome plus the number of attempts consumed.
func (e *Engine) executeWithRetry(ctx context.Context, node *Node, st *runState) (Outcome, int) {
	maxRetries := node.MaxRetries()
	if maxRetries <= 0 {
		maxRetries = e.graph.DefaultMaxRetry()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	maxAttempts := maxRetries + 1

	handler, ok := e.handlers[node.Type()]
	if !ok {
		return Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("no handler registered for node type %q", node.Type()),
		}, 1
	}

	for attempt := 1; ; attempt++ {
		outcome, err := e.runHandler(ctx, handler, node, st)
		if err != nil {
			if e.shouldRetry(err) && attempt < maxAttempts {
				if serr := e.retrySleep(ctx, node, st, attempt, err.Error()); serr != nil {
					return Outcome{Status: StatusFail, FailureReason: serr.Error()}, attempt
				}
				continue
			}
			return Outcome{Status: StatusFail, FailureReason: err.Error()}, attempt
		}
		switch outcome.Status {
		case StatusSuccess, StatusPartialSuccess:
			st.retries[node.ID] = 0
			return outcome, attempt
		case StatusRetry:
			if attempt < maxAttempts {
				reason := outcome.FailureReason
				if reason == "" {
					reason = "handler requested retry"
				}
				if serr := e.retrySleep(ctx, node, st, attempt, reason); serr != nil {
					return Outcome{Status: StatusFail, FailureReason: serr.Error()}, attempt
				}
				continue
			}
			if node.AllowPartial() {
				return Outcome{Status: StatusPartialSuccess, Notes: "retries exhausted, partial accepted"}, attempt
			}
			return Outcome{Status: StatusFail, FailureReason: "max retries exceeded"}, attempt
		default:
			return outcome, attempt
		}
	}
}

// runHandler invokes the handler with the node's timeout applied and turns
// panics into errors so the retry policy can classify them.
func (e *Engine) runHandler(ctx context.Context, h Handler, node *Node, st *runState) (outcome Outcome, err error) {
	if secs := node.TimeoutSeconds(); secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, node, st.ctx, e.graph, st.logsRoot)
}

// retrySleep increments the node's retry counter, records it into context,
// sleeps per the backoff policy and emits stage-retrying.
func (e *Engine) retrySleep(ctx context.Context, node *Node, st *runState, attempt int, reason string) error {
	st.retries[node.ID]++
	st.ctx.Set("internal.retry_count."+node.ID, st.retries[node.ID])
	if err := backoff.SleepWithBackoff(ctx, e.policy, attempt); err != nil {
		return err
	}
	e.emit(StageEvent{Kind: EventStageRetrying, NodeID: node.ID, Attempt: attempt, Message: reason})
	e.logger.Debug("stage retrying", "node", node.ID, "attempt", attempt, "reason", reason)
	return nil
}

// failingGate returns the first completed goal-gate node, in recorded order,
// whose latest outcome is neither SUCCESS nor PARTIAL_SUCCESS.
func (e *Engine) failingGate(st *runState) string {
	seen := make(map[string]bool, len(st.completed))
	for _, id := range st.completed {
		if seen[id] {
			continue
		}
		seen[id] = true
		node, ok := e.graph.Node(id)
		if !ok || !node.GoalGate() {
			continue
		}
		if oc, ok := st.outcomes[id]; ok && !oc.Status.Succeeded() {
			return id
		}
	}
	return ""
}

// retryTargetFor resolves the retry target chain for a failing gate: node
// retry_target, node fallback_retry_target, then the graph-level pair. The
// first entry naming a real node wins.
func (e *Engine) retryTargetFor(gate *Node) string {
	var candidates []string
	if gate != nil {
		candidates = append(candidates, gate.RetryTarget(), gate.FallbackRetryTarget())
	}
	candidates = append(candidates, e.graph.RetryTarget(), e.graph.FallbackRetryTarget())
	for _, id := range candidates {
		if id == "" {
			continue
		}
		if _, ok := e.graph.Node(id); ok {
			return id
		}
	}
	return ""
}

func (e *Engine) finalize(st *runState) *Result {
	status := StatusSuccess
	if st.lastOutcome != nil && st.lastOutcome.Status == StatusFail {
		status = StatusFail
	}
	outcomes := make(map[string]Outcome, len(st.outcomes))
	for id, oc := range st.outcomes {
		outcomes[id] = oc
	}
	return &Result{
		Status:         status,
		CompletedNodes: append([]string(nil), st.completed...),
		NodeOutcomes:   outcomes,
		FinalContext:   st.ctx.Snapshot(),
		LogsRoot:       st.logsRoot,
	}
}

func (e *Engine) saveCheckpoint(st *runState, currentNode string) {
	retries := make(map[string]int, len(st.retries))
	for id, n := range st.retries {
		retries[id] = n
	}
	outcomes := make(map[string]Outcome, len(st.outcomes))
	for id, oc := range st.outcomes {
		outcomes[id] = oc
	}
	cp := &Checkpoint{
		Timestamp:      time.Now(),
		CurrentNode:    currentNode,
		CompletedNodes: append([]string(nil), st.completed...),
		NodeRetries:    retries,
		NodeOutcomes:   outcomes,
		ContextValues:  st.ctx.Snapshot(),
		Logs:           st.ctx.Logs(),
	}
	err := SaveCheckpoint(st.logsRoot, cp)
	e.metrics.RecordCheckpoint(err)
	if err != nil {
		e.logger.Warn("checkpoint save failed", "node", currentNode, "error", err)
		return
	}
	e.emit(StageEvent{Kind: EventCheckpointSaved, NodeID: currentNode})
}

func (e *Engine) writeManifest(logsRoot string) error {
	m := &Manifest{
		Name:      e.graph.Name,
		Goal:      e.graph.Goal(),
		Label:     e.graph.Label(),
		StartTime: time.Now(),
		NodeCount: len(e.graph.Nodes()),
		EdgeCount: len(e.graph.Edges()),
	}
	if err := WriteManifest(logsRoot, m); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

func (e *Engine) beginRun(ctx context.Context, st *runState) {
	if e.recorder == nil {
		return
	}
	err := e.recorder.BeginRun(ctx, RunInfo{
		ID:        e.runID,
		Name:      e.graph.Name,
		Goal:      e.graph.Goal(),
		Label:     e.graph.Label(),
		LogsRoot:  st.logsRoot,
		StartedAt: time.Now(),
	})
	if err != nil {
		e.logger.Warn("run recorder begin failed", "error", err)
	}
}

func (e *Engine) recordStage(ctx context.Context, st *runState, node *Node, outcome Outcome, attempts int, started, finished time.Time) {
	if e.recorder == nil {
		return
	}
	err := e.recorder.RecordStage(ctx, StageRecord{
		RunID:         e.runID,
		NodeID:        node.ID,
		NodeType:      node.Type(),
		StageIndex:    st.stageIndex,
		Attempts:      attempts,
		Status:        outcome.Status,
		FailureReason: outcome.FailureReason,
		Notes:         outcome.Notes,
		StartedAt:     started,
		FinishedAt:    finished,
	})
	if err != nil {
		e.logger.Warn("run recorder stage failed", "node", node.ID, "error", err)
	}
}

func (e *Engine) finishRun(ctx context.Context, res *Result, runErr error) {
	if e.recorder == nil {
		return
	}
	status := StatusFail
	if runErr == nil && res != nil {
		status = res.Status
	}
	if err := e.recorder.FinishRun(ctx, e.runID, status, time.Now()); err != nil {
		e.logger.Warn("run recorder finish failed", "error", err)
	}
}

// passThroughHandler completes immediately; start and conditional nodes do
// their work through edge selection, not handler logic.
func passThroughHandler() Handler {
	return HandlerFunc(func(ctx context.Context, node *Node, pctx *Context, graph *Graph, logsRoot string) (Outcome, error) {
		return Outcome{Status: StatusSuccess}, nil
	})
}

// DefaultShouldRetry classifies handler errors by message. Transient
// signatures win over permanent ones; unrecognised errors are retried.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return true
	case strings.Contains(msg, "network"), strings.Contains(msg, "econnrefused"):
		return true
	case strings.Contains(msg, "5") && strings.Contains(msg, "server error"):
		return true
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return false
	case strings.Contains(msg, "400"), strings.Contains(msg, "validation"):
		return false
	}
	return true
}
