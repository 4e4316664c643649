package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/drover/internal/llm"
	"github.com/haasonsaas/drover/internal/observability"
	"github.com/haasonsaas/drover/internal/workspace"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateClosed     State = "closed"
)

var (
	// ErrSessionClosed is returned by Submit on a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrSessionBusy is returned by Submit while another submit is
	// outstanding.
	ErrSessionBusy = errors.New("session is already processing")
)

// SessionConfig controls loop limits and behavior. The zero value is not
// usable directly; construct via DefaultSessionConfig or let NewSession
// fill the gaps.
type SessionConfig struct {
	// MaxTurns bounds the total number of user and assistant turns.
	// Zero means unlimited.
	MaxTurns int `yaml:"max_turns" json:"max_turns"`

	// MaxToolRoundsPerInput bounds tool rounds within one submit.
	MaxToolRoundsPerInput int `yaml:"max_tool_rounds_per_input" json:"max_tool_rounds_per_input"`

	// ReasoningEffort is forwarded on every request. Empty disables it.
	ReasoningEffort llm.ReasoningEffort `yaml:"reasoning_effort" json:"reasoning_effort,omitempty"`

	// ToolOutputLimits caps model-facing tool output characters per tool
	// name; the "default" key applies to unlisted tools.
	ToolOutputLimits map[string]int `yaml:"tool_output_limits" json:"tool_output_limits,omitempty"`

	// ToolLineLimits caps model-facing tool output lines per tool name.
	ToolLineLimits map[string]int `yaml:"tool_line_limits" json:"tool_line_limits,omitempty"`

	EnableLoopDetection bool `yaml:"enable_loop_detection" json:"enable_loop_detection"`
	LoopDetectionWindow int  `yaml:"loop_detection_window" json:"loop_detection_window"`

	// MaxSubagentDepth bounds subagent nesting. Zero disables spawning.
	MaxSubagentDepth int `yaml:"max_subagent_depth" json:"max_subagent_depth"`

	// UserInstructions are appended to the system prompt.
	UserInstructions string `yaml:"user_instructions" json:"user_instructions,omitempty"`

	// Retry wraps every model call.
	Retry llm.RetryPolicy `yaml:"retry" json:"retry"`

	// subagentDepth is the nesting depth of this session; set internally
	// when a supervisor spawns a child.
	subagentDepth int
}

// DefaultSessionConfig returns the baseline session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxTurns:              0,
		MaxToolRoundsPerInput: 200,
		EnableLoopDetection:   true,
		LoopDetectionWindow:   10,
		MaxSubagentDepth:      1,
		Retry:                 llm.DefaultRetryPolicy(),
	}
}

func sanitizeSessionConfig(cfg SessionConfig) SessionConfig {
	def := DefaultSessionConfig()
	if cfg.MaxTurns < 0 {
		cfg.MaxTurns = 0
	}
	if cfg.MaxToolRoundsPerInput <= 0 {
		cfg.MaxToolRoundsPerInput = def.MaxToolRoundsPerInput
	}
	if cfg.LoopDetectionWindow <= 0 {
		cfg.LoopDetectionWindow = def.LoopDetectionWindow
	}
	if cfg.MaxSubagentDepth < 0 {
		cfg.MaxSubagentDepth = 0
	}
	if cfg.Retry == (llm.RetryPolicy{}) {
		cfg.Retry = def.Retry
	}
	return cfg
}

// SessionOptions carries the collaborators a session needs beyond its
// profile and environment.
type SessionOptions struct {
	// Config overrides DefaultSessionConfig when non-nil.
	Config *SessionConfig

	// Client issues model requests. Required for Submit to make progress.
	Client *llm.Client

	// Logger receives loop diagnostics; defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records request, tool, and session counters. Nil disables.
	Metrics *observability.Metrics

	// Subscriber, when set, is registered before the session-start event
	// fires so it observes the full event stream.
	Subscriber Subscriber
}

// Session drives the agentic loop for one conversation: it owns the turn
// history, the steering and follow-up queues, subagent supervision, and the
// event stream.
type Session struct {
	id         string
	profile    *Profile
	env        *workspace.Workspace
	client     *llm.Client
	emitter    *Emitter
	logger     *slog.Logger
	baseLogger *slog.Logger
	metrics    *observability.Metrics
	subagents  *Supervisor

	mu            sync.Mutex
	config        SessionConfig
	state         State
	history       []Turn
	steeringQueue []string
	followupQueue []string
	abortSignaled bool
	closed        bool
}

// NewSession constructs a session, registers subagent tools when depth
// allows, and emits the session-start event exactly once.
func NewSession(profile *Profile, env *workspace.Workspace, opts SessionOptions) *Session {
	cfg := DefaultSessionConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	cfg = sanitizeSessionConfig(cfg)

	baseLogger := opts.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	id := uuid.NewString()
	s := &Session{
		id:         id,
		profile:    profile,
		env:        env,
		client:     opts.Client,
		emitter:    NewEmitter(id),
		logger:     baseLogger.With("component", "session", "session_id", id),
		baseLogger: baseLogger,
		metrics:    opts.Metrics,
		subagents:  newSupervisor(cfg.MaxSubagentDepth, cfg.subagentDepth),
		config:     cfg,
		state:      StateIdle,
		history:    make([]Turn, 0),
	}

	if opts.Subscriber != nil {
		s.emitter.Subscribe(opts.Subscriber)
	}
	if s.subagents.canSpawn() && profile.Registry != nil {
		registerSubagentTools(profile.Registry, s)
	}

	s.metrics.SessionStarted()
	s.emitter.Emit(EventSessionStart, map[string]any{"session_id": id})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]Turn, len(s.history))
	copy(h, s.history)
	return h
}

// Subscribe registers a subscriber for subsequent events.
func (s *Session) Subscribe(fn Subscriber) {
	s.emitter.Subscribe(fn)
}

// Steer queues a message for injection after the current tool round.
// Non-blocking.
func (s *Session) Steer(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steeringQueue = append(s.steeringQueue, message)
}

// FollowUp queues an input to be processed after the current submit
// completes. Non-blocking.
func (s *Session) FollowUp(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followupQueue = append(s.followupQueue, message)
}

// SetReasoningEffort changes the effort for subsequent model calls. Empty
// clears it.
func (s *Session) SetReasoningEffort(effort llm.ReasoningEffort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.ReasoningEffort = effort
}

// Abort signals the loop to stop at the next check. In-flight tool results
// are dropped rather than recorded.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortSignaled = true
}

// Close terminates the session. Idempotent: the session-end event fires
// exactly once, and subsequent submits fail with ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.abortSignaled = true
	s.mu.Unlock()

	s.subagents.closeAll()
	s.metrics.SessionEnded()
	s.emitter.Emit(EventSessionEnd, map[string]any{"state": string(StateClosed)})
}

// TotalUsage sums token usage across all assistant turns.
func (s *Session) TotalUsage() llm.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total llm.Usage
	for _, t := range s.history {
		if t.Kind == TurnAssistant {
			total = total.Add(t.Usage)
		}
	}
	return total
}

// Submit drives the loop for one user input until natural completion, a
// limit, or failure. Exactly one submit may be outstanding; a concurrent
// call fails with ErrSessionBusy and a closed session with
// ErrSessionClosed. Model errors do not propagate: the session emits an
// error event, transitions to closed, and Submit returns nil.
func (s *Session) Submit(ctx context.Context, userInput string) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateProcessing:
		s.mu.Unlock()
		return ErrSessionBusy
	}
	if s.client == nil {
		s.mu.Unlock()
		return llm.ConfigurationError("session %s has no llm client", s.id)
	}
	s.state = StateProcessing
	s.abortSignaled = false
	s.mu.Unlock()

	s.logger.Debug("submit", "input_chars", len(userInput))
	return s.processInput(ctx, userInput)
}

// processInput is the core loop for one input, recursing for queued
// follow-ups while the session stays in the processing state.
func (s *Session) processInput(ctx context.Context, userInput string) error {
	s.appendTurn(NewUserTurn(userInput))
	s.emitter.Emit(EventUserInput, map[string]any{"content": userInput})
	s.drainSteering()

	projectDocs := DiscoverProjectDocs(s.env.WorkingDirectory(), s.profile.Provider)

	roundCount := 0
	for {
		s.mu.Lock()
		maxRounds := s.config.MaxToolRoundsPerInput
		maxTurns := s.config.MaxTurns
		aborted := s.abortSignaled
		s.mu.Unlock()

		if aborted {
			break
		}
		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			s.emitter.Emit(EventError, map[string]any{"error": ctx.Err().Error()})
			return ctx.Err()
		default:
		}
		if roundCount >= maxRounds {
			s.logger.Info("tool round limit reached", "rounds", roundCount)
			s.emitter.Emit(EventTurnLimit, map[string]any{"reason": "max_tool_rounds", "rounds": roundCount})
			break
		}
		if turns := s.countTurns(); maxTurns > 0 && turns >= maxTurns {
			s.logger.Info("turn limit reached", "turns", turns)
			s.emitter.Emit(EventTurnLimit, map[string]any{"reason": "max_turns", "turns": turns})
			break
		}

		req := s.buildRequest(projectDocs)
		s.emitter.Emit(EventLLMCallStart, map[string]any{"round": roundCount, "model": req.Model})

		start := time.Now()
		resp, err := s.client.CompleteWithRetry(ctx, req, s.retryPolicy())
		if err != nil {
			// Retries are exhausted inside the client; the failure is
			// captured here so callers observe it via state and events.
			s.metrics.RecordLLMRequest(s.profile.Provider, req.Model, time.Since(start), 0, 0, err)
			s.metrics.RecordError("session", "llm_failed")
			s.logger.Error("llm call failed", "error", err)
			s.setState(StateClosed)
			s.emitter.Emit(EventError, map[string]any{"error": err.Error()})
			return nil
		}
		s.metrics.RecordLLMRequest(s.profile.Provider, req.Model, time.Since(start),
			resp.Usage.InputTokens, resp.Usage.OutputTokens, nil)
		s.emitter.Emit(EventLLMCallEnd, map[string]any{
			"response_id": resp.ID,
			"usage":       resp.Usage,
		})

		toolCalls := resp.ToolCalls()
		s.appendTurn(NewAssistantTurn(resp.Text(), toolCalls, resp.Reasoning(), resp.Usage, resp.ID))
		s.emitter.Emit(EventAssistantTextEnd, map[string]any{
			"text":      resp.Text(),
			"reasoning": resp.Reasoning(),
		})

		if len(toolCalls) == 0 {
			s.emitter.Emit(EventTurnComplete, map[string]any{"reason": "natural"})
			break
		}

		roundCount++
		results := s.executeToolCalls(ctx, toolCalls)

		s.mu.Lock()
		aborted = s.abortSignaled
		s.mu.Unlock()
		if aborted {
			// Results of an aborted round are dropped; the history ends
			// on the assistant turn that requested them.
			break
		}

		s.appendTurn(NewToolResultsTurn(results))
		s.drainSteering()

		s.mu.Lock()
		loopEnabled := s.config.EnableLoopDetection
		loopWindow := s.config.LoopDetectionWindow
		s.mu.Unlock()
		if loopEnabled && DetectLoop(s.History(), loopWindow) {
			warning := fmt.Sprintf(
				"Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.",
				loopWindow,
			)
			s.logger.Warn("loop detected", "window", loopWindow)
			s.appendTurn(NewSteeringTurn(warning))
			s.emitter.Emit(EventLoopDetection, map[string]any{"message": warning})
		}

		s.checkContextUsage()
	}

	s.mu.Lock()
	if len(s.followupQueue) > 0 {
		next := s.followupQueue[0]
		s.followupQueue = s.followupQueue[1:]
		s.mu.Unlock()
		return s.processInput(ctx, next)
	}
	if s.state == StateProcessing {
		s.state = StateIdle
	}
	s.mu.Unlock()
	return nil
}

// buildRequest assembles the provider request from the profile, the
// converted history, and the current configuration.
func (s *Session) buildRequest(projectDocs string) *llm.Request {
	systemPrompt := s.profile.BuildSystemPrompt(s.env, projectDocs)

	s.mu.Lock()
	if s.config.UserInstructions != "" {
		systemPrompt += "\n\n# User instructions\n\n" + s.config.UserInstructions
	}
	effort := s.config.ReasoningEffort
	s.mu.Unlock()

	messages := append(
		[]llm.Message{llm.SystemMessage(systemPrompt)},
		ConvertHistoryToMessages(s.History())...,
	)

	req := &llm.Request{
		Provider:        s.profile.Provider,
		Model:           s.profile.Model,
		Messages:        messages,
		Tools:           s.profile.Registry.LLMTools(),
		ToolChoice:      llm.ToolChoiceAuto,
		ReasoningEffort: effort,
	}
	if len(s.profile.ProviderOptions) > 0 {
		req.ProviderOptions = map[string]map[string]any{
			s.profile.Provider: s.profile.ProviderOptions,
		}
	}
	return req
}

func (s *Session) retryPolicy() llm.RetryPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Retry
}

// configCopy returns the current configuration with its maps cloned, so a
// derived child config cannot alias the parent's.
func (s *Session) configCopy() SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.config
	if s.config.ToolOutputLimits != nil {
		cfg.ToolOutputLimits = make(map[string]int, len(s.config.ToolOutputLimits))
		for k, v := range s.config.ToolOutputLimits {
			cfg.ToolOutputLimits[k] = v
		}
	}
	if s.config.ToolLineLimits != nil {
		cfg.ToolLineLimits = make(map[string]int, len(s.config.ToolLineLimits))
		for k, v := range s.config.ToolLineLimits {
			cfg.ToolLineLimits[k] = v
		}
	}
	return cfg
}

// drainSteering converts every queued steering message into a steering
// turn, emitting one injection event per message.
func (s *Session) drainSteering() {
	s.mu.Lock()
	messages := s.steeringQueue
	s.steeringQueue = nil
	s.mu.Unlock()

	for _, msg := range messages {
		s.appendTurn(NewSteeringTurn(msg))
		s.emitter.Emit(EventSteeringInjected, map[string]any{"content": msg})
	}
}

// executeToolCalls runs a round of tool calls, concurrently when the
// profile allows it. Results are always in input order.
func (s *Session) executeToolCalls(ctx context.Context, toolCalls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(toolCalls))
	if s.profile.SupportsParallelTools && len(toolCalls) > 1 {
		var wg sync.WaitGroup
		for i, tc := range toolCalls {
			wg.Add(1)
			go func(idx int, call llm.ToolCall) {
				defer wg.Done()
				results[idx] = s.executeSingleTool(ctx, call)
			}(i, tc)
		}
		wg.Wait()
		return results
	}
	for i, tc := range toolCalls {
		results[i] = s.executeSingleTool(ctx, tc)
	}
	return results
}

// executeSingleTool dispatches one call through the registry, truncates
// the model-facing payload, and emits the untruncated output on the event
// stream.
func (s *Session) executeSingleTool(ctx context.Context, tc llm.ToolCall) llm.ToolResult {
	s.emitter.Emit(EventToolCallStart, map[string]any{
		"call_id":   tc.ID,
		"tool_name": tc.Name,
	})

	start := time.Now()
	var res toolDispatch
	args, err := tc.Args()
	if err != nil {
		res = toolDispatch{output: fmt.Sprintf("invalid tool arguments: %v", err), isError: true}
	} else {
		dispatched := s.profile.Registry.Dispatch(ctx, tc.Name, args)
		res = toolDispatch{output: dispatched.Output, isError: dispatched.IsError}
	}
	s.metrics.RecordToolExecution(tc.Name, time.Since(start), res.isError)

	if res.isError {
		s.emitter.Emit(EventToolCallEnd, map[string]any{
			"call_id":   tc.ID,
			"tool_name": tc.Name,
			"error":     res.output,
		})
		return llm.ToolResult{ToolCallID: tc.ID, Content: res.output, IsError: true}
	}

	s.mu.Lock()
	charLimits := s.config.ToolOutputLimits
	lineLimits := s.config.ToolLineLimits
	s.mu.Unlock()
	truncated := TruncateToolOutput(res.output, tc.Name, charLimits, lineLimits)

	s.emitter.Emit(EventToolCallEnd, map[string]any{
		"call_id":   tc.ID,
		"tool_name": tc.Name,
		"output":    res.output,
	})
	return llm.ToolResult{ToolCallID: tc.ID, Content: truncated}
}

type toolDispatch struct {
	output  string
	isError bool
}

// countTurns counts user and assistant turns only; steering, system, and
// tool_results turns are free.
func (s *Session) countTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, turn := range s.history {
		if turn.Kind == TurnUser || turn.Kind == TurnAssistant {
			count++
		}
	}
	return count
}

// checkContextUsage estimates prompt footprint at four characters per
// token and warns when it crosses 80% of the profile's context window.
func (s *Session) checkContextUsage() {
	window := s.profile.ContextWindowSize()
	if window <= 0 {
		return
	}

	totalChars := 0
	for _, turn := range s.History() {
		totalChars += len(turn.TextContent())
		if turn.Kind == TurnToolResults {
			for _, r := range turn.Results {
				totalChars += len(r.Content)
			}
		}
	}

	approxTokens := totalChars / 4
	if approxTokens > int(float64(window)*0.8) {
		pct := int(float64(approxTokens) / float64(window) * 100)
		msg := fmt.Sprintf("Context usage at ~%d%% of context window", pct)
		s.logger.Warn("context usage high", "approx_tokens", approxTokens, "window", window)
		s.emitter.Emit(EventWarning, map[string]any{"message": msg})
	}
}

func (s *Session) appendTurn(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turn)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// assistantText concatenates the text of all assistant turns; subagent
// supervisors report this as the child's result.
func (s *Session) assistantText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parts []string
	for _, t := range s.history {
		if t.Kind == TurnAssistant && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
