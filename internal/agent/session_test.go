package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/drover/internal/llm"
	"github.com/haasonsaas/drover/internal/tools"
	"github.com/haasonsaas/drover/internal/workspace"
)

type scriptStep struct {
	resp *llm.Response
	err  error
}

// scriptedProvider replays a fixed sequence of responses, recording every
// request it receives. Steps past the end of the script return a plain text
// response so tests never hang on an exhausted script.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	calls []*llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.calls)
	p.calls = append(p.calls, req)
	if idx < len(p.steps) {
		step := p.steps[idx]
		if step.err != nil {
			return nil, step.err
		}
		return step.resp, nil
	}
	return textResponse("done"), nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	return nil, llm.NewError(llm.ErrKindStream, "scripted provider does not stream")
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) call(i int) *llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		ID:           "resp-text",
		Model:        "fake-model",
		Message:      llm.AssistantMessage(text),
		FinishReason: llm.FinishReason{Reason: llm.FinishStop},
		Usage:        llm.NewUsage(10, 5),
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{
		ID:           "resp-tool",
		Model:        "fake-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		FinishReason: llm.FinishReason{Reason: llm.FinishToolCalls},
		Usage:        llm.NewUsage(10, 5),
	}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// eventRecorder captures the session event stream for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) first(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return Event{}, false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() llm.RetryPolicy {
	return llm.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

type testSession struct {
	session  *Session
	provider *scriptedProvider
	recorder *eventRecorder
	env      *workspace.Workspace
}

func newTestSession(t *testing.T, steps []scriptStep, cfg *SessionConfig) *testSession {
	t.Helper()

	provider := &scriptedProvider{steps: steps}
	client := llm.NewClient(llm.ClientOptions{Logger: quietLogger()})
	client.RegisterProvider(provider)

	env := workspace.New(workspace.Config{WorkingDir: t.TempDir()})
	if err := env.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	profile := NewProfile("scripted", "fake-model")
	RegisterWorkspaceTools(profile.Registry, env)

	if cfg == nil {
		c := DefaultSessionConfig()
		c.Retry = fastRetry()
		cfg = &c
	}

	recorder := &eventRecorder{}
	session := NewSession(profile, env, SessionOptions{
		Config:     cfg,
		Client:     client,
		Logger:     quietLogger(),
		Subscriber: recorder.record,
	})
	t.Cleanup(session.Close)

	return &testSession{session: session, provider: provider, recorder: recorder, env: env}
}

func turnKinds(history []Turn) []TurnKind {
	out := make([]TurnKind, len(history))
	for i, turn := range history {
		out[i] = turn.Kind
	}
	return out
}

func assertKindSequence(t *testing.T, got []TurnKind, want []TurnKind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("history kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history kinds = %v, want %v", got, want)
		}
	}
}

func TestSubmitNaturalCompletion(t *testing.T) {
	ts := newTestSession(t, []scriptStep{{resp: textResponse("hello there")}}, nil)

	if err := ts.session.Submit(context.Background(), "say hello"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	if state := ts.session.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
	history := ts.session.History()
	assertKindSequence(t, turnKinds(history), []TurnKind{TurnUser, TurnAssistant})
	if history[1].Text != "hello there" {
		t.Errorf("assistant text = %q, want %q", history[1].Text, "hello there")
	}

	wantOrder := []EventKind{
		EventSessionStart, EventUserInput, EventLLMCallStart,
		EventLLMCallEnd, EventAssistantTextEnd, EventTurnComplete,
	}
	kinds := ts.recorder.kinds()
	if len(kinds) != len(wantOrder) {
		t.Fatalf("event kinds = %v, want %v", kinds, wantOrder)
	}
	for i := range wantOrder {
		if kinds[i] != wantOrder[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, wantOrder)
		}
	}
	if e, ok := ts.recorder.first(EventTurnComplete); !ok || e.Data["reason"] != "natural" {
		t.Errorf("turn_complete data = %v, want reason natural", e.Data)
	}
}

func TestSubmitToolRound(t *testing.T) {
	ts := newTestSession(t, nil, nil)
	if err := ts.env.WriteFile("notes.txt", "alpha\nbeta\n"); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	ts.provider.steps = []scriptStep{
		{resp: toolResponse(call("t1", "read_file", `{"file_path": "notes.txt"}`))},
		{resp: textResponse("the file says alpha")},
	}

	if err := ts.session.Submit(context.Background(), "read notes.txt"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	history := ts.session.History()
	assertKindSequence(t, turnKinds(history), []TurnKind{
		TurnUser, TurnAssistant, TurnToolResults, TurnAssistant,
	})
	results := history[2].Results
	if len(results) != 1 || results[0].ToolCallID != "t1" {
		t.Fatalf("tool results = %+v, want one result for t1", results)
	}
	if results[0].IsError || !strings.Contains(results[0].Content, "alpha") {
		t.Errorf("tool result = %+v, want file content", results[0])
	}

	// The second request must replay the tool exchange.
	if n := ts.provider.callCount(); n != 2 {
		t.Fatalf("llm calls = %d, want 2", n)
	}
	second := ts.provider.call(1)
	var toolMsg *llm.Message
	for i := range second.Messages {
		if second.Messages[i].Role == llm.RoleTool {
			toolMsg = &second.Messages[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolCallID != "t1" {
		t.Fatalf("second request has no tool message for t1: %+v", second.Messages)
	}
}

func TestSubmitUnknownTool(t *testing.T) {
	ts := newTestSession(t, []scriptStep{
		{resp: toolResponse(call("t1", "launch_rocket", `{}`))},
		{resp: textResponse("sorry about that")},
	}, nil)

	if err := ts.session.Submit(context.Background(), "go"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	history := ts.session.History()
	if len(history) < 3 || history[2].Kind != TurnToolResults {
		t.Fatalf("history kinds = %v, want tool_results at index 2", turnKinds(history))
	}
	result := history[2].Results[0]
	if !result.IsError {
		t.Error("unknown tool result should be an error")
	}
	if result.Content != "Unknown tool: launch_rocket" {
		t.Errorf("result content = %q, want %q", result.Content, "Unknown tool: launch_rocket")
	}
	// The loop keeps going after a tool error.
	if history[len(history)-1].Kind != TurnAssistant {
		t.Errorf("loop should continue to a final assistant turn, got %v", turnKinds(history))
	}
}

func TestSubmitLoopDetection(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.Retry = fastRetry()
	cfg.LoopDetectionWindow = 6
	ts := newTestSession(t, nil, &cfg)
	if err := ts.env.WriteFile("a.txt", "same"); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	steps := make([]scriptStep, 0, 7)
	for i := 0; i < 6; i++ {
		steps = append(steps, scriptStep{resp: toolResponse(call("t1", "read_file", `{"file_path": "a.txt"}`))})
	}
	steps = append(steps, scriptStep{resp: textResponse("breaking the pattern")})
	ts.provider.steps = steps

	if err := ts.session.Submit(context.Background(), "read a.txt until done"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	if n := ts.recorder.count(EventLoopDetection); n == 0 {
		t.Fatal("expected at least one loop_detection event")
	}
	want := "Loop detected: the last 6 tool calls follow a repeating pattern. Try a different approach."
	found := false
	for _, turn := range ts.session.History() {
		if turn.Kind == TurnSteering && turn.Text == want {
			found = true
		}
	}
	if !found {
		t.Errorf("no steering turn with loop warning %q", want)
	}
}

func TestSubmitBusyAndClosed(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := &blockingProvider{release: release, started: started}

	client := llm.NewClient(llm.ClientOptions{Logger: quietLogger()})
	client.RegisterProvider(blocking)

	env := workspace.New(workspace.Config{WorkingDir: t.TempDir()})
	if err := env.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	cfg := DefaultSessionConfig()
	cfg.Retry = fastRetry()
	session := NewSession(NewProfile("blocking", "fake-model"), env, SessionOptions{
		Config: &cfg,
		Client: client,
		Logger: quietLogger(),
	})
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Submit(context.Background(), "first") }()
	<-started

	if err := session.Submit(context.Background(), "second"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("concurrent Submit() error = %v, want ErrSessionBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Submit() error: %v", err)
	}

	session.Close()
	if err := session.Submit(context.Background(), "third"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrSessionClosed", err)
	}
}

type blockingProvider struct {
	release <-chan struct{}
	started chan<- struct{}
	once    sync.Once
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.once.Do(func() { close(p.started) })
	select {
	case <-p.release:
		return textResponse("released"), nil
	case <-ctx.Done():
		return nil, llm.AbortError(ctx.Err())
	}
}

func (p *blockingProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	return nil, llm.NewError(llm.ErrKindStream, "blocking provider does not stream")
}

func TestCloseEmitsSessionEndOnce(t *testing.T) {
	ts := newTestSession(t, nil, nil)
	ts.session.Close()
	ts.session.Close()
	if n := ts.recorder.count(EventSessionEnd); n != 1 {
		t.Errorf("session_end events = %d, want 1", n)
	}
	if n := ts.recorder.count(EventSessionStart); n != 1 {
		t.Errorf("session_start events = %d, want 1", n)
	}
}

func TestSubmitMaxTurns(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.Retry = fastRetry()
	cfg.MaxTurns = 2
	ts := newTestSession(t, nil, &cfg)
	if err := ts.env.WriteFile("a.txt", "x"); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	ts.provider.steps = []scriptStep{
		{resp: toolResponse(call("t1", "read_file", `{"file_path": "a.txt"}`))},
		{resp: textResponse("never reached")},
	}

	if err := ts.session.Submit(context.Background(), "go"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	e, ok := ts.recorder.first(EventTurnLimit)
	if !ok {
		t.Fatal("expected a turn_limit event")
	}
	if e.Data["reason"] != "max_turns" {
		t.Errorf("turn_limit reason = %v, want max_turns", e.Data["reason"])
	}
	if n := ts.provider.callCount(); n != 1 {
		t.Errorf("llm calls = %d, want 1 (limit hit before second call)", n)
	}
	if state := ts.session.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
}

func TestSubmitMaxToolRounds(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.Retry = fastRetry()
	cfg.MaxToolRoundsPerInput = 2
	cfg.EnableLoopDetection = false
	ts := newTestSession(t, nil, &cfg)
	if err := ts.env.WriteFile("a.txt", "x"); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	readCall := call("t1", "read_file", `{"file_path": "a.txt"}`)
	ts.provider.steps = []scriptStep{
		{resp: toolResponse(readCall)},
		{resp: toolResponse(readCall)},
		{resp: toolResponse(readCall)},
	}

	if err := ts.session.Submit(context.Background(), "go"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	e, ok := ts.recorder.first(EventTurnLimit)
	if !ok {
		t.Fatal("expected a turn_limit event")
	}
	if e.Data["reason"] != "max_tool_rounds" {
		t.Errorf("turn_limit reason = %v, want max_tool_rounds", e.Data["reason"])
	}
	if n := ts.provider.callCount(); n != 2 {
		t.Errorf("llm calls = %d, want 2", n)
	}
}

func TestSteeringBeforeSubmit(t *testing.T) {
	ts := newTestSession(t, []scriptStep{{resp: textResponse("ok")}}, nil)

	ts.session.Steer("remember to be brief")
	if err := ts.session.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	history := ts.session.History()
	assertKindSequence(t, turnKinds(history), []TurnKind{TurnUser, TurnSteering, TurnAssistant})
	if history[1].Text != "remember to be brief" {
		t.Errorf("steering text = %q", history[1].Text)
	}

	// A steering turn reaches the model as a user-role message.
	req := ts.provider.call(0)
	foundSteering := false
	for _, m := range req.Messages {
		if m.Role == llm.RoleUser && m.Content == "remember to be brief" {
			foundSteering = true
		}
	}
	if !foundSteering {
		t.Error("steering message missing from request")
	}

	kinds := ts.recorder.kinds()
	userIdx, steerIdx, llmIdx := -1, -1, -1
	for i, k := range kinds {
		switch k {
		case EventUserInput:
			userIdx = i
		case EventSteeringInjected:
			steerIdx = i
		case EventLLMCallStart:
			if llmIdx == -1 {
				llmIdx = i
			}
		}
	}
	if !(userIdx < steerIdx && steerIdx < llmIdx) {
		t.Errorf("event order user=%d steer=%d llm=%d, want user < steer < llm", userIdx, steerIdx, llmIdx)
	}
}

func TestSteeringDrainedAfterToolRound(t *testing.T) {
	ts := newTestSession(t, nil, nil)

	ts.session.profile.Registry.Register(tools.Definition{
		Name:        "nudge",
		Description: "test tool that queues steering mid-round",
	}, func(ctx context.Context, args map[string]any) (string, error) {
		ts.session.Steer("use plan B")
		return "nudged", nil
	})
	ts.provider.steps = []scriptStep{
		{resp: toolResponse(call("t1", "nudge", `{}`))},
		{resp: textResponse("switched to plan B")},
	}

	if err := ts.session.Submit(context.Background(), "go"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	history := ts.session.History()
	assertKindSequence(t, turnKinds(history), []TurnKind{
		TurnUser, TurnAssistant, TurnToolResults, TurnSteering, TurnAssistant,
	})
	if history[3].Text != "use plan B" {
		t.Errorf("steering text = %q", history[3].Text)
	}
}

func TestFollowUpProcessedAfterSubmit(t *testing.T) {
	ts := newTestSession(t, []scriptStep{
		{resp: textResponse("first answer")},
		{resp: textResponse("second answer")},
	}, nil)

	ts.session.FollowUp("and then?")
	if err := ts.session.Submit(context.Background(), "start"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	history := ts.session.History()
	assertKindSequence(t, turnKinds(history), []TurnKind{
		TurnUser, TurnAssistant, TurnUser, TurnAssistant,
	})
	if history[2].Text != "and then?" {
		t.Errorf("follow-up user turn = %q", history[2].Text)
	}
	if state := ts.session.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
	if n := ts.recorder.count(EventUserInput); n != 2 {
		t.Errorf("user_input events = %d, want 2", n)
	}
}

func TestAbortDuringToolRoundDropsResults(t *testing.T) {
	ts := newTestSession(t, nil, nil)

	ts.session.profile.Registry.Register(tools.Definition{
		Name:        "slow_op",
		Description: "test tool that aborts its own session",
	}, func(ctx context.Context, args map[string]any) (string, error) {
		ts.session.Abort()
		return "finished anyway", nil
	})
	ts.provider.steps = []scriptStep{
		{resp: toolResponse(call("t1", "slow_op", `{}`))},
	}

	if err := ts.session.Submit(context.Background(), "go"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	history := ts.session.History()
	assertKindSequence(t, turnKinds(history), []TurnKind{TurnUser, TurnAssistant})
	if n := ts.provider.callCount(); n != 1 {
		t.Errorf("llm calls = %d, want 1", n)
	}
	if state := ts.session.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
}

func TestSubmitCapturesLLMError(t *testing.T) {
	ts := newTestSession(t, []scriptStep{
		{err: llm.NewError(llm.ErrKindAuthentication, "invalid api key")},
	}, nil)

	if err := ts.session.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit() should capture provider errors, got %v", err)
	}

	if state := ts.session.State(); state != StateClosed {
		t.Errorf("State() = %q, want %q", state, StateClosed)
	}
	e, ok := ts.recorder.first(EventError)
	if !ok {
		t.Fatal("expected an error event")
	}
	if msg, _ := e.Data["error"].(string); !strings.Contains(msg, "invalid api key") {
		t.Errorf("error event data = %v", e.Data)
	}
	if err := ts.session.Submit(context.Background(), "again"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Submit() after capture = %v, want ErrSessionClosed", err)
	}
}

func TestContextUsageWarning(t *testing.T) {
	ts := newTestSession(t, nil, nil)
	ts.session.profile.ContextWindow = 100

	big := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 50)
	if err := ts.env.WriteFile("big.txt", big); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	ts.provider.steps = []scriptStep{
		{resp: toolResponse(call("t1", "read_file", `{"file_path": "big.txt"}`))},
		{resp: textResponse("that is a big file")},
	}

	if err := ts.session.Submit(context.Background(), "read it"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	e, ok := ts.recorder.first(EventWarning)
	if !ok {
		t.Fatal("expected a warning event")
	}
	msg, _ := e.Data["message"].(string)
	if !strings.HasPrefix(msg, "Context usage at ~") || !strings.HasSuffix(msg, "% of context window") {
		t.Errorf("warning message = %q", msg)
	}
}

func TestParallelToolResultsKeepCallOrder(t *testing.T) {
	ts := newTestSession(t, nil, nil)

	for _, tc := range []struct {
		name  string
		delay time.Duration
	}{
		{"op_a", 30 * time.Millisecond},
		{"op_b", 10 * time.Millisecond},
		{"op_c", 0},
	} {
		tc := tc
		ts.session.profile.Registry.Register(tools.Definition{
			Name:        tc.name,
			Description: "test tool with fixed delay",
		}, func(ctx context.Context, args map[string]any) (string, error) {
			time.Sleep(tc.delay)
			return tc.name + " done", nil
		})
	}
	ts.provider.steps = []scriptStep{
		{resp: toolResponse(
			call("t1", "op_a", `{}`),
			call("t2", "op_b", `{}`),
			call("t3", "op_c", `{}`),
		)},
		{resp: textResponse("all done")},
	}

	if err := ts.session.Submit(context.Background(), "go"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	history := ts.session.History()
	if len(history) < 3 || history[2].Kind != TurnToolResults {
		t.Fatalf("history kinds = %v", turnKinds(history))
	}
	results := history[2].Results
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, wantID := range []string{"t1", "t2", "t3"} {
		if results[i].ToolCallID != wantID {
			t.Errorf("results[%d].ToolCallID = %q, want %q", i, results[i].ToolCallID, wantID)
		}
	}
}

func TestToolOutputTruncatedForModelNotEvents(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.Retry = fastRetry()
	cfg.ToolOutputLimits = map[string]int{"default": 40}
	ts := newTestSession(t, nil, &cfg)

	long := strings.Repeat("z", 200)
	ts.session.profile.Registry.Register(tools.Definition{
		Name:        "verbose",
		Description: "test tool with long output",
	}, func(ctx context.Context, args map[string]any) (string, error) {
		return long, nil
	})
	ts.provider.steps = []scriptStep{
		{resp: toolResponse(call("t1", "verbose", `{}`))},
		{resp: textResponse("ok")},
	}

	if err := ts.session.Submit(context.Background(), "go"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	result := ts.session.History()[2].Results[0]
	if !strings.Contains(result.Content, "[output truncated to 40 characters]") {
		t.Errorf("model-facing result not truncated: %q", result.Content)
	}

	e, ok := ts.recorder.first(EventToolCallEnd)
	if !ok {
		t.Fatal("expected a tool_call_end event")
	}
	if out, _ := e.Data["output"].(string); out != long {
		t.Errorf("event output length = %d, want untruncated %d", len(out), len(long))
	}
}

func TestProjectDocsIncludedInSystemPrompt(t *testing.T) {
	ts := newTestSession(t, []scriptStep{{resp: textResponse("ok")}}, nil)

	docs := "Always run the linter before committing."
	path := filepath.Join(ts.env.WorkingDirectory(), "AGENTS.md")
	if err := os.WriteFile(path, []byte(docs), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	if err := ts.session.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	req := ts.provider.call(0)
	if len(req.Messages) == 0 || req.Messages[0].Role != llm.RoleSystem {
		t.Fatal("first message should be the system prompt")
	}
	if !strings.Contains(req.Messages[0].Content, docs) {
		t.Error("system prompt missing project docs")
	}
}

func TestSetReasoningEffortAppliesToNextRequest(t *testing.T) {
	ts := newTestSession(t, []scriptStep{
		{resp: textResponse("one")},
		{resp: textResponse("two")},
	}, nil)

	if err := ts.session.Submit(context.Background(), "first"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	ts.session.SetReasoningEffort(llm.ReasoningHigh)
	if err := ts.session.Submit(context.Background(), "second"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	if got := ts.provider.call(0).ReasoningEffort; got != "" {
		t.Errorf("first request effort = %q, want empty", got)
	}
	if got := ts.provider.call(1).ReasoningEffort; got != llm.ReasoningHigh {
		t.Errorf("second request effort = %q, want %q", got, llm.ReasoningHigh)
	}
}

func TestTotalUsageSumsAssistantTurns(t *testing.T) {
	ts := newTestSession(t, nil, nil)
	if err := ts.env.WriteFile("a.txt", "x"); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	ts.provider.steps = []scriptStep{
		{resp: toolResponse(call("t1", "read_file", `{"file_path": "a.txt"}`))},
		{resp: textResponse("done")},
	}

	if err := ts.session.Submit(context.Background(), "go"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	usage := ts.session.TotalUsage()
	if usage.InputTokens != 20 || usage.OutputTokens != 10 {
		t.Errorf("TotalUsage() = %+v, want 20 in / 10 out", usage)
	}
}
