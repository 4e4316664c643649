package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// GenerateRequest drives the high-level tool-calling loop. Exactly one of
// Prompt or Messages seeds the conversation; System prepends a system
// message. Tools with executors are run by the loop; calls to tools without
// executors are returned to the caller.
type GenerateRequest struct {
	Provider        string
	Model           string
	System          string
	Prompt          string
	Messages        []Message
	Tools           []Tool
	ToolChoice      ToolChoice
	MaxTokens       int
	Temperature     *float64
	TopP            *float64
	StopSequences   []string
	ReasoningEffort ReasoningEffort
	ResponseFormat  *ResponseFormat
	ProviderOptions map[string]map[string]any

	// MaxToolRounds bounds tool-execution rounds; 0 means the default of 10.
	MaxToolRounds int

	// Timeout bounds the whole call; it is modeled as an abort. Zero means
	// no overall timeout.
	Timeout time.Duration

	// Retry overrides the default per-call retry policy.
	Retry *RetryPolicy

	// StopWhen terminates the loop early after a completed round.
	StopWhen func(step StepResult) bool
}

// StepResult records one round of the loop: the model response plus any tool
// results produced from it.
type StepResult struct {
	Text         string       `json:"text"`
	Reasoning    string       `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult `json:"tool_results,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	Response     *Response    `json:"-"`
}

// GenerateResult is the final state of the loop. Usage is the final step's;
// TotalUsage is accumulated across every step.
type GenerateResult struct {
	Text         string       `json:"text"`
	Reasoning    string       `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult `json:"tool_results,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	TotalUsage   Usage        `json:"total_usage"`
	Steps        []StepResult `json:"steps"`
	Response     *Response    `json:"-"`
}

const defaultMaxToolRounds = 10

// Generate runs an internal tool-calling loop on top of Complete: call the
// model, execute any tool calls concurrently, feed the results back, repeat
// until the model answers without tools, a bound is hit, or the stop
// predicate fires.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	policy := DefaultRetryPolicy()
	if req.Retry != nil {
		policy = *req.Retry
	}
	maxRounds := req.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}

	msgs := make([]Message, 0, len(req.Messages)+2)
	if req.System != "" {
		msgs = append(msgs, SystemMessage(req.System))
	}
	if len(req.Messages) > 0 {
		msgs = append(msgs, req.Messages...)
	} else if req.Prompt != "" {
		msgs = append(msgs, UserMessage(req.Prompt))
	}
	if len(msgs) == 0 {
		return nil, ConfigurationError("generate requires a prompt or messages")
	}

	toolsByName := make(map[string]Tool, len(req.Tools))
	for _, tool := range req.Tools {
		toolsByName[tool.Name] = tool
	}

	var steps []StepResult
	var total Usage

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, AbortError(err)
		}

		resp, err := c.CompleteWithRetry(ctx, &Request{
			Provider:        req.Provider,
			Model:           req.Model,
			Messages:        msgs,
			Tools:           req.Tools,
			ToolChoice:      req.ToolChoice,
			ResponseFormat:  req.ResponseFormat,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxTokens:       req.MaxTokens,
			StopSequences:   req.StopSequences,
			ReasoningEffort: req.ReasoningEffort,
			ProviderOptions: req.ProviderOptions,
		}, policy)
		if err != nil {
			return nil, err
		}

		calls := resp.ToolCalls()
		step := StepResult{
			Text:         resp.Text(),
			Reasoning:    resp.Reasoning(),
			ToolCalls:    calls,
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage,
			Response:     resp,
		}
		total = total.Add(resp.Usage)

		execute := resp.FinishReason.Reason == FinishToolCalls && len(calls) > 0 && anyActive(toolsByName, calls)
		if execute {
			step.ToolResults = c.executeToolCalls(ctx, toolsByName, calls)
		}
		steps = append(steps, step)

		done := !execute ||
			(req.StopWhen != nil && req.StopWhen(step)) ||
			round+1 >= maxRounds
		if done {
			break
		}

		msgs = append(msgs, resp.Message)
		for _, tr := range step.ToolResults {
			msgs = append(msgs, ToolMessage(tr.ToolCallID, tr.Content))
		}
	}

	last := steps[len(steps)-1]
	return &GenerateResult{
		Text:         last.Text,
		Reasoning:    last.Reasoning,
		ToolCalls:    last.ToolCalls,
		ToolResults:  last.ToolResults,
		FinishReason: last.FinishReason,
		Usage:        last.Usage,
		TotalUsage:   total,
		Steps:        steps,
		Response:     last.Response,
	}, nil
}

// anyActive reports whether at least one of the calls names a tool with an
// executor. When none does, the calls belong to the caller.
func anyActive(tools map[string]Tool, calls []ToolCall) bool {
	for _, call := range calls {
		if tool, ok := tools[call.Name]; ok && tool.Execute != nil {
			return true
		}
	}
	return false
}

// executeToolCalls runs the calls concurrently and returns results in input
// order. Executor failures become error results; they never abort the loop.
func (c *Client) executeToolCalls(ctx context.Context, tools map[string]Tool, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		tool, ok := tools[call.Name]
		if !ok || tool.Execute == nil {
			results[i] = ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Tool %q has no executor registered", call.Name),
				IsError:    true,
			}
			continue
		}
		i, call, tool := i, call, tool
		g.Go(func() error {
			results[i] = runExecutor(gctx, tool, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runExecutor(ctx context.Context, tool Tool, call ToolCall) (result ToolResult) {
	result = ToolResult{ToolCallID: call.ID}
	defer func() {
		if r := recover(); r != nil {
			result.Content = fmt.Sprintf("tool %s panicked: %v", call.Name, r)
			result.IsError = true
		}
	}()

	args, err := call.Args()
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		return result
	}
	out, err := tool.Execute(ctx, args)
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		return result
	}
	result.Content = out
	return result
}
