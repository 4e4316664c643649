// Package providers contains the vendor adapters behind the llm client.
// Each adapter translates the neutral request model into one vendor's wire
// format, maps vendor failures onto the shared error taxonomy, and emits the
// shared streaming event protocol ending in a finish event that carries the
// fully assembled response. Adapters never retry; the client owns that.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/drover/internal/llm"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096

	// maxEmptyStreamEvents guards against malformed streams that emit
	// events we never recognise, so the drain loop cannot spin forever.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	// DefaultModel is used when a request does not name one.
	DefaultModel string
	// DefaultMaxTokens bounds completions when a request does not set one.
	// The Messages API requires an explicit max_tokens on every call.
	DefaultMaxTokens int
}

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	client           anthropic.Client
	defaultModel     string
	defaultMaxTokens int
}

// NewAnthropicProvider validates the config and builds the adapter.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, llm.ConfigurationError("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = defaultAnthropicMaxTokens
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:           anthropic.NewClient(opts...),
		defaultModel:     cfg.DefaultModel,
		defaultMaxTokens: cfg.DefaultMaxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete performs a non-streaming completion.
func (p *AnthropicProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}
	resp := convertAnthropicResponse(msg)
	resp.Warnings = append(resp.Warnings, anthropicWarnings(req)...)
	return resp, nil
}

// Stream performs a streaming completion. The returned channel ends with a
// finish event carrying the assembled response, or an error event.
func (p *AnthropicProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	base := &llm.Response{
		Model:    string(params.Model),
		Provider: "anthropic",
		Message:  llm.Message{Role: llm.RoleAssistant},
		Warnings: anthropicWarnings(req),
	}
	stream := p.client.Messages.NewStreaming(ctx, params)
	events := make(chan llm.StreamEvent)
	go p.drainStream(stream, events, base)
	return events, nil
}

func (p *AnthropicProvider) buildParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system := systemText(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
		switch req.ToolChoice.Type {
		case "auto":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		case "required":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case "none":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		case "function":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice.Name}}
		}
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if budget := anthropicThinkingBudget(req); budget > 0 {
		// max_tokens must exceed the thinking budget, and extended
		// thinking only runs at the default temperature.
		if int64(maxTokens) <= budget {
			params.MaxTokens = budget + 1024
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	} else {
		if req.Temperature != nil {
			params.Temperature = anthropic.Float(*req.Temperature)
		}
		if req.TopP != nil {
			params.TopP = anthropic.Float(*req.TopP)
		}
	}
	return params, nil
}

// anthropicThinkingBudget resolves the thinking budget in tokens: an explicit
// thinking_budget_tokens provider option wins, then the reasoning effort tier.
// The API floor for a budget is 1024 tokens.
func anthropicThinkingBudget(req *llm.Request) int64 {
	if opts := req.Options("anthropic"); opts != nil {
		if n, ok := optInt(opts, "thinking_budget_tokens"); ok && n >= 1024 {
			return int64(n)
		}
	}
	switch req.ReasoningEffort {
	case llm.ReasoningLow:
		return 4096
	case llm.ReasoningMedium:
		return 10000
	case llm.ReasoningHigh:
		return 32000
	}
	return 0
}

// anthropicWarnings reports request features the Messages API cannot express.
func anthropicWarnings(req *llm.Request) []llm.Warning {
	if req.ResponseFormat == nil || req.ResponseFormat.Type == llm.FormatText || req.ResponseFormat.Type == "" {
		return nil
	}
	return []llm.Warning{{
		Code:    "unsupported_response_format",
		Message: "anthropic does not enforce response_format; rely on the prompt",
	}}
}

// convertAnthropicMessages maps the conversation to Messages API turns.
// System and developer messages are hoisted into the system prompt by the
// caller and skipped here; tool results become user-role tool_result blocks.
func convertAnthropicMessages(messages []llm.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			continue
		case llm.RoleTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), false)))
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		for _, part := range msg.Parts {
			switch part.Type {
			case llm.PartThinking:
				// Unsigned thinking cannot be replayed.
				if part.Signature != "" {
					content = append(content, anthropic.NewThinkingBlock(part.Signature, part.Text))
				}
			case llm.PartRedactedThinking:
				if len(part.Data) > 0 {
					content = append(content, anthropic.NewRedactedThinkingBlock(string(part.Data)))
				}
			case llm.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case llm.PartImage:
				if block, ok := anthropicImageBlock(part); ok {
					content = append(content, block)
				}
			}
		}
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, callArgs(tc), tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == llm.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicImageBlock(part llm.Part) (anthropic.ContentBlockParamUnion, bool) {
	if len(part.Data) > 0 && part.MimeType != "" {
		return anthropic.NewImageBlockBase64(part.MimeType, base64Encode(part.Data)), true
	}
	if part.MediaURL == "" {
		return anthropic.ContentBlockParamUnion{}, false
	}
	if mediaType, data, ok := parseDataURL(part.MediaURL); ok {
		return anthropic.NewImageBlockBase64(mediaType, data), true
	}
	return anthropic.ContentBlockParamUnion{
		OfImage: &anthropic.ImageBlockParam{
			Source: anthropic.ImageBlockParamSourceUnion{
				OfURL: &anthropic.URLImageSourceParam{URL: part.MediaURL},
			},
		},
	}, true
}

func convertAnthropicTools(tools []llm.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw := tool.Parameters
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, llm.ConfigurationError("anthropic: tool %s: invalid parameters schema: %v", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil && tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

func convertAnthropicResponse(msg *anthropic.Message) *llm.Response {
	resp := &llm.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     "anthropic",
		Message:      llm.Message{Role: llm.RoleAssistant},
		FinishReason: anthropicFinish(string(msg.StopReason)),
		Usage:        anthropicUsage(msg.Usage),
	}
	for _, block := range msg.Content {
		switch block := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Message.Parts = append(resp.Message.Parts, llm.Part{Type: llm.PartText, Text: block.Text})
		case anthropic.ThinkingBlock:
			resp.Message.Parts = append(resp.Message.Parts, llm.Part{
				Type:      llm.PartThinking,
				Text:      block.Thinking,
				Signature: block.Signature,
			})
		case anthropic.RedactedThinkingBlock:
			resp.Message.Parts = append(resp.Message.Parts, llm.Part{
				Type: llm.PartRedactedThinking,
				Data: []byte(block.Data),
			})
		case anthropic.ToolUseBlock:
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return resp
}

// anthropicFinish normalises a Messages API stop reason. The refusal stop
// reason has no shared vocabulary entry and maps to content_filter.
func anthropicFinish(raw string) llm.FinishReason {
	if raw == "refusal" {
		return llm.FinishReason{Reason: llm.FinishContentFilter, Raw: raw}
	}
	return llm.NormalizeFinish(raw)
}

func anthropicUsage(u anthropic.Usage) llm.Usage {
	usage := llm.NewUsage(int(u.InputTokens), int(u.OutputTokens))
	usage.CacheReadTokens = int(u.CacheReadInputTokens)
	usage.CacheWriteTokens = int(u.CacheCreationInputTokens)
	return usage
}

// drainStream converts SSE events into the shared protocol while assembling
// the final response block by block.
func (p *AnthropicProvider) drainStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- llm.StreamEvent, resp *llm.Response) {
	defer close(events)

	var (
		textBuf     strings.Builder
		thinkingBuf strings.Builder
		thinkingSig strings.Builder
		toolCall    *llm.ToolCall
		toolInput   strings.Builder
		blockType   string
		emptyCount  int
	)

	events <- llm.StreamEvent{Type: llm.StreamEventStreamStart}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			resp.ID = start.Message.ID
			if model := string(start.Message.Model); model != "" {
				resp.Model = model
			}
			resp.Usage.InputTokens = int(start.Message.Usage.InputTokens)
			resp.Usage.CacheReadTokens = int(start.Message.Usage.CacheReadInputTokens)
			resp.Usage.CacheWriteTokens = int(start.Message.Usage.CacheCreationInputTokens)
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "text":
				blockType = "text"
				textBuf.Reset()
				events <- llm.StreamEvent{Type: llm.StreamEventTextStart}
				processed = true
			case "thinking":
				blockType = "thinking"
				thinkingBuf.Reset()
				thinkingSig.Reset()
				events <- llm.StreamEvent{Type: llm.StreamEventReasoningStart}
				processed = true
			case "redacted_thinking":
				blockType = "redacted_thinking"
				processed = true
			case "tool_use":
				blockType = "tool_use"
				toolUse := block.AsToolUse()
				toolCall = &llm.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
				events <- llm.StreamEvent{
					Type:     llm.StreamEventToolCallStart,
					ToolCall: &llm.ToolCall{ID: toolUse.ID, Name: toolUse.Name},
				}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textBuf.WriteString(delta.Text)
					events <- llm.StreamEvent{Type: llm.StreamEventTextDelta, Delta: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkingBuf.WriteString(delta.Thinking)
					events <- llm.StreamEvent{Type: llm.StreamEventReasoningDelta, Delta: delta.Thinking}
					processed = true
				}
			case "signature_delta":
				if delta.Signature != "" {
					thinkingSig.WriteString(delta.Signature)
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					events <- llm.StreamEvent{Type: llm.StreamEventToolCallDelta, Delta: delta.PartialJSON}
					processed = true
				}
			}

		case "content_block_stop":
			switch blockType {
			case "text":
				if textBuf.Len() > 0 {
					resp.Message.Parts = append(resp.Message.Parts, llm.Part{Type: llm.PartText, Text: textBuf.String()})
				}
				events <- llm.StreamEvent{Type: llm.StreamEventTextEnd}
			case "thinking":
				resp.Message.Parts = append(resp.Message.Parts, llm.Part{
					Type:      llm.PartThinking,
					Text:      thinkingBuf.String(),
					Signature: thinkingSig.String(),
				})
				events <- llm.StreamEvent{Type: llm.StreamEventReasoningEnd}
			case "tool_use":
				if toolCall != nil {
					raw := toolInput.String()
					if raw == "" {
						raw = "{}"
					}
					toolCall.Arguments = json.RawMessage(raw)
					resp.Message.ToolCalls = append(resp.Message.ToolCalls, *toolCall)
					events <- llm.StreamEvent{Type: llm.StreamEventToolCallEnd, ToolCall: toolCall}
					toolCall = nil
				}
			}
			blockType = ""
			processed = true

		case "message_delta":
			delta := event.AsMessageDelta()
			if reason := string(delta.Delta.StopReason); reason != "" {
				resp.FinishReason = anthropicFinish(reason)
			}
			if delta.Usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
			if resp.FinishReason.Reason == "" {
				if len(resp.Message.ToolCalls) > 0 {
					resp.FinishReason = llm.FinishReason{Reason: llm.FinishToolCalls}
				} else {
					resp.FinishReason = llm.FinishReason{Reason: llm.FinishStop}
				}
			}
			events <- llm.StreamEvent{
				Type:         llm.StreamEventFinish,
				FinishReason: &resp.FinishReason,
				Usage:        &resp.Usage,
				Response:     resp,
			}
			return

		case "error":
			events <- llm.StreamEvent{
				Type: llm.StreamEventError,
				Err:  llm.NewError(llm.ErrKindStream, "stream error event").WithProvider("anthropic"),
			}
			return
		}

		if processed {
			emptyCount = 0
		} else if emptyCount++; emptyCount >= maxEmptyStreamEvents {
			events <- llm.StreamEvent{
				Type: llm.StreamEventError,
				Err: llm.NewError(llm.ErrKindStream,
					fmt.Sprintf("malformed stream: %d consecutive unrecognised events", emptyCount)).
					WithProvider("anthropic"),
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- llm.StreamEvent{Type: llm.StreamEventError, Err: p.mapError(err)}
		return
	}
	events <- llm.StreamEvent{
		Type: llm.StreamEventError,
		Err:  llm.NewError(llm.ErrKindStream, "stream ended without message_stop").WithProvider("anthropic"),
	}
}

func (p *AnthropicProvider) mapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := llm.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return llm.AbortError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewError(llm.ErrKindRequestTimeout, "request deadline exceeded").
			WithProvider("anthropic").WithCause(err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message := "anthropic request failed"
		code := ""
		raw := apiErr.RawJSON()
		if raw != "" {
			var payload struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					message = payload.Error.Message
				}
				code = payload.Error.Type
			}
		}
		mapped := llm.Classify("anthropic", apiErr.StatusCode, message, err)
		if code != "" {
			mapped = mapped.WithCode(code)
		}
		if raw != "" {
			mapped = mapped.WithRaw(raw)
		}
		return mapped
	}
	return llm.Classify("anthropic", 0, err.Error(), err)
}
