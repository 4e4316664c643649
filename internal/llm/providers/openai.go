package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/drover/internal/llm"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI adapter. BaseURL points the adapter at
// an OpenAI-compatible endpoint when set.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	OrgID        string
	DefaultModel string
}

// OpenAIProvider adapts the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider validates the config and builds the adapter.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, llm.ConfigurationError("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		clientCfg.OrgID = cfg.OrgID
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete performs a non-streaming completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chatReq := p.buildRequest(req, false)
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.mapError(err)
	}
	return convertOpenAIResponse(&resp), nil
}

// Stream performs a streaming completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	chatReq := p.buildRequest(req, true)
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.mapError(err)
	}
	events := make(chan llm.StreamEvent)
	go p.drainStream(stream, events, chatReq.Model)
	return events, nil
}

func (p *OpenAIProvider) buildRequest(req *llm.Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		// Reasoning models reject the legacy max_tokens parameter.
		if openaiReasoningModel(model) {
			out.MaxCompletionTokens = req.MaxTokens
		} else {
			out.MaxTokens = req.MaxTokens
		}
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}
	if len(req.Tools) > 0 {
		out.Tools = convertOpenAITools(req.Tools)
		out.ToolChoice = openaiToolChoice(req.ToolChoice)
	}
	if req.ResponseFormat != nil {
		out.ResponseFormat = openaiResponseFormat(req.ResponseFormat)
	}
	switch req.ReasoningEffort {
	case llm.ReasoningLow, llm.ReasoningMedium, llm.ReasoningHigh:
		out.ReasoningEffort = string(req.ReasoningEffort)
	}
	if opts := req.Options("openai"); opts != nil {
		if user, ok := optString(opts, "user"); ok {
			out.User = user
		}
		if seed, ok := optInt(opts, "seed"); ok {
			out.Seed = &seed
		}
	}
	if stream {
		// Without this the final chunk carries no usage.
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func openaiReasoningModel(model string) bool {
	return strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4") ||
		strings.HasPrefix(model, "gpt-5")
}

// openaiToolChoice maps the neutral tool choice. OpenAI takes the simple
// modes as bare strings and forced functions as an object.
func openaiToolChoice(choice llm.ToolChoice) any {
	switch choice.Type {
	case "auto", "required", "none":
		return choice.Type
	case "function":
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice.Name},
		}
	}
	return nil
}

func openaiResponseFormat(format *llm.ResponseFormat) *openai.ChatCompletionResponseFormat {
	switch format.Type {
	case llm.FormatJSONObject:
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	case llm.FormatJSONSchema:
		schema := format.JSONSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		return &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: schema,
				Strict: format.Strict,
			},
		}
	}
	return nil
}

func convertOpenAIMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Text(),
			})
		case llm.RoleDeveloper:
			result = append(result, openai.ChatCompletionMessage{
				Role:    "developer",
				Content: msg.Text(),
			})
		case llm.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Text(),
				ToolCallID: msg.ToolCallID,
			})
		case llm.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = tc.Raw
				}
				if args == "" {
					args = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			result = append(result, out)
		default:
			if parts := openaiMultiContent(msg); parts != nil {
				result = append(result, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: parts,
				})
			} else {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Text(),
				})
			}
		}
	}
	return result
}

// openaiMultiContent builds the multi-part content form, used only when the
// message carries images. Returns nil for text-only messages.
func openaiMultiContent(msg llm.Message) []openai.ChatMessagePart {
	hasImage := false
	for _, part := range msg.Parts {
		if part.Type == llm.PartImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return nil
	}
	var parts []openai.ChatMessagePart
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: msg.Content})
	}
	for _, part := range msg.Parts {
		switch part.Type {
		case llm.PartText:
			if part.Text != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text})
			}
		case llm.PartImage:
			url := part.MediaURL
			if url == "" && len(part.Data) > 0 && part.MimeType != "" {
				url = fmt.Sprintf("data:%s;base64,%s", part.MimeType, base64Encode(part.Data))
			}
			if url == "" {
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
			})
		}
	}
	return parts
}

func convertOpenAITools(tools []llm.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func convertOpenAIResponse(resp *openai.ChatCompletionResponse) *llm.Response {
	out := &llm.Response{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: "openai",
		Message:  llm.Message{Role: llm.RoleAssistant},
		Usage:    openaiUsage(resp.Usage),
	}
	if len(resp.Choices) == 0 {
		out.FinishReason = llm.FinishReason{Reason: llm.FinishError, Raw: "no_choices"}
		out.Warnings = append(out.Warnings, llm.Warning{Code: "empty_response", Message: "openai returned no choices"})
		return out
	}
	choice := resp.Choices[0]
	if choice.Message.ReasoningContent != "" {
		out.Message.Parts = append(out.Message.Parts, llm.Part{Type: llm.PartThinking, Text: choice.Message.ReasoningContent})
	}
	if choice.Message.Content != "" {
		out.Message.Parts = append(out.Message.Parts, llm.Part{Type: llm.PartText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, openaiToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	out.FinishReason = llm.NormalizeFinish(string(choice.FinishReason))
	return out
}

// openaiToolCall keeps the raw argument string alongside the parsed form so
// malformed arguments survive for the caller to inspect.
func openaiToolCall(id, name, args string) llm.ToolCall {
	call := llm.ToolCall{ID: id, Name: name, Raw: args}
	if args == "" {
		call.Arguments = json.RawMessage("{}")
	} else if json.Valid([]byte(args)) {
		call.Arguments = json.RawMessage(args)
	}
	return call
}

func openaiUsage(u openai.Usage) llm.Usage {
	usage := llm.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil {
		usage.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}

// drainStream accumulates chunked deltas into the final response. Tool call
// fragments arrive keyed by index and are flushed at end of stream.
func (p *OpenAIProvider) drainStream(stream *openai.ChatCompletionStream, events chan<- llm.StreamEvent, model string) {
	defer close(events)
	defer stream.Close()

	resp := &llm.Response{Model: model, Provider: "openai", Message: llm.Message{Role: llm.RoleAssistant}}
	var (
		textBuf       strings.Builder
		reasoningBuf  strings.Builder
		textOpen      bool
		reasoningOpen bool
		calls         = map[int]*llm.ToolCall{}
		callArgBufs   = map[int]*strings.Builder{}
		finish        llm.FinishReason
	)

	closeReasoning := func() {
		if reasoningOpen {
			events <- llm.StreamEvent{Type: llm.StreamEventReasoningEnd}
			reasoningOpen = false
		}
	}
	closeText := func() {
		if textOpen {
			events <- llm.StreamEvent{Type: llm.StreamEventTextEnd}
			textOpen = false
		}
	}

	events <- llm.StreamEvent{Type: llm.StreamEventStreamStart}

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				events <- llm.StreamEvent{Type: llm.StreamEventError, Err: p.mapError(err)}
				return
			}
			closeReasoning()
			closeText()
			if reasoningBuf.Len() > 0 {
				resp.Message.Parts = append(resp.Message.Parts, llm.Part{Type: llm.PartThinking, Text: reasoningBuf.String()})
			}
			if textBuf.Len() > 0 {
				resp.Message.Parts = append(resp.Message.Parts, llm.Part{Type: llm.PartText, Text: textBuf.String()})
			}
			indexes := make([]int, 0, len(calls))
			for idx := range calls {
				indexes = append(indexes, idx)
			}
			sort.Ints(indexes)
			for _, idx := range indexes {
				call := openaiToolCall(calls[idx].ID, calls[idx].Name, callArgBufs[idx].String())
				resp.Message.ToolCalls = append(resp.Message.ToolCalls, call)
				events <- llm.StreamEvent{Type: llm.StreamEventToolCallEnd, ToolCall: &call}
			}
			if finish.Reason == "" {
				if len(resp.Message.ToolCalls) > 0 {
					finish = llm.FinishReason{Reason: llm.FinishToolCalls}
				} else {
					finish = llm.FinishReason{Reason: llm.FinishStop}
				}
			}
			resp.FinishReason = finish
			if resp.Usage.TotalTokens == 0 {
				resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
			}
			events <- llm.StreamEvent{
				Type:         llm.StreamEventFinish,
				FinishReason: &resp.FinishReason,
				Usage:        &resp.Usage,
				Response:     resp,
			}
			return
		}

		if chunk.ID != "" {
			resp.ID = chunk.ID
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			resp.Usage = openaiUsage(*chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			if !reasoningOpen {
				events <- llm.StreamEvent{Type: llm.StreamEventReasoningStart}
				reasoningOpen = true
			}
			reasoningBuf.WriteString(choice.Delta.ReasoningContent)
			events <- llm.StreamEvent{Type: llm.StreamEventReasoningDelta, Delta: choice.Delta.ReasoningContent}
		}
		if choice.Delta.Content != "" {
			closeReasoning()
			if !textOpen {
				events <- llm.StreamEvent{Type: llm.StreamEventTextStart}
				textOpen = true
			}
			textBuf.WriteString(choice.Delta.Content)
			events <- llm.StreamEvent{Type: llm.StreamEventTextDelta, Delta: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call := calls[idx]
			created := false
			if call == nil {
				call = &llm.ToolCall{}
				calls[idx] = call
				callArgBufs[idx] = &strings.Builder{}
				created = true
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if created {
				events <- llm.StreamEvent{
					Type:     llm.StreamEventToolCallStart,
					ToolCall: &llm.ToolCall{ID: call.ID, Name: call.Name},
				}
			}
			if tc.Function.Arguments != "" {
				callArgBufs[idx].WriteString(tc.Function.Arguments)
				events <- llm.StreamEvent{Type: llm.StreamEventToolCallDelta, Delta: tc.Function.Arguments}
			}
		}
		if choice.FinishReason != "" && choice.FinishReason != "null" {
			finish = llm.NormalizeFinish(string(choice.FinishReason))
		}
	}
}

func (p *OpenAIProvider) mapError(err error) error {
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
			WithProvider("openai").WithCause(err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		mapped := llm.Classify("openai", apiErr.HTTPStatusCode, apiErr.Message, err)
		if code := openaiErrorCode(apiErr.Code); code != "" {
			mapped = mapped.WithCode(code)
		}
		return mapped
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		message := "openai request failed"
		if reqErr.Err != nil {
			message = reqErr.Err.Error()
		}
		return llm.Classify("openai", reqErr.HTTPStatusCode, message, err)
	}
	return llm.Classify("openai", 0, err.Error(), err)
}

// openaiErrorCode flattens the API error code, which the SDK types as any.
func openaiErrorCode(code any) string {
	switch v := code.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%d", int(v))
	case int:
		return fmt.Sprintf("%d", v)
	}
	return ""
}
