package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/drover/internal/llm"
)

func TestOpenAIProviderName(t *testing.T) {
	provider := &OpenAIProvider{}
	if got := provider.Name(); got != "openai" {
		t.Errorf("Name() = %v, want openai", got)
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []llm.Message
		wantLen  int
	}{
		{
			name: "system stays inline",
			messages: []llm.Message{
				llm.SystemMessage("be helpful"),
				llm.UserMessage("hello"),
				llm.AssistantMessage("hi"),
			},
			wantLen: 3,
		},
		{
			name: "assistant with tool calls",
			messages: []llm.Message{
				llm.UserMessage("weather?"),
				{
					Role: llm.RoleAssistant,
					ToolCalls: []llm.ToolCall{
						{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"NYC"}`)},
					},
				},
			},
			wantLen: 2,
		},
		{
			name:     "tool result",
			messages: []llm.Message{llm.ToolMessage("call_1", "Sunny, 72F")},
			wantLen:  1,
		},
		{
			name: "vision message",
			messages: []llm.Message{{
				Role:    llm.RoleUser,
				Content: "what is this?",
				Parts:   []llm.Part{{Type: llm.PartImage, MediaURL: "https://example.com/a.jpg"}},
			}},
			wantLen: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertOpenAIMessages(tt.messages)
			if len(got) != tt.wantLen {
				t.Errorf("convertOpenAIMessages() got %d messages, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestConvertOpenAIToolResult(t *testing.T) {
	got := convertOpenAIMessages([]llm.Message{llm.ToolMessage("call_9", "ok")})
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleTool {
		t.Errorf("role = %v, want tool", got[0].Role)
	}
	if got[0].ToolCallID != "call_9" {
		t.Errorf("tool call id = %v, want call_9", got[0].ToolCallID)
	}
}

func TestConvertOpenAIAssistantToolCalls(t *testing.T) {
	got := convertOpenAIMessages([]llm.Message{{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)},
			{ID: "call_2", Name: "empty_args"},
		},
	}})
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	calls := got[0].ToolCalls
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[0].Function.Arguments != `{"q":"go"}` {
		t.Errorf("arguments = %q, want the raw JSON", calls[0].Function.Arguments)
	}
	if calls[1].Function.Arguments != "{}" {
		t.Errorf("empty arguments should default to {}, got %q", calls[1].Function.Arguments)
	}
}

func TestConvertOpenAIVisionMessage(t *testing.T) {
	got := convertOpenAIMessages([]llm.Message{{
		Role:    llm.RoleUser,
		Content: "describe",
		Parts:   []llm.Part{{Type: llm.PartImage, MediaURL: "https://example.com/a.jpg"}},
	}})
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	parts := got[0].MultiContent
	if len(parts) != 2 {
		t.Fatalf("expected text + image parts, got %d", len(parts))
	}
	if parts[0].Type != openai.ChatMessagePartTypeText || parts[0].Text != "describe" {
		t.Errorf("first part = %+v, want the text", parts[0])
	}
	if parts[1].Type != openai.ChatMessagePartTypeImageURL || parts[1].ImageURL == nil {
		t.Fatalf("second part = %+v, want the image", parts[1])
	}
	if parts[1].ImageURL.URL != "https://example.com/a.jpg" {
		t.Errorf("image url = %q", parts[1].ImageURL.URL)
	}
}

func TestConvertOpenAITools(t *testing.T) {
	tools := []llm.Tool{
		{Name: "search", Description: "Search the index", Parameters: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
		{Name: "broken", Parameters: json.RawMessage(`not json`)},
	}
	got := convertOpenAITools(tools)
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if got[0].Function.Name != "search" {
		t.Errorf("name = %v, want search", got[0].Function.Name)
	}
	schema, ok := got[1].Function.Parameters.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("broken schema should degrade to an empty object schema, got %v", got[1].Function.Parameters)
	}
}

func TestOpenAIToolChoice(t *testing.T) {
	if got := openaiToolChoice(llm.ToolChoiceAuto); got != "auto" {
		t.Errorf("auto = %v, want the bare string", got)
	}
	if got := openaiToolChoice(llm.ToolChoiceNone); got != "none" {
		t.Errorf("none = %v, want the bare string", got)
	}
	if got := openaiToolChoice(llm.ToolChoice{}); got != nil {
		t.Errorf("unset choice = %v, want nil", got)
	}
	forced, ok := openaiToolChoice(llm.ToolChoiceFunc("search")).(openai.ToolChoice)
	if !ok || forced.Function.Name != "search" {
		t.Errorf("forced choice = %+v, want the search function", forced)
	}
}

func TestOpenAIBuildRequest(t *testing.T) {
	p := &OpenAIProvider{defaultModel: "gpt-4o"}
	req := &llm.Request{
		Messages:      []llm.Message{llm.UserMessage("hi")},
		MaxTokens:     200,
		Temperature:   floatPtr(0.2),
		StopSequences: []string{"END"},
	}
	out := p.buildRequest(req, false)
	if out.Model != "gpt-4o" {
		t.Errorf("model = %v, want gpt-4o", out.Model)
	}
	if out.MaxTokens != 200 || out.MaxCompletionTokens != 0 {
		t.Errorf("token fields = %d/%d, want 200/0", out.MaxTokens, out.MaxCompletionTokens)
	}
	if out.StreamOptions != nil {
		t.Error("non-streaming requests should not set stream options")
	}

	req.Model = "o3-mini"
	out = p.buildRequest(req, true)
	if out.MaxTokens != 0 || out.MaxCompletionTokens != 200 {
		t.Errorf("reasoning models should use max_completion_tokens, got %d/%d", out.MaxTokens, out.MaxCompletionTokens)
	}
	if out.StreamOptions == nil || !out.StreamOptions.IncludeUsage {
		t.Error("streaming requests should ask for usage")
	}
}

func TestOpenAIBuildRequestOptions(t *testing.T) {
	p := &OpenAIProvider{defaultModel: "gpt-4o"}
	req := &llm.Request{
		Messages:        []llm.Message{llm.UserMessage("hi")},
		ReasoningEffort: llm.ReasoningHigh,
		ResponseFormat:  &llm.ResponseFormat{Type: llm.FormatJSONObject},
		ProviderOptions: map[string]map[string]any{
			"openai": {"user": "u1", "seed": 7},
		},
	}
	out := p.buildRequest(req, false)
	if out.ReasoningEffort != "high" {
		t.Errorf("reasoning effort = %q, want high", out.ReasoningEffort)
	}
	if out.ResponseFormat == nil || out.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Errorf("response format = %+v, want json_object", out.ResponseFormat)
	}
	if out.User != "u1" {
		t.Errorf("user = %q, want u1", out.User)
	}
	if out.Seed == nil || *out.Seed != 7 {
		t.Errorf("seed = %v, want 7", out.Seed)
	}
}

func TestOpenAIReasoningModel(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", false},
		{"o1-preview", true},
		{"o3-mini", true},
		{"o4-mini", true},
		{"gpt-5", true},
		{"gpt-3.5-turbo", false},
	}
	for _, tt := range tests {
		if got := openaiReasoningModel(tt.model); got != tt.want {
			t.Errorf("openaiReasoningModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestConvertOpenAIResponse(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:             openai.ChatMessageRoleAssistant,
				Content:          "hello",
				ReasoningContent: "thinking it through",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "search", Arguments: `{"q":"go"}`},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
		Usage: openai.Usage{
			PromptTokens:            10,
			CompletionTokens:        5,
			TotalTokens:             15,
			PromptTokensDetails:     &openai.PromptTokensDetails{CachedTokens: 4},
			CompletionTokensDetails: &openai.CompletionTokensDetails{ReasoningTokens: 3},
		},
	}
	got := convertOpenAIResponse(&resp)
	if got.ID != "chatcmpl-1" || got.Provider != "openai" {
		t.Errorf("identity = %q/%q", got.ID, got.Provider)
	}
	if got.Text() != "hello" {
		t.Errorf("text = %q, want hello", got.Text())
	}
	if got.Reasoning() != "thinking it through" {
		t.Errorf("reasoning = %q", got.Reasoning())
	}
	if len(got.Message.ToolCalls) != 1 || got.Message.ToolCalls[0].Name != "search" {
		t.Fatalf("tool calls = %+v", got.Message.ToolCalls)
	}
	if got.FinishReason.Reason != llm.FinishToolCalls {
		t.Errorf("finish = %v, want tool_calls", got.FinishReason.Reason)
	}
	if got.Usage.CacheReadTokens != 4 || got.Usage.ReasoningTokens != 3 {
		t.Errorf("usage details = %d/%d, want 4/3", got.Usage.CacheReadTokens, got.Usage.ReasoningTokens)
	}
}

func TestConvertOpenAIResponseNoChoices(t *testing.T) {
	got := convertOpenAIResponse(&openai.ChatCompletionResponse{ID: "x"})
	if got.FinishReason.Reason != llm.FinishError {
		t.Errorf("finish = %v, want error", got.FinishReason.Reason)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Code != "empty_response" {
		t.Errorf("warnings = %v, want empty_response", got.Warnings)
	}
}

func TestOpenAIToolCallRawPreserved(t *testing.T) {
	call := openaiToolCall("call_1", "search", `{"q": broken`)
	if call.Raw != `{"q": broken` {
		t.Errorf("raw = %q, want the original string", call.Raw)
	}
	if call.Arguments != nil {
		t.Errorf("invalid JSON should leave Arguments unset, got %s", call.Arguments)
	}
}

func TestMapOpenAIError(t *testing.T) {
	p := &OpenAIProvider{}

	apiErr := &openai.APIError{HTTPStatusCode: 429, Message: "rate limit exceeded", Code: "rate_limit_error"}
	mapped, ok := llm.AsError(p.mapError(apiErr))
	if !ok {
		t.Fatal("expected a classified error")
	}
	if mapped.Kind != llm.ErrKindRateLimit {
		t.Errorf("kind = %v, want rate_limit", mapped.Kind)
	}
	if mapped.Status != 429 {
		t.Errorf("status = %d, want 429", mapped.Status)
	}
	if mapped.Code != "rate_limit_error" {
		t.Errorf("code = %q, want rate_limit_error", mapped.Code)
	}
	if !mapped.Retryable {
		t.Error("rate limits should be retryable")
	}

	ctxLen := &openai.APIError{HTTPStatusCode: 400, Message: "This model's maximum context length is 8192 tokens"}
	if !llm.IsKind(p.mapError(ctxLen), llm.ErrKindContextLength) {
		t.Error("context length phrasing on 400 should map to context_length")
	}

	reqErr := &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("upstream unavailable")}
	mapped, ok = llm.AsError(p.mapError(reqErr))
	if !ok {
		t.Fatal("expected a classified error")
	}
	if mapped.Kind != llm.ErrKindServer {
		t.Errorf("kind = %v, want server", mapped.Kind)
	}
	if mapped.Status != 503 {
		t.Errorf("status = %d, want 503", mapped.Status)
	}

	if !llm.IsKind(p.mapError(context.Canceled), llm.ErrKindAbort) {
		t.Error("context cancellation should map to abort")
	}
}

func TestOpenAIErrorCode(t *testing.T) {
	if got := openaiErrorCode("invalid_api_key"); got != "invalid_api_key" {
		t.Errorf("string code = %q", got)
	}
	if got := openaiErrorCode(float64(401)); got != "401" {
		t.Errorf("numeric code = %q, want 401", got)
	}
	if got := openaiErrorCode(nil); got != "" {
		t.Errorf("nil code = %q, want empty", got)
	}
}
