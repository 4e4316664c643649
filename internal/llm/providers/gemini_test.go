package providers

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/drover/internal/llm"
)

func TestGeminiProviderName(t *testing.T) {
	provider := &GeminiProvider{}
	if got := provider.Name(); got != "gemini" {
		t.Errorf("Name() = %v, want gemini", got)
	}
}

func TestConvertGeminiMessages(t *testing.T) {
	messages := []llm.Message{
		llm.SystemMessage("be helpful"),
		llm.UserMessage("what is the weather?"),
		{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "call_get_weather_1712", Name: "get_weather", Arguments: json.RawMessage(`{"city":"NYC"}`)},
			},
		},
		llm.ToolMessage("call_get_weather_1712", `{"temp":72}`),
	}
	got := convertGeminiMessages(messages)
	if len(got) != 3 {
		t.Fatalf("convertGeminiMessages() got %d contents, want 3 (system skipped)", len(got))
	}
	if got[0].Role != genai.RoleUser {
		t.Errorf("first role = %v, want user", got[0].Role)
	}
	if got[1].Role != genai.RoleModel {
		t.Errorf("assistant role = %v, want model", got[1].Role)
	}
	fc := got[1].Parts[0].FunctionCall
	if fc == nil || fc.Name != "get_weather" {
		t.Fatalf("function call = %+v, want get_weather", fc)
	}
	if fc.Args["city"] != "NYC" {
		t.Errorf("args = %v, want city NYC", fc.Args)
	}
	fr := got[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "get_weather" {
		t.Fatalf("function response = %+v, want get_weather", fr)
	}
	if fr.Response["temp"] != float64(72) {
		t.Errorf("response = %v, want temp 72", fr.Response)
	}
}

func TestGeminiToolResponse(t *testing.T) {
	if got := geminiToolResponse(`{"ok":true}`); got["ok"] != true {
		t.Errorf("JSON objects should pass through, got %v", got)
	}
	if got := geminiToolResponse("plain text"); got["result"] != "plain text" {
		t.Errorf("plain text should be wrapped, got %v", got)
	}
	if got := geminiToolResponse(`[1,2]`); got["result"] != `[1,2]` {
		t.Errorf("JSON arrays should be wrapped, got %v", got)
	}
}

func TestGeminiToolName(t *testing.T) {
	messages := []llm.Message{{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "opaque-id", Name: "lookup"}},
	}}
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"exact match wins", "opaque-id", "lookup"},
		{"minted id parses", "call_get_weather_1712", "get_weather"},
		{"underscored name survives", "call_get_local_time_99", "get_local_time"},
		{"unknown id passes through", "mystery", "mystery"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := geminiToolName(messages, tt.id); got != tt.want {
				t.Errorf("geminiToolName(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestGeminiToolConfig(t *testing.T) {
	if got := geminiToolConfig(llm.ToolChoiceAuto); got.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAuto {
		t.Errorf("auto mode = %v", got.FunctionCallingConfig.Mode)
	}
	if got := geminiToolConfig(llm.ToolChoiceRequired); got.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAny {
		t.Errorf("required mode = %v", got.FunctionCallingConfig.Mode)
	}
	if got := geminiToolConfig(llm.ToolChoiceNone); got.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeNone {
		t.Errorf("none mode = %v", got.FunctionCallingConfig.Mode)
	}
	forced := geminiToolConfig(llm.ToolChoiceFunc("search"))
	if forced.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAny {
		t.Errorf("forced mode = %v, want any", forced.FunctionCallingConfig.Mode)
	}
	if len(forced.FunctionCallingConfig.AllowedFunctionNames) != 1 || forced.FunctionCallingConfig.AllowedFunctionNames[0] != "search" {
		t.Errorf("allowed names = %v, want [search]", forced.FunctionCallingConfig.AllowedFunctionNames)
	}
	if got := geminiToolConfig(llm.ToolChoice{}); got != nil {
		t.Errorf("unset choice = %v, want nil", got)
	}
}

func TestGeminiThinkingBudget(t *testing.T) {
	tests := []struct {
		name   string
		req    *llm.Request
		want   int32
		wantOK bool
	}{
		{"unset", &llm.Request{}, 0, false},
		{"none disables", &llm.Request{ReasoningEffort: llm.ReasoningNone}, 0, true},
		{"low", &llm.Request{ReasoningEffort: llm.ReasoningLow}, 2048, true},
		{"medium", &llm.Request{ReasoningEffort: llm.ReasoningMedium}, 8192, true},
		{"high", &llm.Request{ReasoningEffort: llm.ReasoningHigh}, 24576, true},
		{
			"option overrides tier",
			&llm.Request{
				ReasoningEffort: llm.ReasoningLow,
				ProviderOptions: map[string]map[string]any{"gemini": {"thinking_budget": 512}},
			},
			512, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := geminiThinkingBudget(tt.req)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("geminiThinkingBudget() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestGeminiSchema(t *testing.T) {
	schema := map[string]any{
		"type":        "object",
		"description": "a query",
		"properties": map[string]any{
			"q":    map[string]any{"type": "string"},
			"kind": map[string]any{"type": "string", "enum": []any{"web", "news"}},
			"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"q"},
	}
	got := geminiSchema(schema)
	if got.Type != genai.Type("OBJECT") {
		t.Errorf("type = %v, want OBJECT", got.Type)
	}
	if got.Description != "a query" {
		t.Errorf("description = %q", got.Description)
	}
	if got.Properties["q"].Type != genai.Type("STRING") {
		t.Errorf("q type = %v, want STRING", got.Properties["q"].Type)
	}
	if len(got.Properties["kind"].Enum) != 2 {
		t.Errorf("enum = %v, want 2 values", got.Properties["kind"].Enum)
	}
	if got.Properties["tags"].Items == nil || got.Properties["tags"].Items.Type != genai.Type("STRING") {
		t.Errorf("items = %+v, want STRING", got.Properties["tags"].Items)
	}
	if len(got.Required) != 1 || got.Required[0] != "q" {
		t.Errorf("required = %v, want [q]", got.Required)
	}
}

func TestConvertGeminiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		ResponseID: "resp-9",
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: genai.RoleModel,
				Parts: []*genai.Part{
					{Text: "weighing options", Thought: true},
					{Text: "checking the weather"},
					{FunctionCall: &genai.FunctionCall{Name: "get_weather", Args: map[string]any{"city": "NYC"}}},
				},
			},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     7,
			CandidatesTokenCount: 3,
			TotalTokenCount:      10,
			ThoughtsTokenCount:   2,
		},
	}
	got := convertGeminiResponse(resp, "gemini-2.0-flash")
	if got.ID != "resp-9" || got.Provider != "gemini" {
		t.Errorf("identity = %q/%q", got.ID, got.Provider)
	}
	if got.Reasoning() != "weighing options" {
		t.Errorf("reasoning = %q", got.Reasoning())
	}
	if got.Text() != "checking the weather" {
		t.Errorf("text = %q", got.Text())
	}
	if len(got.Message.ToolCalls) != 1 || got.Message.ToolCalls[0].Name != "get_weather" {
		t.Fatalf("tool calls = %+v", got.Message.ToolCalls)
	}
	if got.FinishReason.Reason != llm.FinishToolCalls {
		t.Errorf("finish = %v, want tool_calls to win over STOP", got.FinishReason.Reason)
	}
	if got.Usage.InputTokens != 7 || got.Usage.ReasoningTokens != 2 || got.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestConvertGeminiResponseNoCandidates(t *testing.T) {
	got := convertGeminiResponse(&genai.GenerateContentResponse{}, "gemini-2.0-flash")
	if got.FinishReason.Reason != llm.FinishError {
		t.Errorf("finish = %v, want error", got.FinishReason.Reason)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Code != "empty_response" {
		t.Errorf("warnings = %v, want empty_response", got.Warnings)
	}
}

func TestGeminiFinish(t *testing.T) {
	if got := geminiFinish("STOP", false); got.Reason != llm.FinishStop {
		t.Errorf("STOP = %v, want stop", got.Reason)
	}
	if got := geminiFinish("MAX_TOKENS", false); got.Reason != llm.FinishLength {
		t.Errorf("MAX_TOKENS = %v, want length", got.Reason)
	}
	if got := geminiFinish("STOP", true); got.Reason != llm.FinishToolCalls {
		t.Errorf("tool calls should win, got %v", got.Reason)
	}
	if got := geminiFinish("", false); got.Reason != llm.FinishStop {
		t.Errorf("empty reason = %v, want stop", got.Reason)
	}
}

func TestGeminiStatus(t *testing.T) {
	tests := []struct {
		message string
		want    int
	}{
		{"rpc error: code = ResourceExhausted desc = quota", 429},
		{"googleapi: Error 401: unauthenticated", 401},
		{"permission denied for project", 403},
		{"model not found", 404},
		{"service unavailable", 503},
		{"internal error", 500},
		{"something odd", 0},
	}
	for _, tt := range tests {
		if got := geminiStatus(tt.message); got != tt.want {
			t.Errorf("geminiStatus(%q) = %d, want %d", tt.message, got, tt.want)
		}
	}
}

func TestMapGeminiError(t *testing.T) {
	p := &GeminiProvider{}

	apiErr := genai.APIError{Code: 429, Message: "quota exceeded for requests", Status: "RESOURCE_EXHAUSTED"}
	mapped, ok := llm.AsError(p.mapError(apiErr))
	if !ok {
		t.Fatal("expected a classified error")
	}
	if mapped.Kind != llm.ErrKindQuotaExceeded {
		t.Errorf("kind = %v, want quota_exceeded", mapped.Kind)
	}
	if mapped.Code != "RESOURCE_EXHAUSTED" {
		t.Errorf("code = %q, want RESOURCE_EXHAUSTED", mapped.Code)
	}
	if mapped.Provider != "gemini" {
		t.Errorf("provider = %q, want gemini", mapped.Provider)
	}

	authErr := genai.APIError{Code: 401, Message: "API key not valid"}
	if !llm.IsKind(p.mapError(authErr), llm.ErrKindAuthentication) {
		t.Error("401 should map to authentication")
	}
}
