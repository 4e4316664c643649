package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/drover/internal/llm"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
}

// GeminiProvider adapts the Gemini API.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiProvider validates the config and builds the adapter.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, llm.ConfigurationError("gemini: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultGeminiModel
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llm.ConfigurationError("gemini: create client: %v", err)
	}
	return &GeminiProvider{client: client, defaultModel: cfg.DefaultModel}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

// Complete performs a non-streaming completion.
func (p *GeminiProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := p.model(req.Model)
	resp, err := p.client.Models.GenerateContent(ctx, model, convertGeminiMessages(req.Messages), p.buildConfig(req))
	if err != nil {
		return nil, p.mapError(err)
	}
	return convertGeminiResponse(resp, model), nil
}

// Stream performs a streaming completion.
func (p *GeminiProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	model := p.model(req.Model)
	chunks := p.client.Models.GenerateContentStream(ctx, model, convertGeminiMessages(req.Messages), p.buildConfig(req))
	events := make(chan llm.StreamEvent)
	go p.drainStream(ctx, chunks, events, model)
	return events, nil
}

func (p *GeminiProvider) model(override string) string {
	if override != "" {
		return override
	}
	return p.defaultModel
}

func (p *GeminiProvider) buildConfig(req *llm.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system := systemText(req.Messages); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		config.TopP = genai.Ptr(float32(*req.TopP))
	}
	if len(req.StopSequences) > 0 {
		config.StopSequences = req.StopSequences
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGeminiTools(req.Tools)
		if fc := geminiToolConfig(req.ToolChoice); fc != nil {
			config.ToolConfig = fc
		}
	}
	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case llm.FormatJSONObject:
			config.ResponseMIMEType = "application/json"
		case llm.FormatJSONSchema:
			config.ResponseMIMEType = "application/json"
			var schema map[string]any
			if json.Unmarshal(req.ResponseFormat.JSONSchema, &schema) == nil && schema != nil {
				config.ResponseSchema = geminiSchema(schema)
			}
		}
	}
	if budget, ok := geminiThinkingBudget(req); ok {
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: budget > 0,
			ThinkingBudget:  genai.Ptr(budget),
		}
	}
	return config
}

// geminiThinkingBudget resolves the thinking budget: an explicit
// thinking_budget provider option wins, then the reasoning effort tier.
// ReasoningNone maps to a zero budget, which disables thinking.
func geminiThinkingBudget(req *llm.Request) (int32, bool) {
	if opts := req.Options("gemini"); opts != nil {
		if n, ok := optInt(opts, "thinking_budget"); ok && n >= 0 {
			return int32(n), true
		}
	}
	switch req.ReasoningEffort {
	case llm.ReasoningNone:
		return 0, true
	case llm.ReasoningLow:
		return 2048, true
	case llm.ReasoningMedium:
		return 8192, true
	case llm.ReasoningHigh:
		return 24576, true
	}
	return 0, false
}

func geminiToolConfig(choice llm.ToolChoice) *genai.ToolConfig {
	fc := &genai.FunctionCallingConfig{}
	switch choice.Type {
	case "auto":
		fc.Mode = genai.FunctionCallingConfigModeAuto
	case "required":
		fc.Mode = genai.FunctionCallingConfigModeAny
	case "none":
		fc.Mode = genai.FunctionCallingConfigModeNone
	case "function":
		fc.Mode = genai.FunctionCallingConfigModeAny
		fc.AllowedFunctionNames = []string{choice.Name}
	default:
		return nil
	}
	return &genai.ToolConfig{FunctionCallingConfig: fc}
}

// convertGeminiMessages maps the conversation to Gemini contents. System and
// developer messages travel as the system instruction and are skipped here.
// Tool results become user-role function responses.
func convertGeminiMessages(messages []llm.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			continue
		case llm.RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					Name:     geminiToolName(messages, msg.ToolCallID),
					Response: geminiToolResponse(msg.Text()),
				}}},
			})
			continue
		}
		role := genai.RoleUser
		if msg.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for _, part := range msg.Parts {
			switch part.Type {
			case llm.PartText:
				if part.Text != "" {
					parts = append(parts, &genai.Part{Text: part.Text})
				}
			case llm.PartImage:
				if p := geminiMediaPart(part); p != nil {
					parts = append(parts, p)
				}
			}
		}
		for _, tc := range msg.ToolCalls {
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				Name: tc.Name,
				Args: callArgs(tc),
			}})
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func geminiMediaPart(part llm.Part) *genai.Part {
	if len(part.Data) > 0 && part.MimeType != "" {
		return &genai.Part{InlineData: &genai.Blob{Data: part.Data, MIMEType: part.MimeType}}
	}
	if part.MediaURL == "" {
		return nil
	}
	if mediaType, data, ok := parseDataURL(part.MediaURL); ok {
		if decoded, err := base64Decode(data); err == nil {
			return &genai.Part{InlineData: &genai.Blob{Data: decoded, MIMEType: mediaType}}
		}
		return nil
	}
	mime := part.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return &genai.Part{FileData: &genai.FileData{FileURI: part.MediaURL, MIMEType: mime}}
}

// geminiToolResponse shapes tool output as the map the API requires. JSON
// object output passes through; anything else is wrapped.
func geminiToolResponse(content string) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err == nil && parsed != nil {
		return parsed
	}
	return map[string]any{"result": content}
}

// geminiToolName recovers the function name behind a tool call ID. Gemini
// does not return call IDs, so the adapter mints call_<name>_<nanos> IDs and
// this reverses them, preferring an exact match in the conversation.
func geminiToolName(messages []llm.Message, id string) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == id {
				return tc.Name
			}
		}
	}
	if s, ok := strings.CutPrefix(id, "call_"); ok {
		if i := strings.LastIndex(s, "_"); i > 0 {
			return s[:i]
		}
	}
	return id
}

func geminiCallID(fc *genai.FunctionCall) string {
	if fc.ID != "" {
		return fc.ID
	}
	return fmt.Sprintf("call_%s_%d", fc.Name, time.Now().UnixNano())
}

func convertGeminiTools(tools []llm.Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decl := &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
		}
		var schema map[string]any
		if json.Unmarshal(tool.Parameters, &schema) == nil && schema != nil {
			decl.Parameters = geminiSchema(schema)
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema converts a JSON schema map into the typed schema the API
// takes, recursing through properties and array items.
func geminiSchema(schema map[string]any) *genai.Schema {
	out := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		out.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				out.Properties[name] = geminiSchema(sub)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, v := range required {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = geminiSchema(items)
	}
	return out
}

func convertGeminiResponse(resp *genai.GenerateContentResponse, model string) *llm.Response {
	out := &llm.Response{
		ID:       resp.ResponseID,
		Model:    model,
		Provider: "gemini",
		Message:  llm.Message{Role: llm.RoleAssistant},
	}
	if resp.UsageMetadata != nil {
		out.Usage = geminiUsage(resp.UsageMetadata)
	}
	if len(resp.Candidates) == 0 {
		out.FinishReason = llm.FinishReason{Reason: llm.FinishError, Raw: "no_candidates"}
		out.Warnings = append(out.Warnings, llm.Warning{Code: "empty_response", Message: "gemini returned no candidates"})
		return out
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				kind := llm.PartText
				if part.Thought {
					kind = llm.PartThinking
				}
				out.Message.Parts = append(out.Message.Parts, llm.Part{Type: kind, Text: part.Text})
			}
			if part.FunctionCall != nil {
				out.Message.ToolCalls = append(out.Message.ToolCalls, geminiToolCall(part.FunctionCall))
			}
		}
	}
	out.FinishReason = geminiFinish(string(cand.FinishReason), len(out.Message.ToolCalls) > 0)
	return out
}

func geminiToolCall(fc *genai.FunctionCall) llm.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || string(args) == "null" {
		args = []byte("{}")
	}
	return llm.ToolCall{ID: geminiCallID(fc), Name: fc.Name, Arguments: args}
}

// geminiFinish normalises a candidate finish reason. Gemini reports STOP even
// when the turn ended in function calls, so tool calls win.
func geminiFinish(raw string, hasToolCalls bool) llm.FinishReason {
	if hasToolCalls {
		return llm.FinishReason{Reason: llm.FinishToolCalls, Raw: raw}
	}
	if raw == "" {
		return llm.FinishReason{Reason: llm.FinishStop}
	}
	return llm.NormalizeFinish(raw)
}

func geminiUsage(meta *genai.GenerateContentResponseUsageMetadata) llm.Usage {
	usage := llm.Usage{
		InputTokens:     int(meta.PromptTokenCount),
		OutputTokens:    int(meta.CandidatesTokenCount),
		TotalTokens:     int(meta.TotalTokenCount),
		ReasoningTokens: int(meta.ThoughtsTokenCount),
		CacheReadTokens: int(meta.CachedContentTokenCount),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}

func (p *GeminiProvider) drainStream(ctx context.Context, chunks iter.Seq2[*genai.GenerateContentResponse, error], events chan<- llm.StreamEvent, model string) {
	defer close(events)

	resp := &llm.Response{Model: model, Provider: "gemini", Message: llm.Message{Role: llm.RoleAssistant}}
	var (
		textBuf    strings.Builder
		thoughtBuf strings.Builder
		textOpen   bool
		thgtOpen   bool
		finishRaw  string
	)

	closeThought := func() {
		if thgtOpen {
			events <- llm.StreamEvent{Type: llm.StreamEventReasoningEnd}
			thgtOpen = false
		}
	}
	closeText := func() {
		if textOpen {
			events <- llm.StreamEvent{Type: llm.StreamEventTextEnd}
			textOpen = false
		}
	}

	events <- llm.StreamEvent{Type: llm.StreamEventStreamStart}

	for chunk, err := range chunks {
		if err != nil {
			events <- llm.StreamEvent{Type: llm.StreamEventError, Err: p.mapError(err)}
			return
		}
		if ctx.Err() != nil {
			events <- llm.StreamEvent{Type: llm.StreamEventError, Err: llm.AbortError(ctx.Err())}
			return
		}
		if chunk == nil {
			continue
		}
		if chunk.ResponseID != "" {
			resp.ID = chunk.ResponseID
		}
		if chunk.UsageMetadata != nil {
			resp.Usage = geminiUsage(chunk.UsageMetadata)
		}
		for _, cand := range chunk.Candidates {
			if cand == nil {
				continue
			}
			if cand.Content != nil {
				for _, part := range cand.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						if part.Thought {
							if !thgtOpen {
								events <- llm.StreamEvent{Type: llm.StreamEventReasoningStart}
								thgtOpen = true
							}
							thoughtBuf.WriteString(part.Text)
							events <- llm.StreamEvent{Type: llm.StreamEventReasoningDelta, Delta: part.Text}
						} else {
							closeThought()
							if !textOpen {
								events <- llm.StreamEvent{Type: llm.StreamEventTextStart}
								textOpen = true
							}
							textBuf.WriteString(part.Text)
							events <- llm.StreamEvent{Type: llm.StreamEventTextDelta, Delta: part.Text}
						}
					}
					if part.FunctionCall != nil {
						call := geminiToolCall(part.FunctionCall)
						resp.Message.ToolCalls = append(resp.Message.ToolCalls, call)
						events <- llm.StreamEvent{
							Type:     llm.StreamEventToolCallStart,
							ToolCall: &llm.ToolCall{ID: call.ID, Name: call.Name},
						}
						events <- llm.StreamEvent{Type: llm.StreamEventToolCallEnd, ToolCall: &call}
					}
				}
			}
			if cand.FinishReason != "" {
				finishRaw = string(cand.FinishReason)
			}
		}
	}

	closeThought()
	closeText()
	if thoughtBuf.Len() > 0 {
		resp.Message.Parts = append(resp.Message.Parts, llm.Part{Type: llm.PartThinking, Text: thoughtBuf.String()})
	}
	if textBuf.Len() > 0 {
		resp.Message.Parts = append(resp.Message.Parts, llm.Part{Type: llm.PartText, Text: textBuf.String()})
	}
	resp.FinishReason = geminiFinish(finishRaw, len(resp.Message.ToolCalls) > 0)
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}
	events <- llm.StreamEvent{
		Type:         llm.StreamEventFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	}
}

func (p *GeminiProvider) mapError(err error) error {
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
			WithProvider("gemini").WithCause(err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		mapped := llm.Classify("gemini", apiErr.Code, apiErr.Message, err)
		if apiErr.Status != "" {
			mapped = mapped.WithCode(apiErr.Status)
		}
		return mapped
	}
	return llm.Classify("gemini", geminiStatus(err.Error()), err.Error(), err)
}

// geminiStatus infers an HTTP status from gRPC-flavoured error text for
// errors that do not carry the typed API error.
func geminiStatus(message string) int {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		return 401
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		return 403
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return 404
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted"):
		return 429
	case strings.Contains(msg, "503") || strings.Contains(msg, "unavailable"):
		return 503
	case strings.Contains(msg, "500") || strings.Contains(msg, "internal"):
		return 500
	}
	return 0
}
