package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/haasonsaas/drover/internal/llm"
)

const (
	defaultBedrockRegion = "us-east-1"
	defaultBedrockModel  = "anthropic.claude-3-sonnet-20240229-v1:0"
)

// BedrockConfig configures the AWS Bedrock adapter. Credentials fall back to
// the default AWS chain when not set explicitly.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// BedrockProvider adapts the Bedrock Converse API. It reaches foundation
// models hosted on AWS, including Anthropic Claude, through one wire format.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	region       string
}

// NewBedrockProvider loads AWS configuration and builds the adapter.
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = defaultBedrockRegion
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultBedrockModel
	}
	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, llm.ConfigurationError("bedrock: load AWS config: %v", err)
	}
	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		region:       cfg.Region,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

// bedrockCall carries the converted pieces shared by the streaming and
// non-streaming inputs, which are distinct SDK types.
type bedrockCall struct {
	modelID    string
	messages   []types.Message
	system     []types.SystemContentBlock
	inference  *types.InferenceConfiguration
	toolConfig *types.ToolConfiguration
	additional document.Interface
}

// Complete performs a non-streaming completion via Converse.
func (p *BedrockProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	call := p.buildCall(req)
	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:                      aws.String(call.modelID),
		Messages:                     call.messages,
		System:                       call.system,
		InferenceConfig:              call.inference,
		ToolConfig:                   call.toolConfig,
		AdditionalModelRequestFields: call.additional,
	})
	if err != nil {
		return nil, p.mapError(err)
	}
	resp := convertBedrockResponse(out, call.modelID)
	resp.Warnings = append(resp.Warnings, bedrockWarnings(req)...)
	return resp, nil
}

// Stream performs a streaming completion via ConverseStream.
func (p *BedrockProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	call := p.buildCall(req)
	stream, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:                      aws.String(call.modelID),
		Messages:                     call.messages,
		System:                       call.system,
		InferenceConfig:              call.inference,
		ToolConfig:                   call.toolConfig,
		AdditionalModelRequestFields: call.additional,
	})
	if err != nil {
		return nil, p.mapError(err)
	}
	base := &llm.Response{
		Model:    call.modelID,
		Provider: "bedrock",
		Message:  llm.Message{Role: llm.RoleAssistant},
		Warnings: bedrockWarnings(req),
	}
	events := make(chan llm.StreamEvent)
	go p.drainStream(ctx, stream, events, base)
	return events, nil
}

func (p *BedrockProvider) buildCall(req *llm.Request) bedrockCall {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	call := bedrockCall{
		modelID:  model,
		messages: convertBedrockMessages(req.Messages),
	}
	if system := systemText(req.Messages); system != "" {
		call.system = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	inference := &types.InferenceConfiguration{}
	hasInference := false
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		hasInference = true
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
		hasInference = true
	}
	if req.TopP != nil {
		inference.TopP = aws.Float32(float32(*req.TopP))
		hasInference = true
	}
	if len(req.StopSequences) > 0 {
		inference.StopSequences = req.StopSequences
		hasInference = true
	}
	if hasInference {
		call.inference = inference
	}
	// The Converse API has no "none" tool choice; dropping the tools is the
	// behavioural equivalent.
	if len(req.Tools) > 0 && req.ToolChoice.Type != "none" {
		call.toolConfig = convertBedrockTools(req.Tools, req.ToolChoice)
	}
	if budget := bedrockThinkingBudget(req); budget > 0 && strings.Contains(model, "anthropic.") {
		call.additional = document.NewLazyDocument(map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": budget},
		})
	}
	return call
}

// bedrockThinkingBudget resolves the thinking budget passed through as
// additional model request fields on Anthropic models.
func bedrockThinkingBudget(req *llm.Request) int {
	if opts := req.Options("bedrock"); opts != nil {
		if n, ok := optInt(opts, "thinking_budget_tokens"); ok && n >= 1024 {
			return n
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

func bedrockWarnings(req *llm.Request) []llm.Warning {
	if req.ResponseFormat == nil || req.ResponseFormat.Type == llm.FormatText || req.ResponseFormat.Type == "" {
		return nil
	}
	return []llm.Warning{{
		Code:    "unsupported_response_format",
		Message: "bedrock does not enforce response_format; rely on the prompt",
	}}
}

// convertBedrockMessages maps the conversation to Converse turns. System and
// developer messages are hoisted by the caller; tool results become user-role
// tool_result blocks. Images ship inline bytes only; URL-only images are
// dropped rather than fetched.
func convertBedrockMessages(messages []llm.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			continue
		case llm.RoleTool:
			result = append(result, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(msg.ToolCallID),
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: msg.Text()},
						},
					},
				}},
			})
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == llm.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		var content []types.ContentBlock
		for _, part := range msg.Parts {
			switch part.Type {
			case llm.PartThinking:
				if part.Signature != "" {
					content = append(content, &types.ContentBlockMemberReasoningContent{
						Value: &types.ReasoningContentBlockMemberReasoningText{
							Value: types.ReasoningTextBlock{
								Text:      aws.String(part.Text),
								Signature: aws.String(part.Signature),
							},
						},
					})
				}
			case llm.PartRedactedThinking:
				if len(part.Data) > 0 {
					content = append(content, &types.ContentBlockMemberReasoningContent{
						Value: &types.ReasoningContentBlockMemberRedactedContent{Value: part.Data},
					})
				}
			case llm.PartText:
				if part.Text != "" {
					content = append(content, &types.ContentBlockMemberText{Value: part.Text})
				}
			case llm.PartImage:
				if block, ok := bedrockImageBlock(part); ok {
					content = append(content, block)
				}
			}
		}
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(callArgs(tc)),
				},
			})
		}
		if len(content) == 0 {
			continue
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func bedrockImageBlock(part llm.Part) (types.ContentBlock, bool) {
	data := part.Data
	mime := part.MimeType
	if len(data) == 0 {
		mediaType, encoded, ok := parseDataURL(part.MediaURL)
		if !ok {
			return nil, false
		}
		decoded, err := base64Decode(encoded)
		if err != nil {
			return nil, false
		}
		data = decoded
		mime = mediaType
	}
	format, ok := bedrockImageFormat(mime)
	if !ok {
		return nil, false
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}, true
}

func bedrockImageFormat(mime string) (types.ImageFormat, bool) {
	switch mime {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	return "", false
}

func convertBedrockTools(tools []llm.Tool, choice llm.ToolChoice) *types.ToolConfiguration {
	cfg := &types.ToolConfiguration{}
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		spec := types.ToolSpecification{
			Name:        aws.String(tool.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}
		if tool.Description != "" {
			spec.Description = aws.String(tool.Description)
		}
		cfg.Tools = append(cfg.Tools, &types.ToolMemberToolSpec{Value: spec})
	}
	switch choice.Type {
	case "auto":
		cfg.ToolChoice = &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}}
	case "required":
		cfg.ToolChoice = &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
	case "function":
		cfg.ToolChoice = &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(choice.Name)}}
	}
	return cfg
}

func convertBedrockResponse(out *bedrockruntime.ConverseOutput, model string) *llm.Response {
	resp := &llm.Response{
		Model:        model,
		Provider:     "bedrock",
		Message:      llm.Message{Role: llm.RoleAssistant},
		FinishReason: bedrockFinish(string(out.StopReason)),
		Usage:        bedrockUsage(out.Usage),
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		resp.Warnings = append(resp.Warnings, llm.Warning{Code: "empty_response", Message: "bedrock returned no message"})
		return resp
	}
	for _, block := range msg.Value.Content {
		switch block := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Message.Parts = append(resp.Message.Parts, llm.Part{Type: llm.PartText, Text: block.Value})
		case *types.ContentBlockMemberReasoningContent:
			switch reasoning := block.Value.(type) {
			case *types.ReasoningContentBlockMemberReasoningText:
				resp.Message.Parts = append(resp.Message.Parts, llm.Part{
					Type:      llm.PartThinking,
					Text:      aws.ToString(reasoning.Value.Text),
					Signature: aws.ToString(reasoning.Value.Signature),
				})
			case *types.ReasoningContentBlockMemberRedactedContent:
				resp.Message.Parts = append(resp.Message.Parts, llm.Part{
					Type: llm.PartRedactedThinking,
					Data: reasoning.Value,
				})
			}
		case *types.ContentBlockMemberToolUse:
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, llm.ToolCall{
				ID:        aws.ToString(block.Value.ToolUseId),
				Name:      aws.ToString(block.Value.Name),
				Arguments: documentJSON(block.Value.Input),
			})
		}
	}
	return resp
}

func documentJSON(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	raw, err := doc.MarshalSmithyDocument()
	if err != nil || len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

// bedrockFinish normalises a Converse stop reason. Guardrail outcomes map to
// content_filter.
func bedrockFinish(raw string) llm.FinishReason {
	switch raw {
	case "guardrail_intervened", "content_filtered":
		return llm.FinishReason{Reason: llm.FinishContentFilter, Raw: raw}
	}
	return llm.NormalizeFinish(raw)
}

func bedrockUsage(u *types.TokenUsage) llm.Usage {
	if u == nil {
		return llm.Usage{}
	}
	usage := llm.Usage{
		InputTokens:  int(aws.ToInt32(u.InputTokens)),
		OutputTokens: int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}

// drainStream converts Converse stream events into the shared protocol.
// Usage metadata arrives after message_stop, so the loop runs until the
// event channel closes and only then emits the finish event.
func (p *BedrockProvider) drainStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, events chan<- llm.StreamEvent, resp *llm.Response) {
	defer close(events)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var (
		textBuf     strings.Builder
		thinkingBuf strings.Builder
		thinkingSig strings.Builder
		redacted    []byte
		toolCall    *llm.ToolCall
		toolInput   strings.Builder
		blockType   string
		stopReason  string
	)

	closeBlock := func() {
		switch blockType {
		case "text":
			if textBuf.Len() > 0 {
				resp.Message.Parts = append(resp.Message.Parts, llm.Part{Type: llm.PartText, Text: textBuf.String()})
			}
			textBuf.Reset()
			events <- llm.StreamEvent{Type: llm.StreamEventTextEnd}
		case "reasoning":
			if thinkingBuf.Len() > 0 || thinkingSig.Len() > 0 {
				resp.Message.Parts = append(resp.Message.Parts, llm.Part{
					Type:      llm.PartThinking,
					Text:      thinkingBuf.String(),
					Signature: thinkingSig.String(),
				})
			}
			if len(redacted) > 0 {
				resp.Message.Parts = append(resp.Message.Parts, llm.Part{Type: llm.PartRedactedThinking, Data: redacted})
			}
			thinkingBuf.Reset()
			thinkingSig.Reset()
			redacted = nil
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
			toolInput.Reset()
		}
		blockType = ""
	}

	events <- llm.StreamEvent{Type: llm.StreamEventStreamStart}

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			events <- llm.StreamEvent{Type: llm.StreamEventError, Err: llm.AbortError(ctx.Err())}
			return
		case event, ok := <-eventChan:
			if !ok {
				if toolCall != nil || blockType != "" {
					closeBlock()
				}
				if err := eventStream.Err(); err != nil {
					events <- llm.StreamEvent{Type: llm.StreamEventError, Err: p.mapError(err)}
					return
				}
				resp.FinishReason = bedrockFinish(stopReason)
				if stopReason == "" {
					if len(resp.Message.ToolCalls) > 0 {
						resp.FinishReason = llm.FinishReason{Reason: llm.FinishToolCalls}
					} else {
						resp.FinishReason = llm.FinishReason{Reason: llm.FinishStop}
					}
				}
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

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					closeBlock()
					blockType = "tool_use"
					toolCall = &llm.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
					events <- llm.StreamEvent{
						Type:     llm.StreamEventToolCallStart,
						ToolCall: &llm.ToolCall{ID: toolCall.ID, Name: toolCall.Name},
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						if blockType == "" {
							blockType = "text"
							events <- llm.StreamEvent{Type: llm.StreamEventTextStart}
						}
						textBuf.WriteString(delta.Value)
						events <- llm.StreamEvent{Type: llm.StreamEventTextDelta, Delta: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
						events <- llm.StreamEvent{Type: llm.StreamEventToolCallDelta, Delta: *delta.Value.Input}
					}
				case *types.ContentBlockDeltaMemberReasoningContent:
					switch reasoning := delta.Value.(type) {
					case *types.ReasoningContentBlockDeltaMemberText:
						if reasoning.Value != "" {
							if blockType == "" {
								blockType = "reasoning"
								events <- llm.StreamEvent{Type: llm.StreamEventReasoningStart}
							}
							thinkingBuf.WriteString(reasoning.Value)
							events <- llm.StreamEvent{Type: llm.StreamEventReasoningDelta, Delta: reasoning.Value}
						}
					case *types.ReasoningContentBlockDeltaMemberSignature:
						if blockType == "" {
							blockType = "reasoning"
							events <- llm.StreamEvent{Type: llm.StreamEventReasoningStart}
						}
						thinkingSig.WriteString(reasoning.Value)
					case *types.ReasoningContentBlockDeltaMemberRedactedContent:
						if blockType == "" {
							blockType = "reasoning"
							events <- llm.StreamEvent{Type: llm.StreamEventReasoningStart}
						}
						redacted = append(redacted, reasoning.Value...)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				closeBlock()

			case *types.ConverseStreamOutputMemberMessageStop:
				stopReason = string(ev.Value.StopReason)

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					resp.Usage = bedrockUsage(ev.Value.Usage)
				}
			}
		}
	}
}

func (p *BedrockProvider) mapError(err error) error {
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
			WithProvider("bedrock").WithCause(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		mapped := llm.Classify("bedrock", bedrockStatus(apiErr.ErrorCode()), apiErr.ErrorMessage(), err)
		return mapped.WithCode(apiErr.ErrorCode())
	}
	return llm.Classify("bedrock", 0, err.Error(), err)
}

// bedrockStatus maps modeled AWS exception codes onto HTTP statuses so the
// shared classifier can place them.
func bedrockStatus(code string) int {
	switch code {
	case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
		return 429
	case "AccessDeniedException":
		return 403
	case "UnrecognizedClientException", "InvalidSignatureException":
		return 401
	case "ResourceNotFoundException":
		return 404
	case "ValidationException":
		return 400
	case "ModelTimeoutException":
		return 408
	case "ServiceUnavailableException", "ModelNotReadyException":
		return 503
	case "InternalServerException", "ModelErrorException":
		return 500
	}
	return 0
}
