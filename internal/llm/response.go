package llm

import (
	"encoding/json"
	"strings"
)

// FinishReasonKind is the normalised reason the model stopped.
type FinishReasonKind string

const (
	FinishStop          FinishReasonKind = "stop"
	FinishLength        FinishReasonKind = "length"
	FinishToolCalls     FinishReasonKind = "tool_calls"
	FinishContentFilter FinishReasonKind = "content_filter"
	FinishError         FinishReasonKind = "error"
	FinishOther         FinishReasonKind = "other"
)

// FinishReason pairs the normalised stop reason with the provider's raw value.
type FinishReason struct {
	Reason FinishReasonKind `json:"reason"`
	Raw    string           `json:"raw,omitempty"`
}

// Warning is a non-fatal issue attached to a response.
type Warning struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Response is a provider-agnostic completion response.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider,omitempty"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	Warnings     []Warning    `json:"warnings,omitempty"`
}

// Text returns the concatenated text content of the final message.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return r.Message.Text()
}

// ToolCalls returns the tool calls of the final message with arguments
// parsed: calls whose arguments arrived as a raw JSON string have Arguments
// populated from it, and the raw string is preserved.
func (r *Response) ToolCalls() []ToolCall {
	if r == nil || len(r.Message.ToolCalls) == 0 {
		return nil
	}
	calls := make([]ToolCall, len(r.Message.ToolCalls))
	copy(calls, r.Message.ToolCalls)
	for i := range calls {
		if len(calls[i].Arguments) == 0 && calls[i].Raw != "" {
			if json.Valid([]byte(calls[i].Raw)) {
				calls[i].Arguments = json.RawMessage(calls[i].Raw)
			}
		}
	}
	return calls
}

// Reasoning returns the concatenated thinking content, empty when none.
func (r *Response) Reasoning() string {
	if r == nil {
		return ""
	}
	return r.Message.Reasoning()
}

// NormalizeFinish maps a raw provider stop reason onto the shared kinds.
// Adapters use it for the common vocabulary and special-case the rest.
func NormalizeFinish(raw string) FinishReason {
	switch strings.ToLower(raw) {
	case "stop", "end_turn", "stop_sequence", "completed":
		return FinishReason{Reason: FinishStop, Raw: raw}
	case "length", "max_tokens", "max_output_tokens":
		return FinishReason{Reason: FinishLength, Raw: raw}
	case "tool_calls", "tool_use", "function_call":
		return FinishReason{Reason: FinishToolCalls, Raw: raw}
	case "content_filter", "safety", "blocklist", "prohibited_content":
		return FinishReason{Reason: FinishContentFilter, Raw: raw}
	case "error":
		return FinishReason{Reason: FinishError, Raw: raw}
	default:
		return FinishReason{Reason: FinishOther, Raw: raw}
	}
}
