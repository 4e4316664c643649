package llm

import (
	"context"
	"encoding/json"
)

// ReasoningEffort requests a thinking budget from providers that support it.
type ReasoningEffort string

const (
	ReasoningNone   ReasoningEffort = "none"
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

// ToolChoice controls how the model selects tools.
type ToolChoice struct {
	Type string `json:"type"`           // auto, required, none, function
	Name string `json:"name,omitempty"` // function name when Type is "function"
}

var (
	ToolChoiceAuto     = ToolChoice{Type: "auto"}
	ToolChoiceRequired = ToolChoice{Type: "required"}
	ToolChoiceNone     = ToolChoice{Type: "none"}
)

// ToolChoiceFunc forces the named tool to be called.
func ToolChoiceFunc(name string) ToolChoice {
	return ToolChoice{Type: "function", Name: name}
}

// ResponseFormat constrains the model's output format.
type ResponseFormat struct {
	Type       string          `json:"type"` // text, json_object, json_schema
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
	Strict     bool            `json:"strict,omitempty"`
}

const (
	FormatText       = "text"
	FormatJSONObject = "json_object"
	FormatJSONSchema = "json_schema"
)

// Tool describes a function the model may call. Parameters is a JSON schema
// for the arguments. Execute is optional: tools without it are
// definition-only and their calls are returned to the caller unexecuted.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Execute     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Request is a provider-agnostic completion request. Provider selects the
// registered adapter and defaults to the client's configured default.
// ProviderOptions carries opaque per-provider options keyed by provider name;
// adapters read only their own entry.
type Request struct {
	Provider        string                    `json:"provider,omitempty"`
	Model           string                    `json:"model"`
	Messages        []Message                 `json:"messages"`
	Tools           []Tool                    `json:"tools,omitempty"`
	ToolChoice      ToolChoice                `json:"tool_choice,omitempty"`
	ResponseFormat  *ResponseFormat           `json:"response_format,omitempty"`
	Temperature     *float64                  `json:"temperature,omitempty"`
	TopP            *float64                  `json:"top_p,omitempty"`
	MaxTokens       int                       `json:"max_tokens,omitempty"`
	StopSequences   []string                  `json:"stop_sequences,omitempty"`
	ReasoningEffort ReasoningEffort           `json:"reasoning_effort,omitempty"`
	ProviderOptions map[string]map[string]any `json:"provider_options,omitempty"`
}

// Options returns the provider_options entry for the named provider.
func (r *Request) Options(provider string) map[string]any {
	if r.ProviderOptions == nil {
		return nil
	}
	return r.ProviderOptions[provider]
}

// Clone returns a shallow copy with its own message and tool slices, so a
// middleware can reshape the request without mutating the caller's value.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	out.Tools = append([]Tool(nil), r.Tools...)
	out.StopSequences = append([]string(nil), r.StopSequences...)
	return &out
}
