// Package llm provides a provider-neutral client for large language models:
// a normalised request/response model, a middleware chain, a streaming event
// protocol with multi-consumer fan-out, a shared error taxonomy, and retry.
//
// Concrete vendor adapters live in the providers subpackage and are registered
// on a Client by name. The client applies middleware and routing; adapters
// only translate wire formats.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleDeveloper Role = "developer"
)

// PartType identifies the kind of a message content part.
type PartType string

const (
	PartText             PartType = "text"
	PartImage            PartType = "image"
	PartAudio            PartType = "audio"
	PartDocument         PartType = "document"
	PartThinking         PartType = "thinking"
	PartRedactedThinking PartType = "redacted_thinking"
)

// Part is a single piece of content within a message. Text carries text and
// thinking parts; media parts use MimeType plus either Data or MediaURL.
// Signature preserves provider attestations on thinking parts so they can be
// replayed on subsequent requests.
type Part struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"media_url,omitempty"`
	MimeType  string   `json:"mime_type,omitempty"`
	Data      []byte   `json:"data,omitempty"`
	Signature string   `json:"signature,omitempty"`
}

// Message is a single message in a conversation. Plain text may be carried in
// Content; richer content uses Parts. Tool calls issued by the assistant are
// carried in ToolCalls, and a tool-role message answers one call via
// ToolCallID. Identity of a message is its position in the conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Parts      []Part     `json:"parts,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Text returns the textual content of the message: Content when set,
// otherwise the concatenation of text parts.
func (m Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Reasoning returns the concatenated thinking parts, empty when none.
func (m Message) Reasoning() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartThinking {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// SystemMessage builds a system-role text message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage builds a user-role text message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds an assistant-role text message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolMessage builds a tool-role message answering the given tool call.
func ToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: toolCallID, Content: content}
}

// ToolCall is a request from the model to invoke a tool. Arguments holds the
// canonical JSON object; Raw preserves the original string form when the
// provider shipped arguments as a JSON-serialised string.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Raw       string          `json:"raw,omitempty"`
}

// Args parses the call's arguments into a map. An empty argument payload
// yields an empty map, not an error.
func (tc ToolCall) Args() (map[string]any, error) {
	raw := tc.Arguments
	if len(raw) == 0 && tc.Raw != "" {
		raw = json.RawMessage(tc.Raw)
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("tool call %s: parse arguments: %w", tc.Name, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ToolResult is the outcome of executing a single tool call. Content is the
// payload returned to the model; IsError marks failures.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
