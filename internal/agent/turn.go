// Package agent implements the session loop that drives a model through
// rounds of tool use: an append-only turn history, steering and follow-up
// queues, loop detection, context accounting, and depth-limited subagents.
package agent

import (
	"time"

	"github.com/haasonsaas/drover/internal/llm"
)

// TurnKind discriminates the entries of a session's history.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSteering    TurnKind = "steering"
	TurnSystem      TurnKind = "system"
)

// Turn is one entry in the append-only conversation history. Which fields
// are populated depends on Kind: Text for user, steering, system, and
// assistant turns; ToolCalls, Reasoning, Usage, and ResponseID for
// assistant turns; Results for tool_results turns.
type Turn struct {
	Kind       TurnKind         `json:"kind"`
	Text       string           `json:"text,omitempty"`
	ToolCalls  []llm.ToolCall   `json:"tool_calls,omitempty"`
	Results    []llm.ToolResult `json:"results,omitempty"`
	Reasoning  string           `json:"reasoning,omitempty"`
	Usage      llm.Usage        `json:"usage,omitempty"`
	ResponseID string           `json:"response_id,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewUserTurn builds a user turn.
func NewUserTurn(text string) Turn {
	return Turn{Kind: TurnUser, Text: text, Timestamp: time.Now()}
}

// NewAssistantTurn builds an assistant turn. Nil tool calls are recorded as
// an empty list so history consumers never see absent fields.
func NewAssistantTurn(text string, toolCalls []llm.ToolCall, reasoning string, usage llm.Usage, responseID string) Turn {
	if toolCalls == nil {
		toolCalls = []llm.ToolCall{}
	}
	return Turn{
		Kind:       TurnAssistant,
		Text:       text,
		ToolCalls:  toolCalls,
		Reasoning:  reasoning,
		Usage:      usage,
		ResponseID: responseID,
		Timestamp:  time.Now(),
	}
}

// NewToolResultsTurn builds a tool_results turn.
func NewToolResultsTurn(results []llm.ToolResult) Turn {
	if results == nil {
		results = []llm.ToolResult{}
	}
	return Turn{Kind: TurnToolResults, Results: results, Timestamp: time.Now()}
}

// NewSteeringTurn builds a steering turn.
func NewSteeringTurn(text string) Turn {
	return Turn{Kind: TurnSteering, Text: text, Timestamp: time.Now()}
}

// NewSystemTurn builds a system turn.
func NewSystemTurn(text string) Turn {
	return Turn{Kind: TurnSystem, Text: text, Timestamp: time.Now()}
}

// TextContent returns the turn's text for content-bearing kinds, empty
// otherwise.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser, TurnAssistant, TurnSteering, TurnSystem:
		return t.Text
	default:
		return ""
	}
}

// ConvertHistoryToMessages renders a turn history as provider messages.
// Steering turns become user-role messages so the model cannot distinguish
// them from direct input, and each tool result becomes its own tool-role
// message. The conversion is pure: converting the same history twice yields
// the same message list.
func ConvertHistoryToMessages(history []Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Kind {
		case TurnUser, TurnSteering:
			messages = append(messages, llm.UserMessage(turn.Text))
		case TurnSystem:
			messages = append(messages, llm.SystemMessage(turn.Text))
		case TurnAssistant:
			msg := llm.Message{
				Role:      llm.RoleAssistant,
				Content:   turn.Text,
				ToolCalls: append([]llm.ToolCall(nil), turn.ToolCalls...),
			}
			messages = append(messages, msg)
		case TurnToolResults:
			for _, result := range turn.Results {
				messages = append(messages, llm.ToolMessage(result.ToolCallID, result.Content))
			}
		}
	}
	return messages
}
