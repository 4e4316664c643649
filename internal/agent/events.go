package agent

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies a session event.
type EventKind string

const (
	EventSessionStart     EventKind = "session_start"
	EventSessionEnd       EventKind = "session_end"
	EventUserInput        EventKind = "user_input"
	EventSteeringInjected EventKind = "steering_injected"
	EventLLMCallStart     EventKind = "llm_call_start"
	EventLLMCallEnd       EventKind = "llm_call_end"
	EventAssistantTextEnd EventKind = "assistant_text_end"
	EventToolCallStart    EventKind = "tool_call_start"
	EventToolCallEnd      EventKind = "tool_call_end"
	EventTurnComplete     EventKind = "turn_complete"
	EventTurnLimit        EventKind = "turn_limit"
	EventLoopDetection    EventKind = "loop_detection"
	EventWarning          EventKind = "warning"
	EventError            EventKind = "error"
	EventSubagentSpawn    EventKind = "subagent_spawn"
	EventSubagentComplete EventKind = "subagent_complete"
)

// Event is a single session event with a monotonic sequence number.
type Event struct {
	Kind      EventKind      `json:"kind"`
	SessionID string         `json:"session_id"`
	Sequence  uint64         `json:"sequence"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber receives events synchronously in emission order.
type Subscriber func(Event)

// Emitter publishes session events to subscribers. Publication is
// synchronous within the session's execution domain, so a subscriber
// observes events in exactly the order the loop produced them.
type Emitter struct {
	sessionID string
	sequence  uint64

	mu   sync.Mutex
	subs []Subscriber
}

// NewEmitter creates an emitter scoped to one session.
func NewEmitter(sessionID string) *Emitter {
	return &Emitter{sessionID: sessionID}
}

// Subscribe registers a subscriber for all subsequent events.
func (e *Emitter) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// Emit publishes an event to every subscriber, in registration order.
func (e *Emitter) Emit(kind EventKind, data map[string]any) {
	event := Event{
		Kind:      kind,
		SessionID: e.sessionID,
		Sequence:  atomic.AddUint64(&e.sequence, 1),
		Time:      time.Now(),
		Data:      data,
	}
	e.mu.Lock()
	subs := append([]Subscriber(nil), e.subs...)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(event)
	}
}
