package llm

import (
	"context"
	"sync"
)

// StreamEventType identifies the kind of a streaming event.
type StreamEventType string

const (
	StreamEventStreamStart    StreamEventType = "stream_start"
	StreamEventTextStart      StreamEventType = "text_start"
	StreamEventTextDelta      StreamEventType = "text_delta"
	StreamEventTextEnd        StreamEventType = "text_end"
	StreamEventReasoningStart StreamEventType = "reasoning_start"
	StreamEventReasoningDelta StreamEventType = "reasoning_delta"
	StreamEventReasoningEnd   StreamEventType = "reasoning_end"
	StreamEventToolCallStart  StreamEventType = "tool_call_start"
	StreamEventToolCallDelta  StreamEventType = "tool_call_delta"
	StreamEventToolCallEnd    StreamEventType = "tool_call_end"
	StreamEventFinish         StreamEventType = "finish"
	StreamEventError          StreamEventType = "error"
	StreamEventProvider       StreamEventType = "provider_event"
)

// StreamEvent is one event in a completion stream. Delta carries text,
// reasoning, or tool-argument fragments. The terminal finish event carries
// the fully-formed Response and usage. Raw carries opaque provider events.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	Delta        string          `json:"delta,omitempty"`
	ToolCall     *ToolCall       `json:"tool_call,omitempty"`
	FinishReason *FinishReason   `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Response     *Response       `json:"response,omitempty"`
	Err          error           `json:"-"`
	Raw          any             `json:"raw,omitempty"`
}

// Stream is a buffered fan-out over a completion stream. A single drainer
// appends provider events to a shared buffer; any number of consumers read
// the full sequence through Events or TextStream, including consumers
// created after events have already arrived. Response blocks until the
// terminal finish event.
type Stream struct {
	mu     sync.Mutex
	events []StreamEvent
	notify chan struct{}
	done   bool
	resp   *Response
	err    error
}

func newStream() *Stream {
	return &Stream{notify: make(chan struct{})}
}

// append adds one event to the buffer and wakes waiting consumers.
func (s *Stream) append(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.events = append(s.events, ev)
	close(s.notify)
	s.notify = make(chan struct{})
}

// complete marks the stream finished and wakes all consumers. Exactly one of
// resp/err is set; repeated calls are ignored.
func (s *Stream) complete(resp *Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.resp = resp
	s.err = err
	close(s.notify)
}

// Events returns a channel replaying the full event sequence from the
// beginning, then following live events until the stream completes or ctx is
// cancelled. Each call gets an independent cursor.
func (s *Stream) Events(ctx context.Context) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		i := 0
		for {
			s.mu.Lock()
			for i < len(s.events) {
				ev := s.events[i]
				i++
				s.mu.Unlock()
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				s.mu.Lock()
			}
			if s.done {
				s.mu.Unlock()
				return
			}
			wait := s.notify
			s.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// TextStream returns a channel of text deltas only.
func (s *Stream) TextStream(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for ev := range s.Events(ctx) {
			if ev.Type != StreamEventTextDelta || ev.Delta == "" {
				continue
			}
			select {
			case out <- ev.Delta:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Response blocks until the stream completes and returns the final response
// carried by the terminal finish event.
func (s *Stream) Response(ctx context.Context) (*Response, error) {
	for {
		s.mu.Lock()
		if s.done {
			resp, err := s.resp, s.err
			s.mu.Unlock()
			return resp, err
		}
		wait := s.notify
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, AbortError(ctx.Err())
		}
	}
}

// drain consumes provider events into the buffer. The terminal finish event
// must carry the final response; a stream ending without one completes with
// a stream error.
func (s *Stream) drain(events <-chan StreamEvent) {
	for ev := range events {
		switch ev.Type {
		case StreamEventFinish:
			s.append(ev)
			if ev.Response != nil {
				s.complete(ev.Response, nil)
			} else {
				s.complete(nil, NewError(ErrKindStream, "finish event carried no response"))
			}
			return
		case StreamEventError:
			s.append(ev)
			err := ev.Err
			if err == nil {
				err = NewError(ErrKindStream, "stream failed")
			}
			s.complete(nil, err)
			return
		default:
			s.append(ev)
		}
	}
	s.complete(nil, NewError(ErrKindStream, "stream ended without finish event"))
}
