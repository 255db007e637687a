// Package events carries the ordered stream of progress events a
// session emits while it runs. Each session owns one Sink; one consumer
// drains it.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type labels one kind of session event.
type Type string

const (
	TypeStatus       Type = "status"
	TypeToolStart    Type = "tool_start"
	TypeToolComplete Type = "tool_complete"
	TypeToolError    Type = "tool_error"
	TypeToolAbort    Type = "tool_abort"
	TypeContent      Type = "content"
	TypeProgress     Type = "progress"
	TypeComplete     Type = "complete"
	TypeError        Type = "error"
)

// Event is one entry in a session's stream. Seq increases by one per
// event within a sink; Timestamp is UnixMilli.
type Event struct {
	Type      Type                   `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Seq       int64                  `json:"seq"`
	Timestamp int64                  `json:"timestamp"`
}

// DefaultBuffer is the sink channel capacity. A session that outruns
// its consumer by more than this drops events rather than stall.
const DefaultBuffer = 256

// Sink is an append-only, ordered event channel for a single session.
// Emit never blocks: events past the buffer are dropped and counted,
// and emitting after Close is a no-op.
type Sink struct {
	sessionID string
	ch        chan Event
	seq       uint64
	dropped   uint64

	mu     sync.Mutex
	closed bool
}

// NewSink creates a sink with the default buffer.
func NewSink(sessionID string) *Sink {
	return NewSinkBuffer(sessionID, DefaultBuffer)
}

// NewSinkBuffer creates a sink with an explicit buffer size.
func NewSinkBuffer(sessionID string, buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Sink{
		sessionID: sessionID,
		ch:        make(chan Event, buffer),
	}
}

// Emit appends one event to the stream.
func (s *Sink) Emit(typ Type, message string, data map[string]interface{}) {
	event := Event{
		Type:      typ,
		SessionID: s.sessionID,
		Message:   message,
		Data:      data,
		Seq:       int64(atomic.AddUint64(&s.seq, 1)),
		Timestamp: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- event:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// Events exposes the receive side of the stream. The channel closes
// when the sink does.
func (s *Sink) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the consumer
// fell behind.
func (s *Sink) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close ends the stream. Safe to call more than once.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
