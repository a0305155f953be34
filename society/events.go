package society

import (
	"sync"
	"time"
)

// EventKind identifies the type of a run event.
type EventKind string

const (
	EventRunStart     EventKind = "run_start"
	EventRunEnd       EventKind = "run_end"
	EventRoundStart   EventKind = "round_start"
	EventRoundEnd     EventKind = "round_end"
	EventAgentError   EventKind = "agent_error"
	EventRetry        EventKind = "retry"
	EventToolCall     EventKind = "tool_call"
	EventToolResult   EventKind = "tool_result"
	EventLoopDetected EventKind = "loop_detected"
	EventToolLimit    EventKind = "tool_limit"
	EventTerminated   EventKind = "terminated"
)

// Event is a typed event emitted while a society runs.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Round     int            `json:"round"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers events on a buffered channel. Emit never blocks:
// when the buffer is full the event is dropped.
type EventEmitter struct {
	runID  string
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

// NewEventEmitter creates an emitter with the given buffer size (256 when
// bufferSize is not positive).
func NewEventEmitter(runID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{runID: runID, ch: make(chan Event, bufferSize)}
}

// RunID returns the run the emitter reports for.
func (e *EventEmitter) RunID() string {
	if e == nil {
		return ""
	}
	return e.runID
}

// Emit sends an event. A nil or closed emitter drops it.
func (e *EventEmitter) Emit(kind EventKind, round int, data map[string]any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- Event{Kind: kind, Timestamp: time.Now(), RunID: e.runID, Round: round, Data: data}:
	default:
	}
}

// Events returns the receive side of the event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. It is safe to call more than once.
func (e *EventEmitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
