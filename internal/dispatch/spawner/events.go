package spawner

import (
	"encoding/json"
	"sync"
	"time"
)

// EventKind classifies a session event.
type EventKind string

const (
	KindSystem     EventKind = "system"
	KindAssistant  EventKind = "assistant"
	KindToolUse    EventKind = "tool_use"
	KindToolResult EventKind = "tool_result"
	KindError      EventKind = "error"
	KindResult     EventKind = "result"
	KindExit       EventKind = "exit"
)

// Event is one typed event from a session's process stream.
type Event struct {
	Kind              EventKind
	SessionID         string
	ProviderSessionID string
	Content           string
	ToolName          string
	ExitCode          int
	Signal            string
	Raw               json.RawMessage
	Timestamp         time.Time
}

// Listener receives session events in arrival order.
type Listener func(Event)

// Emitter fans a session's event stream out to listeners. Listeners added
// after the exit event immediately receive it, so late observers never miss
// process termination.
type Emitter struct {
	mu        sync.Mutex
	listeners []Listener
	exited    bool
	exitEvent Event
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// AddListener registers a listener. If the session already exited the
// listener is invoked with the exit event before this call returns.
func (e *Emitter) AddListener(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	exited := e.exited
	exitEvent := e.exitEvent
	e.mu.Unlock()

	if exited {
		l(exitEvent)
	}
}

// Emit delivers an event to all listeners synchronously, in order.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	if event.Kind == KindExit {
		if e.exited {
			e.mu.Unlock()
			return
		}
		e.exited = true
		e.exitEvent = event
	}
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}
