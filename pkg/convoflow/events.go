package convoflow

import "encoding/json"

// EventKind tags an Event.
type EventKind string

const (
	// EventChunk carries user-facing text emitted by a node.
	EventChunk EventKind = "chunk"

	// EventNodeUpdate is sent after a node completes, with the state it returned.
	EventNodeUpdate EventKind = "node_update"

	// EventInterrupt ends a turn that suspended waiting for input.
	EventInterrupt EventKind = "interrupt"

	// EventDone ends a turn that reached a terminal node.
	EventDone EventKind = "done"

	// EventError ends a turn that failed.
	EventError EventKind = "error"
)

// Event is one item of a turn's output stream. Every turn produces any
// number of chunk and node_update events followed by exactly one terminal
// event (interrupt, done or error).
type Event[S any] struct {
	Kind     EventKind
	ThreadID string
	NodeID   string

	// Text is set on chunk events.
	Text string

	// State is set on node_update, interrupt and done events.
	State S

	// Payload is the suspension payload on interrupt events.
	Payload any

	// Err is set on error events.
	Err error
}

// Terminal reports whether e ends its turn.
func (e Event[S]) Terminal() bool {
	switch e.Kind {
	case EventInterrupt, EventDone, EventError:
		return true
	}
	return false
}

// Interrupt is a pending request for external input.
type Interrupt struct {
	NodeID  string `json:"node_id"`
	Payload any    `json:"payload,omitempty"`
}

// Execution is the runtime position of a thread in its graph.
type Execution struct {
	// Current is the node the next turn starts at. For a suspended thread
	// this is the suspended node; for a finished thread it is END.
	Current string `json:"current"`

	// History holds completed nodes in order, across resumed turns.
	History []string `json:"history"`

	// Interrupt is non-nil while the thread waits for input.
	Interrupt *Interrupt `json:"interrupt,omitempty"`

	Status ExecutionStatus `json:"status"`
}

// ExecutionStatus mirrors the checkpoint status of a thread.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusSuspended ExecutionStatus = "suspended"
	StatusDone      ExecutionStatus = "done"
	StatusFailed    ExecutionStatus = "failed"
)

// payloadJSON encodes an interrupt payload for persistence.
func payloadJSON(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
