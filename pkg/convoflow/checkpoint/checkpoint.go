package checkpoint

import (
	"encoding/json"
	"time"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// Status describes where a thread's execution stood when a checkpoint was written.
type Status string

const (
	// StatusRunning means the turn was between nodes; NextNode is where to continue.
	StatusRunning Status = "running"

	// StatusSuspended means a node asked for external input; NextNode is that node.
	StatusSuspended Status = "suspended"

	// StatusDone means the graph reached a terminal node.
	StatusDone Status = "done"
)

// Interrupt is a pending request for external input.
type Interrupt struct {
	NodeID  string          `json:"node_id" msgpack:"node_id"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Checkpoint is the persisted snapshot of one thread's execution.
// The latest checkpoint of a thread is authoritative for resume.
type Checkpoint struct {
	// Metadata
	Version   int       `json:"version" msgpack:"version"`
	ThreadID  string    `json:"thread_id" msgpack:"thread_id"`
	Sequence  int       `json:"sequence" msgpack:"sequence"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`

	// NodeID is the last completed node. Empty for the input checkpoint
	// written when a turn starts.
	NodeID string `json:"node_id" msgpack:"node_id"`

	// Execution state
	State     json.RawMessage `json:"state" msgpack:"state"`
	NextNode  string          `json:"next_node" msgpack:"next_node"`
	Status    Status          `json:"status" msgpack:"status"`
	History   []string        `json:"history,omitempty" msgpack:"history,omitempty"`
	Interrupt *Interrupt      `json:"interrupt,omitempty" msgpack:"interrupt,omitempty"`
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// New creates a running checkpoint with the given parameters.
// State must already be JSON-serialized.
func New(threadID, nodeID string, sequence int, state []byte, nextNode string) *Checkpoint {
	return &Checkpoint{
		Version:   Version,
		ThreadID:  threadID,
		NodeID:    nodeID,
		Sequence:  sequence,
		Timestamp: time.Now().UTC(),
		State:     state,
		NextNode:  nextNode,
		Status:    StatusRunning,
	}
}

// WithStatus sets the execution status.
func (c *Checkpoint) WithStatus(status Status) *Checkpoint {
	c.Status = status
	return c
}

// WithHistory records the completed nodes so far. The slice is copied.
func (c *Checkpoint) WithHistory(history []string) *Checkpoint {
	c.History = append([]string(nil), history...)
	return c
}

// WithInterrupt marks the checkpoint as suspended at nodeID.
func (c *Checkpoint) WithInterrupt(nodeID string, payload []byte) *Checkpoint {
	c.Status = StatusSuspended
	c.NextNode = nodeID
	c.Interrupt = &Interrupt{NodeID: nodeID, Payload: payload}
	return c
}
