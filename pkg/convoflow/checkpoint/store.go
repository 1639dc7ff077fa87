// Package checkpoint provides thread-scoped persistent storage for
// conversation checkpoints.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Store persists checkpoints keyed by thread and sequence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores a checkpoint for a thread.
	// Overwrites if a checkpoint with the same (threadID, sequence) exists.
	Save(ctx context.Context, threadID string, sequence int, nodeID string, data []byte) error

	// Latest retrieves the checkpoint with the highest sequence.
	// Returns ErrNotFound if the thread has no checkpoints.
	Latest(ctx context.Context, threadID string) ([]byte, error)

	// Load retrieves a specific checkpoint.
	// Returns ErrNotFound if it doesn't exist.
	Load(ctx context.Context, threadID string, sequence int) ([]byte, error)

	// List returns all checkpoints for a thread, ordered by sequence.
	// Returns empty slice (not error) if the thread has no checkpoints.
	List(ctx context.Context, threadID string) ([]Info, error)

	// Threads returns the ids of all threads with at least one checkpoint.
	Threads(ctx context.Context) ([]string, error)

	// Prune removes all but the newest keep checkpoints of a thread.
	// A keep of zero or less is a no-op.
	Prune(ctx context.Context, threadID string, keep int) error

	// DeleteThread removes all checkpoints for a thread.
	// Returns nil if the thread has no checkpoints.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Info provides metadata without loading full state.
type Info struct {
	ThreadID  string
	NodeID    string
	Sequence  int
	Timestamp time.Time
	Size      int64
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")
)
