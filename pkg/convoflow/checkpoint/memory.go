package checkpoint

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory checkpoint store.
// Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]storedCheckpoint // threadID -> checkpoints ordered by sequence
	closed  bool
}

// storedCheckpoint holds checkpoint data with metadata for List().
type storedCheckpoint struct {
	data      []byte
	nodeID    string
	sequence  int
	timestamp time.Time
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][]storedCheckpoint),
	}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, threadID string, sequence int, nodeID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	// Copy data to avoid retaining caller's slice
	stored := storedCheckpoint{
		data:      slices.Clone(data),
		nodeID:    nodeID,
		sequence:  sequence,
		timestamp: time.Now().UTC(),
	}

	cps := m.threads[threadID]
	i := sort.Search(len(cps), func(i int) bool { return cps[i].sequence >= sequence })
	if i < len(cps) && cps[i].sequence == sequence {
		cps[i] = stored
		return nil
	}
	m.threads[threadID] = slices.Insert(cps, i, stored)
	return nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(_ context.Context, threadID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	cps := m.threads[threadID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	return slices.Clone(cps[len(cps)-1].data), nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, threadID string, sequence int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	for _, cp := range m.threads[threadID] {
		if cp.sequence == sequence {
			// Return a copy to prevent modification
			return slices.Clone(cp.data), nil
		}
	}
	return nil, ErrNotFound
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, threadID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	cps := m.threads[threadID]
	infos := make([]Info, 0, len(cps))
	for _, cp := range cps {
		infos = append(infos, Info{
			ThreadID:  threadID,
			NodeID:    cp.nodeID,
			Sequence:  cp.sequence,
			Timestamp: cp.timestamp,
			Size:      int64(len(cp.data)),
		})
	}
	return infos, nil
}

// Threads implements Store.
func (m *MemoryStore) Threads(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune implements Store.
func (m *MemoryStore) Prune(_ context.Context, threadID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	cps := m.threads[threadID]
	if keep <= 0 || len(cps) <= keep {
		return nil
	}
	m.threads[threadID] = slices.Clone(cps[len(cps)-keep:])
	return nil
}

// DeleteThread implements Store.
func (m *MemoryStore) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.threads, threadID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.threads = nil
	return nil
}

// Len returns the total number of checkpoints across all threads.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, cps := range m.threads {
		count += len(cps)
	}
	return count
}
