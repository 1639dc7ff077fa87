// Package tracker records which nodes each conversation thread has visited
// and publishes changes to subscribers.
//
// The tracker is an observability side channel. It is fed from the
// engine's node_update events and never decides how a turn runs.
package tracker

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow"
	"github.com/randalmurphal/convoflow/pkg/convoflow/observability"
)

// DefaultCapacity is the per-subscription queue size.
const DefaultCapacity = 50

// Snapshot is the tracked view of one thread.
type Snapshot struct {
	ThreadID    string              `json:"thread_id"`
	CurrentNode string              `json:"current_node"`
	History     []string            `json:"history"`
	Fields      map[string]any      `json:"fields"`
	Graph       convoflow.Structure `json:"graph"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`

	// Seq increases with every Record on the thread. Observers can use it
	// to discard a notification older than one already seen.
	Seq uint64 `json:"seq"`
}

type threadState struct {
	currentNode string
	history     []string
	fields      map[string]any
	graph       convoflow.Structure
	createdAt   time.Time
	updatedAt   time.Time
	seq         uint64
}

func (ts *threadState) snapshot(threadID string) Snapshot {
	return Snapshot{
		ThreadID:    threadID,
		CurrentNode: ts.currentNode,
		History:     slices.Clone(ts.history),
		Fields:      maps.Clone(ts.fields),
		Graph:       ts.graph,
		CreatedAt:   ts.createdAt,
		UpdatedAt:   ts.updatedAt,
		Seq:         ts.seq,
	}
}

// Tracker is safe for concurrent use. Thread state and subscriber
// bookkeeping have separate locks, and notifications are published after
// the state lock is released.
type Tracker struct {
	stateMu sync.RWMutex
	threads map[string]*threadState

	subsMu sync.Mutex
	subs   map[string]map[*Subscription]struct{}

	capacity     int
	defaultGraph convoflow.Structure
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	now          func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCapacity sets the queue size of new subscriptions.
func WithCapacity(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithDefaultGraph sets the structure attached to threads that were never
// given one through SetGraph.
func WithDefaultGraph(s convoflow.Structure) Option {
	return func(t *Tracker) {
		t.defaultGraph = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics counts dropped notifications.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(t *Tracker) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		threads:  make(map[string]*threadState),
		subs:     make(map[string]map[*Subscription]struct{}),
		capacity: DefaultCapacity,
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// entry returns the thread's state, creating it. Callers hold stateMu.
func (t *Tracker) entry(threadID string, now time.Time) *threadState {
	ts, ok := t.threads[threadID]
	if !ok {
		ts = &threadState{
			fields:    make(map[string]any),
			graph:     t.defaultGraph,
			createdAt: now,
			updatedAt: now,
		}
		t.threads[threadID] = ts
	}
	return ts
}

// Record appends node to the thread's history, merges fields into its
// tracked fields, and notifies subscribers. Unknown threads are created.
func (t *Tracker) Record(threadID, node string, fields map[string]any) {
	now := t.now()

	t.stateMu.Lock()
	ts := t.entry(threadID, now)
	ts.currentNode = node
	ts.history = append(ts.history, node)
	maps.Copy(ts.fields, fields)
	ts.updatedAt = now
	ts.seq++
	snap := ts.snapshot(threadID)
	t.stateMu.Unlock()

	t.publish(threadID, Notification{Type: TypeState, ThreadID: threadID, Snapshot: &snap, Timestamp: now})
}

// SetGraph attaches a graph structure to a thread, creating the thread.
func (t *Tracker) SetGraph(threadID string, s convoflow.Structure) {
	now := t.now()

	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.entry(threadID, now).graph = s
}

// Get returns the snapshot of a thread.
func (t *Tracker) Get(threadID string) (Snapshot, bool) {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()

	ts, ok := t.threads[threadID]
	if !ok {
		return Snapshot{}, false
	}
	return ts.snapshot(threadID), true
}

// Threads returns the tracked thread ids, sorted.
func (t *Tracker) Threads() []string {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return slices.Sorted(maps.Keys(t.threads))
}

// Delete forgets a thread and tells its subscribers. It reports whether
// the thread was tracked.
func (t *Tracker) Delete(threadID string) bool {
	t.stateMu.Lock()
	_, ok := t.threads[threadID]
	delete(t.threads, threadID)
	t.stateMu.Unlock()

	if ok {
		t.publish(threadID, Notification{Type: TypeDeleted, ThreadID: threadID, Timestamp: t.now()})
	}
	return ok
}

// Evict removes every thread not updated within maxAge and returns how
// many were removed.
func (t *Tracker) Evict(maxAge time.Duration) int {
	now := t.now()
	cutoff := now.Add(-maxAge)

	t.stateMu.Lock()
	var removed []string
	for id, ts := range t.threads {
		if ts.updatedAt.Before(cutoff) {
			removed = append(removed, id)
			delete(t.threads, id)
		}
	}
	t.stateMu.Unlock()

	for _, id := range removed {
		t.publish(id, Notification{Type: TypeDeleted, ThreadID: id, Timestamp: now})
	}
	if len(removed) > 0 {
		t.logger.Info("evicted tracked threads", "count", len(removed), "max_age", maxAge.String())
	}
	return len(removed)
}

// RunEviction calls Evict every interval until ctx is done.
func (t *Tracker) RunEviction(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Evict(maxAge)
		}
	}
}

// Subscribe returns a subscription to a thread's notifications. The first
// notification is the current snapshot, or TypeWaiting if the thread is
// not tracked yet.
func (t *Tracker) Subscribe(threadID string) *Subscription {
	sub := newSubscription(threadID, t.capacity)

	t.subsMu.Lock()
	set, ok := t.subs[threadID]
	if !ok {
		set = make(map[*Subscription]struct{})
		t.subs[threadID] = set
	}
	set[sub] = struct{}{}
	t.subsMu.Unlock()

	now := t.now()
	if snap, ok := t.Get(threadID); ok {
		sub.offer(Notification{Type: TypeState, ThreadID: threadID, Snapshot: &snap, Timestamp: now})
	} else {
		sub.offer(Notification{Type: TypeWaiting, ThreadID: threadID, Timestamp: now})
	}
	return sub
}

// Unsubscribe removes and closes sub. Calling it again is a no-op.
func (t *Tracker) Unsubscribe(threadID string, sub *Subscription) {
	if sub == nil {
		return
	}
	t.subsMu.Lock()
	if set, ok := t.subs[threadID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(t.subs, threadID)
		}
	}
	t.subsMu.Unlock()

	sub.close()
}

// Subscribers returns the number of open subscriptions on a thread.
func (t *Tracker) Subscribers(threadID string) int {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	return len(t.subs[threadID])
}

func (t *Tracker) publish(threadID string, n Notification) {
	t.subsMu.Lock()
	targets := make([]*Subscription, 0, len(t.subs[threadID]))
	for sub := range t.subs[threadID] {
		targets = append(targets, sub)
	}
	t.subsMu.Unlock()

	for _, sub := range targets {
		if sub.offer(n) {
			t.metrics.RecordNotificationDropped(context.Background(), threadID)
		}
	}
}
