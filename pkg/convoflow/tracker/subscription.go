package tracker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NotificationType tags a Notification.
type NotificationType string

const (
	// TypeState carries a fresh snapshot.
	TypeState NotificationType = "state"

	// TypeWaiting means the thread has no tracked state yet.
	TypeWaiting NotificationType = "waiting"

	// TypeDeleted means the thread was deleted or evicted.
	TypeDeleted NotificationType = "deleted"
)

// Notification is one message to a subscriber.
type Notification struct {
	Type      NotificationType `json:"type"`
	ThreadID  string           `json:"thread_id"`
	Snapshot  *Snapshot        `json:"snapshot,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Subscription is a bounded queue of notifications for one observer. When
// the queue is full the oldest pending notification is dropped.
type Subscription struct {
	ID       string
	ThreadID string

	ch      chan Notification
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

func newSubscription(threadID string, capacity int) *Subscription {
	return &Subscription{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		ch:       make(chan Notification, capacity),
	}
}

// C returns the notification channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Dropped returns how many notifications were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// offer enqueues n without blocking, evicting the oldest pending
// notifications until it fits. It reports whether anything was dropped.
func (s *Subscription) offer(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	dropped := false
	for {
		select {
		case s.ch <- n:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
