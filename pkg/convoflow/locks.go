package convoflow

import (
	"context"
	"sync"
)

// LockPolicy decides what a turn does when its thread is already running.
type LockPolicy int

const (
	// LockWait blocks until the running turn finishes or ctx is done.
	LockWait LockPolicy = iota

	// LockReject fails immediately with ErrThreadBusy.
	LockReject
)

// threadLocks hands out one exclusive lock per thread id. Entries are
// reference counted and dropped when nobody holds or waits on them.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// acquire takes the lock for threadID and returns its release function.
func (t *threadLocks) acquire(ctx context.Context, threadID string, policy LockPolicy) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[threadID]
	if !ok {
		l = &threadLock{sem: make(chan struct{}, 1)}
		t.locks[threadID] = l
	}
	l.refs++
	t.mu.Unlock()

	if policy == LockReject {
		select {
		case l.sem <- struct{}{}:
		default:
			t.unref(threadID, l)
			return nil, ErrThreadBusy
		}
	} else {
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			t.unref(threadID, l)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			t.unref(threadID, l)
		})
	}, nil
}

// busy reports whether a turn currently holds threadID.
func (t *threadLocks) busy(threadID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[threadID]
	return ok && len(l.sem) > 0
}

func (t *threadLocks) unref(threadID string, l *threadLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 && t.locks[threadID] == l {
		delete(t.locks, threadID)
	}
}
