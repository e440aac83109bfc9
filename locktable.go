package activation

import (
	"context"
	"sync"
	"time"
)

// errWaitTimeout indicates Lock.Wait returned without notification.
const errWaitTimeout = SentinelError("wait timeout")

// Lock is a cache slot lock with a broadcast condition.
//
// Several keys may share the same Lock, waiters must re-validate their state after wake up.
type Lock struct {
	mu     sync.Mutex
	notify chan struct{}
}

// Lock acquires lock.
func (l *Lock) Lock() {
	l.mu.Lock()
}

// Unlock releases lock.
func (l *Lock) Unlock() {
	l.mu.Unlock()
}

// TryLock acquires lock if it is free.
func (l *Lock) TryLock() bool {
	return l.mu.TryLock()
}

// Wait releases the lock and blocks until Broadcast, timeout or context cancellation.
//
// Lock is held again when Wait returns. Negative timeout waits without time limit.
// Caller must hold the lock.
func (l *Lock) Wait(ctx context.Context, timeout time.Duration) error {
	if l.notify == nil {
		l.notify = make(chan struct{})
	}

	notify := l.notify

	l.mu.Unlock()
	defer l.mu.Lock()

	var expired <-chan time.Time

	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()

		expired = t.C
	}

	select {
	case <-notify:
		return nil
	case <-expired:
		return errWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast wakes all waiters. Caller must hold the lock.
func (l *Lock) Broadcast() {
	if l.notify != nil {
		close(l.notify)
		l.notify = nil
	}
}

// LockTable maps keys to slot locks.
//
// The Lock of a key is stable for the lifetime of the table.
type LockTable struct {
	locks []Lock
}

// DefaultLockBuckets is a default number of slot locks.
const DefaultLockBuckets = 251

// NewLockTable creates a lock table with the number of buckets, default DefaultLockBuckets.
func NewLockTable(buckets int) *LockTable {
	if buckets <= 0 {
		buckets = DefaultLockBuckets
	}

	return &LockTable{locks: make([]Lock, buckets)}
}

// Lock returns slot lock of a key.
func (t *LockTable) Lock(key Key) *Lock {
	return &t.locks[key.Hash()%uint64(len(t.locks))]
}
