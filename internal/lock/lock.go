// Package lock provides the distributed mutual-exclusion primitive used for
// leadership election among cluster nodes.
//
// Locks are keyed by an integer lock id. The default NopLock is suitable for
// single-node deployments; DatabaseLock coordinates through a database row.
package lock

import "sync"

// DistributedLock is a pluggable mutual-exclusion primitive. A failed claim
// is a normal false result, not an error. HasLock returns cached local state
// only; it is not proactively invalidated when a lease expires elsewhere.
type DistributedLock interface {
	// HasLock reports whether this instance believes it holds the lock.
	HasLock(lockID int) bool

	// TryAttainLock attempts an atomic conditional claim of the lock.
	TryAttainLock(lockID int) (bool, error)

	// ReleaseLock gives up the lock if still owned by this instance and
	// always clears the cached local state.
	ReleaseLock(lockID int) error

	Close() error
}

// NopLock always grants locks locally. Default for single-node deployments
// where no other process can contend.
type NopLock struct {
	mu   sync.Mutex
	held map[int]bool
}

// NewNopLock creates a no-op lock.
func NewNopLock() *NopLock {
	return &NopLock{held: make(map[int]bool)}
}

func (l *NopLock) HasLock(lockID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[lockID]
}

func (l *NopLock) TryAttainLock(lockID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[lockID] = true
	return true, nil
}

func (l *NopLock) ReleaseLock(lockID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockID)
	return nil
}

func (l *NopLock) Close() error { return nil }
