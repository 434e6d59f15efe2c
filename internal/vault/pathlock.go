package vault

import (
	"sync"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// PathLock is a bucketed keyed mutex: concurrent operations on the same
// vault path serialize, while unrelated paths proceed in parallel. A cap
// on waiters per key turns pathological contention into a Transient error
// instead of an unbounded goroutine pile-up (spec Design Note).
type PathLock struct {
	maxWaiters int

	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu      sync.Mutex
	waiters int // callers that have claimed a slot, including the current holder
}

// NewPathLock builds a PathLock that rejects acquisition once maxWaiters
// callers are already queued (including the holder) for the same key.
func NewPathLock(maxWaiters int) *PathLock {
	if maxWaiters <= 0 {
		maxWaiters = 64
	}
	return &PathLock{maxWaiters: maxWaiters, entries: make(map[string]*lockEntry)}
}

// Acquire blocks until key is free, then marks it held. Release must be
// called exactly once per successful Acquire, with the same key.
func (l *PathLock) Acquire(key string) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	if e.waiters >= l.maxWaiters {
		l.mu.Unlock()
		return vherrors.New(vherrors.CodeTransient, "too many waiters for path lock").
			WithComponent("vault").WithDetail("key", key)
	}
	e.waiters++
	l.mu.Unlock()

	e.mu.Lock()
	return nil
}

// Release frees key, waking the next waiter if any are queued.
func (l *PathLock) Release(key string) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	e.waiters--
	if e.waiters == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()

	e.mu.Unlock()
}
