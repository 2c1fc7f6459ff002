// Package inmem provides in-memory implementations of lock.Locker and
// lock.Liveness for tests and single-process deployments.
package inmem

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	owner   string
	expires time.Time
}

// Locker implements lock.Locker with process-local state. Expiry is honored so
// tests can exercise takeover-after-crash scenarios.
type Locker struct {
	mu    sync.Mutex
	locks map[string]entry
	now   func() time.Time
}

// NewLocker returns a new in-memory locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]entry), now: time.Now}
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(_ context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[runID]; ok && l.now().Before(e.expires) {
		return false, nil
	}
	l.locks[runID] = entry{owner: owner, expires: l.now().Add(ttl)}
	return true, nil
}

// Release implements lock.Locker.
func (l *Locker) Release(_ context.Context, runID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[runID]; ok && e.owner == owner {
		delete(l.locks, runID)
	}
	return nil
}

// Owner implements lock.Locker.
func (l *Locker) Owner(_ context.Context, runID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[runID]; ok && l.now().Before(e.expires) {
		return e.owner, nil
	}
	return "", nil
}

// Liveness implements lock.Liveness with process-local state.
type Liveness struct {
	mu    sync.Mutex
	beats map[string]time.Time
}

// NewLiveness returns a new in-memory liveness recorder.
func NewLiveness() *Liveness {
	return &Liveness{beats: make(map[string]time.Time)}
}

// Beat implements lock.Liveness.
func (l *Liveness) Beat(_ context.Context, workerID, runID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.beats[workerID+":"+runID] = time.Now().Add(ttl)
	return nil
}

// Clear implements lock.Liveness.
func (l *Liveness) Clear(_ context.Context, workerID, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.beats, workerID+":"+runID)
	return nil
}

// Alive reports whether a non-expired heartbeat exists for (workerID, runID).
func (l *Liveness) Alive(workerID, runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.beats[workerID+":"+runID]
	return ok && time.Now().Before(exp)
}
