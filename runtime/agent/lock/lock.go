// Package lock defines the distributed execution lock and liveness ports.
//
// The execution lock is the only mutual-exclusion primitive in the system: the
// task broker delivers at least once, and the lock turns that into at-most-once
// execution. Acquisition is an atomic set-if-absent with a bounded expiry so a
// crashed worker cannot block a run forever.
//
// The liveness key is deliberately separate from the lock. Refreshing the lock
// mid-flight could race with a legitimate takeover after expiry; the liveness
// key carries "still working" for observers without ever extending ownership.
package lock

import (
	"context"
	"time"
)

type (
	// Locker provides the distributed, owner-tagged execution lock.
	Locker interface {
		// Acquire atomically sets the lock for runID to owner with the given
		// expiry if and only if no non-expired owner exists. Returns true when
		// this caller now owns the lock, false when another owner holds it.
		// Acquisition failure is not an error: callers skip execution.
		Acquire(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error)

		// Release deletes the lock for runID if owner still holds it. Releasing
		// a lock owned by someone else (expired and re-acquired) is a no-op.
		Release(ctx context.Context, runID, owner string) error

		// Owner returns the current lock owner for runID, or "" when unlocked.
		Owner(ctx context.Context, runID string) (string, error)
	}

	// Liveness records worker heartbeats for external monitors. A present
	// liveness key with an absent lock means the worker released cleanly; an
	// absent liveness key with a present lock means the worker likely crashed.
	Liveness interface {
		// Beat refreshes the liveness key for (workerID, runID) with its own
		// TTL, independent of the execution lock.
		Beat(ctx context.Context, workerID, runID string, ttl time.Duration) error

		// Clear removes the liveness key once the run ends.
		Clear(ctx context.Context, workerID, runID string) error
	}
)
