// Package run defines primitives for tracking agent run executions.
//
// A run is one execution attempt of the agent loop over a thread, from
// dispatch to terminal event. The run record is the authoritative status: the
// event log and notification channels are derived views, and subscribers fall
// back to the record when control signals are ambiguous.
package run

import (
	"context"
	"time"
)

type (
	// Record captures the durable metadata for an agent run execution.
	Record struct {
		// ID is the run identifier, unique across all runs.
		ID string
		// ThreadID is the conversation thread this run executes over.
		ThreadID string
		// Status is the current lifecycle state.
		Status Status
		// WorkerID identifies the worker instance that owns the execution
		// lock. Empty until a worker wins the lock.
		WorkerID string
		// Iterations counts completed auto-continue loop iterations.
		Iterations int
		// Error holds the terminal error message when Status is StatusFailed.
		Error string
		// StartedAt records when the run was created.
		StartedAt time.Time
		// EndedAt records when the run reached a terminal status.
		EndedAt time.Time
		// Metadata stores implementation-specific metadata (model, usage, ...).
		Metadata map[string]any
	}

	// Store persists run records for status tracking and lookup.
	Store interface {
		// Upsert creates or replaces the record keyed by Record.ID.
		Upsert(ctx context.Context, record Record) error
		// Load returns the record for the given run ID.
		Load(ctx context.Context, runID string) (Record, error)
	}

	// Status represents the lifecycle state of a run.
	Status string
)

const (
	// StatusQueued indicates the run has been accepted and enqueued but no
	// worker has picked it up yet.
	StatusQueued Status = "queued"
	// StatusRunning indicates a worker holds the execution lock and is
	// actively driving the loop.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run ended with an unrecoverable error.
	StatusFailed Status = "failed"
	// StatusStopped indicates the run was terminated by an external STOP
	// signal. A stop is a clean termination, not a failure.
	StatusStopped Status = "stopped"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}
