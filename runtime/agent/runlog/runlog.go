// Package runlog provides the durable, ordered, append-only event log for
// agent runs.
//
// The runlog is the canonical record of everything a run produces, independent
// of any particular subscriber. Exactly one worker appends to a given run's
// log (enforced by the execution lock), so store implementations assign
// sequence numbers at append time without coordination. Readers never need
// locks: the log only grows, and entries are immutable once written.
package runlog

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Event is a single immutable run event appended to the run log.
	//
	// Sequence numbers form a contiguous range starting at 1 within a run and
	// are assigned by the store when persisting the event.
	Event struct {
		// RunID is the identifier of the run this event belongs to.
		RunID string `json:"-"`
		// Sequence is the store-assigned monotonic position within the run.
		Sequence int64 `json:"sequence"`
		// Type discriminates the payload shape.
		Type EventType `json:"type"`
		// Payload is the canonical JSON-encoded payload for the event.
		Payload json.RawMessage `json:"payload"`
		// Timestamp is the event time (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Store is the append-only event log.
	//
	// Implementations must provide stable, gap-free ordering within a run.
	Store interface {
		// Append persists the event at the tail of its run's log, assigns
		// Event.Sequence, and returns the assigned sequence number.
		//
		// Append must be durable: failures surface to callers so the
		// coordinator can fail the run rather than silently lose events.
		Append(ctx context.Context, e *Event) (int64, error)

		// List returns events of the run with Sequence > afterSeq, oldest
		// first, up to limit entries. A limit of zero or less means no bound.
		List(ctx context.Context, runID string, afterSeq int64, limit int) ([]*Event, error)

		// ExpireAfter schedules deletion of the run's log after the retention
		// window elapses. Implementations without native expiry may delete
		// eagerly when ttl is zero or negative.
		ExpireAfter(ctx context.Context, runID string, ttl time.Duration) error
	}

	// EventType discriminates run event payloads.
	EventType string
)

const (
	// EventStatus reports a run lifecycle transition (queued, running, ...).
	EventStatus EventType = "status"
	// EventContentDelta carries an incremental fragment of assistant text.
	EventContentDelta EventType = "content_delta"
	// EventToolStarted marks that a tool invocation was detected and is about
	// to execute.
	EventToolStarted EventType = "tool_started"
	// EventToolResult carries the outcome of a tool execution.
	EventToolResult EventType = "tool_result"
	// EventTerminal closes the run's stream. Exactly one terminal event is
	// appended per run, always last.
	EventTerminal EventType = "terminal"
)
