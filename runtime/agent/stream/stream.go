// Package stream defines the typed run event union and the gateway that
// serves ordered, gap-free event sequences to any number of reconnecting
// subscribers.
//
// Events are a closed, tagged union: one payload shape per runlog event type,
// so producers and consumers get compile-time exhaustiveness instead of loose
// JSON blobs. The wire form is the runlog envelope
// {type, sequence, payload, timestamp}.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandlabs/strand/runtime/agent/model"
	"github.com/strandlabs/strand/runtime/agent/run"
	"github.com/strandlabs/strand/runtime/agent/runlog"
	"github.com/strandlabs/strand/runtime/agent/toolerrors"
	"github.com/strandlabs/strand/runtime/agent/tools"
)

type (
	// Event is a typed run event. Exactly five concrete types implement it,
	// one per runlog.EventType; the interface is sealed so a type switch over
	// all five is exhaustive.
	Event interface {
		// Kind returns the runlog event type for this event.
		Kind() runlog.EventType
		sealed()
	}

	// Status reports a run lifecycle transition.
	Status struct {
		// Status is the new lifecycle state.
		Status run.Status `json:"status"`
		// Message is an optional human-readable annotation.
		Message string `json:"message,omitempty"`
	}

	// ContentDelta carries an incremental fragment of assistant text.
	ContentDelta struct {
		// Text is the raw fragment. Clients concatenate sequential deltas to
		// reconstruct the assistant turn.
		Text string `json:"text"`
	}

	// ToolStarted marks that a tool invocation was detected and is about to
	// execute.
	ToolStarted struct {
		// CallID uniquely identifies the invocation within the run.
		CallID string `json:"call_id"`
		// Tool is the invoked tool name.
		Tool string `json:"tool"`
		// Schema records which call surface produced the invocation.
		Schema tools.CallSchema `json:"schema"`
		// Args is the canonical JSON argument object.
		Args json.RawMessage `json:"args,omitempty"`
		// Index is the detection offset within the assistant turn.
		Index int `json:"index"`
	}

	// ToolResult carries the outcome of a tool execution.
	ToolResult struct {
		// CallID links the result to its ToolStarted event.
		CallID string `json:"call_id"`
		// Tool is the executed tool name.
		Tool string `json:"tool"`
		// Success reports whether the handler completed without error.
		Success bool `json:"success"`
		// Output is the rendered output payload on success.
		Output string `json:"output,omitempty"`
		// Error describes the failure when Success is false.
		Error *toolerrors.ToolError `json:"error,omitempty"`
		// Attachment optionally references a binary artifact.
		Attachment string `json:"attachment,omitempty"`
	}

	// Terminal closes the run's stream. The client always receives one, with
	// a human-readable status and, on failure, an error message.
	Terminal struct {
		// Status is the terminal lifecycle state.
		Status run.Status `json:"status"`
		// Error is the user-facing error message on failure.
		Error string `json:"error,omitempty"`
		// Iterations is the number of completed loop iterations.
		Iterations int `json:"iterations,omitempty"`
		// Usage aggregates token usage across the run when available.
		Usage *model.TokenUsage `json:"usage,omitempty"`
	}
)

func (Status) Kind() runlog.EventType       { return runlog.EventStatus }
func (ContentDelta) Kind() runlog.EventType { return runlog.EventContentDelta }
func (ToolStarted) Kind() runlog.EventType  { return runlog.EventToolStarted }
func (ToolResult) Kind() runlog.EventType   { return runlog.EventToolResult }
func (Terminal) Kind() runlog.EventType     { return runlog.EventTerminal }

func (Status) sealed()       {}
func (ContentDelta) sealed() {}
func (ToolStarted) sealed()  {}
func (ToolResult) sealed()   {}
func (Terminal) sealed()     {}

// Encode wraps a typed event into a runlog envelope ready to append. The
// store assigns the sequence number.
func Encode(runID string, ev Event) (*runlog.Event, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("stream: encode %s event: %w", ev.Kind(), err)
	}
	return &runlog.Event{
		RunID:     runID,
		Type:      ev.Kind(),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unwraps a runlog envelope into its typed event. Unknown event types
// are an error: the union is closed.
func Decode(e *runlog.Event) (Event, error) {
	if e == nil {
		return nil, fmt.Errorf("stream: nil event")
	}
	var (
		ev  Event
		err error
	)
	switch e.Type {
	case runlog.EventStatus:
		var v Status
		err = json.Unmarshal(e.Payload, &v)
		ev = v
	case runlog.EventContentDelta:
		var v ContentDelta
		err = json.Unmarshal(e.Payload, &v)
		ev = v
	case runlog.EventToolStarted:
		var v ToolStarted
		err = json.Unmarshal(e.Payload, &v)
		ev = v
	case runlog.EventToolResult:
		var v ToolResult
		err = json.Unmarshal(e.Payload, &v)
		ev = v
	case runlog.EventTerminal:
		var v Terminal
		err = json.Unmarshal(e.Payload, &v)
		ev = v
	default:
		return nil, fmt.Errorf("stream: unknown event type %q", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("stream: decode %s payload: %w", e.Type, err)
	}
	return ev, nil
}
