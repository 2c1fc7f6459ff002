// Package toolerrors provides structured error types for tool invocation
// failures. ToolError preserves error chains and supports errors.Is/As while
// remaining JSON-serializable so failed tool results survive persistence and
// replay.
package toolerrors

import (
	"errors"
	"fmt"
)

// Kind classifies tool failures into the small set of categories the
// coordinator distinguishes when deciding whether a run may continue.
type Kind string

const (
	// KindNotFound indicates the model invoked a tool name or tag that is not
	// registered. Recovered locally: the run continues with a failed result.
	KindNotFound Kind = "tool_not_found"
	// KindMalformed indicates the call arguments did not match the tool's
	// schema or the tag syntax was unbalanced. Same treatment as KindNotFound.
	KindMalformed Kind = "malformed_call"
	// KindExecution indicates the tool handler returned an error or panicked.
	// Caught at the dispatch boundary and converted to a failed result.
	KindExecution Kind = "execution_error"
)

// ToolError represents a structured tool failure that preserves message and
// causal context while still implementing the standard error interface.
type ToolError struct {
	// Kind categorizes the failure for the coordinator's propagation policy.
	Kind Kind `json:"kind"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// Cause links to the underlying tool error, enabling chains with errors.Is/As.
	Cause *ToolError `json:"cause,omitempty"`
}

// New constructs a ToolError with the provided kind and message.
func New(kind Kind, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	if kind == "" {
		kind = KindExecution
	}
	return &ToolError{Kind: kind, Message: message}
}

// NewWithCause constructs a ToolError that wraps an underlying error. The cause
// is converted into a ToolError chain so error metadata survives serialization
// while still supporting errors.Is/As through Unwrap.
func NewWithCause(kind Kind, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	e := New(kind, message)
	e.Cause = FromError(cause)
	return e
}

// Errorf formats according to a format specifier and returns an execution-kind
// ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(KindExecution, fmt.Sprintf(format, args...))
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Kind:    KindExecution,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
