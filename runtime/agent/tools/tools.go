// Package tools provides the tool registry: tool implementations registered
// under two independent call surfaces (a structured JSON schema for native
// provider function calling and a tag schema for inline markup invocations)
// with lookup and dispatch helpers.
//
// Registry lookups never fail the surrounding run. Resolving an unknown name
// or tag yields a failed Result so a single hallucinated call leaves the loop
// intact, and handler panics are recovered at the dispatch boundary.
package tools

import (
	"context"
	"encoding/json"

	"github.com/strandlabs/strand/runtime/agent/toolerrors"
)

type (
	// CallSchema identifies which call surface produced an invocation.
	CallSchema string

	// Call is a parsed tool invocation, produced by the streaming parser and
	// consumed exactly once by Dispatch.
	Call struct {
		// ID uniquely identifies this invocation within its run.
		ID string
		// Name is the registered tool name (structured name or tag name).
		Name string
		// Args carries the JSON-encoded argument object.
		Args json.RawMessage
		// Schema records which call surface the invocation was parsed from.
		Schema CallSchema
		// Index is the source locator: the detection offset within the
		// assistant turn, used for ordering and deduplication.
		Index int
	}

	// Result is the outcome of executing a Call. Immutable once produced.
	Result struct {
		// CallID links the result to its invocation.
		CallID string
		// Name is the tool that executed.
		Name string
		// Success reports whether the handler completed without error.
		Success bool
		// Output is the rendered output payload on success, or empty.
		Output string
		// Error describes the failure when Success is false.
		Error *toolerrors.ToolError
		// Attachment optionally references a binary artifact produced by the
		// tool (object store key, file path).
		Attachment string
	}

	// Handler executes a tool invocation. Returning an error produces a
	// failed Result; it never aborts the run.
	Handler func(ctx context.Context, args json.RawMessage) (string, error)

	// StructuredSchema describes a tool for native provider function calling.
	StructuredSchema struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// Parameters is a JSON-Schema-like object ("type": "object",
		// "properties", "required") describing the argument object.
		Parameters map[string]any
	}

	// TagSchema describes a tool for tag-based invocation inside free-form
	// model output.
	TagSchema struct {
		// TagName is the markup element name, e.g. "search" for
		// <search query="...">.
		TagName string
		// AttributeParams lists argument names read from opening-tag
		// attributes.
		AttributeParams []string
		// ElementParams lists argument names read from child elements'
		// text content.
		ElementParams []string
		// Example is a complete invocation example included in prompts.
		Example string
	}

	// Registration binds a handler to its call schemas. A tool may carry one
	// or both schemas; the two call surfaces never collide.
	//
	// Registrations are assembled explicitly at startup, not discovered by
	// reflection.
	Registration struct {
		// Name is the canonical tool name, used as the structured-call name.
		Name string
		// Description documents the tool.
		Description string
		// Handler executes invocations from either surface.
		Handler Handler
		// Structured exposes the tool to native function calling when non-nil.
		Structured *StructuredSchema
		// Tag exposes the tool to tag-based invocation when non-nil.
		Tag *TagSchema
		// Terminating marks tools whose successful invocation ends the run
		// (asking the user a question, declaring the task complete).
		Terminating bool
	}
)

const (
	// SchemaStructured marks calls parsed from native provider deltas.
	SchemaStructured CallSchema = "structured"
	// SchemaTag marks calls parsed from inline markup.
	SchemaTag CallSchema = "tag"
)

// Fail builds a failed Result for the call with the given error kind and
// message.
func Fail(call Call, kind toolerrors.Kind, msg string) Result {
	return Result{
		CallID: call.ID,
		Name:   call.Name,
		Error:  toolerrors.New(kind, msg),
	}
}
