// Package thread defines the conversation data model: ordered, append-only
// threads of messages that outlive any individual run.
//
// Messages are never mutated after creation. Compression produces new derived
// content at request time rather than editing history in place, so the thread
// remains the canonical record of the conversation.
package thread

import (
	"context"
	"time"
)

type (
	// Thread is an ordered, append-only conversation.
	Thread struct {
		// ID uniquely identifies the thread.
		ID string
		// AccountID identifies the owning account.
		AccountID string
		// CreatedAt records when the thread was created.
		CreatedAt time.Time
	}

	// Message is a single turn within a thread.
	Message struct {
		// ID uniquely identifies the message.
		ID string
		// ThreadID is the owning thread.
		ThreadID string
		// Type is the message kind, one of the Type* constants.
		Type Type
		// Content is the message text. For tool results this is the rendered
		// output payload.
		Content string
		// LLMVisible marks whether the message is eligible to be replayed to
		// the model. Status messages are stored for the UI but excluded from
		// model context.
		LLMVisible bool
		// Sequence is the store-assigned insertion order within the thread.
		Sequence int64
		// Meta carries optional metadata such as the originating tool name or
		// a token count hint.
		Meta map[string]any
		// CreatedAt records when the message was created.
		CreatedAt time.Time
	}

	// Store persists threads and their messages.
	//
	// Implementations must assign contiguous per-thread sequence numbers at
	// append time so messages are totally ordered by insertion.
	Store interface {
		// CreateThread persists a new thread.
		CreateThread(ctx context.Context, t *Thread) error

		// LoadThread returns the thread with the given ID.
		LoadThread(ctx context.Context, threadID string) (*Thread, error)

		// AppendMessage stores the message at the end of its thread and
		// assigns its Sequence.
		AppendMessage(ctx context.Context, m *Message) error

		// Messages returns all messages of the thread in insertion order.
		// When visibleOnly is true, messages with LLMVisible == false are
		// omitted.
		Messages(ctx context.Context, threadID string, visibleOnly bool) ([]*Message, error)
	}

	// Type enumerates message kinds.
	Type string
)

const (
	// TypeSystem is the system prompt, stored as the first message of a
	// thread. Never elided by compression.
	TypeSystem Type = "system"
	// TypeUser is an end-user turn.
	TypeUser Type = "user"
	// TypeAssistant is a model-produced turn.
	TypeAssistant Type = "assistant"
	// TypeToolResult is the persisted output of a tool execution.
	TypeToolResult Type = "tool_result"
	// TypeStatus is a system status marker, not replayed to the model.
	TypeStatus Type = "status"
	// TypeSummary is a derived compression artifact standing in for elided
	// history.
	TypeSummary Type = "summary"
)

// MetaToolName is the metadata key carrying the originating tool name on
// tool-result messages.
const MetaToolName = "tool_name"

// MetaTokenHint is the metadata key carrying an optional token count hint used
// by the compactor to avoid re-counting stable messages.
const MetaTokenHint = "token_hint"

// MetaCallID is the metadata key linking a tool-result message to the tool
// invocation that produced it.
const MetaCallID = "call_id"
