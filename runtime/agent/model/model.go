// Package model provides the provider-agnostic LLM gateway abstraction used by
// the run coordinator. It defines normalized request/response/stream types so
// the coordinator can invoke models without coupling to specific SDKs
// (Anthropic, OpenAI, ...). Implementations live under features/model and
// translate these types into provider-specific formats.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client defines the contract the coordinator uses to invoke LLM calls.
	// Implementations wrap provider SDKs and must be thread-safe and reusable
	// across runs.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Returns an error if the provider is unavailable, quota is
		// exceeded, or the request is malformed.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks (text deltas, native tool calls, usage,
		// stop). The returned Streamer must be closed by callers. Providers
		// that do not support streaming return ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return Chunk values until io.EOF. Implementations must be safe to call
	// from a single goroutine and release underlying resources on Close.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider-specific stream metadata (provider, model,
		// request IDs, usage). Contents are optional and provider-defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered chat history, including the system prompt,
		// user inputs, prior assistant turns, and tool results.
		Messages []*Message
		// Tools describes the structured tool schemas exposed to the model for
		// native function calling. Empty when the run relies solely on
		// tag-based invocations embedded in text output.
		Tools []*ToolDefinition
		// Temperature controls sampling temperature. Zero means greedy decoding.
		Temperature float32
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int
	}

	// Response wraps a non-streaming completion result.
	Response struct {
		// Content contains the assistant text produced by the model.
		Content string
		// ToolCalls lists native tool invocations requested by the model.
		ToolCalls []*ToolCall
		// Usage reports token usage when the provider makes it available.
		Usage TokenUsage
		// StopReason explains why the model stopped generating. Values are
		// provider-normalized: see the StopReason* constants.
		StopReason string
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is one of "system", "user", "assistant" or "tool".
		Role string
		// Content is the message text. May be empty when the message carries
		// only tool calls or tool results.
		Content string
		// ToolCalls carries native tool invocations attached to an assistant
		// message so providers can re-encode prior turns faithfully.
		ToolCalls []*ToolCall
		// ToolCallID links a role "tool" message to the invocation it answers.
		ToolCallID string
	}

	// ToolDefinition describes a structured tool schema passed to providers
	// for native function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is a JSON-Schema-like object describing the tool's
		// parameters ("type": "object", "properties", "required").
		InputSchema map[string]any
	}

	// ToolCall captures a native tool invocation requested by the provider.
	ToolCall struct {
		// ID is the provider-assigned identifier for this invocation.
		ID string
		// Name identifies which tool should be invoked.
		Name string
		// Args carries the JSON arguments requested by the model.
		Args json.RawMessage
	}

	// ToolCallDelta is an incremental fragment of a native tool call's
	// argument JSON, surfaced for low-latency UX. Fragments are not guaranteed
	// to be valid JSON on their own; the canonical call arrives as a
	// ChunkTypeToolCall chunk once the provider signals completion.
	ToolCallDelta struct {
		// ID identifies the in-flight tool call.
		ID string
		// Name is the tool name announced when the call block opened.
		Name string
		// Delta is the raw argument JSON fragment.
		Delta string
	}

	// Chunk represents a streaming event emitted by the model. The Type value
	// indicates which payload fields are populated.
	Chunk struct {
		// Type is the chunk kind, one of the ChunkType* constants.
		Type string
		// Text contains the assistant text delta when Type == ChunkTypeText.
		Text string
		// ToolCall carries the completed native invocation when Type ==
		// ChunkTypeToolCall.
		ToolCall *ToolCall
		// ToolCallDelta carries an argument fragment when Type ==
		// ChunkTypeToolCallDelta.
		ToolCallDelta *ToolCallDelta
		// UsageDelta reports incremental token usage when Type == ChunkTypeUsage.
		UsageDelta *TokenUsage
		// StopReason explains termination when Type == ChunkTypeStop.
		StopReason string
	}

	// TokenUsage records prompt/completion token counts when reported by the
	// provider. All fields are zero if the provider doesn't report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int
		// OutputTokens counts tokens produced in this completion.
		OutputTokens int
		// TotalTokens is the aggregate when reported; prefer it over summing.
		TotalTokens int
	}
)

// Chunk type constants are the well-known streaming event kinds produced by
// model providers. These values populate Chunk.Type.
const (
	ChunkTypeText          = "text"
	ChunkTypeToolCall      = "tool_call"
	ChunkTypeToolCallDelta = "tool_call_delta"
	ChunkTypeUsage         = "usage"
	ChunkTypeStop          = "stop"
)

// Normalized stop reasons. Providers map their native values onto these; the
// coordinator uses them to decide whether to auto-continue the loop.
const (
	// StopReasonEndTurn means the model finished its turn naturally.
	StopReasonEndTurn = "end_turn"
	// StopReasonToolUse means the model stopped to request tool execution.
	StopReasonToolUse = "tool_use"
	// StopReasonMaxTokens means generation hit the completion token cap.
	StopReasonMaxTokens = "max_tokens"
)

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrStreamingUnsupported indicates the model provider does not implement
// streaming for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")
