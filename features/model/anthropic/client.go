// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates coordinator requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool calls, usage) back into the generic model
// structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/strandlabs/strand/runtime/agent/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Use the typed model constants from
		// github.com/anthropics/anthropic-sdk-go or the identifiers listed in
		// the Anthropic model reference.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Anthropic requires a positive cap on every call.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

const providerName = "anthropic"

// defaultMaxTokens applies when neither the request nor the options carry a
// completion cap.
const defaultMaxTokens = 4096

// New builds an Anthropic-backed model client from the provided Anthropic
// Messages client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return model.Response{}, classify("messages.new", err)
	}
	return translateResponse(msg), nil
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// model.Chunks so the coordinator can surface partial responses.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify("messages.new_streaming", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return &params, nil
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

// encodeMessages splits the history into Anthropic conversation turns and
// system blocks. Tool-result turns re-encode as user messages carrying
// tool_result blocks, matching the Messages API shape.
func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleUser:
			if m.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				if tc == nil || tc.Name == "" {
					continue
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case model.RoleTool:
			if m.ToolCallID == "" {
				// Results without a call link still reach the model as plain
				// user content rather than being dropped.
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []*model.ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema := sdk.ToolInputSchemaParam{}
		if len(def.InputSchema) > 0 {
			schema.ExtraFields = def.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList
}

// decodeArgs renders a raw argument document as the any-typed input the SDK
// expects for tool_use blocks.
func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}

func translateResponse(msg *sdk.Message) model.Response {
	if msg == nil {
		return model.Response{}
	}
	resp := model.Response{StopReason: normalizeStopReason(string(msg.StopReason))}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, &model.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: json.RawMessage(block.Input),
			})
		}
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
			TotalTokens:  int(u.InputTokens + u.OutputTokens),
		}
	}
	return resp
}

// normalizeStopReason maps Anthropic stop reasons onto the coordinator's
// normalized values.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return model.StopReasonEndTurn
	case "tool_use":
		return model.StopReasonToolUse
	case "max_tokens":
		return model.StopReasonMaxTokens
	default:
		return reason
	}
}

// classify wraps an SDK error as a model.ProviderError carrying the retry
// decision. Non-HTTP failures (connection resets, timeouts) are treated as
// transient.
func classify(operation string, err error) error {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return model.NewProviderError(providerName, operation, 0,
			model.ProviderErrorKindUnavailable, err.Error(), true, err)
	}
	status := apierr.StatusCode
	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == 401 || status == 403:
		kind = model.ProviderErrorKindAuth
	case status == 429:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case status >= 500:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	case status >= 400:
		kind = model.ProviderErrorKindInvalidRequest
	}
	return model.NewProviderError(providerName, operation, status, kind, apierr.Error(), retryable, err)
}
