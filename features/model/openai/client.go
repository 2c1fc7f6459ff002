// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates coordinator requests into
// Chat.Completions.New calls using github.com/openai/openai-go and maps
// responses back to the generic model structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/strandlabs/strand/runtime/agent/model"
)

type (
	// ChatClient captures the subset of the openai-go client used by the
	// adapter. It is satisfied by the SDK's ChatCompletionService.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		Client       ChatClient
		DefaultModel string
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat  ChatClient
		model string
	}
)

const providerName = "openai"

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: encodeMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return model.Response{}, classify("chat.completions.new", err)
	}
	return translateResponse(resp), nil
}

// Stream reports that Chat Completions streaming is not supported by this
// adapter. The coordinator falls back to Complete.
func (c *Client) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func encodeMessages(msgs []*model.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				if m.Content != "" {
					out = append(out, sdk.AssistantMessage(m.Content))
				}
				continue
			}
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{
					OfString: sdk.String(m.Content),
				}
			}
			for _, tc := range m.ToolCalls {
				if tc == nil || tc.Name == "" {
					continue
				}
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case model.RoleTool:
			if m.ToolCallID == "" {
				out = append(out, sdk.UserMessage(m.Content))
				continue
			}
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func encodeTools(defs []*model.ToolDefinition) []sdk.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			fn.Parameters = shared.FunctionParameters(def.InputSchema)
		}
		out = append(out, sdk.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func translateResponse(resp *sdk.ChatCompletion) model.Response {
	if resp == nil {
		return model.Response{}
	}
	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.StopReason = normalizeFinishReason(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, &model.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(args),
		})
	}
	return out
}

// normalizeFinishReason maps OpenAI finish reasons onto the coordinator's
// normalized values.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return model.StopReasonEndTurn
	case "tool_calls", "function_call":
		return model.StopReasonToolUse
	case "length":
		return model.StopReasonMaxTokens
	default:
		return reason
	}
}

// classify wraps an SDK error as a model.ProviderError carrying the retry
// decision.
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
