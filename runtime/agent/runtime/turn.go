package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/runtime/agent/model"
	"github.com/strandlabs/strand/runtime/agent/stream"
	"github.com/strandlabs/strand/runtime/agent/tagparse"
	"github.com/strandlabs/strand/runtime/agent/thread"
	"github.com/strandlabs/strand/runtime/agent/toolerrors"
	"github.com/strandlabs/strand/runtime/agent/tools"
)

// turn is the result of consuming one streamed assistant response: the
// accumulated text with tag-call spans removed, the tool calls detected on
// either surface in detection order, and any malformed-tag reports.
type turn struct {
	text       string
	calls      []tools.Call
	failures   []tools.Result
	stopReason string
	usage      model.TokenUsage
}

// runTurn opens a gateway stream for the request and consumes it chunk by
// chunk. Text deltas are emitted as content events immediately; tag calls are
// detected in the rolling text buffer while structured calls arrive as native
// chunks. The stop flag is checked between reads so STOP interrupts a long
// completion at the next chunk boundary.
func (c *Coordinator) runTurn(ctx context.Context, runID string, req model.Request, stopped *atomic.Bool) (*turn, error) {
	streamer, err := c.openStream(ctx, req)
	if err != nil {
		return nil, err
	}
	if streamer == nil {
		// Provider without streaming support: a single completion stands in
		// for the whole turn.
		return c.completeTurn(ctx, runID, req)
	}
	defer streamer.Close()

	t := &turn{}
	scanner := tagparse.NewScanner(c.deps.Registry.TagSchemas())
	var text strings.Builder

	for {
		if stopped.Load() || ctx.Err() != nil {
			break
		}
		chunk, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("runtime: gateway stream for run %s: %w", runID, err)
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			c.handleItems(ctx, runID, t, &text, scanner.Write(chunk.Text))
		case model.ChunkTypeToolCall:
			call := tools.Call{
				ID:     chunk.ToolCall.ID,
				Name:   chunk.ToolCall.Name,
				Args:   chunk.ToolCall.Args,
				Schema: tools.SchemaStructured,
				Index:  text.Len(),
			}
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			t.calls = append(t.calls, call)
		case model.ChunkTypeUsage:
			if u := chunk.UsageDelta; u != nil {
				t.usage.InputTokens += u.InputTokens
				t.usage.OutputTokens += u.OutputTokens
				t.usage.TotalTokens += u.TotalTokens
			}
		case model.ChunkTypeStop:
			t.stopReason = chunk.StopReason
		}
	}
	c.handleItems(ctx, runID, t, &text, scanner.Flush())
	t.text = text.String()
	return t, nil
}

// openStream opens the gateway stream with bounded retries. It returns a nil
// Streamer without error when the provider does not support streaming.
func (c *Coordinator) openStream(ctx context.Context, req model.Request) (model.Streamer, error) {
	var (
		streamer model.Streamer
		err      error
	)
	backoff := c.cfg.GatewayBackoff
	for attempt := 0; attempt < c.cfg.GatewayRetries; attempt++ {
		streamer, err = c.deps.Model.Stream(ctx, req)
		if err == nil {
			return streamer, nil
		}
		if errors.Is(err, model.ErrStreamingUnsupported) {
			return nil, nil
		}
		if !model.Retryable(err) {
			break
		}
		c.deps.Metrics.IncCounter("agent_gateway_retries", 1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("runtime: gateway call: %w", err)
}

// completeTurn handles providers without streaming: one blocking completion,
// its text run through the tag scanner in a single pass.
func (c *Coordinator) completeTurn(ctx context.Context, runID string, req model.Request) (*turn, error) {
	var (
		resp model.Response
		err  error
	)
	backoff := c.cfg.GatewayBackoff
	for attempt := 0; attempt < c.cfg.GatewayRetries; attempt++ {
		resp, err = c.deps.Model.Complete(ctx, req)
		if err == nil {
			break
		}
		if !model.Retryable(err) {
			break
		}
		c.deps.Metrics.IncCounter("agent_gateway_retries", 1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return nil, fmt.Errorf("runtime: gateway call: %w", err)
	}
	t := &turn{stopReason: resp.StopReason, usage: resp.Usage}
	scanner := tagparse.NewScanner(c.deps.Registry.TagSchemas())
	var text strings.Builder
	items := append(scanner.Write(resp.Content), scanner.Flush()...)
	c.handleItems(ctx, runID, t, &text, items)
	for _, tc := range resp.ToolCalls {
		call := tools.Call{ID: tc.ID, Name: tc.Name, Args: tc.Args, Schema: tools.SchemaStructured, Index: text.Len()}
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		t.calls = append(t.calls, call)
	}
	t.text = text.String()
	return t, nil
}

// handleItems folds scanner output into the turn: text items stream out as
// content deltas, call items queue for dispatch, malformed items become
// failed results so a broken tag never aborts the run.
func (c *Coordinator) handleItems(ctx context.Context, runID string, t *turn, text *strings.Builder, items []tagparse.Item) {
	for _, item := range items {
		switch item.Kind {
		case tagparse.ItemText:
			text.WriteString(item.Text)
			if _, err := c.appendEvent(ctx, runID, stream.ContentDelta{Text: item.Text}); err != nil {
				c.deps.Logger.Warn(ctx, "content delta append failed", "run_id", runID, "err", err)
			}
		case tagparse.ItemCall:
			call := *item.Call
			call.ID = uuid.NewString()
			t.calls = append(t.calls, call)
		case tagparse.ItemMalformed:
			res := tools.Fail(
				tools.Call{ID: uuid.NewString(), Name: item.Tag, Schema: tools.SchemaTag},
				toolerrors.KindMalformed, item.Reason,
			)
			t.failures = append(t.failures, res)
			if _, err := c.appendEvent(ctx, runID, toolResultEvent(res)); err != nil {
				c.deps.Logger.Warn(ctx, "malformed tag event append failed", "run_id", runID, "err", err)
			}
		}
	}
}

// persistTurn stores the assistant text and any malformed-tag reports on the
// thread so the next gateway call sees them.
func (c *Coordinator) persistTurn(ctx context.Context, threadID string, t *turn) error {
	if t.text != "" {
		msg := &thread.Message{
			ID:         uuid.NewString(),
			ThreadID:   threadID,
			Type:       thread.TypeAssistant,
			Content:    t.text,
			LLMVisible: true,
		}
		if err := c.appendMessage(ctx, msg); err != nil {
			return err
		}
	}
	for _, res := range t.failures {
		if err := c.appendMessage(ctx, resultMessage(threadID, res)); err != nil {
			return err
		}
	}
	return nil
}

// dispatch executes the turn's tool calls under the run's dispatch policy.
// It reports whether a terminating tool was reached.
//
// Calls positioned after the first terminating call are never executed, in
// either mode. Sequential mode runs calls in detection order; parallel mode
// runs the remaining prefix concurrently, bounded by the per-run cap, and
// joins before returning.
func (c *Coordinator) dispatch(ctx context.Context, runID, threadID string, calls []tools.Call, parallel bool) (bool, error) {
	if len(calls) == 0 {
		return false, nil
	}
	terminated := false
	for i, call := range calls {
		if c.deps.Registry.Terminating(call) {
			calls = calls[:i+1]
			terminated = true
			break
		}
	}

	if !parallel || len(calls) == 1 {
		for _, call := range calls {
			if err := c.execTool(ctx, runID, threadID, call); err != nil {
				return terminated, err
			}
		}
		return terminated, nil
	}

	sem := make(chan struct{}, c.cfg.ParallelToolCap)
	errs := make([]error, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call tools.Call) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			errs[i] = c.execTool(ctx, runID, threadID, call)
		}(i, call)
	}
	wg.Wait()
	return terminated, errors.Join(errs...)
}

// execTool runs one call end to end: started event, dispatch, result event,
// persisted tool-result message. Handler failures are carried in the result;
// only persistence failures surface as errors.
func (c *Coordinator) execTool(ctx context.Context, runID, threadID string, call tools.Call) error {
	started := stream.ToolStarted{
		CallID: call.ID,
		Tool:   call.Name,
		Schema: call.Schema,
		Args:   call.Args,
		Index:  call.Index,
	}
	if _, err := c.appendEvent(ctx, runID, started); err != nil {
		return err
	}

	begin := time.Now()
	res := c.deps.Registry.Dispatch(ctx, call)
	c.deps.Metrics.RecordTimer("agent_tool_duration", time.Since(begin), "tool", call.Name)
	c.deps.Metrics.IncCounter("agent_tool_executions", 1, "tool", call.Name, "success", fmt.Sprint(res.Success))

	if _, err := c.appendEvent(ctx, runID, toolResultEvent(res)); err != nil {
		return err
	}
	return c.appendMessage(ctx, resultMessage(threadID, res))
}

// appendMessage stores a thread message with bounded retries.
func (c *Coordinator) appendMessage(ctx context.Context, msg *thread.Message) error {
	err := c.withRetry(ctx, c.cfg.PersistRetries, func() error {
		return c.deps.Threads.AppendMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("runtime: append %s message to thread %s: %w", msg.Type, msg.ThreadID, err)
	}
	return nil
}

// toolResultEvent maps a dispatch result onto its stream event.
func toolResultEvent(res tools.Result) stream.ToolResult {
	return stream.ToolResult{
		CallID:     res.CallID,
		Tool:       res.Name,
		Success:    res.Success,
		Output:     res.Output,
		Error:      res.Error,
		Attachment: res.Attachment,
	}
}

// resultMessage renders a dispatch result as a persisted tool-result turn.
func resultMessage(threadID string, res tools.Result) *thread.Message {
	content := res.Output
	if !res.Success && res.Error != nil {
		content = fmt.Sprintf("tool %s failed: %s", res.Name, res.Error.Error())
	}
	return &thread.Message{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		Type:       thread.TypeToolResult,
		Content:    content,
		LLMVisible: true,
		Meta: map[string]any{
			thread.MetaToolName: res.Name,
			thread.MetaCallID:   res.CallID,
		},
	}
}
