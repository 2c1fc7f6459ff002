package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/strandlabs/strand/runtime/agent/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func sseEvent(t *testing.T, typ, data string) ssestream.Event {
	t.Helper()
	var probe map[string]any
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		t.Fatalf("invalid event fixture: %v", err)
	}
	return ssestream.Event{Type: typ, Data: json.RawMessage(data)}
}

func collect(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		chunks = append(chunks, ch)
	}
}

func TestStreamer_TextAndToolCall(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent(t, "content_block_delta", `{
  "type": "content_block_delta",
  "index": 0,
  "delta": { "type": "text_delta", "text": "hello" }
}`),
		sseEvent(t, "content_block_start", `{
  "type": "content_block_start",
  "index": 1,
  "content_block": { "type": "tool_use", "id": "t1", "name": "search" }
}`),
		sseEvent(t, "content_block_delta", `{
  "type": "content_block_delta",
  "index": 1,
  "delta": { "type": "input_json_delta", "partial_json": "{\"query\":" }
}`),
		sseEvent(t, "content_block_delta", `{
  "type": "content_block_delta",
  "index": 1,
  "delta": { "type": "input_json_delta", "partial_json": "\"weather\"}" }
}`),
		sseEvent(t, "content_block_stop", `{ "type": "content_block_stop", "index": 1 }`),
		sseEvent(t, "message_delta", `{
  "type": "message_delta",
  "delta": { "stop_reason": "tool_use" },
  "usage": { "input_tokens": 7, "output_tokens": 3 }
}`),
		sseEvent(t, "message_stop", `{ "type": "message_stop" }`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream)
	defer s.Close()

	chunks := collect(t, s)

	var (
		text     string
		deltas   int
		toolCall *model.ToolCall
		stop     string
		usage    *model.TokenUsage
	)
	for _, ch := range chunks {
		switch ch.Type {
		case model.ChunkTypeText:
			text += ch.Text
		case model.ChunkTypeToolCallDelta:
			deltas++
		case model.ChunkTypeToolCall:
			toolCall = ch.ToolCall
		case model.ChunkTypeStop:
			stop = ch.StopReason
		case model.ChunkTypeUsage:
			usage = ch.UsageDelta
		}
	}
	if text != "hello" {
		t.Fatalf("text = %q, want %q", text, "hello")
	}
	if deltas != 2 {
		t.Fatalf("tool call deltas = %d, want 2", deltas)
	}
	if toolCall == nil {
		t.Fatal("missing tool call chunk")
	}
	if toolCall.ID != "t1" || toolCall.Name != "search" {
		t.Fatalf("tool call = %+v", toolCall)
	}
	var args map[string]any
	if err := json.Unmarshal(toolCall.Args, &args); err != nil {
		t.Fatalf("tool call args: %v", err)
	}
	if args["query"] != "weather" {
		t.Fatalf("args = %v", args)
	}
	if stop != model.StopReasonToolUse {
		t.Fatalf("stop reason = %q, want %q", stop, model.StopReasonToolUse)
	}
	if usage == nil || usage.TotalTokens != 10 {
		t.Fatalf("usage = %+v, want total 10", usage)
	}
}

func TestStreamer_EmptyToolArgs(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent(t, "content_block_start", `{
  "type": "content_block_start",
  "index": 0,
  "content_block": { "type": "tool_use", "id": "t1", "name": "done" }
}`),
		sseEvent(t, "content_block_stop", `{ "type": "content_block_stop", "index": 0 }`),
		sseEvent(t, "message_stop", `{ "type": "message_stop" }`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream)
	defer s.Close()

	for _, ch := range collect(t, s) {
		if ch.Type == model.ChunkTypeToolCall {
			if string(ch.ToolCall.Args) != "{}" {
				t.Fatalf("args = %s, want {}", ch.ToolCall.Args)
			}
			return
		}
	}
	t.Fatal("missing tool call chunk")
}

func TestStreamer_CloseUnblocksRecv(t *testing.T) {
	dec := &testDecoder{}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream)
	_ = s.Close()

	_, err := s.Recv()
	if err == nil {
		t.Fatal("expected error after Close")
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: %v", err)
	}
}
