package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/runtime/agent/model"
	"github.com/strandlabs/strand/runtime/agent/run"
	"github.com/strandlabs/strand/runtime/agent/runlog"
	"github.com/strandlabs/strand/runtime/agent/toolerrors"
	"github.com/strandlabs/strand/runtime/agent/tools"
)

func TestEncodeBuildsEnvelope(t *testing.T) {
	t.Parallel()

	env, err := Encode("r1", ContentDelta{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "r1", env.RunID)
	assert.Equal(t, runlog.EventContentDelta, env.Type)
	assert.False(t, env.Timestamp.IsZero())
	assert.JSONEq(t, `{"text":"hi"}`, string(env.Payload))
	assert.Zero(t, env.Sequence, "sequence is store-assigned")
}

func TestCodecRoundtrip(t *testing.T) {
	t.Parallel()

	events := []Event{
		Status{Status: run.StatusRunning, Message: "picked up"},
		ContentDelta{Text: "some text"},
		ToolStarted{
			CallID: "c1",
			Tool:   "search",
			Schema: tools.SchemaTag,
			Args:   json.RawMessage(`{"query":"weather"}`),
			Index:  14,
		},
		ToolResult{
			CallID:  "c1",
			Tool:    "search",
			Success: false,
			Error:   toolerrors.New(toolerrors.KindExecution, "backend down"),
		},
		Terminal{
			Status:     run.StatusCompleted,
			Iterations: 3,
			Usage:      &model.TokenUsage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14},
		},
	}

	for _, ev := range events {
		env, err := Encode("r1", ev)
		require.NoError(t, err, "encode %s", ev.Kind())

		decoded, err := Decode(env)
		require.NoError(t, err, "decode %s", ev.Kind())
		assert.Equal(t, ev, decoded)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := Decode(&runlog.Event{Type: "surprise", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")

	_, err = Decode(nil)
	require.Error(t, err)
}

func TestDecodeRejectsBadPayload(t *testing.T) {
	t.Parallel()

	_, err := Decode(&runlog.Event{Type: runlog.EventStatus, Payload: json.RawMessage(`{`)})
	require.Error(t, err)
}
