package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/runtime/agent/notify"
	notifyinmem "github.com/strandlabs/strand/runtime/agent/notify/inmem"
	"github.com/strandlabs/strand/runtime/agent/run"
	runinmem "github.com/strandlabs/strand/runtime/agent/run/inmem"
	"github.com/strandlabs/strand/runtime/agent/runlog"
	runloginmem "github.com/strandlabs/strand/runtime/agent/runlog/inmem"
)

type subEnv struct {
	log  *runloginmem.Store
	bus  *notifyinmem.Bus
	runs *runinmem.Store
	sub  *Subscriber
}

func newSubEnv(t *testing.T) *subEnv {
	t.Helper()
	e := &subEnv{
		log:  runloginmem.New(),
		bus:  notifyinmem.New(),
		runs: runinmem.New(),
	}
	e.sub = NewSubscriber(e.log, e.bus, e.runs, WithPollInterval(10*time.Millisecond))
	return e
}

// appendEvent encodes and appends, notifying the run channel like the
// coordinator does.
func (e *subEnv) appendEvent(t *testing.T, runID string, ev Event) int64 {
	t.Helper()
	env, err := Encode(runID, ev)
	require.NoError(t, err)
	seq, err := e.log.Append(context.Background(), env)
	require.NoError(t, err)
	require.NoError(t, e.bus.Publish(context.Background(), notify.RunChannel(runID), []byte("wake")))
	return seq
}

// collect receives events until the channel closes or the timeout elapses.
func collect(t *testing.T, ch <-chan *runlog.Event, timeout time.Duration) []*runlog.Event {
	t.Helper()
	var out []*runlog.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for stream close, got %d events", len(out))
		}
	}
}

func TestSubscribeReplaysCompletedRun(t *testing.T) {
	t.Parallel()

	e := newSubEnv(t)
	e.appendEvent(t, "r1", Status{Status: run.StatusRunning})
	e.appendEvent(t, "r1", ContentDelta{Text: "hello"})
	e.appendEvent(t, "r1", Terminal{Status: run.StatusCompleted})

	ch, err := e.sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)

	events := collect(t, ch, 2*time.Second)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{1, 2, 3}, sequences(events))
	assert.Equal(t, runlog.EventTerminal, events[2].Type)
}

func TestSubscribeResumesWithoutGapsOrDuplicates(t *testing.T) {
	t.Parallel()

	e := newSubEnv(t)
	for i := 0; i < 5; i++ {
		e.appendEvent(t, "r1", ContentDelta{Text: "chunk"})
	}
	e.appendEvent(t, "r1", Terminal{Status: run.StatusCompleted})

	ch, err := e.sub.Subscribe(context.Background(), "r1", 3)
	require.NoError(t, err)

	events := collect(t, ch, 2*time.Second)
	assert.Equal(t, []int64{4, 5, 6}, sequences(events))
}

func TestSubscribeTailsLiveRun(t *testing.T) {
	t.Parallel()

	e := newSubEnv(t)
	e.appendEvent(t, "r1", Status{Status: run.StatusRunning})

	ch, err := e.sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)

	// First event replays immediately.
	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replayed event")
	}

	// Appends after attachment are tailed in order.
	e.appendEvent(t, "r1", ContentDelta{Text: "live"})
	e.appendEvent(t, "r1", Terminal{Status: run.StatusCompleted})

	events := collect(t, ch, 2*time.Second)
	assert.Equal(t, []int64{2, 3}, sequences(events))
}

func TestSubscribeSyntheticTerminalFromSignal(t *testing.T) {
	t.Parallel()

	e := newSubEnv(t)
	e.appendEvent(t, "r1", Status{Status: run.StatusRunning})

	ch, err := e.sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replayed event")
	}

	// The producer could not write its terminal event; the control signal is
	// the fallback.
	require.NoError(t, e.bus.Publish(context.Background(), notify.ControlChannel("r1"), []byte(notify.SignalStop)))

	events := collect(t, ch, 2*time.Second)
	require.Len(t, events, 1)
	require.Equal(t, runlog.EventTerminal, events[0].Type)
	assert.Equal(t, int64(2), events[0].Sequence)

	var term Terminal
	require.NoError(t, json.Unmarshal(events[0].Payload, &term))
	assert.Equal(t, run.StatusStopped, term.Status)
}

func TestSyntheticTerminalPrefersRunRecord(t *testing.T) {
	t.Parallel()

	e := newSubEnv(t)
	e.appendEvent(t, "r1", Status{Status: run.StatusRunning})
	require.NoError(t, e.runs.Upsert(context.Background(), run.Record{
		ID:         "r1",
		Status:     run.StatusFailed,
		Error:      "gateway unreachable",
		Iterations: 2,
	}))

	ch, err := e.sub.Subscribe(context.Background(), "r1", 1)
	require.NoError(t, err)
	require.NoError(t, e.bus.Publish(context.Background(), notify.ControlChannel("r1"), []byte(notify.SignalError)))

	events := collect(t, ch, 2*time.Second)
	require.Len(t, events, 1)
	var term Terminal
	require.NoError(t, json.Unmarshal(events[0].Payload, &term))
	assert.Equal(t, run.StatusFailed, term.Status)
	assert.Equal(t, "gateway unreachable", term.Error)
	assert.Equal(t, 2, term.Iterations)
}

func TestSubscribeTerminalRunWithExpiredLog(t *testing.T) {
	t.Parallel()

	e := newSubEnv(t)
	require.NoError(t, e.runs.Upsert(context.Background(), run.Record{
		ID:         "r1",
		Status:     run.StatusCompleted,
		Iterations: 4,
	}))

	// Retention already deleted the log; nothing will be replayed and no
	// producer is left to publish a signal.
	ch, err := e.sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)

	events := collect(t, ch, 2*time.Second)
	require.Len(t, events, 1)
	require.Equal(t, runlog.EventTerminal, events[0].Type)
	assert.Equal(t, int64(1), events[0].Sequence)

	var term Terminal
	require.NoError(t, json.Unmarshal(events[0].Payload, &term))
	assert.Equal(t, run.StatusCompleted, term.Status)
	assert.Equal(t, 4, term.Iterations)
}

type failingLog struct{}

func (failingLog) Append(context.Context, *runlog.Event) (int64, error) {
	return 0, errors.New("log unavailable")
}

func (failingLog) List(context.Context, string, int64, int) ([]*runlog.Event, error) {
	return nil, errors.New("log unavailable")
}

func (failingLog) ExpireAfter(context.Context, string, time.Duration) error {
	return errors.New("log unavailable")
}

func TestSubscribeLogReadFailureSettlesFromRecord(t *testing.T) {
	t.Parallel()

	bus := notifyinmem.New()
	runs := runinmem.New()
	require.NoError(t, runs.Upsert(context.Background(), run.Record{
		ID:     "r1",
		Status: run.StatusFailed,
		Error:  "gateway unreachable",
	}))
	sub := NewSubscriber(failingLog{}, bus, runs, WithPollInterval(10*time.Millisecond))

	ch, err := sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)

	events := collect(t, ch, 2*time.Second)
	require.Len(t, events, 1)
	require.Equal(t, runlog.EventTerminal, events[0].Type)

	var term Terminal
	require.NoError(t, json.Unmarshal(events[0].Payload, &term))
	assert.Equal(t, run.StatusFailed, term.Status)
	assert.Equal(t, "gateway unreachable", term.Error)
}

func TestSubscribeStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	e := newSubEnv(t)
	e.appendEvent(t, "r1", Status{Status: run.StatusRunning})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.sub.Subscribe(ctx, "r1", 1)
	require.NoError(t, err)

	cancel()
	events := collect(t, ch, 2*time.Second)
	assert.Empty(t, events)
}

func TestSSEHandlerStreamsFrames(t *testing.T) {
	t.Parallel()

	e := newSubEnv(t)
	e.appendEvent(t, "r1", Status{Status: run.StatusRunning})
	e.appendEvent(t, "r1", ContentDelta{Text: "hello"})
	e.appendEvent(t, "r1", Terminal{Status: run.StatusCompleted})

	mux := http.NewServeMux()
	mux.Handle("GET /runs/{run_id}/events", SSEHandler(e.sub))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/r1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []*runlog.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev runlog.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		frames = append(frames, &ev)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, frames, 3)
	assert.Equal(t, []int64{1, 2, 3}, sequences(frames))
	assert.Equal(t, runlog.EventTerminal, frames[2].Type)
}

func TestSSEHandlerResumesFromCursor(t *testing.T) {
	t.Parallel()

	e := newSubEnv(t)
	e.appendEvent(t, "r1", Status{Status: run.StatusRunning})
	e.appendEvent(t, "r1", ContentDelta{Text: "hello"})
	e.appendEvent(t, "r1", Terminal{Status: run.StatusCompleted})

	mux := http.NewServeMux()
	mux.Handle("GET /runs/{run_id}/events", SSEHandler(e.sub))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/r1/events?after_seq=2")
	require.NoError(t, err)
	defer resp.Body.Close()

	var seqs []int64
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev runlog.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		seqs = append(seqs, ev.Sequence)
	}
	assert.Equal(t, []int64{3}, seqs)
}

func TestSSEHandlerValidation(t *testing.T) {
	t.Parallel()

	e := newSubEnv(t)
	srv := httptest.NewServer(SSEHandler(e.sub))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/?run_id=r1&after_seq=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func sequences(events []*runlog.Event) []int64 {
	out := make([]int64, 0, len(events))
	for _, e := range events {
		out = append(out, e.Sequence)
	}
	return out
}
