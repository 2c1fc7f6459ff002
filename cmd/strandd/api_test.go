package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	runsearch "github.com/strandlabs/strand/features/run/mongo/search"
	agentrun "github.com/strandlabs/strand/runtime/agent/run"
)

type fakeSearcher struct {
	query  runsearch.RunQuery
	result runsearch.RunSearchResult
	err    error
}

func (f *fakeSearcher) Runs(_ context.Context, q runsearch.RunQuery) (runsearch.RunSearchResult, error) {
	f.query = q
	return f.result, f.err
}

func listRunsServer(f *fakeSearcher) *httptest.Server {
	a := &api{search: f}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /threads/{thread_id}/runs", a.listRuns)
	return httptest.NewServer(mux)
}

func TestListRunsReturnsPage(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	ended := started.Add(time.Minute)
	next := &runsearch.RunCursor{Timestamp: started, ID: bson.NewObjectID()}
	f := &fakeSearcher{result: runsearch.RunSearchResult{
		Runs: []runsearch.RunRecord{
			{
				RunID:      "r2",
				ThreadID:   "t1",
				Status:     agentrun.StatusCompleted,
				WorkerID:   "worker-1",
				Iterations: 3,
				StartedAt:  started,
				EndedAt:    &ended,
			},
			{
				RunID:     "r1",
				ThreadID:  "t1",
				Status:    agentrun.StatusFailed,
				Error:     "gateway unreachable",
				StartedAt: started.Add(-time.Hour),
			},
		},
		NextCursor: next,
	}}
	srv := listRunsServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/threads/t1/runs?status=completed&status=failed&limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body listRunsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Runs, 2)
	assert.Equal(t, "r2", body.Runs[0].RunID)
	assert.Equal(t, agentrun.StatusCompleted, body.Runs[0].Status)
	assert.Equal(t, 3, body.Runs[0].Iterations)
	assert.Equal(t, "r1", body.Runs[1].RunID)
	assert.Equal(t, "gateway unreachable", body.Runs[1].Error)
	assert.Equal(t, encodeRunCursor(next), body.NextCursor)

	assert.Equal(t, []string{"t1"}, f.query.ThreadIDs)
	assert.Equal(t, []agentrun.Status{agentrun.StatusCompleted, agentrun.StatusFailed}, f.query.Statuses)
	assert.Equal(t, 2, f.query.Limit)
	assert.Equal(t, runsearch.SortByStartedAt, f.query.SortField)
	assert.True(t, f.query.Descending)
	assert.Nil(t, f.query.Cursor)
}

func TestListRunsResumesFromCursor(t *testing.T) {
	t.Parallel()

	cursor := &runsearch.RunCursor{
		Timestamp: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		ID:        bson.NewObjectID(),
	}
	f := &fakeSearcher{}
	srv := listRunsServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/threads/t1/runs?cursor=" + encodeRunCursor(cursor))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, f.query.Cursor)
	assert.Equal(t, cursor.ID, f.query.Cursor.ID)
	assert.True(t, cursor.Timestamp.Equal(f.query.Cursor.Timestamp))
}

func TestListRunsValidation(t *testing.T) {
	t.Parallel()

	srv := listRunsServer(&fakeSearcher{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/threads/t1/runs?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/threads/t1/runs?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/threads/t1/runs?cursor=not-a-cursor")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunCursorRoundtrip(t *testing.T) {
	t.Parallel()

	in := &runsearch.RunCursor{
		Timestamp: time.Date(2026, 8, 30, 12, 0, 0, 123456789, time.UTC),
		ID:        bson.NewObjectID(),
	}
	out, err := decodeRunCursor(encodeRunCursor(in))
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))

	empty, err := decodeRunCursor("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}
