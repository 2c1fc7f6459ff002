package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/runtime/agent/run"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
}

func TestStoreDelegates(t *testing.T) {
	c := &recordingClient{rec: run.Record{ID: "run-1", ThreadID: "thread-1"}}
	store, err := NewStore(c)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(context.Background(), run.Record{ID: "run-1"}))
	require.Equal(t, "run-1", c.upserted.ID)

	rec, err := store.Load(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "thread-1", rec.ThreadID)
}

type recordingClient struct {
	rec      run.Record
	upserted run.Record
}

func (c *recordingClient) Name() string               { return "recording" }
func (c *recordingClient) Ping(context.Context) error { return nil }
func (c *recordingClient) UpsertRun(_ context.Context, rec run.Record) error {
	c.upserted = rec
	return nil
}
func (c *recordingClient) LoadRun(context.Context, string) (run.Record, error) {
	return c.rec, nil
}
