package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/strandlabs/strand/runtime/agent/run"
)

func TestUpsertRunValidation(t *testing.T) {
	c := newTestClient(t, &stubCollection{})

	err := c.UpsertRun(context.Background(), run.Record{ThreadID: "thread"})
	require.Error(t, err)

	err = c.UpsertRun(context.Background(), run.Record{ID: "run"})
	require.Error(t, err)
}

func TestUpsertRunBuildsUpdate(t *testing.T) {
	coll := &stubCollection{}
	c := newTestClient(t, coll)

	rec := run.Record{
		ID:         "run-1",
		ThreadID:   "thread-1",
		Status:     run.StatusRunning,
		WorkerID:   "worker-a",
		Iterations: 3,
	}
	require.NoError(t, c.UpsertRun(context.Background(), rec))

	require.Equal(t, bson.M{"run_id": "run-1"}, coll.updateFilter)
	update := coll.update.(bson.M)
	set := update["$set"].(bson.M)
	require.Equal(t, "thread-1", set["thread_id"])
	require.Equal(t, run.StatusRunning, set["status"])
	require.Equal(t, "worker-a", set["worker_id"])
	require.Equal(t, 3, set["iterations"])
	setOnInsert := update["$setOnInsert"].(bson.M)
	require.NotNil(t, setOnInsert["started_at"])
}

func TestLoadRunNotFound(t *testing.T) {
	coll := &stubCollection{findErr: mongodriver.ErrNoDocuments}
	c := newTestClient(t, coll)

	_, err := c.LoadRun(context.Background(), "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestLoadRunRoundtrip(t *testing.T) {
	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	ended := time.Now().UTC().Truncate(time.Millisecond)
	coll := &stubCollection{doc: &runDocument{
		RunID:      "run-2",
		ThreadID:   "thread-2",
		Status:     run.StatusCompleted,
		WorkerID:   "worker-b",
		Iterations: 5,
		StartedAt:  started,
		EndedAt:    &ended,
	}}
	c := newTestClient(t, coll)

	rec, err := c.LoadRun(context.Background(), "run-2")
	require.NoError(t, err)
	require.Equal(t, "run-2", rec.ID)
	require.Equal(t, "thread-2", rec.ThreadID)
	require.Equal(t, run.StatusCompleted, rec.Status)
	require.Equal(t, 5, rec.Iterations)
	require.Equal(t, started, rec.StartedAt)
	require.Equal(t, ended, rec.EndedAt)
}

func newTestClient(t *testing.T, coll collection) *client {
	t.Helper()
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	return c
}

type stubCollection struct {
	doc     *runDocument
	findErr error

	updateFilter any
	update       any
}

func (s *stubCollection) FindOne(_ context.Context, _ any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	return stubSingleResult{doc: s.doc, err: s.findErr}
}

func (s *stubCollection) UpdateOne(_ context.Context, filter any, update any,
	_ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	s.updateFilter = filter
	s.update = update
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (s *stubCollection) Indexes() indexView { return stubIndexView{} }

type stubSingleResult struct {
	doc *runDocument
	err error
}

func (r stubSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	if r.doc == nil {
		return errors.New("no document configured")
	}
	*(val.(*runDocument)) = *r.doc
	return nil
}

type stubIndexView struct{}

func (stubIndexView) CreateOne(context.Context, mongodriver.IndexModel,
	...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "", nil
}
