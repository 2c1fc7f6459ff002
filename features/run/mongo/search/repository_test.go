package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/strandlabs/strand/runtime/agent/run"
)

func TestRunsBuildsFilter(t *testing.T) {
	now := time.Now()
	docs := []any{
		runDocument{
			ID:        bson.NewObjectID(),
			RunID:     "run-1",
			ThreadID:  "thread-1",
			Status:    run.StatusRunning,
			WorkerID:  "worker-a",
			StartedAt: now.Add(-time.Hour),
		},
	}
	runs := &fakeCollection{docs: docs}
	repo, err := NewRepository(RepositoryOptions{Runs: runs})
	require.NoError(t, err)

	startedFrom := now.Add(-24 * time.Hour)
	query := RunQuery{
		ThreadIDs:   []string{"thread-1"},
		Statuses:    []run.Status{run.StatusRunning, run.StatusFailed},
		WorkerIDs:   []string{"worker-a"},
		StartedFrom: &startedFrom,
		Limit:       1,
		Descending:  true,
		Cursor:      &RunCursor{Timestamp: now, ID: bson.NewObjectID()},
	}

	res, err := repo.Runs(context.Background(), query)
	require.NoError(t, err)
	require.Len(t, res.Runs, 1)
	require.Equal(t, "run-1", res.Runs[0].RunID)
	require.NotNil(t, res.NextCursor)

	filter := runs.filter.(bson.M)
	require.Equal(t, bson.M{"$in": []string{"thread-1"}}, filter["thread_id"])
	require.Equal(t, bson.M{"$in": []run.Status{run.StatusRunning, run.StatusFailed}}, filter["status"])
	require.NotNil(t, filter["$or"])

	applied := applyFindOptions(t, runs.options)
	require.Equal(t, int64(1), *applied.Limit)
}

func TestRunsDefaultsLimitAndSort(t *testing.T) {
	runs := &fakeCollection{}
	repo, err := NewRepository(RepositoryOptions{Runs: runs})
	require.NoError(t, err)

	res, err := repo.Runs(context.Background(), RunQuery{})
	require.NoError(t, err)
	require.Empty(t, res.Runs)
	require.Nil(t, res.NextCursor)

	applied := applyFindOptions(t, runs.options)
	require.Equal(t, int64(defaultRunLimit), *applied.Limit)
	sort := applied.Sort.(bson.D)
	require.Equal(t, string(SortByStartedAt), sort[0].Key)
	require.Equal(t, 1, sort[0].Value)
}

func TestRunsFindError(t *testing.T) {
	runs := &fakeCollection{err: errors.New("boom")}
	repo, err := NewRepository(RepositoryOptions{Runs: runs})
	require.NoError(t, err)

	_, err = repo.Runs(context.Background(), RunQuery{})
	require.Error(t, err)
}

func applyFindOptions(t *testing.T, listers []options.Lister[options.FindOptions]) *options.FindOptions {
	t.Helper()
	applied := &options.FindOptions{}
	for _, l := range listers {
		for _, fn := range l.List() {
			require.NoError(t, fn(applied))
		}
	}
	return applied
}

type fakeCollection struct {
	docs    []any
	err     error
	filter  any
	options []options.Lister[options.FindOptions]
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.filter = filter
	c.options = opts
	return &fakeCursor{docs: c.docs}, nil
}

type fakeCursor struct {
	docs []any
	idx  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.idx >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	doc, ok := c.docs[c.idx-1].(runDocument)
	if !ok {
		return errors.New("unexpected document type")
	}
	*(val.(*runDocument)) = doc
	return nil
}

func (c *fakeCursor) Close(context.Context) error { return nil }
