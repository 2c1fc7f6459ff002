package search

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/strandlabs/strand/runtime/agent/run"
)

// RunSortField enumerates supported sort fields.
type RunSortField string

const (
	// SortByStartedAt orders runs by start timestamp.
	SortByStartedAt RunSortField = "started_at"
	// SortByEndedAt orders runs by terminal timestamp.
	SortByEndedAt RunSortField = "ended_at"

	defaultRunLimit = 50
)

// RunCursor encodes pagination state for run searches.
type RunCursor struct {
	Timestamp time.Time
	ID        bson.ObjectID
}

// RunQuery captures filters for run lookups.
type RunQuery struct {
	ThreadIDs   []string
	Statuses    []run.Status
	WorkerIDs   []string
	StartedFrom *time.Time
	StartedTo   *time.Time
	SortField   RunSortField
	Descending  bool
	Limit       int
	Cursor      *RunCursor
}

// RunRecord represents a stored run with its document identity.
type RunRecord struct {
	RunID      string
	ThreadID   string
	Status     run.Status
	WorkerID   string
	Iterations int
	Error      string
	StartedAt  time.Time
	EndedAt    *time.Time
	DocumentID bson.ObjectID
}

// RunSearchResult wraps the result set and next cursor.
type RunSearchResult struct {
	Runs       []RunRecord
	NextCursor *RunCursor
}

// Repository exposes run searches backed by Mongo. It layers query
// capabilities over the same collection the run store writes to.
type Repository struct {
	runs    runCollection
	timeout time.Duration
}

// RepositoryOptions configures Repository.
type RepositoryOptions struct {
	Runs    runCollection
	Timeout time.Duration
}

// NewRepository constructs a repository using the provided collection.
func NewRepository(opts RepositoryOptions) (*Repository, error) {
	if opts.Runs == nil {
		return nil, errors.New("runs collection is required")
	}
	return &Repository{runs: opts.Runs, timeout: opts.Timeout}, nil
}

// Runs returns run records honoring the provided query.
func (r *Repository) Runs(ctx context.Context, q RunQuery) (RunSearchResult, error) {
	filter := buildRunFilter(q)
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultRunLimit
	}
	sortField := q.SortField
	if sortField == "" {
		sortField = SortByStartedAt
	}
	order := 1
	if q.Descending {
		order = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: string(sortField), Value: order}, {Key: "_id", Value: order}}).
		SetLimit(limit)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	cur, err := r.runs.Find(ctx, filter, opts)
	if err != nil {
		return RunSearchResult{}, err
	}
	defer cur.Close(ctx)

	var result RunSearchResult
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return RunSearchResult{}, err
		}
		result.Runs = append(result.Runs, doc.toRecord())
	}
	if len(result.Runs) == int(limit) {
		last := result.Runs[len(result.Runs)-1]
		result.NextCursor = &RunCursor{Timestamp: sortTimestamp(last, sortField), ID: last.DocumentID}
	}
	return result, nil
}

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func buildRunFilter(q RunQuery) bson.M {
	filter := bson.M{}
	if len(q.ThreadIDs) > 0 {
		filter["thread_id"] = bson.M{"$in": q.ThreadIDs}
	}
	if len(q.Statuses) > 0 {
		filter["status"] = bson.M{"$in": q.Statuses}
	}
	if len(q.WorkerIDs) > 0 {
		filter["worker_id"] = bson.M{"$in": q.WorkerIDs}
	}
	if q.StartedFrom != nil || q.StartedTo != nil {
		rng := bson.M{}
		if q.StartedFrom != nil {
			rng["$gte"] = *q.StartedFrom
		}
		if q.StartedTo != nil {
			rng["$lte"] = *q.StartedTo
		}
		filter["started_at"] = rng
	}
	if cursor := q.Cursor; cursor != nil && cursor.ID != bson.NilObjectID {
		field := string(q.SortField)
		if field == "" {
			field = string(SortByStartedAt)
		}
		cmp := "$gt"
		if q.Descending {
			cmp = "$lt"
		}
		filter["$or"] = []bson.M{
			{field: bson.M{cmp: cursor.Timestamp}},
			{field: cursor.Timestamp, "_id": bson.M{cmp: cursor.ID}},
		}
	}
	return filter
}

func sortTimestamp(rec RunRecord, sortField RunSortField) time.Time {
	if sortField == SortByEndedAt && rec.EndedAt != nil {
		return *rec.EndedAt
	}
	return rec.StartedAt
}

type runDocument struct {
	ID         bson.ObjectID `bson:"_id"`
	RunID      string        `bson:"run_id"`
	ThreadID   string        `bson:"thread_id"`
	Status     run.Status    `bson:"status"`
	WorkerID   string        `bson:"worker_id"`
	Iterations int           `bson:"iterations"`
	Error      string        `bson:"error"`
	StartedAt  time.Time     `bson:"started_at"`
	EndedAt    *time.Time    `bson:"ended_at"`
}

func (d runDocument) toRecord() RunRecord {
	return RunRecord{
		RunID:      d.RunID,
		ThreadID:   d.ThreadID,
		Status:     d.Status,
		WorkerID:   d.WorkerID,
		Iterations: d.Iterations,
		Error:      d.Error,
		StartedAt:  d.StartedAt,
		EndedAt:    d.EndedAt,
		DocumentID: d.ID,
	}
}
