// Package mongo hosts the MongoDB client used by the run record store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/strandlabs/strand/runtime/agent/run"
)

// RunsCollection is the default collection holding run documents. The search
// repository reads the same collection this client writes.
const RunsCollection = "agent_runs"

const (
	defaultOpTimeout = 5 * time.Second
	runClientName    = "run-mongo"
)

// Client exposes Mongo-backed operations for run records.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, record run.Record) error
	LoadRun(ctx context.Context, runID string) (run.Record, error)
}

// Options configures the Mongo run client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = RunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertRun(ctx context.Context, record run.Record) error {
	if record.ID == "" {
		return errors.New("run id is required")
	}
	if record.ThreadID == "" {
		return errors.New("thread id is required")
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	doc := fromRecord(record)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": record.ID}
	update := bson.M{
		"$set": bson.M{
			"run_id":     doc.RunID,
			"thread_id":  doc.ThreadID,
			"status":     doc.Status,
			"worker_id":  doc.WorkerID,
			"iterations": doc.Iterations,
			"error":      doc.Error,
			"ended_at":   doc.EndedAt,
			"metadata":   doc.Metadata,
		},
		"$setOnInsert": bson.M{
			"started_at": doc.StartedAt,
		},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	var doc runDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, fmt.Errorf("run %q not found", runID)
		}
		return run.Record{}, err
	}
	return doc.toRecord(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type runDocument struct {
	RunID      string         `bson:"run_id"`
	ThreadID   string         `bson:"thread_id"`
	Status     run.Status     `bson:"status"`
	WorkerID   string         `bson:"worker_id,omitempty"`
	Iterations int            `bson:"iterations,omitempty"`
	Error      string         `bson:"error,omitempty"`
	StartedAt  time.Time      `bson:"started_at"`
	EndedAt    *time.Time     `bson:"ended_at,omitempty"`
	Metadata   map[string]any `bson:"metadata,omitempty"`
}

func fromRecord(record run.Record) runDocument {
	var endedAt *time.Time
	if !record.EndedAt.IsZero() {
		at := record.EndedAt.UTC()
		endedAt = &at
	}
	return runDocument{
		RunID:      record.ID,
		ThreadID:   record.ThreadID,
		Status:     record.Status,
		WorkerID:   record.WorkerID,
		Iterations: record.Iterations,
		Error:      record.Error,
		StartedAt:  record.StartedAt.UTC(),
		EndedAt:    endedAt,
		Metadata:   cloneMetadata(record.Metadata),
	}
}

func (doc runDocument) toRecord() run.Record {
	var endedAt time.Time
	if doc.EndedAt != nil {
		endedAt = doc.EndedAt.UTC()
	}
	return run.Record{
		ID:         doc.RunID,
		ThreadID:   doc.ThreadID,
		Status:     doc.Status,
		WorkerID:   doc.WorkerID,
		Iterations: doc.Iterations,
		Error:      doc.Error,
		StartedAt:  doc.StartedAt,
		EndedAt:    endedAt,
		Metadata:   cloneMetadata(doc.Metadata),
	}
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return err
	}
	threadIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "thread_id", Value: 1},
			{Key: "started_at", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, threadIndex)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
