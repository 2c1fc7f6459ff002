// Package mongo hosts the MongoDB client used by the thread store.
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

	"github.com/strandlabs/strand/runtime/agent/thread"
)

const (
	defaultThreadsCollection  = "agent_threads"
	defaultMessagesCollection = "agent_messages"
	defaultOpTimeout          = 5 * time.Second
	threadClientName          = "thread-mongo"
)

// Client exposes Mongo-backed operations for threads and their messages.
type Client interface {
	health.Pinger

	CreateThread(ctx context.Context, t *thread.Thread) error
	LoadThread(ctx context.Context, threadID string) (*thread.Thread, error)
	AppendMessage(ctx context.Context, m *thread.Message) error
	ListMessages(ctx context.Context, threadID string, visibleOnly bool) ([]*thread.Message, error)
}

// Options configures the Mongo thread client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	ThreadsCollection  string
	MessagesCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	threads  collection
	messages collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	threadsCollection := opts.ThreadsCollection
	if threadsCollection == "" {
		threadsCollection = defaultThreadsCollection
	}
	messagesCollection := opts.MessagesCollection
	if messagesCollection == "" {
		messagesCollection = defaultMessagesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	threadsWrapper := mongoCollection{coll: db.Collection(threadsCollection)}
	messagesWrapper := mongoCollection{coll: db.Collection(messagesCollection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, threadsWrapper, messagesWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, threadsWrapper, messagesWrapper, timeout)
}

func (c *client) Name() string {
	return threadClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateThread(ctx context.Context, t *thread.Thread) error {
	if t == nil || t.ID == "" {
		return errors.New("thread id is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	doc := threadDocument{
		ThreadID:  t.ID,
		AccountID: t.AccountID,
		CreatedAt: t.CreatedAt.UTC(),
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.threads.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("thread %q already exists", t.ID)
		}
		return err
	}
	return nil
}

func (c *client) LoadThread(ctx context.Context, threadID string) (*thread.Thread, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"thread_id": threadID}
	var doc threadDocument
	if err := c.threads.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("thread %q not found", threadID)
		}
		return nil, err
	}
	return &thread.Thread{
		ID:        doc.ThreadID,
		AccountID: doc.AccountID,
		CreatedAt: doc.CreatedAt,
	}, nil
}

// AppendMessage claims the next sequence by incrementing the counter stored
// on the thread document, then inserts the message under that sequence. The
// unique (thread_id, sequence) index guarantees no two messages share a slot.
func (c *client) AppendMessage(ctx context.Context, m *thread.Message) error {
	if m == nil {
		return errors.New("message is required")
	}
	if m.ThreadID == "" {
		return errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"thread_id": m.ThreadID}
	update := bson.M{"$inc": bson.M{"message_seq": 1}}
	var doc threadDocument
	err := c.threads.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("thread %q not found", m.ThreadID)
		}
		return err
	}

	m.Sequence = doc.MessageSeq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err = c.messages.InsertOne(ctx, fromMessage(m))
	return err
}

func (c *client) ListMessages(ctx context.Context, threadID string, visibleOnly bool) ([]*thread.Message, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	filter := bson.M{"thread_id": threadID}
	if visibleOnly {
		filter["llm_visible"] = true
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.messages.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*thread.Message
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toMessage())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
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

type threadDocument struct {
	ThreadID   string    `bson:"thread_id"`
	AccountID  string    `bson:"account_id,omitempty"`
	CreatedAt  time.Time `bson:"created_at"`
	MessageSeq int64     `bson:"message_seq"`
}

type messageDocument struct {
	MessageID  string         `bson:"message_id,omitempty"`
	ThreadID   string         `bson:"thread_id"`
	Type       thread.Type    `bson:"type"`
	Content    string         `bson:"content"`
	LLMVisible bool           `bson:"llm_visible"`
	Sequence   int64          `bson:"sequence"`
	Meta       map[string]any `bson:"meta,omitempty"`
	CreatedAt  time.Time      `bson:"created_at"`
}

func fromMessage(m *thread.Message) messageDocument {
	return messageDocument{
		MessageID:  m.ID,
		ThreadID:   m.ThreadID,
		Type:       m.Type,
		Content:    m.Content,
		LLMVisible: m.LLMVisible,
		Sequence:   m.Sequence,
		Meta:       cloneMeta(m.Meta),
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

func (doc messageDocument) toMessage() *thread.Message {
	return &thread.Message{
		ID:         doc.MessageID,
		ThreadID:   doc.ThreadID,
		Type:       doc.Type,
		Content:    doc.Content,
		LLMVisible: doc.LLMVisible,
		Sequence:   doc.Sequence,
		Meta:       cloneMeta(doc.Meta),
		CreatedAt:  doc.CreatedAt,
	}
}

func cloneMeta(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, threadsColl, messagesColl collection) error {
	threadIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := threadsColl.Indexes().CreateOne(ctx, threadIndex); err != nil {
		return err
	}
	messageIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "thread_id", Value: 1},
			{Key: "sequence", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := messagesColl.Indexes().CreateOne(ctx, messageIndex); err != nil {
		return err
	}
	visibleIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "thread_id", Value: 1},
			{Key: "llm_visible", Value: 1},
			{Key: "sequence", Value: 1},
		},
	}
	_, err := messagesColl.Indexes().CreateOne(ctx, visibleIndex)
	return err
}

func newClientWithCollections(mongoClient *mongodriver.Client, threadsColl, messagesColl collection, timeout time.Duration) (*client, error) {
	if threadsColl == nil || messagesColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		threads:  threadsColl,
		messages: messagesColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	InsertOne(ctx context.Context, document any,
		opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, document any,
	opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
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

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
func (c mongoCursor) Decode(val any) error            { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                      { return c.cur.Err() }
func (c mongoCursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
