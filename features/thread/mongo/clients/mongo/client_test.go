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

	"github.com/strandlabs/strand/runtime/agent/thread"
)

func TestCreateThreadValidation(t *testing.T) {
	c := newTestClient(t, &stubCollection{}, &stubCollection{})

	require.Error(t, c.CreateThread(context.Background(), nil))
	require.Error(t, c.CreateThread(context.Background(), &thread.Thread{}))
}

func TestCreateThreadInserts(t *testing.T) {
	threads := &stubCollection{}
	c := newTestClient(t, threads, &stubCollection{})

	th := &thread.Thread{ID: "thread-1", AccountID: "acct-1"}
	require.NoError(t, c.CreateThread(context.Background(), th))
	require.False(t, th.CreatedAt.IsZero())

	doc := threads.inserted.(threadDocument)
	require.Equal(t, "thread-1", doc.ThreadID)
	require.Equal(t, "acct-1", doc.AccountID)
	require.Equal(t, int64(0), doc.MessageSeq)
}

func TestLoadThreadNotFound(t *testing.T) {
	threads := &stubCollection{findErr: mongodriver.ErrNoDocuments}
	c := newTestClient(t, threads, &stubCollection{})

	_, err := c.LoadThread(context.Background(), "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestAppendMessageAssignsSequence(t *testing.T) {
	threads := &stubCollection{threadDoc: &threadDocument{ThreadID: "thread-1", MessageSeq: 4}}
	messages := &stubCollection{}
	c := newTestClient(t, threads, messages)

	m := &thread.Message{
		ThreadID:   "thread-1",
		Type:       thread.TypeUser,
		Content:    "hello",
		LLMVisible: true,
	}
	require.NoError(t, c.AppendMessage(context.Background(), m))
	require.Equal(t, int64(4), m.Sequence)
	require.False(t, m.CreatedAt.IsZero())

	update := threads.update.(bson.M)
	require.Equal(t, bson.M{"message_seq": 1}, update["$inc"])

	doc := messages.inserted.(messageDocument)
	require.Equal(t, int64(4), doc.Sequence)
	require.Equal(t, thread.TypeUser, doc.Type)
	require.True(t, doc.LLMVisible)
}

func TestAppendMessageUnknownThread(t *testing.T) {
	threads := &stubCollection{findErr: mongodriver.ErrNoDocuments}
	c := newTestClient(t, threads, &stubCollection{})

	err := c.AppendMessage(context.Background(), &thread.Message{ThreadID: "missing"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestListMessagesFilters(t *testing.T) {
	messages := &stubCollection{msgDocs: []messageDocument{
		{ThreadID: "thread-1", Type: thread.TypeSystem, Content: "sys", LLMVisible: true, Sequence: 1},
		{ThreadID: "thread-1", Type: thread.TypeUser, Content: "hi", LLMVisible: true, Sequence: 2},
	}}
	c := newTestClient(t, &stubCollection{}, messages)

	out, err := c.ListMessages(context.Background(), "thread-1", true)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(1), out[0].Sequence)
	require.Equal(t, thread.TypeUser, out[1].Type)

	filter := messages.findFilter.(bson.M)
	require.Equal(t, true, filter["llm_visible"])
}

func newTestClient(t *testing.T, threads, messages collection) *client {
	t.Helper()
	c, err := newClientWithCollections(nil, threads, messages, time.Second)
	require.NoError(t, err)
	return c
}

type stubCollection struct {
	threadDoc *threadDocument
	msgDocs   []messageDocument
	findErr   error

	findFilter any
	update     any
	inserted   any
}

func (s *stubCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	s.findFilter = filter
	return stubSingleResult{doc: s.threadDoc, err: s.findErr}
}

func (s *stubCollection) FindOneAndUpdate(_ context.Context, filter any, update any,
	_ ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	s.findFilter = filter
	s.update = update
	return stubSingleResult{doc: s.threadDoc, err: s.findErr}
}

func (s *stubCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	s.findFilter = filter
	return &stubCursor{docs: s.msgDocs}, nil
}

func (s *stubCollection) InsertOne(_ context.Context, document any,
	_ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	s.inserted = document
	return &mongodriver.InsertOneResult{}, nil
}

func (s *stubCollection) Indexes() indexView { return stubIndexView{} }

type stubSingleResult struct {
	doc *threadDocument
	err error
}

func (r stubSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	if r.doc == nil {
		return errors.New("no document configured")
	}
	*(val.(*threadDocument)) = *r.doc
	return nil
}

type stubCursor struct {
	docs []messageDocument
	idx  int
}

func (c *stubCursor) Next(context.Context) bool {
	if c.idx >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}

func (c *stubCursor) Decode(val any) error {
	*(val.(*messageDocument)) = c.docs[c.idx-1]
	return nil
}

func (c *stubCursor) Err() error                  { return nil }
func (c *stubCursor) Close(context.Context) error { return nil }

type stubIndexView struct{}

func (stubIndexView) CreateOne(context.Context, mongodriver.IndexModel,
	...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "", nil
}
