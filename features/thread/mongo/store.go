package mongo

import (
	"context"
	"errors"

	mongoc "github.com/strandlabs/strand/features/thread/mongo/clients/mongo"
	"github.com/strandlabs/strand/runtime/agent/thread"
)

// Store implements thread.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

var _ thread.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// CreateThread persists a new thread.
func (s *Store) CreateThread(ctx context.Context, t *thread.Thread) error {
	return s.client.CreateThread(ctx, t)
}

// LoadThread retrieves a thread from storage.
func (s *Store) LoadThread(ctx context.Context, threadID string) (*thread.Thread, error) {
	return s.client.LoadThread(ctx, threadID)
}

// AppendMessage stores the message at the end of its thread and assigns its
// sequence.
func (s *Store) AppendMessage(ctx context.Context, m *thread.Message) error {
	return s.client.AppendMessage(ctx, m)
}

// Messages returns the thread messages in insertion order.
func (s *Store) Messages(ctx context.Context, threadID string, visibleOnly bool) ([]*thread.Message, error) {
	return s.client.ListMessages(ctx, threadID, visibleOnly)
}
