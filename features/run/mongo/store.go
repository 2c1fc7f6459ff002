package mongo

import (
	"context"
	"errors"

	mongoc "github.com/strandlabs/strand/features/run/mongo/clients/mongo"
	"github.com/strandlabs/strand/runtime/agent/run"
)

// Store implements run.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

var _ run.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Upsert stores the provided run record.
func (s *Store) Upsert(ctx context.Context, record run.Record) error {
	return s.client.UpsertRun(ctx, record)
}

// Load retrieves a run record from storage.
func (s *Store) Load(ctx context.Context, runID string) (run.Record, error) {
	return s.client.LoadRun(ctx, runID)
}
