// Package inmem provides an in-memory implementation of run.Store for tests
// and local development.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/strandlabs/strand/runtime/agent/run"
)

// Store implements run.Store in memory.
type Store struct {
	mu      sync.Mutex
	records map[string]run.Record
}

// New returns a new in-memory run store.
func New() *Store {
	return &Store{records: make(map[string]run.Record)}
}

// Upsert implements run.Store.
func (s *Store) Upsert(_ context.Context, record run.Record) error {
	if record.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return nil
}

// Load implements run.Store.
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[runID]
	if !ok {
		return run.Record{}, fmt.Errorf("run %q not found", runID)
	}
	return r, nil
}
