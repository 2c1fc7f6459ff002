// Package inmem provides an in-memory implementation of runlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strandlabs/strand/runtime/agent/runlog"
)

// Store implements runlog.Store in memory.
type Store struct {
	mu sync.Mutex
	// per-run ordered events; sequence == index+1.
	events map[string][]*runlog.Event
}

// New returns a new in-memory run log store.
func New() *Store {
	return &Store{events: make(map[string][]*runlog.Event)}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e *runlog.Event) (int64, error) {
	if e == nil {
		return 0, fmt.Errorf("event is required")
	}
	if e.RunID == "" {
		return 0, fmt.Errorf("run_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(len(s.events[e.RunID]) + 1)
	e.Sequence = seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	cp := *e
	s.events[e.RunID] = append(s.events[e.RunID], &cp)
	return seq, nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, runID string, afterSeq int64, limit int) ([]*runlog.Event, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[runID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(all)) {
		return nil, nil
	}
	rest := all[afterSeq:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	out := make([]*runlog.Event, len(rest))
	for i, ev := range rest {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// ExpireAfter implements runlog.Store. A non-positive ttl deletes the log
// immediately.
func (s *Store) ExpireAfter(_ context.Context, runID string, ttl time.Duration) error {
	if ttl <= 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.events, runID)
		return nil
	}
	time.AfterFunc(ttl, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.events, runID)
	})
	return nil
}
