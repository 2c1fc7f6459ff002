// Package inmem provides an in-memory implementation of thread.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strandlabs/strand/runtime/agent/thread"
)

// Store implements thread.Store in memory.
type Store struct {
	mu       sync.Mutex
	threads  map[string]*thread.Thread
	messages map[string][]*thread.Message
}

// New returns a new in-memory thread store.
func New() *Store {
	return &Store{
		threads:  make(map[string]*thread.Thread),
		messages: make(map[string][]*thread.Message),
	}
}

// CreateThread implements thread.Store.
func (s *Store) CreateThread(_ context.Context, t *thread.Thread) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("thread id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return fmt.Errorf("thread %q already exists", t.ID)
	}
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.threads[t.ID] = &cp
	return nil
}

// LoadThread implements thread.Store.
func (s *Store) LoadThread(_ context.Context, threadID string) (*thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %q not found", threadID)
	}
	cp := *t
	return &cp, nil
}

// AppendMessage implements thread.Store.
func (s *Store) AppendMessage(_ context.Context, m *thread.Message) error {
	if m == nil {
		return fmt.Errorf("message is required")
	}
	if m.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Sequence = int64(len(s.messages[m.ThreadID]) + 1)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], &cp)
	return nil
}

// Messages implements thread.Store.
func (s *Store) Messages(_ context.Context, threadID string, visibleOnly bool) ([]*thread.Message, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[threadID]
	out := make([]*thread.Message, 0, len(all))
	for _, m := range all {
		if visibleOnly && !m.LLMVisible {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}
