// Package inmem provides an in-memory implementation of notify.Bus for tests
// and single-process deployments.
package inmem

import (
	"context"
	"sync"
)

// Bus implements notify.Bus with process-local fan-out. Slow subscribers do
// not block publishers: each subscription has a small buffer and messages
// beyond it are dropped, matching the wake-up-only notification contract.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan []byte
	next int
}

// New returns a new in-memory bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]chan []byte)}
}

// Publish implements notify.Bus.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe implements notify.Bus.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan []byte)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			b.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}
