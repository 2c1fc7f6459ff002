// Package redis implements the notification and control channel bus on Redis
// pub/sub.
//
// Redis pub/sub is fire-and-forget: messages published while a subscriber is
// disconnected are lost. That is acceptable here because notifications are
// wake-up signals only; subscribers re-read the run log and poll as a
// fallback.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/strandlabs/strand/runtime/agent/notify"
)

type (
	// Options configures the Redis bus.
	Options struct {
		// Redis is the Redis connection. Required.
		Redis *goredis.Client
		// Buffer is the per-subscription channel depth. Defaults to 16.
		Buffer int
	}

	// Bus implements notify.Bus on Redis pub/sub.
	Bus struct {
		rdb    *goredis.Client
		buffer int
	}
)

var _ notify.Bus = (*Bus)(nil)

const defaultBuffer = 16

// NewBus builds a Redis-backed notification bus.
func NewBus(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{rdb: opts.Redis, buffer: buffer}, nil
}

// Publish implements notify.Bus. Publishing to a channel with no subscribers
// is not an error.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements notify.Bus. The returned channel closes when the
// subscription is canceled or ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, channel)
	// Force the subscription to be established before returning so callers
	// never miss messages published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	out := make(chan []byte, b.buffer)
	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}

	go func() {
		defer close(out)
		defer cancel()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
