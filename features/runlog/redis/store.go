// Package redis implements the append-only run event log on a Redis list.
//
// Each run's events live in one list under run:{id}:events. Sequence numbers
// are positional: RPUSH returns the new list length, which is the appended
// event's sequence, and readers derive sequences from LRANGE offsets. The
// list therefore cannot have gaps or duplicates by construction.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/strandlabs/strand/runtime/agent/runlog"
)

type (
	// Options configures the Redis run log store.
	Options struct {
		// Redis is the Redis connection. Required.
		Redis *goredis.Client
	}

	// Store implements runlog.Store on Redis lists.
	Store struct {
		rdb *goredis.Client
	}
)

var _ runlog.Store = (*Store)(nil)

// eventsKey returns the list key holding a run's events.
func eventsKey(runID string) string {
	return fmt.Sprintf("run:%s:events", runID)
}

// NewStore builds a Redis-backed run log store.
func NewStore(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Store{rdb: opts.Redis}, nil
}

// Append implements runlog.Store. The sequence assigned is the list length
// after the push.
func (s *Store) Append(ctx context.Context, e *runlog.Event) (int64, error) {
	if e == nil {
		return 0, errors.New("event is required")
	}
	if e.RunID == "" {
		return 0, errors.New("run id is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode event for run %s: %w", e.RunID, err)
	}
	seq, err := s.rdb.RPush(ctx, eventsKey(e.RunID), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("append event for run %s: %w", e.RunID, err)
	}
	e.Sequence = seq
	return seq, nil
}

// List implements runlog.Store. Sequences are assigned from list positions so
// stored envelopes never go out of sync with their offsets.
func (s *Store) List(ctx context.Context, runID string, afterSeq int64, limit int) ([]*runlog.Event, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = afterSeq + int64(limit) - 1
	}
	raw, err := s.rdb.LRange(ctx, eventsKey(runID), afterSeq, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	events := make([]*runlog.Event, 0, len(raw))
	for i, item := range raw {
		var e runlog.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode event %d for run %s: %w", afterSeq+int64(i)+1, runID, err)
		}
		e.RunID = runID
		e.Sequence = afterSeq + int64(i) + 1
		events = append(events, &e)
	}
	return events, nil
}

// ExpireAfter implements runlog.Store. A non-positive ttl deletes the log
// immediately.
func (s *Store) ExpireAfter(ctx context.Context, runID string, ttl time.Duration) error {
	key := eventsKey(runID)
	if ttl <= 0 {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete events for run %s: %w", runID, err)
		}
		return nil
	}
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire events for run %s: %w", runID, err)
	}
	return nil
}
