// Package redis implements the execution lock and liveness ports on Redis.
//
// The lock is a single key written with SET NX PX: acquisition is atomic and
// ownership expires on its own if the holder dies. Release uses a compare-and
// -delete script so an expired lock re-acquired by another worker is never
// deleted by the stale former owner.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/strandlabs/strand/runtime/agent/lock"
)

type (
	// Options configures the Redis lock implementation.
	Options struct {
		// Redis is the Redis connection. Required.
		Redis *goredis.Client
	}

	// Locker implements lock.Locker on Redis.
	Locker struct {
		rdb *goredis.Client
	}

	// Liveness implements lock.Liveness on Redis. The key is independent of
	// the execution lock and its refresh never extends lock ownership.
	Liveness struct {
		rdb *goredis.Client
	}
)

var (
	_ lock.Locker   = (*Locker)(nil)
	_ lock.Liveness = (*Liveness)(nil)
)

// releaseScript deletes the lock only while the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// lockKey returns the execution lock key for a run.
func lockKey(runID string) string {
	return fmt.Sprintf("lock:run:%s", runID)
}

// aliveKey returns the liveness key for a worker/run pair.
func aliveKey(workerID, runID string) string {
	return fmt.Sprintf("alive:%s:%s", workerID, runID)
}

// NewLocker builds a Redis-backed execution lock.
func NewLocker(opts Options) (*Locker, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Locker{rdb: opts.Redis}, nil
}

// Acquire implements lock.Locker via SET NX with expiry.
func (l *Locker) Acquire(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, lockKey(runID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock for run %s: %w", runID, err)
	}
	return ok, nil
}

// Release implements lock.Locker. Releasing a lock held by another owner is a
// no-op.
func (l *Locker) Release(ctx context.Context, runID, owner string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{lockKey(runID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lock for run %s: %w", runID, err)
	}
	return nil
}

// Owner implements lock.Locker.
func (l *Locker) Owner(ctx context.Context, runID string) (string, error) {
	owner, err := l.rdb.Get(ctx, lockKey(runID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock owner for run %s: %w", runID, err)
	}
	return owner, nil
}

// NewLiveness builds a Redis-backed liveness recorder.
func NewLiveness(opts Options) (*Liveness, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Liveness{rdb: opts.Redis}, nil
}

// Beat implements lock.Liveness.
func (l *Liveness) Beat(ctx context.Context, workerID, runID string, ttl time.Duration) error {
	if err := l.rdb.Set(ctx, aliveKey(workerID, runID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("refresh liveness for run %s: %w", runID, err)
	}
	return nil
}

// Clear implements lock.Liveness.
func (l *Liveness) Clear(ctx context.Context, workerID, runID string) error {
	if err := l.rdb.Del(ctx, aliveKey(workerID, runID)).Err(); err != nil {
		return fmt.Errorf("clear liveness for run %s: %w", runID, err)
	}
	return nil
}
