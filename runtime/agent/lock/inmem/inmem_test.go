package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerAdmitsSingleOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLocker()

	ok, err := l.Acquire(ctx, "r1", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "r1", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire while held must fail")

	owner, err := l.Owner(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "w1", owner)
}

func TestLockerExpiryAllowsTakeover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLocker()
	now := time.Now()
	l.now = func() time.Time { return now }

	ok, err := l.Acquire(ctx, "r1", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A crashed worker never releases; the TTL unblocks the run.
	now = now.Add(2 * time.Minute)
	ok, err = l.Acquire(ctx, "r1", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	owner, err := l.Owner(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "w2", owner)
}

func TestLockerReleaseChecksOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLocker()

	ok, err := l.Acquire(ctx, "r1", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "r1", "w2"))
	owner, err := l.Owner(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "w1", owner, "release by a non-owner is a no-op")

	require.NoError(t, l.Release(ctx, "r1", "w1"))
	ok, err = l.Acquire(ctx, "r1", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLivenessBeatAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLiveness()

	require.NoError(t, l.Beat(ctx, "w1", "r1", time.Minute))
	assert.True(t, l.Alive("w1", "r1"))
	assert.False(t, l.Alive("w2", "r1"))

	require.NoError(t, l.Clear(ctx, "w1", "r1"))
	assert.False(t, l.Alive("w1", "r1"))
}
