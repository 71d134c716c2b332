package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenBucket(client, "taskdb", capacity, refill, time.Minute), mr
}

func TestCapacity(t *testing.T) {
	ctx := context.Background()
	b, mr := newBucket(t, 2, 1)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	d, err := b.Take(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Remaining: 1}, d)

	d, err = b.Take(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = b.Take(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// other callers have their own bucket
	d, err = b.Take(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.True(t, mr.Exists("taskdb:ratelimit:10.0.0.1"))
}

func TestRefill(t *testing.T) {
	ctx := context.Background()
	b, _ := newBucket(t, 1, 2)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	d, err := b.Take(ctx, "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = b.Take(ctx, "k")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	now = now.Add(250 * time.Millisecond)
	d, err = b.Take(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 1e-9)

	now = now.Add(250 * time.Millisecond)
	d, err = b.Take(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestUnreachable(t *testing.T) {
	b, mr := newBucket(t, 1, 1)
	mr.Close()
	_, err := b.Take(context.Background(), "k")
	assert.Error(t, err)
}
