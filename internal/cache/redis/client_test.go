package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestAllowSlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := c.Allow(ctx, "10.0.0.1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1-i, d.Remaining)
		now = now.Add(10 * time.Second)
	}

	d, err := c.Allow(ctx, "10.0.0.1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	now = now.Add(41 * time.Second)
	d, err = c.Allow(ctx, "10.0.0.1", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCooldown(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	left, err := c.Remaining(ctx, "cooldown:colic")
	require.NoError(t, err)
	assert.Zero(t, left)

	require.NoError(t, c.Start(ctx, "cooldown:colic", 30*time.Second))
	left, err = c.Remaining(ctx, "cooldown:colic")
	require.NoError(t, err)
	assert.Greater(t, left, time.Duration(0))
	assert.LessOrEqual(t, left, 30*time.Second)

	mr.FastForward(31 * time.Second)
	left, err = c.Remaining(ctx, "cooldown:colic")
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestContentCache(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.GetContent(ctx, "aap-safe-sleep")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetContent(ctx, "aap-safe-sleep", "Place babies on their backs.", 24*time.Hour))
	got, ok, err := c.GetContent(ctx, "aap-safe-sleep")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Place babies on their backs.", got)

	n, err := c.ClearFetchCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.SetContent(ctx, "cdc", "x", time.Hour))
	mr.FastForward(2 * time.Hour)
	_, ok, err = c.GetContent(ctx, "cdc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmbeddingCacheAndMetrics(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetEmbedding(ctx, "h1", []float32{0.25, 0.5}, time.Hour))
	emb, ok, err := c.GetEmbedding(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.25, 0.5}, emb)

	require.NoError(t, c.IncrementMetric(ctx, "cache_hit"))
	require.NoError(t, c.IncrementMetric(ctx, "cache_hit"))
	v, err := c.GetMetric(ctx, "cache_hit")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = c.GetMetric(ctx, "cache_miss")
	require.NoError(t, err)
	assert.Zero(t, v)
}
