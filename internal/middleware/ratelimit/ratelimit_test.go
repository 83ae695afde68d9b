package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(rl *RateLimiter) *fiber.App {
	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func TestMiddlewareRejectsAfterBurst(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	defer rl.Stop()
	app := newApp(rl)

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestAllowRefillsOverTime(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1})
	defer rl.Stop()
	now := time.Now()
	rl.now = func() time.Time { return now }

	ok, _ := rl.allow("a")
	assert.True(t, ok)
	ok, wait := rl.allow("a")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	ok, _ = rl.allow("b")
	assert.True(t, ok, "buckets are per key")

	now = now.Add(time.Minute)
	ok, _ = rl.allow("a")
	assert.True(t, ok)
}

func TestEvictIdle(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 5, IdleTTL: time.Minute})
	defer rl.Stop()
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.allow("a")
	now = now.Add(2 * time.Minute)
	rl.allow("b")
	rl.evictIdle()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.visitors, "a")
	assert.Contains(t, rl.visitors, "b")
}
