// Package concurrency guards page generation: per-slug request dedup, per-caller sliding-window
// rate limits, per-slug cooldowns and a rate-limited scheduler for batch work.
package concurrency

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/refwiki/backend/pkg/apperr"
	"github.com/refwiki/backend/pkg/logger"
)

type Config struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Cooldown          time.Duration
}

type Controller struct {
	cfg       Config
	dedup     *Deduplicator
	limiter   WindowLimiter
	cooldowns CooldownStore
}

// NewController builds a controller. Nil stores fall back to in-memory implementations.
func NewController(cfg Config, limiter WindowLimiter, cooldowns CooldownStore) *Controller {
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 10
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if limiter == nil {
		limiter = NewMemoryWindow()
	}
	if cooldowns == nil {
		cooldowns = NewMemoryCooldowns()
	}

	return &Controller{
		cfg:       cfg,
		dedup:     NewDeduplicator(),
		limiter:   limiter,
		cooldowns: cooldowns,
	}
}

func (c *Controller) Deduplicator() *Deduplicator {
	return c.dedup
}

// CheckRateLimit counts one generation attempt for caller and rejects it when the window is full.
func (c *Controller) CheckRateLimit(ctx context.Context, caller string) error {
	d, err := c.limiter.Allow(ctx, "gen:"+caller, c.cfg.RateLimitRequests, c.cfg.RateLimitWindow)
	if err != nil {
		return fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !d.Allowed {
		logger.Warn("Generation rate limit exceeded",
			zap.String("caller", caller),
			zap.Duration("retry_after", d.RetryAfter),
		)
		return apperr.RateLimited(apperr.ReasonRateLimit, d.RetryAfter)
	}
	return nil
}

func (c *Controller) CheckCooldown(ctx context.Context, slug string) error {
	if c.cfg.Cooldown <= 0 {
		return nil
	}
	left, err := c.cooldowns.Remaining(ctx, "cooldown:"+slug)
	if err != nil {
		return fmt.Errorf("failed to check cooldown: %w", err)
	}
	if left > 0 {
		logger.Info("Generation cooldown active", zap.String("slug", slug), zap.Duration("remaining", left))
		return apperr.RateLimited(apperr.ReasonCooldown, left)
	}
	return nil
}

// StartCooldown marks slug as freshly generated.
func (c *Controller) StartCooldown(ctx context.Context, slug string) error {
	if c.cfg.Cooldown <= 0 {
		return nil
	}
	if err := c.cooldowns.Start(ctx, "cooldown:"+slug, c.cfg.Cooldown); err != nil {
		return fmt.Errorf("failed to start cooldown: %w", err)
	}
	return nil
}
