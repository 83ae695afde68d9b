// Package retry re-runs flaky upstream calls with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Name           string
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// RetryableErrors limits retries to errors matching one of these. Empty retries everything.
	RetryableErrors []error
	// ShouldRetry takes precedence over RetryableErrors when set.
	ShouldRetry func(error) bool
	Logger      *zap.Logger
}

// Hinted is implemented by errors that know how long the upstream wants callers to wait.
type Hinted interface {
	RetryAfter() time.Duration
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Do returns it immediately, unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         zap.NewNop(),
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return cfg
}

// Backoff returns the un-jittered wait before the given retry (1 for the first retry).
func (cfg Config) Backoff(retry int) time.Duration {
	cfg = cfg.withDefaults()
	d := float64(cfg.InitialDelay)
	for i := 1; i < retry && d < float64(cfg.MaxDelay); i++ {
		d *= cfg.Multiplier
	}
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

func (cfg Config) retryable(err error) bool {
	if cfg.ShouldRetry != nil {
		return cfg.ShouldRetry(err)
	}
	if len(cfg.RetryableErrors) == 0 {
		return true
	}
	for _, target := range cfg.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// wait picks the delay before the next attempt. An upstream hint wins when it is longer,
// but never exceeds MaxDelay.
func (cfg Config) wait(retry int, err error) time.Duration {
	d := jitter(cfg.Backoff(retry), cfg.JitterFraction)
	var hinted Hinted
	if errors.As(err, &hinted) {
		if h := hinted.RetryAfter(); h > d {
			d = min(h, cfg.MaxDelay)
		}
	}
	return d
}

// Do runs operation until it succeeds, returns a non-retryable error, or runs out of attempts.
// The last error is returned as is.
func Do(ctx context.Context, cfg Config, operation func() error) error {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With(zap.String("operation", cfg.Name))

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err = operation(); err == nil {
			if attempt > 1 {
				log.Info("Operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !cfg.retryable(err) {
			log.Debug("Error not retryable", zap.Error(err), zap.Int("attempt", attempt))
			return err
		}
		if attempt >= cfg.MaxAttempts {
			return err
		}

		delay := cfg.wait(attempt, err)
		log.Warn("Operation failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("delay", delay),
		)
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

func DoWithResult[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = operation()
		return err
	})
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter spreads d by up to ±fraction.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * fraction * float64(d)
	return d + time.Duration(spread)
}
