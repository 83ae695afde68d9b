package concurrency

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// WindowLimiter counts events per key over a sliding window.
type WindowLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// CooldownStore tracks per-key quiet periods.
type CooldownStore interface {
	Start(ctx context.Context, key string, d time.Duration) error
	Remaining(ctx context.Context, key string) (time.Duration, error)
}

type MemoryWindow struct {
	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{events: make(map[string][]time.Time), now: time.Now}
}

func (w *MemoryWindow) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-window)

	kept := w.events[key][:0]
	for _, t := range w.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		w.events[key] = kept
		retry := kept[0].Add(window).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
	}

	kept = append(kept, now)
	w.events[key] = kept
	return Decision{Allowed: true, Remaining: limit - len(kept)}, nil
}

type MemoryCooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{until: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryCooldowns) Start(_ context.Context, key string, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = c.now().Add(d)
	return nil
}

func (c *MemoryCooldowns) Remaining(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.until[key]
	if !ok {
		return 0, nil
	}
	left := until.Sub(c.now())
	if left <= 0 {
		delete(c.until, key)
		return 0, nil
	}
	return left, nil
}
