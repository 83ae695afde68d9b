package concurrency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/refwiki/backend/pkg/logger"
)

// Scheduler runs batch items through a token bucket and a bounded worker pool.
// With one worker and N requests per window it behaves like a delayed sequential loop.
type Scheduler struct {
	limiter *rate.Limiter
	workers int
}

type Result struct {
	Item     string        `json:"item"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// NewScheduler allows requests items per window. A non-positive window disables throttling.
func NewScheduler(requests int, window time.Duration, workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	limit := rate.Inf
	if window > 0 && requests > 0 {
		limit = rate.Every(window / time.Duration(requests))
	}
	return &Scheduler{limiter: rate.NewLimiter(limit, 1), workers: workers}
}

// NewDelayScheduler spaces items by at least delay.
func NewDelayScheduler(delay time.Duration, workers int) *Scheduler {
	return NewScheduler(1, delay, workers)
}

// Run processes every item and returns one Result per item, in input order. A failing item
// does not stop the batch. Items not started before ctx is done carry ctx's error.
func (s *Scheduler) Run(ctx context.Context, items []string, fn func(ctx context.Context, item string) error) []Result {
	results := make([]Result, len(items))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.workers)

	for i, item := range items {
		results[i].Item = item

		if err := s.limiter.Wait(ctx); err != nil {
			for j := i; j < len(items); j++ {
				results[j] = Result{Item: items[j], Err: err}
			}
			break
		}

		i, item := i, item
		g.Go(func() error {
			start := time.Now()
			err := fn(ctx, item)

			mu.Lock()
			results[i] = Result{Item: item, Duration: time.Since(start), Err: err}
			mu.Unlock()

			if err != nil {
				logger.Warn("Scheduled item failed", zap.String("item", item), zap.Error(err))
			}
			return nil
		})
	}

	_ = g.Wait()
	return results
}
