// Package cache owns the page lifecycle: TTL stamping, published-only reads, invalidation,
// size-bounded eviction and the batch jobs that keep the cache warm.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/metrics"
	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/logger"
)

const (
	metricHits   = "page_cache_hits"
	metricMisses = "page_cache_misses"
)

// Analytics persists hit and miss counters across restarts.
type Analytics interface {
	IncrementMetric(ctx context.Context, name string) error
	GetMetric(ctx context.Context, name string) (int64, error)
}

type Config struct {
	TTL                    time.Duration
	MaxCachedPages         int
	LowConfidenceThreshold float64
	AnalyticsEnabled       bool
}

type Stats struct {
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	HitRate            float64 `json:"hit_rate"`
	TotalHits          int64   `json:"total_hits,omitempty"`
	TotalMisses        int64   `json:"total_misses,omitempty"`
	TotalPages         int     `json:"total_pages"`
	StalePages         int     `json:"stale_pages"`
	LowConfidencePages int     `json:"low_confidence_pages"`
	MaxCachedPages     int     `json:"max_cached_pages"`
	TTLHours           float64 `json:"ttl_hours"`
}

type Manager struct {
	store     storage.PageStore
	analytics Analytics
	cfg       Config
	now       func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewManager accepts a nil analytics sink; analytics are then kept in process only.
func NewManager(store storage.PageStore, analytics Analytics, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 48 * time.Hour
	}
	return &Manager{
		store:     store,
		analytics: analytics,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (m *Manager) TTL() time.Duration { return m.cfg.TTL }

// GetPage returns a published page. Unpublished and missing pages both yield models.ErrNotFound.
func (m *Manager) GetPage(ctx context.Context, slug string) (*models.Page, error) {
	page, err := m.store.GetPage(ctx, slug)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}

	if page == nil || !page.Published {
		m.record(ctx, false)
		return nil, models.ErrNotFound
	}

	m.record(ctx, true)
	return page, nil
}

// Lookup returns the stored page whether or not it is published, without touching hit telemetry.
func (m *Manager) Lookup(ctx context.Context, slug string) (*models.Page, error) {
	return m.store.GetPage(ctx, slug)
}

func (m *Manager) record(ctx context.Context, hit bool) {
	name := metricMisses
	if hit {
		m.hits.Add(1)
		metrics.CacheHits.WithLabelValues("page").Inc()
		name = metricHits
	} else {
		m.misses.Add(1)
		metrics.CacheMisses.WithLabelValues("page").Inc()
	}

	if m.cfg.AnalyticsEnabled && m.analytics != nil {
		if err := m.analytics.IncrementMetric(ctx, name); err != nil {
			logger.Debug("Failed to record cache analytics", zap.Error(err))
		}
	}
}

// UpsertPage stamps generated_at and the TTL and stores the page. regeneration_count is the
// caller's responsibility. When the store grows past the configured maximum the excess is
// evicted, stale pages first, never the page just written.
func (m *Manager) UpsertPage(ctx context.Context, page *models.Page) error {
	now := m.now()
	page.GeneratedAt = now
	page.TTLExpiresAt = now.Add(m.cfg.TTL)

	if err := m.store.UpsertPage(ctx, page); err != nil {
		return fmt.Errorf("failed to upsert page: %w", err)
	}

	if m.cfg.MaxCachedPages <= 0 {
		return nil
	}

	count, err := m.store.CountPages(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pages: %w", err)
	}
	metrics.CachedPages.Set(float64(count))

	if excess := count - m.cfg.MaxCachedPages; excess > 0 {
		evicted, err := m.store.EvictPages(ctx, now, excess, page.Slug)
		if err != nil {
			return fmt.Errorf("failed to evict pages: %w", err)
		}
		metrics.PagesEvicted.Add(float64(evicted))
		logger.Info("Evicted pages over cache limit",
			zap.Int("evicted", evicted),
			zap.Int("max_cached_pages", m.cfg.MaxCachedPages),
		)
	}
	return nil
}

func (m *Manager) IncrementViews(ctx context.Context, slug string) error {
	return m.store.IncrementViewCount(ctx, slug)
}

func (m *Manager) IsStale(page *models.Page) bool {
	return page.IsStale(m.now())
}

// GetStalePages returns expired pages, most viewed first.
func (m *Manager) GetStalePages(ctx context.Context, limit int) ([]models.Page, error) {
	pages, err := m.store.ListStalePages(ctx, m.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pages: %w", err)
	}
	return pages, nil
}

func (m *Manager) InvalidatePage(ctx context.Context, slug string) (int, error) {
	return m.InvalidatePages(ctx, []string{slug})
}

func (m *Manager) InvalidatePages(ctx context.Context, slugs []string) (int, error) {
	n, err := m.store.DeletePages(ctx, slugs)
	return m.logged("slugs", n, err)
}

func (m *Manager) InvalidateAll(ctx context.Context) (int, error) {
	n, err := m.store.DeleteAllPages(ctx)
	return m.logged("all", n, err)
}

func (m *Manager) InvalidateByDocument(ctx context.Context, documentID string) (int, error) {
	n, err := m.store.DeletePagesByDocument(ctx, documentID)
	return m.logged("document", n, err)
}

func (m *Manager) InvalidateMatching(ctx context.Context, text string) (int, error) {
	if text == "" {
		return 0, errors.New("search text is required")
	}
	n, err := m.store.DeletePagesMatching(ctx, text)
	return m.logged("search", n, err)
}

func (m *Manager) InvalidateStale(ctx context.Context) (int, error) {
	n, err := m.store.DeleteStalePages(ctx, m.now())
	return m.logged("stale", n, err)
}

// InvalidateLowConfidence removes pages scoring below threshold, or below the configured
// threshold when threshold is zero.
func (m *Manager) InvalidateLowConfidence(ctx context.Context, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = m.cfg.LowConfidenceThreshold
	}
	n, err := m.store.DeleteLowConfidencePages(ctx, threshold)
	return m.logged("low_confidence", n, err)
}

// SoftInvalidate unpublishes pages without deleting them.
func (m *Manager) SoftInvalidate(ctx context.Context, slugs []string) (int, error) {
	n, err := m.store.SetPublished(ctx, slugs, false)
	return m.logged("unpublish", n, err)
}

func (m *Manager) Restore(ctx context.Context, slugs []string) (int, error) {
	n, err := m.store.SetPublished(ctx, slugs, true)
	return m.logged("restore", n, err)
}

func (m *Manager) logged(kind string, n int, err error) (int, error) {
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate pages (%s): %w", kind, err)
	}
	logger.Info("Pages invalidated", zap.String("kind", kind), zap.Int("count", n))
	return n, nil
}

func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	total, err := m.store.CountPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}
	stale, err := m.store.ListStalePages(ctx, m.now(), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pages: %w", err)
	}
	low, err := m.store.ListLowConfidencePages(ctx, m.cfg.LowConfidenceThreshold, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list low confidence pages: %w", err)
	}

	s := &Stats{
		Hits:               m.hits.Load(),
		Misses:             m.misses.Load(),
		TotalPages:         total,
		StalePages:         len(stale),
		LowConfidencePages: len(low),
		MaxCachedPages:     m.cfg.MaxCachedPages,
		TTLHours:           m.cfg.TTL.Hours(),
	}
	if lookups := s.Hits + s.Misses; lookups > 0 {
		s.HitRate = float64(s.Hits) / float64(lookups)
	}

	if m.cfg.AnalyticsEnabled && m.analytics != nil {
		if v, err := m.analytics.GetMetric(ctx, metricHits); err == nil {
			s.TotalHits = v
		}
		if v, err := m.analytics.GetMetric(ctx, metricMisses); err == nil {
			s.TotalMisses = v
		}
	}
	return s, nil
}
