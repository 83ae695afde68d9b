package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refwiki/backend/internal/concurrency"
	"github.com/refwiki/backend/internal/storage/memory"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/internal/storage/storetest"
	"github.com/refwiki/backend/pkg/utils"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type counterSink struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *counterSink) IncrementMetric(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[name]++
	return nil
}

func (c *counterSink) GetMetric(_ context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name], nil
}

func newManager(cfg Config) (*Manager, *memory.Store, *time.Time) {
	store := memory.New()
	m := NewManager(store, &counterSink{}, cfg)
	clock := t0
	m.now = func() time.Time { return clock }
	return m, store, &clock
}

func page(slug string, confidence float64) *models.Page {
	p := storetest.NewPage(slug, t0, time.Hour)
	p.ConfidenceScore = confidence
	return p
}

func TestUpsertStampsTTL(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newManager(Config{TTL: 48 * time.Hour})

	p := page("swaddling", 0.8)
	require.NoError(t, m.UpsertPage(ctx, p))
	assert.Equal(t, t0, p.GeneratedAt)
	assert.Equal(t, t0.Add(48*time.Hour), p.TTLExpiresAt)

	*clock = t0.Add(47 * time.Hour)
	assert.False(t, m.IsStale(p))
	*clock = t0.Add(49 * time.Hour)
	assert.True(t, m.IsStale(p))

	stale, err := m.GetStalePages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "swaddling", stale[0].Slug)
}

func TestGetPageServesPublishedOnly(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(Config{AnalyticsEnabled: true})

	require.NoError(t, m.UpsertPage(ctx, page("swaddling", 0.8)))
	hidden := page("colic", 0.4)
	hidden.Published = false
	require.NoError(t, m.UpsertPage(ctx, hidden))

	got, err := m.GetPage(ctx, "swaddling")
	require.NoError(t, err)
	assert.Equal(t, "swaddling", got.Slug)

	_, err = m.GetPage(ctx, "colic")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = m.GetPage(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 2, stats.Misses)
	assert.EqualValues(t, 1, stats.TotalHits)
	assert.EqualValues(t, 2, stats.TotalMisses)
	assert.InDelta(t, 1.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, 2, stats.TotalPages)
}

func TestUpsertEvictsStaleFirst(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newManager(Config{TTL: 48 * time.Hour, MaxCachedPages: 2})

	require.NoError(t, m.UpsertPage(ctx, page("old", 0.8)))
	require.NoError(t, store.IncrementViewCount(ctx, "old"))
	*clock = t0.Add(40 * time.Hour)
	require.NoError(t, m.UpsertPage(ctx, page("recent", 0.8)))

	*clock = t0.Add(50 * time.Hour)
	require.NoError(t, m.UpsertPage(ctx, page("newest", 0.8)))

	slugs, err := store.ListSlugs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"recent", "newest"}, slugs)
}

func TestInvalidation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(Config{LowConfidenceThreshold: 0.5})

	for slug, conf := range map[string]float64{"a-page": 0.3, "b-page": 0.45, "c-page": 0.9, "d-page": 0.7} {
		require.NoError(t, m.UpsertPage(ctx, page(slug, conf)))
	}

	n, err := m.InvalidateLowConfidence(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = m.SoftInvalidate(ctx, []string{"c-page"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.GetPage(ctx, "c-page")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = m.Restore(ctx, []string{"c-page"})
	require.NoError(t, err)
	_, err = m.GetPage(ctx, "c-page")
	require.NoError(t, err)

	n, err = m.InvalidatePage(ctx, "d-page")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.InvalidateMatching(ctx, "")
	assert.Error(t, err)

	n, err = m.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type fakeGenerator struct {
	mu    sync.Mutex
	cache *Manager
	fail  map[string]bool
	calls []string
}

func (g *fakeGenerator) Regenerate(ctx context.Context, query string) error {
	g.mu.Lock()
	g.calls = append(g.calls, query)
	g.mu.Unlock()

	if g.fail[query] {
		return errors.New("generation failed")
	}
	return g.cache.UpsertPage(ctx, page(utils.Slugify(query), 0.8))
}

func TestWarmerTopicsAndSkipExisting(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(Config{})
	gen := &fakeGenerator{cache: m, fail: map[string]bool{"colic": true}}

	for i := 0; i < 3; i++ {
		_, err := store.UpsertCandidate(ctx, &models.LinkCandidate{Slug: "tummy-time", DisplayText: "tummy time", Tier: models.TierGhost}, "p")
		require.NoError(t, err)
	}
	_, err := store.UpsertCandidate(ctx, &models.LinkCandidate{Slug: "rare", DisplayText: "rare", Tier: models.TierGhost}, "p")
	require.NoError(t, err)
	require.NoError(t, m.UpsertPage(ctx, page("teething", 0.8)))

	w := NewWarmer(store, store, gen, concurrency.NewScheduler(0, 0, 1), []string{"Swaddling", "Teething", "colic", "swaddling"}, 3)

	summary, err := w.Warm(ctx, WarmOptions{SkipExisting: true, IncludePopular: true})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.True(t, summary.HasFailures())
	assert.ElementsMatch(t, []string{"Swaddling", "colic", "tummy time"}, gen.calls)
}

func TestWarmerDryRunAndOverride(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(Config{})
	gen := &fakeGenerator{cache: m}
	w := NewWarmer(store, store, gen, concurrency.NewScheduler(0, 0, 1), []string{"Swaddling"}, 3)

	summary, err := w.Warm(ctx, WarmOptions{Topics: []string{"colic", "jaundice", "croup"}, MaxTopics: 2, DryRun: true})
	require.NoError(t, err)

	assert.Empty(t, gen.calls)
	require.Len(t, summary.Items, 2)
	assert.Equal(t, StatusPlanned, summary.Items[0].Status)
	assert.Equal(t, "jaundice", summary.Items[1].Item)
	assert.False(t, summary.HasFailures())
}

func TestRegenerateStale(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newManager(Config{TTL: time.Hour})
	gen := &fakeGenerator{cache: m}

	require.NoError(t, m.UpsertPage(ctx, page("quiet", 0.8)))
	require.NoError(t, m.UpsertPage(ctx, page("popular", 0.8)))
	require.NoError(t, store.IncrementViewCount(ctx, "popular"))
	*clock = t0.Add(2 * time.Hour)

	r := NewRegenerator(m, gen, concurrency.NewScheduler(0, 0, 1), 10)

	dry, err := r.RegenerateStale(ctx, RegenerateOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, dry.Items, 2)
	assert.Equal(t, "popular", dry.Items[0].Slug)
	assert.Empty(t, gen.calls)

	live, err := r.RegenerateStale(ctx, RegenerateOptions{MaxPages: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, live.Succeeded)
	assert.Equal(t, []string{"popular"}, gen.calls)

	stale, err := m.GetStalePages(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "quiet", stale[0].Slug)
}
