// Package storetest holds behaviour tests shared by every storage.Store implementation.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/internal/storage/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func NewPage(slug string, generatedAt time.Time, ttl time.Duration) *models.Page {
	return &models.Page{
		Slug:            slug,
		Title:           "Title " + slug,
		Content:         "Content about " + slug,
		ConfidenceScore: 0.8,
		Published:       true,
		GeneratedAt:     generatedAt,
		TTLExpiresAt:    generatedAt.Add(ttl),
		Metadata: models.PageMetadata{
			Query:          slug,
			GenerationMode: models.ModeHybrid,
		},
	}
}

// Run exercises newStore against the storage contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("upsert is idempotent per slug", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := NewPage("swaddling-techniques", base, 48*time.Hour)
		require.NoError(t, s.UpsertPage(ctx, first))

		second := NewPage("swaddling-techniques", base.Add(time.Hour), 48*time.Hour)
		require.NoError(t, s.UpsertPage(ctx, second))

		n, err := s.CountPages(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetPage(ctx, "swaddling-techniques")
		require.NoError(t, err)
		assert.Equal(t, first.Content, got.Content)
		assert.Equal(t, first.Title, got.Title)
		assert.True(t, got.GeneratedAt.Equal(second.GeneratedAt))
		assert.True(t, got.TTLExpiresAt.Equal(second.TTLExpiresAt))
		assert.Equal(t, models.ModeHybrid, got.Metadata.GenerationMode)
	})

	t.Run("upsert keeps view count", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertPage(ctx, NewPage("colic", base, time.Hour)))
		require.NoError(t, s.IncrementViewCount(ctx, "colic"))
		require.NoError(t, s.IncrementViewCount(ctx, "colic"))
		require.NoError(t, s.UpsertPage(ctx, NewPage("colic", base.Add(time.Minute), time.Hour)))

		got, err := s.GetPage(ctx, "colic")
		require.NoError(t, err)
		assert.Equal(t, 2, got.ViewCount)

		assert.ErrorIs(t, s.IncrementViewCount(ctx, "missing"), models.ErrNotFound)
	})

	t.Run("rejects invalid pages", func(t *testing.T) {
		s := newStore(t)
		p := NewPage("bad", base, 0)
		assert.Error(t, s.UpsertPage(context.Background(), p))

		p = NewPage("bad", base, time.Hour)
		p.ConfidenceScore = 1.5
		assert.Error(t, s.UpsertPage(context.Background(), p))
	})

	t.Run("stale pages by ttl", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertPage(ctx, NewPage("teething", base, 48*time.Hour)))

		stale, err := s.ListStalePages(ctx, base.Add(49*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "teething", stale[0].Slug)

		stale, err = s.ListStalePages(ctx, base.Add(47*time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})

	t.Run("stale pages ordered by views", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, slug := range []string{"a", "b", "c"} {
			require.NoError(t, s.UpsertPage(ctx, NewPage(slug, base, time.Hour)))
			for v := 0; v < i; v++ {
				require.NoError(t, s.IncrementViewCount(ctx, slug))
			}
		}

		stale, err := s.ListStalePages(ctx, base.Add(2*time.Hour), 2)
		require.NoError(t, err)
		require.Len(t, stale, 2)
		assert.Equal(t, "c", stale[0].Slug)
		assert.Equal(t, "b", stale[1].Slug)
	})

	t.Run("delete all pages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 37; i++ {
			require.NoError(t, s.UpsertPage(ctx, NewPage(fmt.Sprintf("page-%d", i), base, time.Hour)))
		}

		n, err := s.DeleteAllPages(ctx)
		require.NoError(t, err)
		assert.Equal(t, 37, n)

		_, err = s.GetPage(ctx, "page-3")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("filtered deletes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		withDoc := NewPage("safe-sleep", base, 48*time.Hour)
		withDoc.Metadata.DocumentIDs = []string{"doc-aap"}
		require.NoError(t, s.UpsertPage(ctx, withDoc))

		lowConf := NewPage("hiccups", base, 48*time.Hour)
		lowConf.ConfidenceScore = 0.2
		require.NoError(t, s.UpsertPage(ctx, lowConf))

		expired := NewPage("cradle-cap", base, time.Hour)
		require.NoError(t, s.UpsertPage(ctx, expired))

		keyword := NewPage("tummy-time", base, 48*time.Hour)
		keyword.Content = "Place the baby on a FIRM surface."
		require.NoError(t, s.UpsertPage(ctx, keyword))

		n, err := s.DeletePagesByDocument(ctx, "doc-aap")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.DeleteLowConfidencePages(ctx, 0.4)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.DeleteStalePages(ctx, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.DeletePagesMatching(ctx, "firm surface")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.CountPages(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("soft invalidate and restore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertPage(ctx, NewPage("colic", base, time.Hour)))

		n, err := s.SetPublished(ctx, []string{"colic", "missing"}, false)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetPage(ctx, "colic")
		require.NoError(t, err)
		assert.False(t, got.Published)

		_, err = s.SetPublished(ctx, []string{"colic"}, true)
		require.NoError(t, err)
		got, err = s.GetPage(ctx, "colic")
		require.NoError(t, err)
		assert.True(t, got.Published)
	})

	t.Run("evicts stale pages first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertPage(ctx, NewPage("fresh", base, 48*time.Hour)))
		require.NoError(t, s.UpsertPage(ctx, NewPage("old", base, time.Hour)))
		require.NoError(t, s.IncrementViewCount(ctx, "old"))

		n, err := s.EvictPages(ctx, base.Add(2*time.Hour), 1, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		exists, err := s.PageExists(ctx, "fresh")
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = s.PageExists(ctx, "old")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("eviction spares the kept page", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertPage(ctx, NewPage("popular", base, 48*time.Hour)))
		require.NoError(t, s.IncrementViewCount(ctx, "popular"))
		require.NoError(t, s.UpsertPage(ctx, NewPage("newest", base.Add(time.Minute), 48*time.Hour)))

		n, err := s.EvictPages(ctx, base.Add(time.Hour), 5, "newest")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		exists, err := s.PageExists(ctx, "newest")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("candidate tier never downgrades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, tier := range []models.ConfidenceTier{models.TierWeak, models.TierStrong, models.TierWeak} {
			_, err := s.UpsertCandidate(ctx, &models.LinkCandidate{
				Slug:        "safe-sleep",
				DisplayText: "safe sleep",
				Tier:        tier,
			}, fmt.Sprintf("page-%d", i))
			require.NoError(t, err)
		}

		got, err := s.GetCandidate(ctx, "safe-sleep")
		require.NoError(t, err)
		assert.Equal(t, models.TierStrong, got.Tier)
		assert.Equal(t, 3, got.MentionCount)
		assert.Equal(t, []string{"page-0", "page-1", "page-2"}, got.MentionedIn)
	})

	t.Run("candidate listing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := s.UpsertCandidate(ctx, &models.LinkCandidate{Slug: "colic", DisplayText: "colic", Tier: models.TierGhost}, "p")
			require.NoError(t, err)
		}
		_, err := s.UpsertCandidate(ctx, &models.LinkCandidate{Slug: "teething", DisplayText: "teething", Tier: models.TierWeak}, "p")
		require.NoError(t, err)
		require.NoError(t, s.SetCandidatePageExists(ctx, "teething", true))

		popular, err := s.ListCandidates(ctx, storage.CandidateFilter{MinMentions: 3, MissingOnly: true})
		require.NoError(t, err)
		require.Len(t, popular, 1)
		assert.Equal(t, "colic", popular[0].Slug)

		all, err := s.ListCandidates(ctx, storage.CandidateFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("connections reinforce and cap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		conn := &models.PageConnection{FromSlug: "a", ToSlug: "b", LinkText: "b", Strength: 0.6}
		got, err := s.UpsertConnection(ctx, conn, 0.5)
		require.NoError(t, err)
		assert.InDelta(t, 0.6, got.Strength, 1e-9)

		got, err = s.UpsertConnection(ctx, conn, 0.5)
		require.NoError(t, err)
		assert.InDelta(t, 0.9, got.Strength, 1e-9)

		got, err = s.UpsertConnection(ctx, conn, 0.5)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got.Strength, 1e-9)

		ok, err := s.BoostConnection(ctx, "b", "a", 0.3)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.BoostConnection(ctx, "a", "b", 0.3)
		require.NoError(t, err)
		assert.True(t, ok)
		got, err = s.GetConnection(ctx, "a", "b")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got.Strength, 1e-9)

		_, err = s.UpsertConnection(ctx, &models.PageConnection{FromSlug: "a", ToSlug: "a", Strength: 0.1}, 0.5)
		assert.Error(t, err)
	})

	t.Run("graph queries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, slug := range []string{"a", "b", "c", "lonely"} {
			require.NoError(t, s.UpsertPage(ctx, NewPage(slug, base, time.Hour)))
		}
		_, err := s.UpsertConnection(ctx, &models.PageConnection{FromSlug: "a", ToSlug: "b", LinkText: "b", Strength: 0.3}, 0.5)
		require.NoError(t, err)
		_, err = s.UpsertConnection(ctx, &models.PageConnection{FromSlug: "a", ToSlug: "c", LinkText: "c", Strength: 1.0}, 0.5)
		require.NoError(t, err)
		_, err = s.UpsertConnection(ctx, &models.PageConnection{FromSlug: "c", ToSlug: "b", LinkText: "b", Strength: 0.1}, 0.5)
		require.NoError(t, err)

		out, err := s.ListOutgoing(ctx, "a")
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "c", out[0].ToSlug)

		in, err := s.ListIncoming(ctx, "b")
		require.NoError(t, err)
		require.Len(t, in, 2)
		assert.Equal(t, "a", in[0].FromSlug)

		orphans, err := s.ListOrphanPages(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"lonely"}, orphans)

		stats, err := s.ConnectionStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalConnections)
		assert.Equal(t, 3, stats.ConnectedPages)
		assert.InDelta(t, 1.4/3, stats.AverageStrength, 1e-9)
	})

	t.Run("evaluations", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		older := &models.QualityEvaluation{ID: "e1", Slug: "colic", Accuracy: 10, Completeness: 10, Clarity: 10,
			Relevance: 10, SourceUse: 10, Total: 50, EvaluatedAt: base}
		newer := *older
		newer.ID = "e2"
		newer.Accuracy = 18
		newer.Total = 58
		newer.EvaluatedAt = base.Add(time.Hour)

		require.NoError(t, s.SaveEvaluation(ctx, older))
		require.NoError(t, s.SaveEvaluation(ctx, &newer))

		got, err := s.LatestEvaluation(ctx, "colic")
		require.NoError(t, err)
		assert.Equal(t, "e2", got.ID)
		assert.Equal(t, 58, got.Total)

		bad := *older
		bad.ID = "e3"
		bad.Clarity = 25
		assert.Error(t, s.SaveEvaluation(ctx, &bad))

		_, err = s.LatestEvaluation(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("documents", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := &models.Document{ID: "doc-1", Title: "Caring for Your Baby", Author: "AAP", SourceType: "guideline",
			ChunkCount: 12, IndexedAt: base}
		require.NoError(t, s.UpsertDocument(ctx, doc))
		doc.ChunkCount = 14
		require.NoError(t, s.UpsertDocument(ctx, doc))

		got, err := s.GetDocument(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, 14, got.ChunkCount)

		docs, err := s.ListDocuments(ctx)
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	})
}
