// Package storage defines the persistence boundary for pages, link candidates, the page graph,
// quality evaluations and indexed corpus documents.
package storage

import (
	"context"
	"time"

	"github.com/refwiki/backend/internal/storage/models"
)

type PageStore interface {
	// GetPage returns models.ErrNotFound when no row exists, published or not.
	GetPage(ctx context.Context, slug string) (*models.Page, error)
	// UpsertPage inserts or overwrites the page keyed by slug. An existing view_count is kept.
	UpsertPage(ctx context.Context, page *models.Page) error
	PageExists(ctx context.Context, slug string) (bool, error)
	IncrementViewCount(ctx context.Context, slug string) error
	CountPages(ctx context.Context) (int, error)
	ListSlugs(ctx context.Context) ([]string, error)
	// ListStalePages returns pages with ttl_expires_at before now, highest view_count first.
	// A limit <= 0 means no limit.
	ListStalePages(ctx context.Context, now time.Time, limit int) ([]models.Page, error)
	ListLowConfidencePages(ctx context.Context, threshold float64, limit int) ([]models.Page, error)

	DeletePages(ctx context.Context, slugs []string) (int, error)
	DeleteAllPages(ctx context.Context) (int, error)
	DeletePagesByDocument(ctx context.Context, documentID string) (int, error)
	// DeletePagesMatching removes pages whose title or content contains text, case-insensitively.
	DeletePagesMatching(ctx context.Context, text string) (int, error)
	DeleteStalePages(ctx context.Context, now time.Time) (int, error)
	DeleteLowConfidencePages(ctx context.Context, threshold float64) (int, error)
	// EvictPages deletes up to n pages other than keep, stale pages first, then least viewed
	// and oldest.
	EvictPages(ctx context.Context, now time.Time, n int, keep string) (int, error)
	SetPublished(ctx context.Context, slugs []string, published bool) (int, error)
}

type CandidateFilter struct {
	MinMentions int
	MissingOnly bool
	Limit       int
}

type LinkStore interface {
	GetCandidate(ctx context.Context, slug string) (*models.LinkCandidate, error)
	// UpsertCandidate records one mention of c from page mentionedIn. Existing rows get
	// mention_count+1 and a tier that never goes down.
	UpsertCandidate(ctx context.Context, c *models.LinkCandidate, mentionedIn string) (*models.LinkCandidate, error)
	SetCandidatePageExists(ctx context.Context, slug string, exists bool) error
	// ListCandidates orders by mention_count desc, then slug.
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]models.LinkCandidate, error)

	GetConnection(ctx context.Context, from, to string) (*models.PageConnection, error)
	// UpsertConnection creates the edge, or adds conn.Strength*reinforce to an existing edge
	// capped at 1.0.
	UpsertConnection(ctx context.Context, conn *models.PageConnection, reinforce float64) (*models.PageConnection, error)
	// BoostConnection adds delta to an existing edge, capped at 1.0. It reports whether the edge existed.
	BoostConnection(ctx context.Context, from, to string, delta float64) (bool, error)
	ListOutgoing(ctx context.Context, slug string) ([]models.PageConnection, error)
	ListIncoming(ctx context.Context, slug string) ([]models.PageConnection, error)
	ConnectionStats(ctx context.Context) (models.ConnectionStats, error)
	// ListOrphanPages returns page slugs with no edge in either direction.
	ListOrphanPages(ctx context.Context, limit int) ([]string, error)
}

type EvaluationStore interface {
	SaveEvaluation(ctx context.Context, eval *models.QualityEvaluation) error
	LatestEvaluation(ctx context.Context, slug string) (*models.QualityEvaluation, error)
}

type DocumentStore interface {
	UpsertDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)
}

type Store interface {
	PageStore
	LinkStore
	EvaluationStore
	DocumentStore
	Close() error
}
