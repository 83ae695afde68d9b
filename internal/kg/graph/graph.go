// Package graph maintains weighted directed links between wiki pages and candidate topics.
package graph

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/logger"
)

const (
	// RepeatReinforcement scales the strength added when an existing edge is mentioned again.
	RepeatReinforcement = 0.5
	// ReciprocalBoost scales the strength added to the reverse edge of a new mention.
	ReciprocalBoost = 0.5
)

// Mirror receives a copy of every edge write. Failures are logged and otherwise ignored.
type Mirror interface {
	MirrorLink(ctx context.Context, from, to, linkText string, strength float64) error
}

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

type RelatedPage struct {
	Slug      string    `json:"slug"`
	LinkText  string    `json:"link_text"`
	Strength  float64   `json:"strength"`
	Direction Direction `json:"direction"`
}

type Graph struct {
	store  storage.LinkStore
	mirror Mirror
}

func New(store storage.LinkStore, mirror Mirror) *Graph {
	return &Graph{store: store, mirror: mirror}
}

// AddLink records a mention of to inside from. A new edge starts at the tier strength; a
// repeated mention adds strength*0.5. When the reverse edge exists it is boosted by
// strength*0.5. All strengths cap at 1.0.
func (g *Graph) AddLink(ctx context.Context, from, to, linkText string, tier models.ConfidenceTier) (*models.PageConnection, error) {
	strength := tier.Strength()

	conn, err := g.store.UpsertConnection(ctx, &models.PageConnection{
		FromSlug: from,
		ToSlug:   to,
		LinkText: linkText,
		Strength: strength,
	}, RepeatReinforcement)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection %s->%s: %w", from, to, err)
	}

	reciprocal, err := g.store.BoostConnection(ctx, to, from, strength*ReciprocalBoost)
	if err != nil {
		return nil, fmt.Errorf("failed to boost reverse connection %s->%s: %w", to, from, err)
	}

	if g.mirror != nil {
		if err := g.mirror.MirrorLink(ctx, conn.FromSlug, conn.ToSlug, conn.LinkText, conn.Strength); err != nil {
			logger.Warn("Failed to mirror link",
				zap.String("from", from),
				zap.String("to", to),
				zap.Error(err),
			)
		}
	}

	logger.Debug("Link recorded",
		zap.String("from", from),
		zap.String("to", to),
		zap.Float64("strength", conn.Strength),
		zap.Bool("reciprocal", reciprocal),
	)
	return conn, nil
}

// RelatedPages merges outgoing and incoming neighbours, strongest first. A neighbour linked
// in both directions keeps the higher strength.
func (g *Graph) RelatedPages(ctx context.Context, slug string, limit int) ([]RelatedPage, error) {
	out, err := g.store.ListOutgoing(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to list outgoing links: %w", err)
	}
	in, err := g.store.ListIncoming(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to list incoming links: %w", err)
	}

	merged := make(map[string]*RelatedPage, len(out)+len(in))
	for _, c := range out {
		merged[c.ToSlug] = &RelatedPage{Slug: c.ToSlug, LinkText: c.LinkText, Strength: c.Strength, Direction: Outgoing}
	}
	for _, c := range in {
		rp, ok := merged[c.FromSlug]
		if !ok {
			merged[c.FromSlug] = &RelatedPage{Slug: c.FromSlug, LinkText: c.LinkText, Strength: c.Strength, Direction: Incoming}
			continue
		}
		rp.Direction = Both
		if c.Strength > rp.Strength {
			rp.Strength = c.Strength
		}
	}

	related := make([]RelatedPage, 0, len(merged))
	for _, rp := range merged {
		related = append(related, *rp)
	}
	sort.Slice(related, func(i, j int) bool {
		if related[i].Strength != related[j].Strength {
			return related[i].Strength > related[j].Strength
		}
		return related[i].Slug < related[j].Slug
	})

	if limit > 0 && len(related) > limit {
		related = related[:limit]
	}
	return related, nil
}

func (g *Graph) Backlinks(ctx context.Context, slug string) ([]models.PageConnection, error) {
	in, err := g.store.ListIncoming(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to list backlinks: %w", err)
	}
	return in, nil
}

func (g *Graph) Orphans(ctx context.Context, limit int) ([]string, error) {
	return g.store.ListOrphanPages(ctx, limit)
}

func (g *Graph) Stats(ctx context.Context) (models.ConnectionStats, error) {
	return g.store.ConnectionStats(ctx)
}
