package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/refwiki/backend/internal/kg/graph"
	"github.com/refwiki/backend/internal/kg/neo4j"
	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/internal/storage/models"
)

type GraphReader interface {
	RelatedPages(ctx context.Context, slug string, limit int) ([]graph.RelatedPage, error)
	Backlinks(ctx context.Context, slug string) ([]models.PageConnection, error)
	Orphans(ctx context.Context, limit int) ([]string, error)
	Stats(ctx context.Context) (models.ConnectionStats, error)
}

type CandidateLister interface {
	ListCandidates(ctx context.Context, filter storage.CandidateFilter) ([]models.LinkCandidate, error)
}

type NeighborhoodReader interface {
	Neighborhood(ctx context.Context, slug string, depth, limit int) ([]neo4j.Neighbor, error)
}

type GraphHandler struct {
	graph      GraphReader
	candidates CandidateLister
	// neighbors is nil when the graph database mirror is disabled.
	neighbors NeighborhoodReader
}

func NewGraphHandler(g GraphReader, candidates CandidateLister, neighbors NeighborhoodReader) *GraphHandler {
	return &GraphHandler{
		graph:      g,
		candidates: candidates,
		neighbors:  neighbors,
	}
}

func (h *GraphHandler) Related(c *fiber.Ctx) error {
	related, err := h.graph.RelatedPages(c.UserContext(), c.Params("slug"), intQuery(c, "limit", 10, 100))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"slug": c.Params("slug"), "related": related})
}

func (h *GraphHandler) Backlinks(c *fiber.Ctx) error {
	conns, err := h.graph.Backlinks(c.UserContext(), c.Params("slug"))
	if err != nil {
		return respondError(c, err)
	}
	backlinks := make([]fiber.Map, 0, len(conns))
	for _, conn := range conns {
		backlinks = append(backlinks, fiber.Map{
			"from_slug":  conn.FromSlug,
			"link_text":  conn.LinkText,
			"strength":   conn.Strength,
			"updated_at": conn.UpdatedAt,
		})
	}
	return c.JSON(fiber.Map{"slug": c.Params("slug"), "backlinks": backlinks})
}

func (h *GraphHandler) Orphans(c *fiber.Ctx) error {
	orphans, err := h.graph.Orphans(c.UserContext(), intQuery(c, "limit", 50, 500))
	if err != nil {
		return respondError(c, err)
	}
	if orphans == nil {
		orphans = []string{}
	}
	return c.JSON(fiber.Map{"orphans": orphans})
}

func (h *GraphHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.graph.Stats(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

// Candidates lists link targets by mention count. missing=true restricts to targets without a page.
func (h *GraphHandler) Candidates(c *fiber.Ctx) error {
	list, err := h.candidates.ListCandidates(c.UserContext(), storage.CandidateFilter{
		MinMentions: c.QueryInt("min_mentions", 0),
		MissingOnly: c.QueryBool("missing", false),
		Limit:       intQuery(c, "limit", 50, 500),
	})
	if err != nil {
		return respondError(c, err)
	}
	out := make([]fiber.Map, 0, len(list))
	for _, cand := range list {
		out = append(out, fiber.Map{
			"slug":            cand.Slug,
			"display_text":    cand.DisplayText,
			"tier":            cand.Tier,
			"mention_count":   cand.MentionCount,
			"mentioned_in":    cand.MentionedIn,
			"page_exists":     cand.PageExists,
			"context_excerpt": cand.ContextExcerpt,
			"last_seen_at":    cand.LastSeenAt,
		})
	}
	return c.JSON(fiber.Map{"candidates": out})
}

func (h *GraphHandler) Neighborhood(c *fiber.Ctx) error {
	if h.neighbors == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": fiber.Map{"code": "GRAPH_DISABLED", "message": "graph database is not configured"},
		})
	}
	neighbors, err := h.neighbors.Neighborhood(c.UserContext(), c.Params("slug"), c.QueryInt("depth", 1), intQuery(c, "limit", 25, 200))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"slug": c.Params("slug"), "neighbors": neighbors})
}
