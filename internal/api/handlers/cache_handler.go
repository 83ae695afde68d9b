package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/refwiki/backend/internal/cache"
)

type CacheHandler struct {
	cache       *cache.Manager
	warmer      *cache.Warmer
	regenerator *cache.Regenerator
}

func NewCacheHandler(manager *cache.Manager, warmer *cache.Warmer, regenerator *cache.Regenerator) *CacheHandler {
	return &CacheHandler{
		cache:       manager,
		warmer:      warmer,
		regenerator: regenerator,
	}
}

func (h *CacheHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.cache.Stats(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

// invalidateRequest selects pages to remove. Exactly one selector must be set.
type invalidateRequest struct {
	Slugs         []string `json:"slugs"`
	All           bool     `json:"all"`
	DocumentID    string   `json:"document_id"`
	Search        string   `json:"search"`
	Stale         bool     `json:"stale"`
	LowConfidence *float64 `json:"low_confidence"`
}

func (r invalidateRequest) selectors() int {
	n := 0
	for _, set := range []bool{len(r.Slugs) > 0, r.All, r.DocumentID != "", strings.TrimSpace(r.Search) != "", r.Stale, r.LowConfidence != nil} {
		if set {
			n++
		}
	}
	return n
}

func (h *CacheHandler) Invalidate(c *fiber.Ctx) error {
	var req invalidateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.selectors() != 1 {
		return badRequest(c, "exactly one of slugs, all, document_id, search, stale or low_confidence is required")
	}

	ctx := c.UserContext()
	var (
		kind string
		n    int
		err  error
	)
	switch {
	case len(req.Slugs) > 0:
		kind = "slugs"
		n, err = h.cache.InvalidatePages(ctx, req.Slugs)
	case req.All:
		kind = "all"
		n, err = h.cache.InvalidateAll(ctx)
	case req.DocumentID != "":
		kind = "document"
		n, err = h.cache.InvalidateByDocument(ctx, req.DocumentID)
	case req.Search != "":
		kind = "search"
		n, err = h.cache.InvalidateMatching(ctx, req.Search)
	case req.Stale:
		kind = "stale"
		n, err = h.cache.InvalidateStale(ctx)
	default:
		kind = "low_confidence"
		if *req.LowConfidence < 0 || *req.LowConfidence > 1 {
			return badRequest(c, "low_confidence must be within [0,1]")
		}
		n, err = h.cache.InvalidateLowConfidence(ctx, *req.LowConfidence)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"invalidated": n, "selector": kind})
}

type slugsRequest struct {
	Slugs []string `json:"slugs"`
}

// SoftInvalidate unpublishes pages without deleting them.
func (h *CacheHandler) SoftInvalidate(c *fiber.Ctx) error {
	return h.withSlugs(c, h.cache.SoftInvalidate, "unpublished")
}

func (h *CacheHandler) Restore(c *fiber.Ctx) error {
	return h.withSlugs(c, h.cache.Restore, "restored")
}

func (h *CacheHandler) withSlugs(c *fiber.Ctx, fn func(context.Context, []string) (int, error), key string) error {
	var req slugsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if len(req.Slugs) == 0 {
		return badRequest(c, "slugs are required")
	}
	n, err := fn(c.UserContext(), req.Slugs)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{key: n})
}

// Warm generates pages for the configured or given topics. The batch runs in the request.
func (h *CacheHandler) Warm(c *fiber.Ctx) error {
	var req struct {
		Topics         []string `json:"topics"`
		SkipExisting   *bool    `json:"skip_existing"`
		MaxTopics      int      `json:"max_topics"`
		DryRun         bool     `json:"dry_run"`
		IncludePopular bool     `json:"include_popular"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}
	opts := cache.WarmOptions{
		Topics:         req.Topics,
		SkipExisting:   req.SkipExisting == nil || *req.SkipExisting,
		MaxTopics:      req.MaxTopics,
		DryRun:         req.DryRun,
		IncludePopular: req.IncludePopular,
	}

	summary, err := h.warmer.Warm(c.UserContext(), opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(summary)
}

func (h *CacheHandler) RegenerateStale(c *fiber.Ctx) error {
	var req struct {
		MaxPages int  `json:"max_pages"`
		DryRun   bool `json:"dry_run"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	summary, err := h.regenerator.RegenerateStale(c.UserContext(), cache.RegenerateOptions{
		MaxPages: req.MaxPages,
		DryRun:   req.DryRun,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(summary)
}
