// Package builder links a freshly generated page into the wiki graph: it extracts candidate
// topics, records them, injects links into the content and writes the page edges.
package builder

import (
	"context"

	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/kg/entities"
	"github.com/refwiki/backend/internal/kg/graph"
	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/logger"
)

type EntityExtractor interface {
	Extract(ctx context.Context, pageSlug, title, content string) ([]entities.Entity, error)
}

type PageChecker interface {
	PageExists(ctx context.Context, slug string) (bool, error)
}

// Result carries the linked content. Degraded lists the side channels that failed.
type Result struct {
	Content  string
	Links    []models.EntityLink
	Degraded []string
}

type Builder struct {
	extractor EntityExtractor
	links     storage.LinkStore
	pages     PageChecker
	graph     *graph.Graph
}

func NewBuilder(extractor EntityExtractor, links storage.LinkStore, pages PageChecker, g *graph.Graph) *Builder {
	return &Builder{
		extractor: extractor,
		links:     links,
		pages:     pages,
		graph:     g,
	}
}

// Process never fails: extraction or graph errors leave the content untouched or partially
// linked and are reported in Result.Degraded.
func (b *Builder) Process(ctx context.Context, pageSlug, title, content string) *Result {
	res := &Result{Content: content}

	found, err := b.extractor.Extract(ctx, pageSlug, title, content)
	if err != nil {
		logger.Warn("Entity extraction failed, page left unlinked",
			zap.String("slug", pageSlug),
			zap.Error(err),
		)
		res.Degraded = append(res.Degraded, models.DegradedExtraction)
		return res
	}

	graphFailed := false
	exists := make(map[string]bool, len(found))
	for _, ent := range found {
		ok, err := b.pages.PageExists(ctx, ent.Slug)
		if err != nil {
			logger.Warn("Failed to check page existence", zap.String("slug", ent.Slug), zap.Error(err))
		}
		exists[ent.Slug] = ok

		_, err = b.links.UpsertCandidate(ctx, &models.LinkCandidate{
			Slug:           ent.Slug,
			DisplayText:    ent.Text,
			Tier:           ent.Tier,
			PageExists:     ok,
			ContextExcerpt: ent.Excerpt,
		}, pageSlug)
		if err != nil {
			logger.Warn("Failed to record link candidate", zap.String("slug", ent.Slug), zap.Error(err))
			graphFailed = true
		}
	}

	linkedContent, linked := entities.InjectLinks(content, found)
	res.Content = linkedContent

	for _, ent := range linked {
		if _, err := b.graph.AddLink(ctx, pageSlug, ent.Slug, ent.Text, ent.Tier); err != nil {
			logger.Warn("Failed to record page connection",
				zap.String("from", pageSlug),
				zap.String("to", ent.Slug),
				zap.Error(err),
			)
			graphFailed = true
		}
		res.Links = append(res.Links, models.EntityLink{
			Text:       ent.Text,
			Slug:       ent.Slug,
			Tier:       ent.Tier,
			PageExists: exists[ent.Slug],
		})
	}

	if graphFailed {
		res.Degraded = append(res.Degraded, models.DegradedGraph)
	}

	logger.Info("Page linked",
		zap.String("slug", pageSlug),
		zap.Int("candidates", len(found)),
		zap.Int("links", len(res.Links)),
	)
	return res
}

// MarkPageCreated flags the candidate matching slug as having a page.
func (b *Builder) MarkPageCreated(ctx context.Context, slug string) error {
	return b.links.SetCandidatePageExists(ctx, slug, true)
}
