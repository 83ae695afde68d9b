// Package wiki is the entry point for page requests. It serves cached pages and runs the
// generation pipeline behind rate limits, cooldowns and per-slug request dedup.
package wiki

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/assembly"
	"github.com/refwiki/backend/internal/cache"
	"github.com/refwiki/backend/internal/concurrency"
	"github.com/refwiki/backend/internal/confidence"
	"github.com/refwiki/backend/internal/generation"
	"github.com/refwiki/backend/internal/kg/builder"
	"github.com/refwiki/backend/internal/metrics"
	"github.com/refwiki/backend/internal/quality"
	"github.com/refwiki/backend/internal/retrieval"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/apperr"
	"github.com/refwiki/backend/pkg/logger"
	"github.com/refwiki/backend/pkg/utils"
)

const (
	MinQueryLength = 2
	MaxQueryLength = 200
)

var unsafeQuery = regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed)|javascript:|\bon[a-z]+\s*=`)

type Retriever interface {
	Retrieve(ctx context.Context, query string) *retrieval.Result
}

type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Output, error)
}

type Linker interface {
	Process(ctx context.Context, pageSlug, title, content string) *builder.Result
	MarkPageCreated(ctx context.Context, slug string) error
}

type PageMirror interface {
	MirrorPage(ctx context.Context, slug, title string, confidence float64) error
}

type Config struct {
	AllowKnowledgeOnly bool
	Model              string
}

// Dependencies wires the pipeline stages. Linker and Mirror are optional.
type Dependencies struct {
	Retriever  Retriever
	Assembler  *assembly.Assembler
	Assessor   *quality.Assessor
	Generator  Generator
	Linker     Linker
	Scorer     *confidence.Scorer
	Cache      *cache.Manager
	Controller *concurrency.Controller
	Mirror     PageMirror
}

type Service struct {
	Dependencies
	cfg Config
}

// Outcome describes how a page request was served.
type Outcome struct {
	Page *models.Page `json:"page"`
	// Cached is true when the page came from the store without generation.
	Cached bool `json:"cached"`
	// Shared is true when the request joined a generation started by another caller.
	Shared bool `json:"shared"`
	// Stale is true when an expired page was served because regeneration was refused or failed.
	Stale bool `json:"stale"`
}

func NewService(deps Dependencies, cfg Config) *Service {
	return &Service{Dependencies: deps, cfg: cfg}
}

// ValidateQuery trims the query and rejects lengths outside [2,200] runes, control characters
// and markup or script fragments.
func ValidateQuery(query string) (string, error) {
	q := strings.TrimSpace(query)
	n := utf8.RuneCountInString(q)
	if n < MinQueryLength {
		return "", apperr.InvalidQuery("query must be at least %d characters", MinQueryLength)
	}
	if n > MaxQueryLength {
		return "", apperr.InvalidQuery("query must be at most %d characters", MaxQueryLength)
	}
	for _, r := range q {
		if unicode.IsControl(r) {
			return "", apperr.InvalidQuery("query contains control characters")
		}
	}
	if unsafeQuery.MatchString(q) {
		return "", apperr.InvalidQuery("query contains disallowed markup")
	}
	if utils.Slugify(q) == "" {
		return "", apperr.InvalidQuery("query has no letters or digits")
	}
	return q, nil
}

// GetPage returns a published page without generating it.
func (s *Service) GetPage(ctx context.Context, slug string) (*models.Page, error) {
	page, err := s.Cache.GetPage(ctx, slug)
	if errors.Is(err, models.ErrNotFound) {
		return nil, apperr.NotFound(slug)
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}

// GetOrGenerate serves a fresh cached page, otherwise checks the caller's rate limit and the
// slug cooldown and joins or starts the generation for the slug. An expired page is served
// when regeneration is refused or fails.
func (s *Service) GetOrGenerate(ctx context.Context, caller, query string) (*Outcome, error) {
	q, err := ValidateQuery(query)
	if err != nil {
		return nil, err
	}
	slug := utils.Slugify(q)

	existing, err := s.Cache.GetPage(ctx, slug)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if existing != nil && !s.Cache.IsStale(existing) {
		s.countView(ctx, existing)
		return &Outcome{Page: existing, Cached: true}, nil
	}

	if err := s.Controller.CheckRateLimit(ctx, caller); err != nil {
		metrics.Rejections.WithLabelValues(apperr.ReasonRateLimit).Inc()
		return s.serveStale(ctx, existing, err)
	}
	if err := s.Controller.CheckCooldown(ctx, slug); err != nil {
		metrics.Rejections.WithLabelValues(apperr.ReasonCooldown).Inc()
		return s.serveStale(ctx, existing, err)
	}

	page, shared, err := s.generateOnce(ctx, slug, q)
	if err != nil {
		return s.serveStale(ctx, existing, err)
	}
	return &Outcome{Page: page, Shared: shared}, nil
}

// Regenerate generates and stores the page for query, bypassing caller rate limits.
func (s *Service) Regenerate(ctx context.Context, query string) error {
	q, err := ValidateQuery(query)
	if err != nil {
		return err
	}
	_, _, err = s.generateOnce(ctx, utils.Slugify(q), q)
	return err
}

func (s *Service) generateOnce(ctx context.Context, slug, query string) (*models.Page, bool, error) {
	// the shared generation must outlive the caller that happened to start it
	detached := context.WithoutCancel(ctx)
	page, shared, err := concurrency.Dedup(s.Controller.Deduplicator(), slug, func() (*models.Page, error) {
		return s.Generate(detached, query)
	})
	if shared {
		metrics.DedupShared.Inc()
	}
	return page, shared, err
}

func (s *Service) serveStale(ctx context.Context, stale *models.Page, cause error) (*Outcome, error) {
	if stale == nil {
		return nil, cause
	}
	logger.Warn("Serving stale page",
		zap.String("slug", stale.Slug),
		zap.Error(cause),
	)
	s.countView(ctx, stale)
	return &Outcome{Page: stale, Cached: true, Stale: true}, nil
}

func (s *Service) countView(ctx context.Context, page *models.Page) {
	if err := s.Cache.IncrementViews(ctx, page.Slug); err != nil {
		logger.Warn("Failed to increment view count", zap.String("slug", page.Slug), zap.Error(err))
		return
	}
	page.ViewCount++
}

// Generate runs the full pipeline for query and persists the result. It does not consult the
// rate limiter, cooldown or dedup map.
func (s *Service) Generate(ctx context.Context, query string) (*models.Page, error) {
	start := time.Now()
	slug := utils.Slugify(query)
	meta := models.PageMetadata{Query: query}

	ret := s.Retriever.Retrieve(ctx, query)
	if ret.Degraded() {
		meta.MarkDegraded(models.DegradedRetrieval)
	}
	metrics.RetrievedChunks.Observe(float64(len(ret.Chunks)))

	assessment := s.Assessor.Assess(ret.Chunks)
	if assessment.Mode == models.ModeKnowledgeOnly && !s.cfg.AllowKnowledgeOnly {
		metrics.GenerationTotal.WithLabelValues("no_sources").Inc()
		return nil, apperr.New(apperr.CodeNoSourcesFound, fmt.Sprintf("no relevant sources found for %q", query))
	}

	var assembled assembly.Result
	if assessment.Mode != models.ModeKnowledgeOnly {
		assembled = s.Assembler.Assemble(query, ret.Chunks)
	}

	out, err := s.Generator.Generate(ctx, generation.Request{
		Query:         query,
		Mode:          assessment.Mode,
		Context:       assembled.Context,
		SourceCount:   assessment.UniqueSources,
		OfficialCount: ret.Sources.OfficialCount,
		LowQuality:    assessment.LowQuality,
	})
	if err != nil {
		metrics.GenerationTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	for _, channel := range out.Degraded {
		meta.MarkDegraded(channel)
	}

	content := out.Content
	if s.Linker != nil {
		linked := s.Linker.Process(ctx, slug, out.Title, content)
		content = linked.Content
		meta.EntityLinks = linked.Links
		for _, channel := range linked.Degraded {
			meta.MarkDegraded(channel)
		}
	}

	score := s.Scorer.Score(confidence.Input{
		Mode:          assessment.Mode,
		AvgSimilarity: assessment.AvgSimilarity,
		QualityScore:  assessment.QualityScore,
		SourceCount:   assessment.UniqueSources,
		ContentLength: utf8.RuneCountInString(out.Content),
		OfficialRatio: ret.Sources.OfficialRatio,
	})

	meta.GenerationMode = assessment.Mode
	meta.LowQuality = assessment.LowQuality
	meta.WebAugmented = out.WebAugmented
	meta.TokensUsed = out.Usage.TotalTokens
	meta.SourcesUsed, meta.DocumentIDs = sourcesOf(assembled.Chunks)
	meta.SearchStats = models.SearchStats{
		ChunksFound:       ret.ChunksFound,
		ChunksUsed:        len(assembled.Chunks),
		AvgSimilarity:     assessment.AvgSimilarity,
		UniqueSources:     assessment.UniqueSources,
		HighQualityCount:  assessment.HighQualityCount,
		QualityScore:      assessment.QualityScore,
		ThresholdUsed:     ret.ThresholdUsed,
		OfficialCount:     ret.Sources.OfficialCount,
		NonOfficialCount:  ret.Sources.NonOfficialCount,
		BoostedCount:      ret.Sources.BoostedCount,
		OfficialRatio:     ret.Sources.OfficialRatio,
		ContextTokens:     assembled.Tokens,
		DuplicatesRemoved: assembled.DuplicatesRemoved,
	}

	page := &models.Page{
		Slug:            slug,
		Title:           out.Title,
		Content:         content,
		ConfidenceScore: score,
		Published:       s.Scorer.ShouldPublish(score),
		Metadata:        meta,
	}
	prev, err := s.Cache.Lookup(ctx, slug)
	switch {
	case err == nil:
		page.RegenerationCount = prev.RegenerationCount + 1
	case !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("failed to load previous page: %w", err)
	}

	if err := s.Cache.UpsertPage(ctx, page); err != nil {
		metrics.GenerationTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	s.afterPersist(ctx, page)

	for _, channel := range meta.Degraded {
		metrics.DegradedChannels.WithLabelValues(channel).Inc()
	}
	metrics.GenerationTotal.WithLabelValues("ok").Inc()
	metrics.GenerationDuration.WithLabelValues(string(assessment.Mode)).Observe(time.Since(start).Seconds())
	metrics.ConfidenceScore.Observe(score)
	metrics.LLMTokensUsed.WithLabelValues(s.cfg.Model, "generation").Add(float64(out.Usage.TotalTokens))

	logger.Info("Page stored",
		zap.String("slug", slug),
		zap.String("mode", string(assessment.Mode)),
		zap.Float64("confidence", score),
		zap.Bool("published", page.Published),
		zap.Int("regeneration_count", page.RegenerationCount),
		zap.Strings("degraded", meta.Degraded),
		zap.Duration("duration", time.Since(start)),
	)
	return page, nil
}

// afterPersist runs the best-effort follow-ups of a stored page.
func (s *Service) afterPersist(ctx context.Context, page *models.Page) {
	if err := s.Controller.StartCooldown(ctx, page.Slug); err != nil {
		logger.Warn("Failed to start cooldown", zap.String("slug", page.Slug), zap.Error(err))
	}
	if s.Linker != nil {
		if err := s.Linker.MarkPageCreated(ctx, page.Slug); err != nil {
			logger.Warn("Failed to mark candidate page", zap.String("slug", page.Slug), zap.Error(err))
		}
	}
	if s.Mirror != nil {
		if err := s.Mirror.MirrorPage(ctx, page.Slug, page.Title, page.ConfidenceScore); err != nil {
			logger.Warn("Failed to mirror page", zap.String("slug", page.Slug), zap.Error(err))
		}
	}
}

func sourcesOf(chunks []models.Chunk) ([]models.SourceRef, []string) {
	var refs []models.SourceRef
	var ids []string
	index := make(map[string]int)
	for _, c := range chunks {
		if i, ok := index[c.DocumentID]; ok {
			if c.Similarity > refs[i].Similarity {
				refs[i].Similarity = c.Similarity
			}
			continue
		}
		index[c.DocumentID] = len(refs)
		ids = append(ids, c.DocumentID)
		refs = append(refs, models.SourceRef{
			DocumentID: c.DocumentID,
			Title:      c.Title,
			Author:     c.Author,
			SourceType: c.SourceType,
			Official:   c.Official,
			Similarity: c.Similarity,
		})
	}
	return refs, ids
}
