package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/concurrency"
	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/pkg/logger"
	"github.com/refwiki/backend/pkg/utils"
)

// PageGenerator generates and persists the page for a query.
type PageGenerator interface {
	Regenerate(ctx context.Context, query string) error
}

type ItemStatus string

const (
	StatusSucceeded ItemStatus = "succeeded"
	StatusFailed    ItemStatus = "failed"
	StatusSkipped   ItemStatus = "skipped"
	StatusPlanned   ItemStatus = "planned"
)

type ItemSummary struct {
	Item       string     `json:"item"`
	Slug       string     `json:"slug"`
	Status     ItemStatus `json:"status"`
	DurationMs int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

// BatchSummary is printed by the background jobs.
type BatchSummary struct {
	Job        string        `json:"job"`
	DryRun     bool          `json:"dry_run"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Items      []ItemSummary `json:"items"`
	StartedAt  time.Time     `json:"started_at"`
	DurationMs int64         `json:"duration_ms"`
}

// HasFailures reports whether a live run had any failed item.
func (s *BatchSummary) HasFailures() bool {
	return !s.DryRun && s.Failed > 0
}

type WarmOptions struct {
	// Topics overrides the configured default topics when non-empty.
	Topics       []string
	SkipExisting bool
	MaxTopics    int
	DryRun       bool
	// IncludePopular adds ghost candidates mentioned at least PopularityThreshold times.
	IncludePopular bool
}

type Warmer struct {
	pages               storage.PageStore
	links               storage.LinkStore
	generator           PageGenerator
	scheduler           *concurrency.Scheduler
	defaultTopics       []string
	popularityThreshold int
}

func NewWarmer(pages storage.PageStore, links storage.LinkStore, generator PageGenerator, scheduler *concurrency.Scheduler,
	defaultTopics []string, popularityThreshold int) *Warmer {
	return &Warmer{
		pages:               pages,
		links:               links,
		generator:           generator,
		scheduler:           scheduler,
		defaultTopics:       defaultTopics,
		popularityThreshold: popularityThreshold,
	}
}

// Topics resolves the topic list: overrides or defaults, then popular missing candidates,
// deduplicated by slug.
func (w *Warmer) Topics(ctx context.Context, opts WarmOptions) ([]string, error) {
	topics := opts.Topics
	if len(topics) == 0 {
		topics = w.defaultTopics
	}

	if opts.IncludePopular && w.popularityThreshold > 0 {
		popular, err := w.links.ListCandidates(ctx, storage.CandidateFilter{
			MinMentions: w.popularityThreshold,
			MissingOnly: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list popular candidates: %w", err)
		}
		for _, c := range popular {
			topics = append(topics, c.DisplayText)
		}
	}

	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		slug := utils.Slugify(t)
		if slug == "" {
			continue
		}
		if _, dup := seen[slug]; dup {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, t)
	}

	if opts.MaxTopics > 0 && len(out) > opts.MaxTopics {
		out = out[:opts.MaxTopics]
	}
	return out, nil
}

func (w *Warmer) Warm(ctx context.Context, opts WarmOptions) (*BatchSummary, error) {
	summary := &BatchSummary{Job: "warm-cache", DryRun: opts.DryRun, StartedAt: time.Now()}

	topics, err := w.Topics(ctx, opts)
	if err != nil {
		return nil, err
	}

	var todo []string
	for _, topic := range topics {
		slug := utils.Slugify(topic)
		if opts.SkipExisting {
			exists, err := w.pages.PageExists(ctx, slug)
			if err != nil {
				return nil, fmt.Errorf("failed to check page %s: %w", slug, err)
			}
			if exists {
				summary.add(ItemSummary{Item: topic, Slug: slug, Status: StatusSkipped})
				continue
			}
		}
		if opts.DryRun {
			summary.add(ItemSummary{Item: topic, Slug: slug, Status: StatusPlanned})
			continue
		}
		todo = append(todo, topic)
	}

	runBatch(ctx, w.scheduler, w.generator, summary, todo)
	summary.DurationMs = time.Since(summary.StartedAt).Milliseconds()

	logger.Info("Cache warming finished",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Bool("dry_run", opts.DryRun),
	)
	return summary, nil
}

type RegenerateOptions struct {
	MaxPages int
	DryRun   bool
}

type Regenerator struct {
	cache     *Manager
	generator PageGenerator
	scheduler *concurrency.Scheduler
	batchSize int
}

func NewRegenerator(cache *Manager, generator PageGenerator, scheduler *concurrency.Scheduler, batchSize int) *Regenerator {
	return &Regenerator{cache: cache, generator: generator, scheduler: scheduler, batchSize: batchSize}
}

// RegenerateStale regenerates expired pages, most viewed first, up to MaxPages (or the
// configured batch size).
func (r *Regenerator) RegenerateStale(ctx context.Context, opts RegenerateOptions) (*BatchSummary, error) {
	summary := &BatchSummary{Job: "regenerate-stale", DryRun: opts.DryRun, StartedAt: time.Now()}

	limit := opts.MaxPages
	if limit <= 0 {
		limit = r.batchSize
	}
	stale, err := r.cache.GetStalePages(ctx, limit)
	if err != nil {
		return nil, err
	}

	queries := make([]string, 0, len(stale))
	for _, p := range stale {
		query := p.Metadata.Query
		if query == "" {
			query = p.Title
		}
		if opts.DryRun {
			summary.add(ItemSummary{Item: query, Slug: p.Slug, Status: StatusPlanned})
			continue
		}
		queries = append(queries, query)
	}

	runBatch(ctx, r.scheduler, r.generator, summary, queries)
	summary.DurationMs = time.Since(summary.StartedAt).Milliseconds()

	logger.Info("Stale regeneration finished",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Bool("dry_run", opts.DryRun),
	)
	return summary, nil
}

func runBatch(ctx context.Context, scheduler *concurrency.Scheduler, generator PageGenerator, summary *BatchSummary, queries []string) {
	if len(queries) == 0 {
		return
	}
	results := scheduler.Run(ctx, queries, generator.Regenerate)
	for _, res := range results {
		item := ItemSummary{
			Item:       res.Item,
			Slug:       utils.Slugify(res.Item),
			Status:     StatusSucceeded,
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			item.Status = StatusFailed
			item.Error = res.Err.Error()
		}
		summary.add(item)
	}
}

func (s *BatchSummary) add(item ItemSummary) {
	s.Items = append(s.Items, item)
	s.Total++
	switch item.Status {
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	}
}
