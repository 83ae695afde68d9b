// Package evaluation grades stored pages on five criteria with the evaluator model.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/llm"
	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/apperr"
	"github.com/refwiki/backend/pkg/logger"
)

type PageGrader interface {
	EvaluatePage(ctx context.Context, query, content, sources string) (*llm.QualityScores, error)
}

type PageSource interface {
	GetPage(ctx context.Context, slug string) (*models.Page, error)
}

type Evaluator struct {
	pages  PageSource
	evals  storage.EvaluationStore
	grader PageGrader
	now    func() time.Time
}

// Report averages the latest evaluations of a batch of pages.
type Report struct {
	TotalPages      int     `json:"total_pages"`
	Evaluated       int     `json:"evaluated"`
	Failed          int     `json:"failed"`
	AvgAccuracy     float64 `json:"avg_accuracy"`
	AvgCompleteness float64 `json:"avg_completeness"`
	AvgClarity      float64 `json:"avg_clarity"`
	AvgRelevance    float64 `json:"avg_relevance"`
	AvgSourceUse    float64 `json:"avg_source_use"`
	AvgTotal        float64 `json:"avg_total"`
}

func NewEvaluator(pages PageSource, evals storage.EvaluationStore, grader PageGrader) *Evaluator {
	return &Evaluator{pages: pages, evals: evals, grader: grader, now: time.Now}
}

func (e *Evaluator) EvaluatePage(ctx context.Context, slug string) (*models.QualityEvaluation, error) {
	page, err := e.pages.GetPage(ctx, slug)
	if errors.Is(err, models.ErrNotFound) {
		return nil, apperr.NotFound(slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load page: %w", err)
	}

	logger.Info("Evaluating page", zap.String("slug", slug))

	query := page.Metadata.Query
	if query == "" {
		query = page.Title
	}
	scores, err := e.grader.EvaluatePage(ctx, query, page.Content, describeSources(page.Metadata.SourcesUsed))
	if err != nil {
		return nil, fmt.Errorf("failed to get LLM evaluation: %w", err)
	}

	eval := &models.QualityEvaluation{
		ID:           uuid.New().String(),
		Slug:         slug,
		Accuracy:     scores.Accuracy,
		Completeness: scores.Completeness,
		Clarity:      scores.Clarity,
		Relevance:    scores.Relevance,
		SourceUse:    scores.SourceUse,
		Total:        scores.Total(),
		Feedback:     scores.Feedback,
		EvaluatedAt:  e.now(),
	}
	if err := eval.Validate(); err != nil {
		return nil, fmt.Errorf("evaluator returned invalid scores: %w", err)
	}
	if err := e.evals.SaveEvaluation(ctx, eval); err != nil {
		return nil, fmt.Errorf("failed to save evaluation: %w", err)
	}

	logger.Info("Page evaluated",
		zap.String("slug", slug),
		zap.Int("total", eval.Total),
	)
	return eval, nil
}

func (e *Evaluator) LatestEvaluation(ctx context.Context, slug string) (*models.QualityEvaluation, error) {
	eval, err := e.evals.LatestEvaluation(ctx, slug)
	if errors.Is(err, models.ErrNotFound) {
		return nil, apperr.NotFound(slug)
	}
	return eval, err
}

// EvaluatePages grades each page in turn. A failed page is counted and skipped.
func (e *Evaluator) EvaluatePages(ctx context.Context, slugs []string) (*Report, error) {
	report := &Report{TotalPages: len(slugs)}

	var acc, comp, clar, rel, src, total float64
	for i, slug := range slugs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Info("Evaluating item", zap.Int("index", i+1), zap.Int("total", len(slugs)))

		eval, err := e.EvaluatePage(ctx, slug)
		if err != nil {
			logger.Error("Failed to evaluate page", zap.String("slug", slug), zap.Error(err))
			report.Failed++
			continue
		}

		report.Evaluated++
		acc += float64(eval.Accuracy)
		comp += float64(eval.Completeness)
		clar += float64(eval.Clarity)
		rel += float64(eval.Relevance)
		src += float64(eval.SourceUse)
		total += float64(eval.Total)
	}

	if n := float64(report.Evaluated); n > 0 {
		report.AvgAccuracy = acc / n
		report.AvgCompleteness = comp / n
		report.AvgClarity = clar / n
		report.AvgRelevance = rel / n
		report.AvgSourceUse = src / n
		report.AvgTotal = total / n
	}

	logger.Info("Batch evaluation completed",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("failed", report.Failed),
		zap.Float64("avg_total", report.AvgTotal),
	)
	return report, nil
}

func describeSources(refs []models.SourceRef) string {
	if len(refs) == 0 {
		return "(no corpus sources; written from general knowledge)"
	}
	var b strings.Builder
	for i, r := range refs {
		fmt.Fprintf(&b, "%d. %s", i+1, r.Title)
		if r.Author != "" {
			fmt.Fprintf(&b, " by %s", r.Author)
		}
		if r.Official {
			b.WriteString(" (official)")
		}
		b.WriteString("\n")
	}
	return b.String()
}
