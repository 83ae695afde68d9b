// Package generation turns an assembled retrieval context into a wiki article with a single
// model call.
package generation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/llm"
	"github.com/refwiki/backend/internal/metrics"
	"github.com/refwiki/backend/internal/search/web"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/apperr"
	"github.com/refwiki/backend/pkg/logger"
	"github.com/refwiki/backend/pkg/utils"
)

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type Augmenter interface {
	Match(query string) (web.Source, bool)
	Augment(ctx context.Context, query string) (*web.Augmentation, error)
}

type Config struct {
	Temperature      float32
	MaxTokens        int
	MinContentLength int
}

type Request struct {
	Query string
	Mode  models.GenerationMode
	// Context is the formatted source block produced by the assembler.
	Context       string
	SourceCount   int
	OfficialCount int
	LowQuality    bool
}

type Output struct {
	Title        string
	Content      string
	Usage        llm.Usage
	WebAugmented bool
	AugmentedURL string
	Degraded     []string
	Duration     time.Duration
}

type Engine struct {
	llm       Completer
	augmenter Augmenter
	cfg       Config
}

// NewEngine accepts a nil augmenter, which disables web augmentation.
func NewEngine(completer Completer, augmenter Augmenter, cfg Config) *Engine {
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 200
	}
	return &Engine{llm: completer, augmenter: augmenter, cfg: cfg}
}

// Generate does not persist anything. Failures of the model call or content that is empty or
// shorter than the minimum length yield GENERATION_FAILED.
func (e *Engine) Generate(ctx context.Context, req Request) (*Output, error) {
	start := time.Now()
	out := &Output{}

	logger.Info("Generating page",
		zap.String("query", req.Query),
		zap.String("mode", string(req.Mode)),
		zap.Int("sources", req.SourceCount),
	)

	sourceBlock := req.Context
	if e.shouldAugment(req) {
		aug, err := e.augmenter.Augment(ctx, req.Query)
		if err != nil {
			logger.Warn("Web augmentation failed, continuing without it",
				zap.String("query", req.Query),
				zap.Error(err),
			)
			out.Degraded = append(out.Degraded, models.DegradedAugment)
			metrics.WebAugmentations.WithLabelValues("failed").Inc()
		} else {
			sourceBlock = mergeAugmentation(sourceBlock, aug)
			out.WebAugmented = true
			out.AugmentedURL = aug.URL
			metrics.WebAugmentations.WithLabelValues("ok").Inc()
		}
	}

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(req.Mode, req.LowQuality),
		UserPrompt:   userPrompt(req.Query, sourceBlock),
		Temperature:  e.cfg.Temperature,
		MaxTokens:    e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, apperr.GenerationFailed("content generation failed", err)
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, apperr.GenerationFailed("model returned empty content", nil)
	}
	if n := utf8.RuneCountInString(content); n < e.cfg.MinContentLength {
		return nil, apperr.GenerationFailed(
			fmt.Sprintf("generated content too short: %d < %d characters", n, e.cfg.MinContentLength), nil)
	}

	out.Title = ExtractTitle(content, req.Query)
	out.Content = content
	out.Usage = resp.Usage
	out.Duration = time.Since(start)

	logger.Info("Page generated",
		zap.String("query", req.Query),
		zap.String("title", out.Title),
		zap.Int("chars", utf8.RuneCountInString(content)),
		zap.Int("tokens", resp.Usage.TotalTokens),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// shouldAugment requires no official source in the context and a keyword match.
func (e *Engine) shouldAugment(req Request) bool {
	if e.augmenter == nil || req.OfficialCount > 0 {
		return false
	}
	_, ok := e.augmenter.Match(req.Query)
	return ok
}

func mergeAugmentation(sources string, aug *web.Augmentation) string {
	block := fmt.Sprintf("[Web reference: %s, %s]\n%s", aug.Source, aug.URL, aug.Content)
	if strings.TrimSpace(sources) == "" {
		return block
	}
	return sources + "\n\n---\n\n" + block
}

// ExtractTitle returns the text of a leading markdown H1, or the title-cased query.
func ExtractTitle(content, query string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# ") {
			if title := strings.TrimSpace(strings.TrimPrefix(line, "# ")); title != "" {
				return title
			}
		}
		break
	}
	return utils.TitleCase(query)
}
