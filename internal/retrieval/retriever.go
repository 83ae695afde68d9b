// Package retrieval turns a query into a diversified, source-prioritised set of corpus chunks.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/logger"
	"github.com/refwiki/backend/pkg/utils"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, embedding []float32, threshold float64, limit int, filter string) ([]models.Chunk, error)
}

type Config struct {
	Threshold         float64
	FallbackThreshold float64
	SearchLimit       int
	MaxResults        int
	PerSourceCap      int
}

type Result struct {
	Chunks        []models.Chunk
	ChunksFound   int
	ThresholdUsed float64
	Sources       SourceStats
	// Err is set when the search or embedding collaborator failed. Chunks is then empty.
	Err error
}

func (r *Result) Degraded() bool {
	return r.Err != nil
}

type Retriever struct {
	embedder    Embedder
	searcher    Searcher
	prioritizer *Prioritizer
	cfg         Config
}

func NewRetriever(embedder Embedder, searcher Searcher, prioritizer *Prioritizer, cfg Config) *Retriever {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 30
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 15
	}
	if cfg.PerSourceCap <= 0 {
		cfg.PerSourceCap = 3
	}
	return &Retriever{embedder: embedder, searcher: searcher, prioritizer: prioritizer, cfg: cfg}
}

// Retrieve never fails: zero results and collaborator errors both produce an empty Result,
// the latter with Err set so the caller can record the degradation.
func (r *Retriever) Retrieve(ctx context.Context, query string) *Result {
	start := time.Now()
	res := &Result{ThresholdUsed: r.cfg.Threshold}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		logger.Warn("Query embedding failed, continuing without retrieval", zap.String("query", query), zap.Error(err))
		res.Err = fmt.Errorf("failed to embed query: %w", err)
		return res
	}

	chunks, err := r.searcher.Search(ctx, embedding, r.cfg.Threshold, r.cfg.SearchLimit, "")
	if err == nil && len(chunks) == 0 && r.cfg.FallbackThreshold > 0 && r.cfg.FallbackThreshold < r.cfg.Threshold {
		logger.Info("No chunks above threshold, retrying lower",
			zap.String("query", query),
			zap.Float64("threshold", r.cfg.Threshold),
			zap.Float64("fallback", r.cfg.FallbackThreshold),
		)
		res.ThresholdUsed = r.cfg.FallbackThreshold
		chunks, err = r.searcher.Search(ctx, embedding, r.cfg.FallbackThreshold, r.cfg.SearchLimit, "")
	}
	if err != nil {
		logger.Warn("Vector search failed, continuing without retrieval", zap.String("query", query), zap.Error(err))
		res.Err = fmt.Errorf("failed to search corpus: %w", err)
		return res
	}

	res.ChunksFound = len(chunks)
	diversified := Diversify(chunks, r.cfg.PerSourceCap, r.cfg.MaxResults)
	if r.prioritizer != nil {
		res.Chunks, res.Sources = r.prioritizer.Prioritize(diversified, r.cfg.MaxResults)
	} else {
		res.Chunks = diversified
	}

	logger.Info("Retrieval completed",
		zap.String("query", query),
		zap.Int("found", res.ChunksFound),
		zap.Int("kept", len(res.Chunks)),
		zap.Int("documents", UniqueDocuments(res.Chunks)),
		zap.Int("official", res.Sources.OfficialCount),
		zap.Duration("duration", time.Since(start)),
	)
	return res
}

type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder memoises query embeddings keyed by a hash of the text. Cache errors are
// logged and bypassed.
type CachedEmbedder struct {
	next  Embedder
	cache EmbeddingCache
	ttl   time.Duration
}

func NewCachedEmbedder(next Embedder, cache EmbeddingCache, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, ttl: ttl}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(text)

	if cached, ok, err := e.cache.GetEmbedding(ctx, key); err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if ok {
		return cached, nil
	}

	embedding, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.cache.SetEmbedding(ctx, key, embedding, e.ttl); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return embedding, nil
}
