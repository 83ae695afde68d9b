// Package app assembles the wiki engine from configuration. The API server and the job CLI
// share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/api/handlers"
	"github.com/refwiki/backend/internal/assembly"
	"github.com/refwiki/backend/internal/cache"
	redisclient "github.com/refwiki/backend/internal/cache/redis"
	"github.com/refwiki/backend/internal/concurrency"
	"github.com/refwiki/backend/internal/confidence"
	"github.com/refwiki/backend/internal/evaluation"
	"github.com/refwiki/backend/internal/generation"
	"github.com/refwiki/backend/internal/ingestion"
	"github.com/refwiki/backend/internal/kg/builder"
	"github.com/refwiki/backend/internal/kg/entities"
	"github.com/refwiki/backend/internal/kg/graph"
	"github.com/refwiki/backend/internal/kg/neo4j"
	"github.com/refwiki/backend/internal/llm"
	"github.com/refwiki/backend/internal/quality"
	"github.com/refwiki/backend/internal/retrieval"
	"github.com/refwiki/backend/internal/search/web"
	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/internal/storage/memory"
	"github.com/refwiki/backend/internal/storage/sqlite"
	"github.com/refwiki/backend/internal/vector/zilliz"
	"github.com/refwiki/backend/internal/wiki"
	"github.com/refwiki/backend/pkg/config"
	"github.com/refwiki/backend/pkg/logger"
)

type App struct {
	Config *config.Config

	Store  storage.Store
	Redis  *redisclient.Client
	LLM    *llm.Client
	Vector *zilliz.Client
	Neo4j  *neo4j.Client

	Cache       *cache.Manager
	Controller  *concurrency.Controller
	Graph       *graph.Graph
	Wiki        *wiki.Service
	Warmer      *cache.Warmer
	Regenerator *cache.Regenerator
	Ingestion   *ingestion.Processor
	Evaluator   *evaluation.Evaluator

	closers []func() error
}

// New connects the external services and builds the pipeline. Redis and Neo4j are optional;
// when disabled, rate windows, cooldowns and caches stay in process and the graph mirror is off.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		rc, err := redisclient.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		a.Redis = rc
		a.closers = append(a.closers, rc.Close)
	}

	a.LLM = llm.NewClient(llm.Config{
		BaseURL:            cfg.LLM.BaseURL,
		APIKey:             cfg.LLM.APIKey,
		Model:              cfg.LLM.Model,
		EmbeddingModel:     cfg.LLM.EmbeddingModel,
		Temperature:        cfg.LLM.Temperature,
		MaxTokens:          cfg.LLM.MaxTokens,
		Timeout:            time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		EmbeddingBatchSize: cfg.LLM.EmbeddingBatchSize,
	})

	vc, err := zilliz.NewClient(cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey, cfg.Zilliz.CollectionName, cfg.Zilliz.VectorDim)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create zilliz client: %w", err)
	}
	a.Vector = vc
	a.closers = append(a.closers, vc.Close)
	if err := vc.CreateCollection(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	if cfg.Neo4j.Enabled {
		nc, err := neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create neo4j client: %w", err)
		}
		a.Neo4j = nc
		a.closers = append(a.closers, func() error { return nc.Close(context.Background()) })
		if err := nc.EnsureSchema(ctx); err != nil {
			logger.Warn("Failed to ensure graph schema", zap.Error(err))
		}
	}

	a.build()
	return a, nil
}

func (a *App) openStore() error {
	switch a.Config.Storage.Backend {
	case "memory":
		a.Store = memory.New()
	default:
		if dir := filepath.Dir(a.Config.Storage.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		sc, err := sqlite.NewClient(a.Config.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to create sqlite client: %w", err)
		}
		if err := sc.InitSchema(); err != nil {
			sc.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		a.Store = sc
	}
	a.closers = append(a.closers, a.Store.Close)
	return nil
}

// build wires the pipeline over the already connected clients.
func (a *App) build() {
	cfg := a.Config

	var (
		limiter   concurrency.WindowLimiter
		cooldowns concurrency.CooldownStore
		analytics cache.Analytics
		fetches   web.ContentCache   = web.NewMemoryCache()
		embedder  retrieval.Embedder = a.LLM
	)
	if a.Redis != nil {
		limiter, cooldowns, fetches = a.Redis, a.Redis, a.Redis
		if cfg.Cache.AnalyticsEnabled {
			analytics = a.Redis
		}
		embedder = retrieval.NewCachedEmbedder(a.LLM, a.Redis, time.Duration(cfg.Retrieval.EmbeddingCacheHrs)*time.Hour)
	}

	a.Cache = cache.NewManager(a.Store, analytics, cache.Config{
		TTL:                    cfg.Cache.TTL(),
		MaxCachedPages:         cfg.Cache.MaxCachedPages,
		LowConfidenceThreshold: cfg.Cache.LowConfidenceThreshold,
		AnalyticsEnabled:       cfg.Cache.AnalyticsEnabled,
	})

	a.Controller = concurrency.NewController(concurrency.Config{
		RateLimitRequests: cfg.Concurrency.RateLimitRequests,
		RateLimitWindow:   cfg.Concurrency.RateLimitWindow(),
		Cooldown:          cfg.Concurrency.Cooldown(),
	}, limiter, cooldowns)

	retriever := retrieval.NewRetriever(embedder, a.Vector, retrieval.NewPrioritizer(retrieval.PrioritizerConfig{
		OfficialOrganizations: cfg.Prioritizer.OfficialOrganizations,
		BoostFactor:           cfg.Prioritizer.BoostFactor,
		MinOfficialSimilarity: cfg.Prioritizer.MinOfficialSimilarity,
		MaxGap:                cfg.Prioritizer.MaxGap,
		MaxOfficialRatio:      cfg.Prioritizer.MaxOfficialRatio,
	}), retrieval.Config{
		Threshold:         cfg.Retrieval.Threshold,
		FallbackThreshold: cfg.Retrieval.FallbackThreshold,
		SearchLimit:       cfg.Retrieval.SearchLimit,
		MaxResults:        cfg.Retrieval.MaxResults,
		PerSourceCap:      cfg.Retrieval.PerSourceCap,
	})

	var augmenter generation.Augmenter
	if cfg.Augment.Enabled && len(cfg.Augment.Sources) > 0 {
		sources := make([]web.Source, 0, len(cfg.Augment.Sources))
		for _, s := range cfg.Augment.Sources {
			sources = append(sources, web.Source{Name: s.Name, URL: s.URL, Keywords: s.Keywords})
		}
		augmenter = web.NewClient(web.Config{
			Sources:  sources,
			CacheTTL: time.Duration(cfg.Augment.CacheHours) * time.Hour,
			Timeout:  time.Duration(cfg.Augment.TimeoutSec) * time.Second,
			MaxChars: cfg.Augment.MaxChars,
		}, fetches)
	}

	var mirror graph.Mirror
	var pageMirror wiki.PageMirror
	if a.Neo4j != nil {
		mirror, pageMirror = a.Neo4j, a.Neo4j
	}
	a.Graph = graph.New(a.Store, mirror)

	var linker wiki.Linker
	if cfg.Links.Enabled {
		extractor := entities.NewExtractor(a.LLM, entities.Config{
			MinEntityChars: cfg.Links.MinEntityChars,
			MaxEntities:    cfg.Links.MaxEntities,
			ExcerptChars:   cfg.Links.ExcerptChars,
			StopList:       cfg.Links.StopList,
		})
		linker = builder.NewBuilder(extractor, a.Store, a.Store, a.Graph)
	}

	q := cfg.Quality
	a.Wiki = wiki.NewService(wiki.Dependencies{
		Retriever: retriever,
		Assembler: assembly.New(assembly.Config{
			TokenBudget:         cfg.Assembly.TokenBudget,
			MinTruncationTokens: cfg.Assembly.MinTruncationTokens,
			DedupThreshold:      cfg.Assembly.DedupThreshold,
			Rerank:              cfg.Assembly.Rerank,
		}),
		Assessor: quality.NewAssessor(quality.Thresholds{
			HighQualitySimilarity: q.HighQualitySimilarity,
			PureMinAvg:            q.PureMinAvg,
			PureMinHighQuality:    q.PureMinHighQuality,
			PureMinSources:        q.PureMinSources,
			HybridMinAvg:          q.HybridMinAvg,
			HybridMinHighQuality:  q.HybridMinHighQuality,
			HybridMinSources:      q.HybridMinSources,
			LowMinCount:           q.LowMinCount,
			LowMinAvg:             q.LowMinAvg,
		}),
		Generator: generation.NewEngine(a.LLM, augmenter, generation.Config{
			Temperature:      cfg.Generation.Temperature,
			MaxTokens:        cfg.Generation.MaxTokens,
			MinContentLength: cfg.Generation.MinContentLength,
		}),
		Linker:     linker,
		Scorer:     confidence.NewScorer(cfg.Generation.KnowledgeOnlyScore, cfg.Generation.MinPublishConfidence),
		Cache:      a.Cache,
		Controller: a.Controller,
		Mirror:     pageMirror,
	}, wiki.Config{
		AllowKnowledgeOnly: cfg.Generation.AllowKnowledgeOnly,
		Model:              cfg.LLM.Model,
	})

	scheduler := concurrency.NewDelayScheduler(cfg.Cache.RegenerationDelay(), cfg.Concurrency.SchedulerWorkers)
	a.Warmer = cache.NewWarmer(a.Store, a.Store, a.Wiki, scheduler, cfg.Cache.WarmTopics, cfg.Cache.PopularityThreshold)
	a.Regenerator = cache.NewRegenerator(a.Cache, a.Wiki, scheduler, cfg.Cache.RegenerationBatchSize)
	a.Ingestion = ingestion.NewProcessor(a.Store, a.Vector, a.LLM, a.Cache)
	a.Evaluator = evaluation.NewEvaluator(a.Store, a.Store, a.LLM)
}

// Handlers returns the HTTP handlers over the assembled services.
func (a *App) Handlers() handlers.Set {
	var neighbors handlers.NeighborhoodReader
	if a.Neo4j != nil {
		neighbors = a.Neo4j
	}
	return handlers.Set{
		Wiki:       handlers.NewWikiHandler(a.Wiki),
		Graph:      handlers.NewGraphHandler(a.Graph, a.Store, neighbors),
		Cache:      handlers.NewCacheHandler(a.Cache, a.Warmer, a.Regenerator),
		Documents:  handlers.NewDocumentHandler(a.Ingestion, a.Store),
		Evaluation: handlers.NewEvaluationHandler(a.Evaluator),
		WebSocket:  handlers.NewWebSocketHandler(a.Wiki),
	}
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
