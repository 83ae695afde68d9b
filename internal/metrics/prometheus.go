package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/refwiki/backend/pkg/circuitbreaker"
)

var (
	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refwiki_generation_duration_seconds",
			Help:    "Page generation duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"mode"},
	)

	GenerationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refwiki_generation_total",
			Help: "Total page generations by outcome",
		},
		[]string{"status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refwiki_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refwiki_confidence_score",
			Help:    "Confidence scores of generated pages",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RetrievedChunks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refwiki_retrieved_chunks",
			Help:    "Number of chunks retrieved per generation",
			Buckets: []float64{0, 1, 2, 5, 10, 15, 20, 50},
		},
	)

	WebAugmentations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refwiki_web_augmentations_total",
			Help: "Web augmentation attempts by outcome",
		},
		[]string{"status"},
	)

	DegradedChannels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refwiki_degraded_total",
			Help: "Best-effort side channels that failed during generation",
		},
		[]string{"channel"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refwiki_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refwiki_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	PagesEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refwiki_pages_evicted_total",
			Help: "Pages evicted to honour the cache size limit",
		},
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refwiki_rejections_total",
			Help: "Generation requests rejected by rate limit or cooldown",
		},
		[]string{"reason"},
	)

	DedupShared = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refwiki_dedup_shared_total",
			Help: "Requests served by joining an in-flight generation",
		},
	)

	DocumentsIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refwiki_documents_indexed_total",
			Help: "Total corpus documents indexed",
		},
	)

	CachedPages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "refwiki_cached_pages",
			Help: "Pages currently stored",
		},
	)

	GraphConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "refwiki_graph_connections",
			Help: "Page connections in the link graph",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "refwiki_breaker_state",
			Help: "Circuit breaker state per upstream (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refwiki_breaker_transitions_total",
			Help: "Circuit breaker state changes per upstream",
		},
		[]string{"name", "to"},
	)
)

// ObserveBreaker matches circuitbreaker.Config.OnStateChange.
func ObserveBreaker(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
	BreakerTransitions.WithLabelValues(name, to.String()).Inc()
}

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			GenerationDuration,
			GenerationTotal,
			LLMTokensUsed,
			ConfidenceScore,
			RetrievedChunks,
			WebAugmentations,
			DegradedChannels,
			CacheHits,
			CacheMisses,
			PagesEvicted,
			Rejections,
			DedupShared,
			DocumentsIndexed,
			CachedPages,
			GraphConnections,
			BreakerState,
			BreakerTransitions,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
