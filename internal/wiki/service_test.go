package wiki

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refwiki/backend/internal/assembly"
	"github.com/refwiki/backend/internal/cache"
	"github.com/refwiki/backend/internal/concurrency"
	"github.com/refwiki/backend/internal/confidence"
	"github.com/refwiki/backend/internal/generation"
	"github.com/refwiki/backend/internal/kg/builder"
	"github.com/refwiki/backend/internal/kg/entities"
	"github.com/refwiki/backend/internal/kg/graph"
	"github.com/refwiki/backend/internal/llm"
	"github.com/refwiki/backend/internal/quality"
	"github.com/refwiki/backend/internal/retrieval"
	"github.com/refwiki/backend/internal/storage/memory"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/internal/storage/storetest"
	"github.com/refwiki/backend/pkg/apperr"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeSearcher struct {
	chunks []models.Chunk
	err    error
}

func (f *fakeSearcher) Search(context.Context, []float32, float64, int, string) ([]models.Chunk, error) {
	return f.chunks, f.err
}

type fakeLLM struct {
	content  string
	err      error
	release  chan struct{}
	calls    atomic.Int32
	entities []llm.ExtractedEntity
}

func (f *fakeLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.content, Usage: llm.Usage{TotalTokens: 900}}, nil
}

func (f *fakeLLM) ExtractLinkCandidates(context.Context, string, string, int) ([]llm.ExtractedEntity, error) {
	return f.entities, nil
}

var swaddlingArticle = "# Swaddling\n\n" +
	strings.Repeat("Swaddled babies must sleep on their backs to lower SIDS risk. ", 60)

// swaddlingChunks spans three books with nine chunks above 0.5 similarity.
func swaddlingChunks() []models.Chunk {
	sims := [][]float64{{0.9, 0.85, 0.8}, {0.8, 0.75, 0.7}, {0.7, 0.65, 0.6}}
	var chunks []models.Chunk
	for d, docSims := range sims {
		for i, sim := range docSims {
			chunks = append(chunks, models.Chunk{
				ChunkID:    fmt.Sprintf("doc%d-%d", d, i),
				DocumentID: fmt.Sprintf("doc%d", d),
				Content:    fmt.Sprintf("Passage %d-%d explains swaddle wrapping step %d for newborn comfort.", d, i, i),
				Similarity: sim,
				Title:      fmt.Sprintf("Baby Book %d", d),
				Author:     "Jane Doe",
				SourceType: "book",
			})
		}
	}
	return chunks
}

type harness struct {
	svc      *Service
	store    *memory.Store
	llm      *fakeLLM
	searcher *fakeSearcher
	ctrl     *concurrency.Controller
}

type options struct {
	allowKnowledgeOnly bool
	publishThreshold   float64
	rateLimit          int
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	if opts.rateLimit == 0 {
		opts.rateLimit = 10
	}

	store := memory.New()
	fake := &fakeLLM{content: swaddlingArticle, entities: []llm.ExtractedEntity{{Text: "SIDS", Confidence: "strong"}}}
	searcher := &fakeSearcher{chunks: swaddlingChunks()}
	ctrl := concurrency.NewController(concurrency.Config{
		RateLimitRequests: opts.rateLimit,
		RateLimitWindow:   time.Minute,
		Cooldown:          30 * time.Second,
	}, nil, nil)

	svc := NewService(Dependencies{
		Retriever: retrieval.NewRetriever(fakeEmbedder{}, searcher,
			retrieval.NewPrioritizer(retrieval.PrioritizerConfig{OfficialOrganizations: []string{"AAP"}}),
			retrieval.Config{Threshold: 0.35, FallbackThreshold: 0.25}),
		Assembler: assembly.New(assembly.Config{}),
		Assessor:  quality.NewAssessor(quality.DefaultThresholds()),
		Generator: generation.NewEngine(fake, nil, generation.Config{MinContentLength: 200}),
		Linker: builder.NewBuilder(entities.NewExtractor(fake, entities.Config{}), store, store,
			graph.New(store, nil)),
		Scorer:     confidence.NewScorer(0, opts.publishThreshold),
		Cache:      cache.NewManager(store, nil, cache.Config{TTL: 48 * time.Hour}),
		Controller: ctrl,
	}, Config{AllowKnowledgeOnly: opts.allowKnowledgeOnly, Model: "test-model"})

	return &harness{svc: svc, store: store, llm: fake, searcher: searcher, ctrl: ctrl}
}

func TestGetOrGenerateEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{allowKnowledgeOnly: true})

	first, err := h.svc.GetOrGenerate(ctx, "10.0.0.1", "  Swaddling ")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	page := first.Page
	assert.Equal(t, "swaddling", page.Slug)
	assert.Equal(t, "Swaddling", page.Title)
	assert.True(t, page.Published)
	assert.GreaterOrEqual(t, page.ConfidenceScore, 0.6)
	assert.Equal(t, models.ModePureRetrieval, page.Metadata.GenerationMode)
	assert.Equal(t, 9, page.Metadata.SearchStats.HighQualityCount)
	assert.Equal(t, 3, page.Metadata.SearchStats.UniqueSources)
	assert.Equal(t, []string{"doc0", "doc1", "doc2"}, page.Metadata.DocumentIDs)
	assert.Empty(t, page.Metadata.Degraded)
	assert.Equal(t, 1, strings.Count(page.Content, "[SIDS](/wiki/sids)"))
	require.Len(t, page.Metadata.EntityLinks, 1)

	second, err := h.svc.GetOrGenerate(ctx, "10.0.0.2", "swaddling")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, second.Page.ViewCount)
	assert.EqualValues(t, 1, h.llm.calls.Load())

	cand, err := h.store.GetCandidate(ctx, "sids")
	require.NoError(t, err)
	assert.Equal(t, []string{"swaddling"}, cand.MentionedIn)
}

func TestConcurrentCallersShareOneGeneration(t *testing.T) {
	h := newHarness(t, options{allowKnowledgeOnly: true})
	h.llm.release = make(chan struct{})

	const callers = 5
	var wg sync.WaitGroup
	outcomes := make([]*Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.svc.GetOrGenerate(context.Background(), fmt.Sprintf("caller-%d", i), "swaddling")
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}

	dedup := h.ctrl.Deduplicator()
	require.Eventually(t, func() bool { return dedup.Waiters("swaddling") == callers }, 2*time.Second, time.Millisecond)
	close(h.llm.release)
	wg.Wait()

	assert.EqualValues(t, 1, h.llm.calls.Load())
	for _, out := range outcomes {
		require.NotNil(t, out)
		assert.True(t, out.Shared)
		assert.Equal(t, "swaddling", out.Page.Slug)
	}
	assert.Zero(t, dedup.InFlight())
}

func TestRateLimitRejectsBeforeGeneration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{allowKnowledgeOnly: true, rateLimit: 2})

	for _, q := range []string{"swaddling", "tummy time"} {
		_, err := h.svc.GetOrGenerate(ctx, "10.0.0.9", q)
		require.NoError(t, err)
	}

	_, err := h.svc.GetOrGenerate(ctx, "10.0.0.9", "teething")
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeRateLimited, appErr.Code)
	assert.Equal(t, apperr.ReasonRateLimit, appErr.Reason)
	assert.Positive(t, appErr.RetryAfter)
	assert.EqualValues(t, 2, h.llm.calls.Load())

	cached, err := h.svc.GetOrGenerate(ctx, "10.0.0.9", "swaddling")
	require.NoError(t, err, "cache hits are not rate limited")
	assert.True(t, cached.Cached)
}

func TestCooldownBlocksImmediateRegeneration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{allowKnowledgeOnly: true, publishThreshold: 0.99})

	out, err := h.svc.GetOrGenerate(ctx, "a", "swaddling")
	require.NoError(t, err)
	assert.False(t, out.Page.Published)

	_, err = h.svc.GetOrGenerate(ctx, "b", "swaddling")
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ReasonCooldown, appErr.Reason)
	assert.EqualValues(t, 1, h.llm.calls.Load())

	_, err = h.svc.GetPage(ctx, "swaddling")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestNoSourcesWhenKnowledgeOnlyDisabled(t *testing.T) {
	h := newHarness(t, options{allowKnowledgeOnly: false})
	h.searcher.chunks = nil

	_, err := h.svc.GetOrGenerate(context.Background(), "a", "swaddling")
	assert.Equal(t, apperr.CodeNoSourcesFound, apperr.CodeOf(err))
	assert.Zero(t, h.llm.calls.Load())
}

func TestRetrievalFailureDegradesToKnowledgeOnly(t *testing.T) {
	h := newHarness(t, options{allowKnowledgeOnly: true})
	h.searcher.err = errors.New("milvus unavailable")

	out, err := h.svc.GetOrGenerate(context.Background(), "a", "swaddling")
	require.NoError(t, err)
	assert.Equal(t, models.ModeKnowledgeOnly, out.Page.Metadata.GenerationMode)
	assert.True(t, out.Page.Metadata.IsDegraded(models.DegradedRetrieval))
	assert.InDelta(t, 0.70, out.Page.ConfidenceScore, 1e-9)
}

func TestStalePageServedWhenRegenerationFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{allowKnowledgeOnly: true})
	h.llm.err = errors.New("model down")

	stale := storetest.NewPage("colic", time.Now().Add(-72*time.Hour), 48*time.Hour)
	require.NoError(t, h.store.UpsertPage(ctx, stale))

	out, err := h.svc.GetOrGenerate(ctx, "a", "Colic")
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.Equal(t, "colic", out.Page.Slug)

	_, err = h.svc.GetOrGenerate(ctx, "a", "croup")
	assert.Equal(t, apperr.CodeGenerationFailed, apperr.CodeOf(err))
}

func TestRegenerateIncrementsCount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{allowKnowledgeOnly: true})

	require.NoError(t, h.svc.Regenerate(ctx, "swaddling"))
	require.NoError(t, h.svc.Regenerate(ctx, "swaddling"))

	page, err := h.store.GetPage(ctx, "swaddling")
	require.NoError(t, err)
	assert.Equal(t, 1, page.RegenerationCount)
}

func TestValidateQuery(t *testing.T) {
	cases := map[string]bool{
		"swaddling":                     true,
		"  tummy time  ":                true,
		"x":                             false,
		strings.Repeat("a", 201):        false,
		"sleep\x00":                     false,
		"<script>alert(1)</script>":     false,
		"javascript:alert(1)":           false,
		"img onerror=alert(1)":          false,
		"!!!":                           false,
		"when do babies start teething": true,
	}
	for q, valid := range cases {
		_, err := ValidateQuery(q)
		if valid {
			assert.NoError(t, err, q)
		} else {
			assert.Equal(t, apperr.CodeInvalidQuery, apperr.CodeOf(err), q)
		}
	}
}
