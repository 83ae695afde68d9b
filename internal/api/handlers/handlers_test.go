package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refwiki/backend/internal/cache"
	"github.com/refwiki/backend/internal/concurrency"
	"github.com/refwiki/backend/internal/evaluation"
	"github.com/refwiki/backend/internal/ingestion"
	"github.com/refwiki/backend/internal/kg/graph"
	"github.com/refwiki/backend/internal/middleware/validation"
	"github.com/refwiki/backend/internal/storage/memory"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/internal/storage/storetest"
	"github.com/refwiki/backend/internal/wiki"
	"github.com/refwiki/backend/pkg/apperr"
)

type fakeWiki struct {
	pages   map[string]*models.Page
	outcome *wiki.Outcome
	err     error
	callers []string
}

func (f *fakeWiki) GetPage(_ context.Context, slug string) (*models.Page, error) {
	if p, ok := f.pages[slug]; ok {
		return p, nil
	}
	return nil, apperr.NotFound(slug)
}

func (f *fakeWiki) GetOrGenerate(_ context.Context, caller, _ string) (*wiki.Outcome, error) {
	f.callers = append(f.callers, caller)
	return f.outcome, f.err
}

func samplePage(slug string) *models.Page {
	p := storetest.NewPage(slug, time.Now(), time.Hour)
	p.Content = "# Swaddling\n\nWrap snugly.\n"
	return p
}

func newApp(s Set) *fiber.App {
	app := fiber.New()
	s.Register(app, validation.Query(validation.Config{}))
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestWikiGetPage(t *testing.T) {
	svc := &fakeWiki{pages: map[string]*models.Page{"swaddling": samplePage("swaddling")}}
	app := newApp(Set{Wiki: NewWikiHandler(svc)})

	resp, body := do(t, app, "GET", "/api/v1/wiki/swaddling", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "swaddling", body["slug"])

	resp, body = do(t, app, "GET", "/api/v1/wiki/colic", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestWikiGenerateStatuses(t *testing.T) {
	page := samplePage("swaddling")
	tests := []struct {
		name       string
		outcome    *wiki.Outcome
		err        error
		wantStatus int
		wantCode   string
	}{
		{"generated", &wiki.Outcome{Page: page}, nil, fiber.StatusCreated, ""},
		{"cached", &wiki.Outcome{Page: page, Cached: true}, nil, fiber.StatusOK, ""},
		{"rate limited", nil, apperr.RateLimited(apperr.ReasonRateLimit, 1500*time.Millisecond), fiber.StatusTooManyRequests, "RATE_LIMITED"},
		{"no sources", nil, apperr.New(apperr.CodeNoSourcesFound, "none"), fiber.StatusUnprocessableEntity, "NO_SOURCES_FOUND"},
		{"generation failed", nil, apperr.GenerationFailed("empty", nil), fiber.StatusBadGateway, "GENERATION_FAILED"},
		{"store error", nil, errors.New("disk full"), fiber.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeWiki{outcome: tt.outcome, err: tt.err}
			app := newApp(Set{Wiki: NewWikiHandler(svc)})

			resp, body := do(t, app, "POST", "/api/v1/wiki", `{"query":"swaddling"}`)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(body))
			}
			if tt.wantCode == "RATE_LIMITED" {
				assert.Equal(t, "2", resp.Header.Get(fiber.HeaderRetryAfter))
			}
			assert.Len(t, svc.callers, 1)
		})
	}
}

func TestWikiGenerateRejectsInvalidQuery(t *testing.T) {
	svc := &fakeWiki{}
	app := newApp(Set{Wiki: NewWikiHandler(svc)})

	resp, body := do(t, app, "GET", "/api/v1/wiki?q=x", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_QUERY", errorCode(body))
	assert.Empty(t, svc.callers)
}

func TestGraphRoutes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	g := graph.New(store, nil)
	_, err := g.AddLink(ctx, "swaddling", "sids", "SIDS", models.TierStrong)
	require.NoError(t, err)

	app := newApp(Set{Graph: NewGraphHandler(g, store, nil)})

	resp, body := do(t, app, "GET", "/api/v1/wiki/swaddling/related", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	related, _ := body["related"].([]interface{})
	require.Len(t, related, 1)
	assert.Equal(t, "sids", related[0].(map[string]interface{})["slug"])

	resp, body = do(t, app, "GET", "/api/v1/wiki/sids/backlinks", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, body["backlinks"], 1)

	resp, body = do(t, app, "GET", "/api/v1/graph/stats", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total_connections"])

	resp, body = do(t, app, "GET", "/api/v1/wiki/swaddling/neighborhood", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "GRAPH_DISABLED", errorCode(body))
}

type upsertGenerator struct {
	cache *cache.Manager
}

func (g upsertGenerator) Regenerate(ctx context.Context, query string) error {
	return g.cache.UpsertPage(ctx, samplePage(strings.ReplaceAll(query, " ", "-")))
}

func newCacheApp(t *testing.T) (*fiber.App, *cache.Manager) {
	t.Helper()
	store := memory.New()
	manager := cache.NewManager(store, nil, cache.Config{TTL: time.Hour})
	sched := concurrency.NewDelayScheduler(0, 1)
	gen := upsertGenerator{cache: manager}
	h := NewCacheHandler(manager,
		cache.NewWarmer(store, store, gen, sched, []string{"safe sleep", "colic"}, 3),
		cache.NewRegenerator(manager, gen, sched, 10),
	)
	return newApp(Set{Cache: h}), manager
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	app, manager := newCacheApp(t)
	for _, slug := range []string{"a-page", "b-page", "c-page"} {
		require.NoError(t, manager.UpsertPage(ctx, samplePage(slug)))
	}

	resp, body := do(t, app, "POST", "/api/v1/admin/cache/invalidate", `{"slugs":["a-page"],"all":true}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))

	resp, body = do(t, app, "POST", "/api/v1/admin/cache/invalidate", `{"slugs":["a-page","missing"]}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["invalidated"])

	resp, body = do(t, app, "POST", "/api/v1/admin/cache/soft-invalidate", `{"slugs":["b-page"]}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["unpublished"])
	_, err := manager.GetPage(ctx, "b-page")
	assert.ErrorIs(t, err, models.ErrNotFound)

	resp, body = do(t, app, "GET", "/api/v1/admin/cache/stats", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body)
}

func TestCacheWarmDryRun(t *testing.T) {
	app, manager := newCacheApp(t)

	resp, body := do(t, app, "POST", "/api/v1/admin/cache/warm", `{"dry_run":true}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["total"])

	_, err := manager.Lookup(context.Background(), "colic")
	assert.ErrorIs(t, err, models.ErrNotFound)

	resp, body = do(t, app, "POST", "/api/v1/admin/cache/warm", `{"topics":["colic"]}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["succeeded"])
}

type fakeIndexer struct {
	reqs []ingestion.Request
}

func (f *fakeIndexer) ProcessDocument(_ context.Context, req ingestion.Request) (*ingestion.Result, error) {
	f.reqs = append(f.reqs, req)
	return &ingestion.Result{DocumentID: "doc-1", Chunks: 3}, nil
}

func TestDocumentUpload(t *testing.T) {
	indexer := &fakeIndexer{}
	app := newApp(Set{Documents: NewDocumentHandler(indexer, memory.New())})

	resp, _ := do(t, app, "POST", "/api/v1/documents", `{"title":"Caring for Your Baby"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, indexer.reqs)

	resp, body := do(t, app, "POST", "/api/v1/documents", `{"title":"Caring for Your Baby","author":"AAP","text":"Swaddle snugly."}`)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, "doc-1", body["document_id"])
	require.Len(t, indexer.reqs, 1)
	assert.Equal(t, "AAP", indexer.reqs[0].Author)

	resp, body = do(t, app, "GET", "/api/v1/documents", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, body["documents"])
}

type fakeEvaluator struct{}

func (fakeEvaluator) EvaluatePage(_ context.Context, slug string) (*models.QualityEvaluation, error) {
	return &models.QualityEvaluation{ID: "e1", Slug: slug, Accuracy: 18, Completeness: 16, Clarity: 17, Relevance: 19, SourceUse: 15, Total: 85}, nil
}

func (fakeEvaluator) LatestEvaluation(_ context.Context, slug string) (*models.QualityEvaluation, error) {
	return nil, apperr.NotFound(slug)
}

func (fakeEvaluator) EvaluatePages(context.Context, []string) (*evaluation.Report, error) {
	return &evaluation.Report{TotalPages: 1, Evaluated: 1}, nil
}

func TestEvaluationRoutes(t *testing.T) {
	app := newApp(Set{Evaluation: NewEvaluationHandler(fakeEvaluator{})})

	resp, body := do(t, app, "POST", "/api/v1/wiki/swaddling/evaluate", "")
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 85, body["total"])

	resp, body = do(t, app, "GET", "/api/v1/wiki/swaddling/evaluation", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	resp, _ = do(t, app, "POST", "/api/v1/admin/evaluations", `{"slugs":[]}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestStreamEmitsStatusThenContent(t *testing.T) {
	page := samplePage("swaddling")
	h := NewWebSocketHandler(&fakeWiki{outcome: &wiki.Outcome{Page: page}})

	var events []Event
	send := func(e Event) error {
		events = append(events, e)
		return nil
	}
	require.NoError(t, h.Stream(context.Background(), send, "127.0.0.1", "swaddling"))

	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, "generating", events[0].Status)
	assert.Equal(t, "generated", events[1].Status)

	var content strings.Builder
	for _, e := range events[2 : len(events)-1] {
		assert.Equal(t, "chunk", e.Type)
		content.WriteString(e.Content)
	}
	assert.Equal(t, page.Content, content.String())

	last := events[len(events)-1]
	assert.Equal(t, "complete", last.Type)
	assert.Equal(t, "swaddling", last.Page["slug"])
	assert.NotContains(t, last.Page, "content")
}

func TestStreamReportsErrors(t *testing.T) {
	h := NewWebSocketHandler(&fakeWiki{err: apperr.RateLimited(apperr.ReasonCooldown, time.Second)})

	var events []Event
	send := func(e Event) error {
		events = append(events, e)
		return nil
	}

	require.NoError(t, h.Stream(context.Background(), send, "127.0.0.1", "x"))
	require.Len(t, events, 1)
	assert.Equal(t, "INVALID_QUERY", events[0].Error["code"])

	events = nil
	require.NoError(t, h.Stream(context.Background(), send, "127.0.0.1", "swaddling"))
	last := events[len(events)-1]
	assert.Equal(t, "error", last.Type)
	assert.Equal(t, "RATE_LIMITED", last.Error["code"])
	assert.Equal(t, apperr.ReasonCooldown, last.Error["reason"])
}
