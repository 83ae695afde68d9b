package builder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refwiki/backend/internal/kg/entities"
	"github.com/refwiki/backend/internal/kg/graph"
	"github.com/refwiki/backend/internal/llm"
	"github.com/refwiki/backend/internal/storage/memory"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/internal/storage/storetest"
)

type stubLLM struct {
	out []llm.ExtractedEntity
	err error
}

func (s *stubLLM) ExtractLinkCandidates(context.Context, string, string, int) ([]llm.ExtractedEntity, error) {
	return s.out, s.err
}

const content = "Swaddling can lower the risk of SIDS when combined with safe sleep habits. SIDS is rare."

func newBuilder(t *testing.T, s *stubLLM) (*Builder, *memory.Store) {
	t.Helper()
	store := memory.New()
	ex := entities.NewExtractor(s, entities.Config{})
	return NewBuilder(ex, store, store, graph.New(store, nil)), store
}

func TestProcessLinksContentAndRecordsGraph(t *testing.T) {
	ctx := context.Background()
	b, store := newBuilder(t, &stubLLM{out: []llm.ExtractedEntity{
		{Text: "SIDS", Confidence: "strong"},
		{Text: "safe sleep", Confidence: "weak"},
	}})
	require.NoError(t, store.UpsertPage(ctx, storetest.NewPage("sids", time.Now(), 48*time.Hour)))

	res := b.Process(ctx, "swaddling", "Swaddling", content)

	assert.Empty(t, res.Degraded)
	assert.Equal(t, "Swaddling can lower the risk of [SIDS](/wiki/sids) when combined with "+
		"[safe sleep](/wiki/safe-sleep) habits. SIDS is rare.", res.Content)
	require.Len(t, res.Links, 2)
	assert.True(t, res.Links[0].PageExists)
	assert.False(t, res.Links[1].PageExists)

	cand, err := store.GetCandidate(ctx, "safe-sleep")
	require.NoError(t, err)
	assert.Equal(t, models.TierWeak, cand.Tier)
	assert.Equal(t, []string{"swaddling"}, cand.MentionedIn)
	assert.Contains(t, cand.ContextExcerpt, "safe sleep")

	conn, err := store.GetConnection(ctx, "swaddling", "sids")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, conn.Strength, 1e-9)
}

func TestProcessExtractionFailureIsDegraded(t *testing.T) {
	b, _ := newBuilder(t, &stubLLM{err: errors.New("timeout")})

	res := b.Process(context.Background(), "swaddling", "Swaddling", content)

	assert.Equal(t, content, res.Content)
	assert.Equal(t, []string{models.DegradedExtraction}, res.Degraded)
	assert.Empty(t, res.Links)
}

func TestMarkPageCreated(t *testing.T) {
	ctx := context.Background()
	b, store := newBuilder(t, &stubLLM{out: []llm.ExtractedEntity{{Text: "safe sleep", Confidence: "weak"}}})

	b.Process(ctx, "swaddling", "Swaddling", content)
	require.NoError(t, b.MarkPageCreated(ctx, "safe-sleep"))

	cand, err := store.GetCandidate(ctx, "safe-sleep")
	require.NoError(t, err)
	assert.True(t, cand.PageExists)
	assert.False(t, strings.Contains(cand.DisplayText, "["))
}
