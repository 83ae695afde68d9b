package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refwiki/backend/internal/storage/models"
)

func chunk(doc string, i int, sim float64) models.Chunk {
	return models.Chunk{
		ChunkID:    fmt.Sprintf("%s-%d", doc, i),
		DocumentID: doc,
		Content:    fmt.Sprintf("content %s %d", doc, i),
		Similarity: sim,
		Title:      "Document " + doc,
	}
}

func TestDiversifySpansDocuments(t *testing.T) {
	var chunks []models.Chunk
	for d := 0; d < 5; d++ {
		for i := 0; i < 6; i++ {
			chunks = append(chunks, chunk(fmt.Sprintf("doc%d", d), i, 0.9-float64(d)*0.1-float64(i)*0.01))
		}
	}

	out := Diversify(chunks, 3, 10)

	require.Len(t, out, 10)
	assert.GreaterOrEqual(t, UniqueDocuments(out), 4)

	perDoc := map[string]int{}
	for i, c := range out {
		perDoc[c.DocumentID]++
		if i > 0 {
			assert.GreaterOrEqual(t, out[i-1].Similarity, c.Similarity)
		}
	}
	for doc, n := range perDoc {
		assert.LessOrEqual(t, n, 3, doc)
	}
}

func TestDiversifyOrdersGroupsByBestChunk(t *testing.T) {
	chunks := []models.Chunk{
		chunk("weak", 0, 0.4), chunk("weak", 1, 0.39),
		chunk("strong", 0, 0.9),
	}

	out := Diversify(chunks, 1, 1)
	require.Len(t, out, 1)
	assert.Equal(t, "strong", out[0].DocumentID)
}

func TestDiversifyEmpty(t *testing.T) {
	assert.Empty(t, Diversify(nil, 3, 15))
}

func newTestPrioritizer() *Prioritizer {
	return NewPrioritizer(PrioritizerConfig{
		OfficialOrganizations: []string{"American Academy of Pediatrics", "CDC", "WHO"},
		BoostFactor:           1.25,
		MinOfficialSimilarity: 0.40,
		MaxGap:                0.15,
		MaxOfficialRatio:      0.6,
	})
}

func TestIsOfficial(t *testing.T) {
	p := newTestPrioritizer()

	assert.True(t, p.IsOfficial(models.Chunk{Author: "American Academy of Pediatrics", SourceType: "guideline"}))
	assert.True(t, p.IsOfficial(models.Chunk{Title: "cdc milestone tracker", SourceType: "web"}))
	assert.False(t, p.IsOfficial(models.Chunk{Author: "CDC", SourceType: "book"}))
	assert.False(t, p.IsOfficial(models.Chunk{Title: "The whole baby guide", SourceType: "web"}))
}

func TestPrioritizeBoostsOfficialWithinGap(t *testing.T) {
	p := newTestPrioritizer()
	chunks := []models.Chunk{
		{ChunkID: "n1", DocumentID: "blog", Similarity: 0.70, Author: "Parenting Blog"},
		{ChunkID: "o1", DocumentID: "cdc", Similarity: 0.60, Author: "CDC", SourceType: "guideline"},
		{ChunkID: "o2", DocumentID: "who", Similarity: 0.45, Author: "WHO", SourceType: "guideline"},
		{ChunkID: "o3", DocumentID: "cdc2", Similarity: 0.35, Author: "CDC", SourceType: "guideline"},
	}

	out, stats := p.Prioritize(chunks, 15)

	require.Len(t, out, 4)
	assert.Equal(t, "o1", out[0].ChunkID)
	assert.InDelta(t, 0.75, out[0].Similarity, 1e-9)
	assert.InDelta(t, 0.60, out[0].OriginalSimilarity, 1e-9)
	assert.True(t, out[0].Boosted)
	assert.Equal(t, 1, stats.BoostedCount)
	assert.Equal(t, 3, stats.OfficialCount)
	assert.Equal(t, 1, stats.NonOfficialCount)
	assert.InDelta(t, 0.75, stats.OfficialRatio, 1e-9)

	// input untouched
	assert.InDelta(t, 0.60, chunks[1].Similarity, 1e-9)
}

func TestPrioritizeClampsBoost(t *testing.T) {
	p := newTestPrioritizer()
	out, _ := p.Prioritize([]models.Chunk{{ChunkID: "o", Similarity: 0.95, Author: "WHO"}}, 5)
	assert.InDelta(t, 1.0, out[0].Similarity, 1e-9)
}

func TestPrioritizeCapsOfficialShare(t *testing.T) {
	p := newTestPrioritizer()
	var chunks []models.Chunk
	for i := 0; i < 8; i++ {
		chunks = append(chunks, models.Chunk{ChunkID: fmt.Sprintf("o%d", i), DocumentID: fmt.Sprintf("cdc%d", i),
			Similarity: 0.9 - float64(i)*0.01, Author: "CDC"})
	}
	for i := 0; i < 4; i++ {
		chunks = append(chunks, models.Chunk{ChunkID: fmt.Sprintf("n%d", i), DocumentID: fmt.Sprintf("blog%d", i),
			Similarity: 0.5 - float64(i)*0.01, Author: "Blog"})
	}

	out, stats := p.Prioritize(chunks, 10)

	require.Len(t, out, 10)
	assert.Equal(t, 6, stats.OfficialCount)
	assert.Equal(t, 4, stats.NonOfficialCount)
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2}, nil
}

type fakeSearcher struct {
	byThreshold map[float64][]models.Chunk
	thresholds  []float64
	err         error
}

func (f *fakeSearcher) Search(_ context.Context, _ []float32, threshold float64, _ int, _ string) ([]models.Chunk, error) {
	f.thresholds = append(f.thresholds, threshold)
	if f.err != nil {
		return nil, f.err
	}
	return f.byThreshold[threshold], nil
}

func TestRetrieveFallsBackToLowerThreshold(t *testing.T) {
	s := &fakeSearcher{byThreshold: map[float64][]models.Chunk{
		0.25: {chunk("doc", 0, 0.3)},
	}}
	r := NewRetriever(&fakeEmbedder{}, s, newTestPrioritizer(), Config{Threshold: 0.35, FallbackThreshold: 0.25})

	res := r.Retrieve(context.Background(), "colic")

	assert.Equal(t, []float64{0.35, 0.25}, s.thresholds)
	assert.Len(t, res.Chunks, 1)
	assert.Equal(t, 0.25, res.ThresholdUsed)
	assert.False(t, res.Degraded())
}

func TestRetrieveEmptyIsNotAnError(t *testing.T) {
	s := &fakeSearcher{}
	r := NewRetriever(&fakeEmbedder{}, s, nil, Config{Threshold: 0.35, FallbackThreshold: 0.25})

	res := r.Retrieve(context.Background(), "obscure topic")

	assert.Len(t, s.thresholds, 2)
	assert.Empty(t, res.Chunks)
	assert.NoError(t, res.Err)
}

func TestRetrieveDegradesOnSearchFailure(t *testing.T) {
	s := &fakeSearcher{err: errors.New("milvus unavailable")}
	r := NewRetriever(&fakeEmbedder{}, s, nil, Config{Threshold: 0.35, FallbackThreshold: 0.25})

	res := r.Retrieve(context.Background(), "teething")

	assert.True(t, res.Degraded())
	assert.Empty(t, res.Chunks)
	assert.Len(t, s.thresholds, 1)
}

type mapCache struct {
	data map[string][]float32
}

func (m *mapCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) SetEmbedding(_ context.Context, key string, v []float32, _ time.Duration) error {
	m.data[key] = v
	return nil
}

func TestCachedEmbedder(t *testing.T) {
	inner := &fakeEmbedder{}
	e := NewCachedEmbedder(inner, &mapCache{data: map[string][]float32{}}, time.Hour)

	for i := 0; i < 3; i++ {
		v, err := e.Embed(context.Background(), "safe sleep")
		require.NoError(t, err)
		assert.Equal(t, []float32{0.1, 0.2}, v)
	}
	assert.Equal(t, 1, inner.calls)
}
