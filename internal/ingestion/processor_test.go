package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refwiki/backend/internal/storage/memory"
	"github.com/refwiki/backend/internal/storage/storetest"
	"github.com/refwiki/backend/internal/vector/zilliz"
)

type fakeIndex struct {
	inserted []zilliz.ChunkRecord
	deleted  []string
}

func (f *fakeIndex) Insert(_ context.Context, chunks []zilliz.ChunkRecord) error {
	f.inserted = append(f.inserted, chunks...)
	return nil
}

func (f *fakeIndex) DeleteByDocument(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

type storeInvalidator struct{ store *memory.Store }

func (s storeInvalidator) InvalidateByDocument(ctx context.Context, id string) (int, error) {
	return s.store.DeletePagesByDocument(ctx, id)
}

func TestChunkTextOverlaps(t *testing.T) {
	p := &Processor{chunkSize: 30, chunkOverlap: 20}

	chunks := p.chunkText("one two three four five six seven eight nine ten eleven twelve")

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 30)
	}
	firstWords := strings.Fields(chunks[0])
	secondWords := strings.Fields(chunks[1])
	assert.Equal(t, firstWords[len(firstWords)-2:], secondWords[:2])
}

func TestProcessDocumentIndexesAndReindexes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	index := &fakeIndex{}
	p := NewProcessor(store, index, fakeEmbedder{}, storeInvalidator{store})

	req := Request{Title: "Safe Sleep Guide", Author: "AAP", SourceType: "guideline", Text: strings.Repeat("Babies sleep on their backs. ", 80)}

	first, err := p.ProcessDocument(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Reindexed)
	assert.Greater(t, first.Chunks, 1)
	assert.Len(t, index.inserted, first.Chunks)
	assert.Equal(t, first.DocumentID, index.inserted[0].DocumentID)

	doc, err := store.GetDocument(ctx, first.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, first.Chunks, doc.ChunkCount)

	page := storetest.NewPage("safe-sleep", time.Now(), 48*time.Hour)
	page.Metadata.DocumentIDs = []string{first.DocumentID}
	require.NoError(t, store.UpsertPage(ctx, page))

	second, err := p.ProcessDocument(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Reindexed)
	assert.Equal(t, []string{first.DocumentID}, index.deleted)
	assert.Equal(t, 1, second.PagesInvalidated)
}

func TestProcessDocumentRejectsEmptyInput(t *testing.T) {
	p := NewProcessor(memory.New(), &fakeIndex{}, fakeEmbedder{}, nil)

	_, err := p.ProcessDocument(context.Background(), Request{Title: "x", Text: "   "})
	assert.Error(t, err)

	_, err = p.ProcessDocument(context.Background(), Request{Text: "body"})
	assert.Error(t, err)
}

func TestProcessDocumentEmbeddingFailure(t *testing.T) {
	store := memory.New()
	p := NewProcessor(store, &fakeIndex{}, fakeEmbedder{err: errors.New("429")}, storeInvalidator{store})

	_, err := p.ProcessDocument(context.Background(), Request{Title: "Colic", Text: "Colic is crying."})
	assert.Error(t, err)

	docs, err := store.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}
