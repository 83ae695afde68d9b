// Package ingestion indexes plain-text corpus documents: it chunks them, embeds the chunks
// and stores them in the vector index. Re-indexing a document invalidates pages built from it.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/metrics"
	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/internal/vector/zilliz"
	"github.com/refwiki/backend/pkg/logger"
	"github.com/refwiki/backend/pkg/utils"
)

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type ChunkIndex interface {
	Insert(ctx context.Context, chunks []zilliz.ChunkRecord) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

type PageInvalidator interface {
	InvalidateByDocument(ctx context.Context, documentID string) (int, error)
}

type Request struct {
	// ID is derived from title and author when empty.
	ID         string
	Title      string
	Author     string
	SourceType string
	Text       string
}

type Result struct {
	DocumentID       string `json:"document_id"`
	Chunks           int    `json:"chunks"`
	Reindexed        bool   `json:"reindexed"`
	PagesInvalidated int    `json:"pages_invalidated"`
}

type Processor struct {
	documents    storage.DocumentStore
	index        ChunkIndex
	embedder     BatchEmbedder
	pages        PageInvalidator
	chunkSize    int
	chunkOverlap int
}

func NewProcessor(documents storage.DocumentStore, index ChunkIndex, embedder BatchEmbedder, pages PageInvalidator) *Processor {
	return &Processor{
		documents:    documents,
		index:        index,
		embedder:     embedder,
		pages:        pages,
		chunkSize:    1000,
		chunkOverlap: 100,
	}
}

func (p *Processor) ProcessDocument(ctx context.Context, req Request) (*Result, error) {
	text := strings.Join(strings.Fields(req.Text), " ")
	if text == "" {
		return nil, errors.New("document text is empty")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.New("document title is required")
	}
	if req.SourceType == "" {
		req.SourceType = "article"
	}

	docID := req.ID
	if docID == "" {
		docID = utils.HashString(strings.ToLower(req.Title + "|" + req.Author))
	}
	logger.Info("Processing document", zap.String("doc_id", docID), zap.String("title", req.Title))

	res := &Result{DocumentID: docID}

	_, err := p.documents.GetDocument(ctx, docID)
	switch {
	case err == nil:
		res.Reindexed = true
		if err := p.index.DeleteByDocument(ctx, docID); err != nil {
			return nil, err
		}
	case !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("failed to look up document: %w", err)
	}

	chunks := p.chunkText(text)
	logger.Info("Document chunked", zap.Int("chunks", len(chunks)))

	embeddings, err := p.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunks))
	}

	now := time.Now()
	records := make([]zilliz.ChunkRecord, len(chunks))
	for i, chunkText := range chunks {
		records[i] = zilliz.ChunkRecord{
			ChunkID:    fmt.Sprintf("%s_chunk_%d", docID, i),
			DocumentID: docID,
			Embedding:  embeddings[i],
			Content:    chunkText,
			Title:      req.Title,
			Author:     req.Author,
			SourceType: req.SourceType,
			IndexedAt:  now,
		}
	}

	if err := p.index.Insert(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to insert into vector DB: %w", err)
	}

	if err := p.documents.UpsertDocument(ctx, &models.Document{
		ID:         docID,
		Title:      req.Title,
		Author:     req.Author,
		SourceType: req.SourceType,
		ChunkCount: len(chunks),
		IndexedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	res.Chunks = len(chunks)

	if res.Reindexed {
		n, err := p.pages.InvalidateByDocument(ctx, docID)
		if err != nil {
			return nil, err
		}
		res.PagesInvalidated = n
	}

	metrics.DocumentsIndexed.Inc()
	logger.Info("Document processed successfully",
		zap.String("doc_id", docID),
		zap.Int("chunks", res.Chunks),
		zap.Bool("reindexed", res.Reindexed),
		zap.Int("pages_invalidated", res.PagesInvalidated),
	)
	return res, nil
}

// chunkText splits on word boundaries into chunks of about chunkSize bytes. Each chunk after
// the first repeats the last chunkOverlap/10 words of its predecessor.
func (p *Processor) chunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var current []string
	size := 0
	overlapWords := p.chunkOverlap / 10

	for _, word := range words {
		wordLen := len(word) + 1

		if size+wordLen > p.chunkSize && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))

			start := len(current) - overlapWords
			if start < 0 {
				start = 0
			}
			current = append([]string(nil), current[start:]...)
			size = 0
			for _, w := range current {
				size += len(w) + 1
			}
		}

		current = append(current, word)
		size += wordLen
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}
