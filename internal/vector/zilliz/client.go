// Package zilliz stores corpus chunk embeddings in Milvus/Zilliz and answers similarity searches.
package zilliz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/metrics"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/circuitbreaker"
	"github.com/refwiki/backend/pkg/logger"
	"github.com/refwiki/backend/pkg/retry"
)

const (
	fieldChunkID    = "chunk_id"
	fieldEmbedding  = "embedding"
	fieldDocumentID = "document_id"
	fieldContent    = "content"
	fieldTitle      = "title"
	fieldAuthor     = "author"
	fieldSourceType = "source_type"
	fieldIndexedAt  = "indexed_at"

	maxContentChars = 8000
)

var outputFields = []string{fieldChunkID, fieldDocumentID, fieldContent, fieldTitle, fieldAuthor, fieldSourceType}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

// ChunkRecord is one embedded corpus chunk ready for insertion.
type ChunkRecord struct {
	ChunkID    string
	DocumentID string
	Embedding  []float32
	Content    string
	Title      string
	Author     string
	SourceType string
	IndexedAt  time.Time
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OnStateChange:    metrics.ObserveBreaker,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			Name:           "milvus",
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	varchar := func(name string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": fmt.Sprintf("%d", maxLen)},
		}
	}

	pk := varchar(fieldChunkID, 128)
	pk.PrimaryKey = true

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Reference corpus chunk embeddings",
		Fields: []*entity.Field{
			pk,
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
			},
			varchar(fieldDocumentID, 128),
			varchar(fieldContent, maxContentChars*4),
			varchar(fieldTitle, 512),
			varchar(fieldAuthor, 256),
			varchar(fieldSourceType, 64),
			{Name: fieldIndexedAt, DataType: entity.FieldTypeInt64},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// inner product over normalized embeddings is cosine similarity
	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

func (z *Client) Insert(ctx context.Context, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	ids := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	docIDs := make([]string, len(chunks))
	contents := make([]string, len(chunks))
	titles := make([]string, len(chunks))
	authors := make([]string, len(chunks))
	sourceTypes := make([]string, len(chunks))
	indexedAt := make([]int64, len(chunks))

	for i, chunk := range chunks {
		if len(chunk.Embedding) != z.vectorDim {
			return fmt.Errorf("chunk %s: embedding has %d dimensions, collection expects %d",
				chunk.ChunkID, len(chunk.Embedding), z.vectorDim)
		}
		ids[i] = chunk.ChunkID
		embeddings[i] = chunk.Embedding
		docIDs[i] = chunk.DocumentID
		contents[i] = truncateRunes(chunk.Content, maxContentChars)
		titles[i] = truncateRunes(chunk.Title, 500)
		authors[i] = truncateRunes(chunk.Author, 250)
		sourceTypes[i] = chunk.SourceType
		indexedAt[i] = chunk.IndexedAt.Unix()
	}

	_, err := z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldChunkID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldDocumentID, docIDs),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnVarChar(fieldTitle, titles),
		entity.NewColumnVarChar(fieldAuthor, authors),
		entity.NewColumnVarChar(fieldSourceType, sourceTypes),
		entity.NewColumnInt64(fieldIndexedAt, indexedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector DB", zap.Int("count", len(chunks)))
	return nil
}

// DeleteByDocument removes every chunk of a document, used before re-indexing it.
func (z *Client) DeleteByDocument(ctx context.Context, documentID string) error {
	if err := z.client.Delete(ctx, z.collectionName, "", DocumentFilter(documentID)); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", documentID, err)
	}
	return nil
}

// Search returns chunks with similarity >= threshold, best first. filter is a Milvus boolean
// expression; empty means no filter.
func (z *Client) Search(ctx context.Context, embedding []float32, threshold float64, limit int, filter string) ([]models.Chunk, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var results []client.SearchResult
	err = z.cb.Execute(ctx, func() error {
		return retry.Do(ctx, z.retryConfig, func() error {
			var searchErr error
			results, searchErr = z.client.Search(
				ctx,
				z.collectionName,
				[]string{},
				filter,
				outputFields,
				[]entity.Vector{entity.FloatVector(embedding)},
				fieldEmbedding,
				entity.IP,
				limit,
				sp,
			)
			return searchErr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var chunks []models.Chunk
	for _, sr := range results {
		for i := 0; i < sr.ResultCount; i++ {
			chunks = append(chunks, models.Chunk{
				ChunkID:    columnString(sr.Fields.GetColumn(fieldChunkID), i),
				DocumentID: columnString(sr.Fields.GetColumn(fieldDocumentID), i),
				Content:    columnString(sr.Fields.GetColumn(fieldContent), i),
				Title:      columnString(sr.Fields.GetColumn(fieldTitle), i),
				Author:     columnString(sr.Fields.GetColumn(fieldAuthor), i),
				SourceType: columnString(sr.Fields.GetColumn(fieldSourceType), i),
				Similarity: float64(sr.Scores[i]),
			})
		}
	}
	chunks = AboveThreshold(chunks, threshold)

	logger.Debug("Vector search completed",
		zap.Int("limit", limit),
		zap.Float64("threshold", threshold),
		zap.Int("results", len(chunks)),
		zap.String("filter", filter),
	)
	return chunks, nil
}

func columnString(col entity.Column, i int) string {
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// AboveThreshold keeps chunks scoring at least threshold, ordered by similarity desc.
func AboveThreshold(chunks []models.Chunk, threshold float64) []models.Chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if c.Similarity >= threshold {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	return out
}

// DocumentFilter builds the expression selecting one document's chunks.
func DocumentFilter(documentID string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(documentID)
	return fmt.Sprintf(`%s == "%s"`, fieldDocumentID, escaped)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
