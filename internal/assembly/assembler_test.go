package assembly

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refwiki/backend/internal/storage/models"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcdefg"))
	// runes, not bytes
	assert.Equal(t, 1, EstimateTokens("ééé"))
}

func TestDeduplicate(t *testing.T) {
	long := strings.Repeat("word ", 10) + "swaddle baby blanket arms hips"
	chunks := []models.Chunk{
		{ChunkID: "1", Content: "Swaddle the baby snugly."},
		{ChunkID: "2", Content: "swaddle the baby snugly."},
		{ChunkID: "3", Content: long},
		{ChunkID: "4", Content: long + "!"},
		{ChunkID: "5", Content: "Keep hips loose."},
	}

	out, removed := Deduplicate(chunks, 0.95)

	assert.Equal(t, 2, removed)
	ids := []string{}
	for _, c := range out {
		ids = append(ids, c.ChunkID)
	}
	assert.Equal(t, []string{"1", "3", "5"}, ids)
}

func TestRerankPenalisesRepeatedDocuments(t *testing.T) {
	chunks := []models.Chunk{
		{ChunkID: "a1", DocumentID: "a", Similarity: 0.80, Content: "x"},
		{ChunkID: "a2", DocumentID: "a", Similarity: 0.78, Content: "x"},
		{ChunkID: "b1", DocumentID: "b", Similarity: 0.76, Content: "x"},
	}

	out := Rerank("", chunks)

	assert.Equal(t, "a1", out[0].ChunkID)
	assert.Equal(t, "b1", out[1].ChunkID)
	assert.Equal(t, "a2", out[2].ChunkID)
}

func TestRerankRewardsQueryTerms(t *testing.T) {
	chunks := []models.Chunk{
		{ChunkID: "plain", DocumentID: "a", Similarity: 0.70, Content: "general infant care"},
		{ChunkID: "match", DocumentID: "b", Similarity: 0.67, Content: "swaddling techniques for newborns"},
	}

	out := Rerank("Swaddling techniques for a baby", chunks)

	assert.Equal(t, "match", out[0].ChunkID)
}

func TestFitBudgetTruncatesLastChunk(t *testing.T) {
	first := strings.Repeat("a", 350)
	second := strings.Repeat("Sentence one is here. ", 40)
	chunks := []models.Chunk{{ChunkID: "1", Content: first}, {ChunkID: "2", Content: second}}

	out, used, truncated := FitBudget(chunks, 250, 100)

	require.Len(t, out, 2)
	assert.True(t, truncated)
	assert.LessOrEqual(t, used, 250)
	assert.True(t, strings.HasSuffix(out[1].Content, "."))
	assert.Equal(t, second, chunks[1].Content)
}

func TestFitBudgetSkipsSmallRemainder(t *testing.T) {
	chunks := []models.Chunk{
		{ChunkID: "1", Content: strings.Repeat("a", 700)}, // 200 tokens
		{ChunkID: "2", Content: strings.Repeat("b ", 200)},
	}

	out, used, truncated := FitBudget(chunks, 250, 100)

	assert.Len(t, out, 1)
	assert.Equal(t, 200, used)
	assert.False(t, truncated)
}

func TestTruncateTextFallsBackToWordBoundary(t *testing.T) {
	text := "Short. " + strings.Repeat("word ", 100)

	out := TruncateText(text, 20) // 70 chars

	assert.LessOrEqual(t, len(out), 70)
	assert.True(t, strings.HasSuffix(out, "word"))
}

func TestTruncateTextNoop(t *testing.T) {
	assert.Equal(t, "tiny", TruncateText("tiny", 10))
}

func TestAssemble(t *testing.T) {
	a := New(Config{TokenBudget: 1000, Rerank: true})
	chunks := []models.Chunk{
		{ChunkID: "1", DocumentID: "aap", Title: "Safe Sleep", Author: "AAP", Official: true, Similarity: 0.8,
			Content: "Always place babies on their backs to sleep."},
		{ChunkID: "2", DocumentID: "aap", Title: "Safe Sleep", Similarity: 0.7,
			Content: "always place babies on their backs to sleep."},
	}

	res := a.Assemble("safe sleep", chunks)

	assert.Len(t, res.Chunks, 1)
	assert.Equal(t, 1, res.DuplicatesRemoved)
	assert.Contains(t, res.Context, "[Source 1: Safe Sleep, by AAP, official]")
	assert.Equal(t, EstimateTokens(chunks[0].Content), res.Tokens)
}
