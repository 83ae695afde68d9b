package retrieval

import (
	"sort"

	"github.com/refwiki/backend/internal/storage/models"
)

// Diversify spreads chunks across source documents: documents are visited in order of their
// best similarity, each contributes at most perSource chunks, and the result holds at most total
// chunks sorted by similarity descending.
func Diversify(chunks []models.Chunk, perSource, total int) []models.Chunk {
	if len(chunks) == 0 || perSource <= 0 || total <= 0 {
		return nil
	}

	type group struct {
		docID  string
		best   float64
		chunks []models.Chunk
	}

	index := make(map[string]*group)
	var groups []*group
	for _, c := range chunks {
		g, ok := index[c.DocumentID]
		if !ok {
			g = &group{docID: c.DocumentID, best: c.Similarity}
			index[c.DocumentID] = g
			groups = append(groups, g)
		}
		if c.Similarity > g.best {
			g.best = c.Similarity
		}
		g.chunks = append(g.chunks, c)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].best > groups[j].best
	})

	out := make([]models.Chunk, 0, total)
	for _, g := range groups {
		sortBySimilarity(g.chunks)
		take := perSource
		if take > len(g.chunks) {
			take = len(g.chunks)
		}
		if remaining := total - len(out); take > remaining {
			take = remaining
		}
		out = append(out, g.chunks[:take]...)
		if len(out) == total {
			break
		}
	}

	sortBySimilarity(out)
	return out
}

func sortBySimilarity(chunks []models.Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Similarity > chunks[j].Similarity
	})
}

// UniqueDocuments counts distinct document ids.
func UniqueDocuments(chunks []models.Chunk) int {
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		seen[c.DocumentID] = struct{}{}
	}
	return len(seen)
}
