// Package assembly builds the generation context from retrieved chunks: duplicate removal,
// optional re-ranking and greedy token-budget fitting.
package assembly

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/refwiki/backend/internal/storage/models"
)

// CharsPerToken is the single ratio used for every token estimate in the system.
const CharsPerToken = 3.5

// EstimateTokens returns ceil(runeCount / 3.5).
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / CharsPerToken))
}

type Config struct {
	TokenBudget         int
	MinTruncationTokens int
	DedupThreshold      float64
	Rerank              bool
}

type Result struct {
	Chunks            []models.Chunk
	Context           string
	Tokens            int
	DuplicatesRemoved int
	Truncated         bool
}

type Assembler struct {
	cfg Config
}

func New(cfg Config) *Assembler {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 6000
	}
	if cfg.MinTruncationTokens <= 0 {
		cfg.MinTruncationTokens = 100
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 0.95
	}
	return &Assembler{cfg: cfg}
}

func (a *Assembler) Assemble(query string, chunks []models.Chunk) Result {
	unique, removed := Deduplicate(chunks, a.cfg.DedupThreshold)
	if a.cfg.Rerank {
		unique = Rerank(query, unique)
	}
	fitted, tokens, truncated := FitBudget(unique, a.cfg.TokenBudget, a.cfg.MinTruncationTokens)

	return Result{
		Chunks:            fitted,
		Context:           FormatContext(fitted),
		Tokens:            tokens,
		DuplicatesRemoved: removed,
		Truncated:         truncated,
	}
}

// Deduplicate drops exact (case-insensitive) repeats and chunks whose token-set Jaccard
// similarity to an accepted chunk exceeds threshold. Order is preserved.
func Deduplicate(chunks []models.Chunk, threshold float64) ([]models.Chunk, int) {
	seen := make(map[string]struct{}, len(chunks))
	var accepted []models.Chunk
	var acceptedSets []map[string]struct{}

	for _, c := range chunks {
		key := strings.ToLower(strings.TrimSpace(c.Content))
		if _, dup := seen[key]; dup {
			continue
		}

		set := tokenSet(c.Content)
		near := false
		for _, other := range acceptedSets {
			if Jaccard(set, other) > threshold {
				near = true
				break
			}
		}
		if near {
			continue
		}

		seen[key] = struct{}{}
		accepted = append(accepted, c)
		acceptedSets = append(acceptedSets, set)
	}
	return accepted, len(chunks) - len(accepted)
}

func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range words(text) {
		set[w] = struct{}{}
	}
	return set
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

const (
	sameDocumentPenalty = 0.05
	queryTermBonus      = 0.02
	minQueryTermLength  = 3
)

// Rerank orders chunks by similarity, minus a penalty for each earlier chunk from the same
// document, plus a bonus per query term (longer than three characters) found in the content.
func Rerank(query string, chunks []models.Chunk) []models.Chunk {
	var terms []string
	for _, w := range words(query) {
		if utf8.RuneCountInString(w) > minQueryTermLength {
			terms = append(terms, w)
		}
	}

	ordered := make([]models.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Similarity > ordered[j].Similarity
	})

	scores := make(map[string]float64, len(ordered))
	perDoc := make(map[string]int)
	for _, c := range ordered {
		score := c.Similarity - sameDocumentPenalty*float64(perDoc[c.DocumentID])
		perDoc[c.DocumentID]++

		content := strings.ToLower(c.Content)
		for _, term := range terms {
			if strings.Contains(content, term) {
				score += queryTermBonus
			}
		}
		scores[c.ChunkID] = score
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return scores[ordered[i].ChunkID] > scores[ordered[j].ChunkID]
	})
	return ordered
}

// FitBudget accepts whole chunks while they fit. When the first chunk that does not fit
// leaves more than minTruncation tokens of budget, a truncated copy of it is appended.
func FitBudget(chunks []models.Chunk, budget, minTruncation int) ([]models.Chunk, int, bool) {
	var out []models.Chunk
	used := 0

	for _, c := range chunks {
		cost := EstimateTokens(c.Content)
		if used+cost <= budget {
			out = append(out, c)
			used += cost
			continue
		}

		remaining := budget - used
		if remaining > minTruncation {
			c.Content = TruncateText(c.Content, remaining)
			out = append(out, c)
			used += EstimateTokens(c.Content)
			return out, used, true
		}
		break
	}
	return out, used, false
}

// TruncateText shortens text to at most maxTokens. It cuts at the last sentence end when that
// falls within the final 20% of the allowance, else at the last word boundary.
func TruncateText(text string, maxTokens int) string {
	maxChars := int(math.Floor(float64(maxTokens) * CharsPerToken))
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	if maxChars <= 0 {
		return ""
	}

	cut := runes[:maxChars]
	minSentence := int(float64(maxChars) * 0.8)

	for i := len(cut) - 1; i >= minSentence; i-- {
		if isSentenceEnd(cut[i]) && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			return string(cut[:i+1])
		}
	}

	for i := len(cut) - 1; i > 0; i-- {
		if unicode.IsSpace(cut[i]) {
			return strings.TrimRightFunc(string(cut[:i]), unicode.IsSpace)
		}
	}
	return string(cut)
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// FormatContext renders chunks as numbered source blocks for the generation prompt.
func FormatContext(chunks []models.Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[Source %d: %s", i+1, orDefault(c.Title, c.DocumentID))
		if c.Author != "" {
			fmt.Fprintf(&b, ", by %s", c.Author)
		}
		if c.Official {
			b.WriteString(", official")
		}
		b.WriteString("]\n")
		b.WriteString(strings.TrimSpace(c.Content))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
