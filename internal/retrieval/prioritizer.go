package retrieval

import (
	"math"
	"strings"

	"github.com/refwiki/backend/internal/storage/models"
)

type PrioritizerConfig struct {
	OfficialOrganizations []string
	BoostFactor           float64
	MinOfficialSimilarity float64
	MaxGap                float64
	MaxOfficialRatio      float64
}

type SourceStats struct {
	OfficialCount    int
	NonOfficialCount int
	BoostedCount     int
	OfficialRatio    float64
}

// Prioritizer boosts chunks from recognised authoritative organisations and caps how much of
// the result they may occupy.
type Prioritizer struct {
	cfg  PrioritizerConfig
	orgs []string
}

func NewPrioritizer(cfg PrioritizerConfig) *Prioritizer {
	if cfg.BoostFactor <= 0 {
		cfg.BoostFactor = 1.25
	}
	if cfg.MaxOfficialRatio <= 0 {
		cfg.MaxOfficialRatio = 0.6
	}

	orgs := make([]string, 0, len(cfg.OfficialOrganizations))
	for _, o := range cfg.OfficialOrganizations {
		if o = strings.ToLower(strings.TrimSpace(o)); o != "" {
			orgs = append(orgs, o)
		}
	}
	return &Prioritizer{cfg: cfg, orgs: orgs}
}

// IsOfficial reports whether a chunk comes from a known organisation. Books never qualify.
func (p *Prioritizer) IsOfficial(c models.Chunk) bool {
	if strings.EqualFold(strings.TrimSpace(c.SourceType), "book") {
		return false
	}
	author := strings.ToLower(c.Author)
	title := strings.ToLower(c.Title)
	for _, org := range p.orgs {
		if containsWord(author, org) || containsWord(title, org) {
			return true
		}
	}
	return false
}

// Prioritize classifies, boosts, re-sorts and caps chunks. The input slice is not modified.
func (p *Prioritizer) Prioritize(chunks []models.Chunk, maxResults int) ([]models.Chunk, SourceStats) {
	out := make([]models.Chunk, len(chunks))
	copy(out, chunks)

	bestNonOfficial := 0.0
	for i := range out {
		out[i].OriginalSimilarity = out[i].Similarity
		out[i].Official = p.IsOfficial(out[i])
		if !out[i].Official && out[i].Similarity > bestNonOfficial {
			bestNonOfficial = out[i].Similarity
		}
	}

	var stats SourceStats
	for i := range out {
		c := &out[i]
		if !c.Official {
			continue
		}
		if c.Similarity < p.cfg.MinOfficialSimilarity {
			continue
		}
		if bestNonOfficial-c.Similarity > p.cfg.MaxGap {
			continue
		}
		c.Similarity = math.Min(1.0, c.Similarity*p.cfg.BoostFactor)
		c.Boosted = true
		stats.BoostedCount++
	}

	sortBySimilarity(out)

	if maxResults <= 0 {
		maxResults = len(out)
	}
	out = p.capOfficial(out, maxResults)

	for _, c := range out {
		if c.Official {
			stats.OfficialCount++
		} else {
			stats.NonOfficialCount++
		}
	}
	if len(out) > 0 {
		stats.OfficialRatio = float64(stats.OfficialCount) / float64(len(out))
	}
	return out, stats
}

func (p *Prioritizer) capOfficial(sorted []models.Chunk, maxResults int) []models.Chunk {
	var official, other []models.Chunk
	for _, c := range sorted {
		if c.Official {
			official = append(official, c)
		} else {
			other = append(other, c)
		}
	}

	if len(sorted) > 0 && float64(len(official))/float64(len(sorted)) > p.cfg.MaxOfficialRatio {
		keep := int(math.Floor(float64(maxResults) * p.cfg.MaxOfficialRatio))
		if keep < len(official) && len(other) > 0 {
			official = official[:keep]
		}
	}

	merged := append(official, other...)
	sortBySimilarity(merged)
	if len(merged) > maxResults {
		merged = merged[:maxResults]
	}
	return merged
}

// containsWord matches org on word boundaries so "WHO" does not match "whole".
func containsWord(text, org string) bool {
	for start := 0; ; {
		idx := strings.Index(text[start:], org)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(org)
		if (idx == 0 || !isWordByte(text[idx-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('0' <= b && b <= '9')
}
