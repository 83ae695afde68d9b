package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type GenerationMode string

const (
	ModePureRetrieval GenerationMode = "pure_retrieval"
	ModeHybrid        GenerationMode = "hybrid"
	ModeKnowledgeOnly GenerationMode = "knowledge_only"
)

func (m GenerationMode) Valid() bool {
	switch m {
	case ModePureRetrieval, ModeHybrid, ModeKnowledgeOnly:
		return true
	}
	return false
}

// Degraded side channels recorded on a page.
const (
	DegradedRetrieval  = "retrieval"
	DegradedAugment    = "web_augmentation"
	DegradedExtraction = "entity_extraction"
	DegradedGraph      = "link_graph"
)

type Page struct {
	Slug              string
	Title             string
	Content           string
	ConfidenceScore   float64
	Published         bool
	GeneratedAt       time.Time
	TTLExpiresAt      time.Time
	ViewCount         int
	RegenerationCount int
	Metadata          PageMetadata
}

type PageMetadata struct {
	Query          string         `json:"query"`
	GenerationMode GenerationMode `json:"generation_mode"`
	SourcesUsed    []SourceRef    `json:"sources_used,omitempty"`
	SearchStats    SearchStats    `json:"search_stats"`
	EntityLinks    []EntityLink   `json:"entity_links,omitempty"`
	DocumentIDs    []string       `json:"document_ids,omitempty"`
	Degraded       []string       `json:"degraded,omitempty"`
	WebAugmented   bool           `json:"web_augmented,omitempty"`
	LowQuality     bool           `json:"low_quality,omitempty"`
	TokensUsed     int            `json:"tokens_used,omitempty"`
}

type SourceRef struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Author     string  `json:"author,omitempty"`
	SourceType string  `json:"source_type,omitempty"`
	Official   bool    `json:"official,omitempty"`
	Similarity float64 `json:"similarity"`
}

type SearchStats struct {
	ChunksFound       int     `json:"chunks_found"`
	ChunksUsed        int     `json:"chunks_used"`
	AvgSimilarity     float64 `json:"avg_similarity"`
	UniqueSources     int     `json:"unique_sources"`
	HighQualityCount  int     `json:"high_quality_count"`
	QualityScore      float64 `json:"quality_score"`
	ThresholdUsed     float64 `json:"threshold_used"`
	OfficialCount     int     `json:"official_count"`
	NonOfficialCount  int     `json:"non_official_count"`
	BoostedCount      int     `json:"boosted_count"`
	OfficialRatio     float64 `json:"official_ratio"`
	ContextTokens     int     `json:"context_tokens"`
	DuplicatesRemoved int     `json:"duplicates_removed"`
}

type EntityLink struct {
	Text       string         `json:"text"`
	Slug       string         `json:"slug"`
	Tier       ConfidenceTier `json:"tier"`
	PageExists bool           `json:"page_exists"`
}

// MarkDegraded records a failed best-effort side channel once.
func (m *PageMetadata) MarkDegraded(channel string) {
	for _, d := range m.Degraded {
		if d == channel {
			return
		}
	}
	m.Degraded = append(m.Degraded, channel)
}

func (m PageMetadata) IsDegraded(channel string) bool {
	for _, d := range m.Degraded {
		if d == channel {
			return true
		}
	}
	return false
}

func (p *Page) IsStale(now time.Time) bool {
	return now.After(p.TTLExpiresAt)
}

func (p *Page) Validate() error {
	if strings.TrimSpace(p.Slug) == "" {
		return errors.New("page slug is required")
	}
	if p.ConfidenceScore < 0 || p.ConfidenceScore > 1 {
		return fmt.Errorf("page %s: confidence %.3f outside [0,1]", p.Slug, p.ConfidenceScore)
	}
	if !p.TTLExpiresAt.After(p.GeneratedAt) {
		return fmt.Errorf("page %s: ttl_expires_at must be after generated_at", p.Slug)
	}
	if p.Metadata.GenerationMode != "" && !p.Metadata.GenerationMode.Valid() {
		return fmt.Errorf("page %s: unknown generation mode %q", p.Slug, p.Metadata.GenerationMode)
	}
	return nil
}

// Chunk is a retrieved corpus fragment. It lives only for the duration of one generation.
type Chunk struct {
	ChunkID            string
	DocumentID         string
	Content            string
	Similarity         float64
	Title              string
	Author             string
	SourceType         string
	Official           bool
	Boosted            bool
	OriginalSimilarity float64
}

type ConfidenceTier string

const (
	TierGhost  ConfidenceTier = "ghost"
	TierWeak   ConfidenceTier = "weak"
	TierMedium ConfidenceTier = "medium"
	TierStrong ConfidenceTier = "strong"
)

// Rank orders tiers ghost < weak < medium < strong. Unknown tiers rank as ghost.
func (t ConfidenceTier) Rank() int {
	switch t {
	case TierWeak:
		return 1
	case TierMedium:
		return 2
	case TierStrong:
		return 3
	}
	return 0
}

// Strength is the initial edge strength for a link created at this tier.
func (t ConfidenceTier) Strength() float64 {
	switch t {
	case TierStrong:
		return 1.0
	case TierMedium:
		return 0.6
	case TierWeak:
		return 0.3
	}
	return 0.1
}

func (t ConfidenceTier) Valid() bool {
	switch t {
	case TierGhost, TierWeak, TierMedium, TierStrong:
		return true
	}
	return false
}

func ParseTier(s string) ConfidenceTier {
	t := ConfidenceTier(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return TierGhost
}

func TierFromRank(rank int) ConfidenceTier {
	switch rank {
	case 1:
		return TierWeak
	case 2:
		return TierMedium
	case 3:
		return TierStrong
	}
	return TierGhost
}

// MaxTier returns the higher of two tiers.
func MaxTier(a, b ConfidenceTier) ConfidenceTier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type LinkCandidate struct {
	Slug           string
	DisplayText    string
	Tier           ConfidenceTier
	MentionCount   int
	MentionedIn    []string
	PageExists     bool
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	ContextExcerpt string
}

func (c *LinkCandidate) Validate() error {
	if strings.TrimSpace(c.Slug) == "" {
		return errors.New("candidate slug is required")
	}
	if !c.Tier.Valid() {
		return fmt.Errorf("candidate %s: unknown tier %q", c.Slug, c.Tier)
	}
	return nil
}

type PageConnection struct {
	FromSlug  string
	ToSlug    string
	LinkText  string
	Strength  float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *PageConnection) Validate() error {
	if c.FromSlug == "" || c.ToSlug == "" {
		return errors.New("connection requires both slugs")
	}
	if c.FromSlug == c.ToSlug {
		return fmt.Errorf("connection %s: self-links are not stored", c.FromSlug)
	}
	if c.Strength < 0 || c.Strength > 1 {
		return fmt.Errorf("connection %s->%s: strength %.3f outside [0,1]", c.FromSlug, c.ToSlug, c.Strength)
	}
	return nil
}

type ConnectionStats struct {
	TotalConnections int     `json:"total_connections"`
	AverageStrength  float64 `json:"average_strength"`
	ConnectedPages   int     `json:"connected_pages"`
	TotalCandidates  int     `json:"total_candidates"`
	GhostCandidates  int     `json:"ghost_candidates"`
	MissingPages     int     `json:"missing_pages"`
}

// QualityEvaluation holds five 1-20 sub-scores assigned by the evaluator model.
type QualityEvaluation struct {
	ID           string
	Slug         string
	Accuracy     int
	Completeness int
	Clarity      int
	Relevance    int
	SourceUse    int
	Total        int
	Feedback     string
	EvaluatedAt  time.Time
}

func (e *QualityEvaluation) Validate() error {
	for name, score := range map[string]int{
		"accuracy":     e.Accuracy,
		"completeness": e.Completeness,
		"clarity":      e.Clarity,
		"relevance":    e.Relevance,
		"source_use":   e.SourceUse,
	} {
		if score < 1 || score > 20 {
			return fmt.Errorf("evaluation %s: %s score %d outside 1-20", e.Slug, name, score)
		}
	}
	return nil
}

type Document struct {
	ID         string
	Title      string
	Author     string
	SourceType string
	ChunkCount int
	IndexedAt  time.Time
}
