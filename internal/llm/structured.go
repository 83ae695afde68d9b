package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/refwiki/backend/pkg/logger"
)

// Structured calls run near-deterministic. go-openai drops a zero temperature from the
// request body, so the floor is 0.1.
const structuredTemperature = 0.1

type ExtractedEntity struct {
	Text       string `json:"text"`
	Confidence string `json:"confidence"`
}

// QualityScores are five 1-20 sub-scores plus free-text feedback.
type QualityScores struct {
	Accuracy     int    `json:"accuracy"`
	Completeness int    `json:"completeness"`
	Clarity      int    `json:"clarity"`
	Relevance    int    `json:"relevance"`
	SourceUse    int    `json:"source_use"`
	Feedback     string `json:"feedback"`
}

func (q QualityScores) Total() int {
	return q.Accuracy + q.Completeness + q.Clarity + q.Relevance + q.SourceUse
}

const extractionPrompt = `You identify concepts in a reference article that deserve their own wiki page.

Rules:
- Return terms exactly as they appear in the article text.
- Prefer specific concepts (conditions, techniques, products, milestones) over generic words.
- Do not return the article's own title.
- confidence is one of "strong", "medium", "weak", "ghost":
  strong = central concept clearly worth its own page, weak = passing mention, ghost = uncertain.

Return ONLY a JSON array:
[{"text": "term as written", "confidence": "strong"}]`

func (c *Client) ExtractLinkCandidates(ctx context.Context, title, content string, maxEntities int) ([]ExtractedEntity, error) {
	userPrompt := fmt.Sprintf(`Article title: %s
Return at most %d concepts.

Article:
%s`, title, maxEntities, content)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: extractionPrompt,
		UserPrompt:   userPrompt,
		Temperature:  structuredTemperature,
		MaxTokens:    800,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract link candidates: %w", err)
	}

	entities, err := ParseEntityExtractions(resp.Content)
	if err != nil {
		return nil, err
	}
	if maxEntities > 0 && len(entities) > maxEntities {
		entities = entities[:maxEntities]
	}

	logger.Info("Link candidates extracted", zap.String("title", title), zap.Int("count", len(entities)))
	return entities, nil
}

const evaluationPrompt = `You review reference wiki articles. Score the article on five criteria,
each an integer from 1 (very poor) to 20 (excellent):
- accuracy: factual correctness given the sources
- completeness: covers what a reader needs on the topic
- clarity: well organised and easy to follow
- relevance: stays on the requested topic
- source_use: grounded in and faithful to the provided sources

Return ONLY a JSON object:
{"accuracy": 15, "completeness": 14, "clarity": 17, "relevance": 18, "source_use": 12, "feedback": "one paragraph"}`

func (c *Client) EvaluatePage(ctx context.Context, query, content, sources string) (*QualityScores, error) {
	userPrompt := fmt.Sprintf(`Topic: %s

Sources:
%s

Article:
%s`, query, sources, content)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: evaluationPrompt,
		UserPrompt:   userPrompt,
		Temperature:  structuredTemperature,
		MaxTokens:    500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate page: %w", err)
	}

	return ParseQualityScores(resp.Content)
}

// ParseEntityExtractions decodes the extraction array, tolerating code fences and prose
// around it. Entries without text are dropped.
func ParseEntityExtractions(content string) ([]ExtractedEntity, error) {
	raw := extractJSON(content, '[', ']')
	if raw == "" {
		return nil, fmt.Errorf("no JSON array in extraction response")
	}

	var entities []ExtractedEntity
	if err := json.Unmarshal([]byte(raw), &entities); err != nil {
		return nil, fmt.Errorf("failed to decode extraction response: %w", err)
	}

	out := entities[:0]
	for _, e := range entities {
		e.Text = strings.TrimSpace(e.Text)
		e.Confidence = strings.ToLower(strings.TrimSpace(e.Confidence))
		if e.Text != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

func ParseQualityScores(content string) (*QualityScores, error) {
	raw := extractJSON(content, '{', '}')
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in evaluation response")
	}

	var scores QualityScores
	if err := json.Unmarshal([]byte(raw), &scores); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation response: %w", err)
	}

	for name, v := range map[string]int{
		"accuracy":     scores.Accuracy,
		"completeness": scores.Completeness,
		"clarity":      scores.Clarity,
		"relevance":    scores.Relevance,
		"source_use":   scores.SourceUse,
	} {
		if v < 1 || v > 20 {
			return nil, fmt.Errorf("evaluation score %s=%d outside 1-20", name, v)
		}
	}
	return &scores, nil
}

// extractJSON returns the outermost open..close span of s, ignoring any markdown fence.
func extractJSON(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
