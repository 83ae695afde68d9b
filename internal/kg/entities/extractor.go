// Package entities finds linkable concepts in generated page content and turns their first
// occurrences into wiki links.
package entities

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/llm"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/logger"
	"github.com/refwiki/backend/pkg/utils"
)

type LinkExtractor interface {
	ExtractLinkCandidates(ctx context.Context, title, content string, maxEntities int) ([]llm.ExtractedEntity, error)
}

type Config struct {
	MinEntityChars int
	MaxEntities    int
	ExcerptChars   int
	StopList       []string
}

// Entity is a candidate located in the content. Text is the exact matched span.
type Entity struct {
	Text    string
	Slug    string
	Tier    models.ConfidenceTier
	Offset  int
	Excerpt string
}

var defaultStopList = []string{
	"baby", "babies", "infant", "infants", "child", "children", "parent", "parents", "mother",
	"father", "family", "doctor", "health", "information", "time", "day", "week", "month",
	"year", "people", "thing", "things", "way", "ways", "example", "important", "general",
}

type Extractor struct {
	llm  LinkExtractor
	cfg  Config
	stop map[string]struct{}
}

func NewExtractor(llmClient LinkExtractor, cfg Config) *Extractor {
	if cfg.MinEntityChars <= 0 {
		cfg.MinEntityChars = 3
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = 25
	}
	if cfg.ExcerptChars <= 0 {
		cfg.ExcerptChars = 200
	}

	stop := make(map[string]struct{})
	for _, list := range [][]string{defaultStopList, cfg.StopList} {
		for _, w := range list {
			stop[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
		}
	}
	return &Extractor{llm: llmClient, cfg: cfg, stop: stop}
}

func (e *Extractor) Extract(ctx context.Context, pageSlug, title, content string) ([]Entity, error) {
	raw, err := e.llm.ExtractLinkCandidates(ctx, title, content, e.cfg.MaxEntities)
	if err != nil {
		return nil, err
	}
	found := e.Locate(pageSlug, content, raw)

	logger.Debug("Entities located",
		zap.String("slug", pageSlug),
		zap.Int("extracted", len(raw)),
		zap.Int("kept", len(found)),
	)
	return found, nil
}

// Locate filters raw candidates and anchors the survivors in content. Candidates that are too
// short, stop-listed, self-referencing or absent from the text are dropped, as are repeats.
func (e *Extractor) Locate(pageSlug, content string, raw []llm.ExtractedEntity) []Entity {
	var sentences []span
	seen := make(map[string]struct{})
	var out []Entity

	for _, r := range raw {
		text := strings.TrimSpace(r.Text)
		if utf8.RuneCountInString(text) < e.cfg.MinEntityChars {
			continue
		}
		if _, stop := e.stop[strings.ToLower(text)]; stop {
			continue
		}

		slug := utils.Slugify(text)
		if slug == "" || slug == pageSlug {
			continue
		}
		if _, dup := seen[slug]; dup {
			continue
		}

		loc := findFirst(content, text)
		if loc == nil {
			continue
		}
		seen[slug] = struct{}{}

		if sentences == nil {
			sentences = segment(content)
		}

		out = append(out, Entity{
			Text:    content[loc[0]:loc[1]],
			Slug:    slug,
			Tier:    models.ParseTier(r.Confidence),
			Offset:  loc[0],
			Excerpt: excerpt(content, sentences, loc[0], loc[1], e.cfg.ExcerptChars),
		})

		if len(out) == e.cfg.MaxEntities {
			break
		}
	}
	return out
}

// findFirst returns the first case-insensitive whole-word occurrence of text.
func findFirst(content, text string) []int {
	pattern := regexp.QuoteMeta(text)
	if first, _ := utf8.DecodeRuneInString(text); isWordRune(first) {
		pattern = `\b` + pattern
	}
	if last, _ := utf8.DecodeLastRuneInString(text); isWordRune(last) {
		pattern += `\b`
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil
	}
	return re.FindStringIndex(content)
}

func isWordRune(r rune) bool {
	return r < utf8.RuneSelf && (r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
}

type span struct{ start, end int }

// segment splits content into sentences and maps each back to its byte range.
func segment(content string) []span {
	doc, err := prose.NewDocument(content,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		logger.Debug("Sentence segmentation failed", zap.Error(err))
		return []span{{0, len(content)}}
	}

	var spans []span
	cursor := 0
	for _, s := range doc.Sentences() {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		idx := strings.Index(content[cursor:], text)
		if idx < 0 {
			continue
		}
		start := cursor + idx
		spans = append(spans, span{start, start + len(text)})
		cursor = start + len(text)
	}
	if len(spans) == 0 {
		spans = []span{{0, len(content)}}
	}
	return spans
}

// excerpt returns the sentence holding [start,end), clipped to maxChars runes around the match.
func excerpt(content string, sentences []span, start, end, maxChars int) string {
	s := span{start, end}
	for _, sen := range sentences {
		if sen.start <= start && end <= sen.end {
			s = sen
			break
		}
	}

	sentence := []rune(strings.Join(strings.Fields(content[s.start:s.end]), " "))
	if len(sentence) <= maxChars {
		return string(sentence)
	}

	// center the window on the match
	matchAt := utf8.RuneCountInString(strings.Join(strings.Fields(content[s.start:start]), " "))
	from := matchAt - maxChars/2
	if from < 0 {
		from = 0
	}
	if from+maxChars > len(sentence) {
		from = len(sentence) - maxChars
	}
	return strings.TrimSpace(string(sentence[from : from+maxChars]))
}

var markdownLink = regexp.MustCompile(`\[[^\]]*\]\([^)]*\)`)

// InjectLinks rewrites the first occurrence of each entity as [text](/wiki/slug). Entities are
// applied in descending offset order. An entity is skipped when its text is already linked,
// its offset lies inside an existing link, or the text at its offset no longer matches.
func InjectLinks(content string, entities []Entity) (string, []Entity) {
	existing := markdownLink.FindAllStringIndex(content, -1)

	linkedText := make(map[string]struct{})
	for _, loc := range existing {
		inner := content[loc[0]:loc[1]]
		if closeIdx := strings.Index(inner, "]("); closeIdx > 0 {
			linkedText[strings.ToLower(inner[1:closeIdx])] = struct{}{}
		}
	}

	ordered := make([]Entity, len(entities))
	copy(ordered, entities)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Offset > ordered[j].Offset
	})

	var linked []Entity
	for _, ent := range ordered {
		key := strings.ToLower(ent.Text)
		if _, done := linkedText[key]; done {
			continue
		}
		if insideAny(existing, ent.Offset) {
			continue
		}
		end := ent.Offset + len(ent.Text)
		if ent.Offset < 0 || end > len(content) || !strings.EqualFold(content[ent.Offset:end], ent.Text) {
			continue
		}

		current := content[ent.Offset:end]
		content = content[:ent.Offset] + fmt.Sprintf("[%s](/wiki/%s)", current, ent.Slug) + content[end:]
		linkedText[key] = struct{}{}
		linked = append(linked, ent)
	}

	// report in reading order
	sort.SliceStable(linked, func(i, j int) bool {
		return linked[i].Offset < linked[j].Offset
	})
	return content, linked
}

func insideAny(spans [][]int, offset int) bool {
	for _, s := range spans {
		if offset >= s[0] && offset < s[1] {
			return true
		}
	}
	return false
}
