// Package memory is an in-process Store used for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/internal/storage/models"
)

var _ storage.Store = (*Store)(nil)

type connKey struct{ from, to string }

type Store struct {
	mu          sync.RWMutex
	pages       map[string]models.Page
	candidates  map[string]models.LinkCandidate
	connections map[connKey]models.PageConnection
	evaluations map[string][]models.QualityEvaluation
	documents   map[string]models.Document
	now         func() time.Time
}

func New() *Store {
	return &Store{
		pages:       make(map[string]models.Page),
		candidates:  make(map[string]models.LinkCandidate),
		connections: make(map[connKey]models.PageConnection),
		evaluations: make(map[string][]models.QualityEvaluation),
		documents:   make(map[string]models.Document),
		now:         time.Now,
	}
}

func (s *Store) Close() error { return nil }

func clonePage(p models.Page) models.Page {
	md := p.Metadata
	md.SourcesUsed = append([]models.SourceRef(nil), md.SourcesUsed...)
	md.EntityLinks = append([]models.EntityLink(nil), md.EntityLinks...)
	md.DocumentIDs = append([]string(nil), md.DocumentIDs...)
	md.Degraded = append([]string(nil), md.Degraded...)
	p.Metadata = md
	return p
}

func (s *Store) GetPage(_ context.Context, slug string) (*models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pages[slug]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := clonePage(p)
	return &out, nil
}

func (s *Store) UpsertPage(_ context.Context, page *models.Page) error {
	if err := page.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := clonePage(*page)
	if existing, ok := s.pages[page.Slug]; ok {
		stored.ViewCount = existing.ViewCount
	}
	s.pages[page.Slug] = stored
	return nil
}

func (s *Store) PageExists(_ context.Context, slug string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pages[slug]
	return ok, nil
}

func (s *Store) IncrementViewCount(_ context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[slug]
	if !ok {
		return models.ErrNotFound
	}
	p.ViewCount++
	s.pages[slug] = p
	return nil
}

func (s *Store) CountPages(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages), nil
}

func (s *Store) ListSlugs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slugs := make([]string, 0, len(s.pages))
	for slug := range s.pages {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs, nil
}

func (s *Store) filterPages(keep func(models.Page) bool) []models.Page {
	var out []models.Page
	for _, p := range s.pages {
		if keep(p) {
			out = append(out, clonePage(p))
		}
	}
	return out
}

func limitPages(pages []models.Page, limit int) []models.Page {
	if limit > 0 && len(pages) > limit {
		return pages[:limit]
	}
	return pages
}

func (s *Store) ListStalePages(_ context.Context, now time.Time, limit int) ([]models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pages := s.filterPages(func(p models.Page) bool { return p.IsStale(now) })
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].ViewCount != pages[j].ViewCount {
			return pages[i].ViewCount > pages[j].ViewCount
		}
		return pages[i].Slug < pages[j].Slug
	})
	return limitPages(pages, limit), nil
}

func (s *Store) ListLowConfidencePages(_ context.Context, threshold float64, limit int) ([]models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pages := s.filterPages(func(p models.Page) bool { return p.ConfidenceScore < threshold })
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].ConfidenceScore != pages[j].ConfidenceScore {
			return pages[i].ConfidenceScore < pages[j].ConfidenceScore
		}
		return pages[i].Slug < pages[j].Slug
	})
	return limitPages(pages, limit), nil
}

func (s *Store) deleteWhere(match func(models.Page) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for slug, p := range s.pages {
		if match(p) {
			delete(s.pages, slug)
			n++
		}
	}
	return n
}

func (s *Store) DeletePages(_ context.Context, slugs []string) (int, error) {
	set := make(map[string]struct{}, len(slugs))
	for _, slug := range slugs {
		set[slug] = struct{}{}
	}
	return s.deleteWhere(func(p models.Page) bool {
		_, ok := set[p.Slug]
		return ok
	}), nil
}

func (s *Store) DeleteAllPages(_ context.Context) (int, error) {
	return s.deleteWhere(func(models.Page) bool { return true }), nil
}

func (s *Store) DeletePagesByDocument(_ context.Context, documentID string) (int, error) {
	return s.deleteWhere(func(p models.Page) bool {
		for _, id := range p.Metadata.DocumentIDs {
			if id == documentID {
				return true
			}
		}
		return false
	}), nil
}

func (s *Store) DeletePagesMatching(_ context.Context, text string) (int, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return 0, errors.New("search text is required")
	}
	return s.deleteWhere(func(p models.Page) bool {
		return strings.Contains(strings.ToLower(p.Title), needle) ||
			strings.Contains(strings.ToLower(p.Content), needle)
	}), nil
}

func (s *Store) DeleteStalePages(_ context.Context, now time.Time) (int, error) {
	return s.deleteWhere(func(p models.Page) bool { return p.IsStale(now) }), nil
}

func (s *Store) DeleteLowConfidencePages(_ context.Context, threshold float64) (int, error) {
	return s.deleteWhere(func(p models.Page) bool { return p.ConfidenceScore < threshold }), nil
}

func (s *Store) EvictPages(_ context.Context, now time.Time, n int, keep string) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make([]models.Page, 0, len(s.pages))
	for _, p := range s.pages {
		if p.Slug != keep {
			pages = append(pages, p)
		}
	}
	sort.Slice(pages, func(i, j int) bool {
		si, sj := pages[i].IsStale(now), pages[j].IsStale(now)
		if si != sj {
			return si
		}
		if pages[i].ViewCount != pages[j].ViewCount {
			return pages[i].ViewCount < pages[j].ViewCount
		}
		return pages[i].GeneratedAt.Before(pages[j].GeneratedAt)
	})

	evicted := 0
	for _, p := range pages {
		if evicted == n {
			break
		}
		delete(s.pages, p.Slug)
		evicted++
	}
	return evicted, nil
}

func (s *Store) SetPublished(_ context.Context, slugs []string, published bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, slug := range slugs {
		p, ok := s.pages[slug]
		if !ok {
			continue
		}
		p.Published = published
		s.pages[slug] = p
		n++
	}
	return n, nil
}

func cloneCandidate(c models.LinkCandidate) *models.LinkCandidate {
	c.MentionedIn = append([]string(nil), c.MentionedIn...)
	return &c
}

func (s *Store) GetCandidate(_ context.Context, slug string) (*models.LinkCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.candidates[slug]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneCandidate(c), nil
}

func (s *Store) UpsertCandidate(_ context.Context, c *models.LinkCandidate, mentionedIn string) (*models.LinkCandidate, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	now := c.LastSeenAt
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.candidates[c.Slug]
	if !ok {
		existing = models.LinkCandidate{
			Slug:           c.Slug,
			DisplayText:    c.DisplayText,
			Tier:           c.Tier,
			FirstSeenAt:    now,
			ContextExcerpt: c.ContextExcerpt,
		}
	}

	existing.MentionCount++
	existing.Tier = models.MaxTier(existing.Tier, c.Tier)
	existing.PageExists = existing.PageExists || c.PageExists
	existing.LastSeenAt = now
	if existing.ContextExcerpt == "" {
		existing.ContextExcerpt = c.ContextExcerpt
	}
	if mentionedIn != "" && !contains(existing.MentionedIn, mentionedIn) {
		existing.MentionedIn = append(existing.MentionedIn, mentionedIn)
	}

	s.candidates[c.Slug] = existing
	return cloneCandidate(existing), nil
}

func (s *Store) SetCandidatePageExists(_ context.Context, slug string, exists bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.candidates[slug]; ok {
		c.PageExists = exists
		s.candidates[slug] = c
	}
	return nil
}

func (s *Store) ListCandidates(_ context.Context, filter storage.CandidateFilter) ([]models.LinkCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.LinkCandidate
	for _, c := range s.candidates {
		if c.MentionCount < filter.MinMentions {
			continue
		}
		if filter.MissingOnly && c.PageExists {
			continue
		}
		out = append(out, *cloneCandidate(c))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].MentionCount != out[j].MentionCount {
			return out[i].MentionCount > out[j].MentionCount
		}
		return out[i].Slug < out[j].Slug
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetConnection(_ context.Context, from, to string) (*models.PageConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.connections[connKey{from, to}]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &conn, nil
}

func (s *Store) UpsertConnection(_ context.Context, conn *models.PageConnection, reinforce float64) (*models.PageConnection, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := connKey{conn.FromSlug, conn.ToSlug}
	existing, ok := s.connections[key]
	if !ok {
		existing = *conn
		existing.CreatedAt = now
	} else {
		existing.Strength = capStrength(existing.Strength + conn.Strength*reinforce)
	}
	existing.UpdatedAt = now

	s.connections[key] = existing
	out := existing
	return &out, nil
}

func (s *Store) BoostConnection(_ context.Context, from, to string, delta float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := connKey{from, to}
	conn, ok := s.connections[key]
	if !ok {
		return false, nil
	}
	conn.Strength = capStrength(conn.Strength + delta)
	conn.UpdatedAt = s.now()
	s.connections[key] = conn
	return true, nil
}

func (s *Store) listConnections(match func(models.PageConnection) bool, other func(models.PageConnection) string) []models.PageConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PageConnection
	for _, conn := range s.connections {
		if match(conn) {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return other(out[i]) < other(out[j])
	})
	return out
}

func (s *Store) ListOutgoing(_ context.Context, slug string) ([]models.PageConnection, error) {
	return s.listConnections(
		func(c models.PageConnection) bool { return c.FromSlug == slug },
		func(c models.PageConnection) string { return c.ToSlug },
	), nil
}

func (s *Store) ListIncoming(_ context.Context, slug string) ([]models.PageConnection, error) {
	return s.listConnections(
		func(c models.PageConnection) bool { return c.ToSlug == slug },
		func(c models.PageConnection) string { return c.FromSlug },
	), nil
}

func (s *Store) ConnectionStats(_ context.Context) (models.ConnectionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.ConnectionStats
	connected := make(map[string]struct{})
	total := 0.0
	for _, conn := range s.connections {
		stats.TotalConnections++
		total += conn.Strength
		connected[conn.FromSlug] = struct{}{}
		connected[conn.ToSlug] = struct{}{}
	}
	if stats.TotalConnections > 0 {
		stats.AverageStrength = total / float64(stats.TotalConnections)
	}
	stats.ConnectedPages = len(connected)

	for _, c := range s.candidates {
		stats.TotalCandidates++
		if c.Tier == models.TierGhost {
			stats.GhostCandidates++
		}
		if !c.PageExists {
			stats.MissingPages++
		}
	}
	return stats, nil
}

func (s *Store) ListOrphanPages(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	linked := make(map[string]struct{})
	for _, conn := range s.connections {
		linked[conn.FromSlug] = struct{}{}
		linked[conn.ToSlug] = struct{}{}
	}

	var orphans []string
	for slug := range s.pages {
		if _, ok := linked[slug]; !ok {
			orphans = append(orphans, slug)
		}
	}
	sort.Strings(orphans)
	if limit > 0 && len(orphans) > limit {
		orphans = orphans[:limit]
	}
	return orphans, nil
}

func (s *Store) SaveEvaluation(_ context.Context, eval *models.QualityEvaluation) error {
	if err := eval.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluations[eval.Slug] = append(s.evaluations[eval.Slug], *eval)
	return nil
}

func (s *Store) LatestEvaluation(_ context.Context, slug string) (*models.QualityEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evals := s.evaluations[slug]
	if len(evals) == 0 {
		return nil, models.ErrNotFound
	}
	latest := evals[0]
	for _, e := range evals[1:] {
		if !e.EvaluatedAt.Before(latest.EvaluatedAt) {
			latest = e
		}
	}
	return &latest, nil
}

func (s *Store) UpsertDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = *doc
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &doc, nil
}

func (s *Store) ListDocuments(_ context.Context) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]models.Document, 0, len(s.documents))
	for _, d := range s.documents {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].IndexedAt.Equal(docs[j].IndexedAt) {
			return docs[i].IndexedAt.After(docs[j].IndexedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

func capStrength(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
