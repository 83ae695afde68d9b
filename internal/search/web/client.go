// Package web fetches text from a fixed list of authoritative pages to supplement generation
// when the corpus has no official coverage of a topic.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/refwiki/backend/pkg/logger"
	"github.com/refwiki/backend/pkg/utils"
)

type Source struct {
	Name     string
	URL      string
	Keywords []string
}

type Augmentation struct {
	Source  string
	URL     string
	Content string
	Cached  bool
}

type ContentCache interface {
	GetContent(ctx context.Context, key string) (string, bool, error)
	SetContent(ctx context.Context, key, content string, ttl time.Duration) error
}

type Config struct {
	Sources  []Source
	CacheTTL time.Duration
	Timeout  time.Duration
	MaxChars int
}

var ErrNoMatchingSource = errors.New("no augmentation source matches query")

type Client struct {
	sources    []Source
	cache      ContentCache
	ttl        time.Duration
	maxChars   int
	httpClient *http.Client
}

func NewClient(cfg Config, cache ContentCache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 5000
	}
	if cache == nil {
		cache = NewMemoryCache()
	}

	return &Client{
		sources:  cfg.Sources,
		cache:    cache,
		ttl:      cfg.CacheTTL,
		maxChars: cfg.MaxChars,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Match returns the first source with a keyword contained in query.
func (c *Client) Match(query string) (Source, bool) {
	q := strings.ToLower(query)
	for _, s := range c.sources {
		for _, kw := range s.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(q, kw) {
				return s, true
			}
		}
	}
	return Source{}, false
}

// Augment fetches the matching source's text, served from the cache when fresh.
func (c *Client) Augment(ctx context.Context, query string) (*Augmentation, error) {
	src, ok := c.Match(query)
	if !ok {
		return nil, ErrNoMatchingSource
	}

	key := utils.HashString(src.URL)
	if content, hit, err := c.cache.GetContent(ctx, key); err != nil {
		logger.Warn("Fetch cache read failed", zap.String("url", src.URL), zap.Error(err))
	} else if hit {
		return &Augmentation{Source: src.Name, URL: src.URL, Content: content, Cached: true}, nil
	}

	content, err := c.scrapeContent(ctx, src.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", src.URL, err)
	}
	if content == "" {
		return nil, fmt.Errorf("no text extracted from %s", src.URL)
	}

	if err := c.cache.SetContent(ctx, key, content, c.ttl); err != nil {
		logger.Warn("Fetch cache write failed", zap.String("url", src.URL), zap.Error(err))
	}

	logger.Info("Augmentation fetched",
		zap.String("source", src.Name),
		zap.String("url", src.URL),
		zap.Int("chars", len(content)),
	)
	return &Augmentation{Source: src.Name, URL: src.URL, Content: content}, nil
}

func (c *Client) scrapeContent(ctx context.Context, urlStr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "refwiki/1.0 (+reference wiki)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, nav, footer, header, aside, form").Remove()

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	text := strings.Join(strings.Fields(root.Text()), " ")
	if runes := []rune(text); len(runes) > c.maxChars {
		text = string(runes[:c.maxChars])
	}

	return text, nil
}

type cacheEntry struct {
	content string
	expires time.Time
}

// MemoryCache is a process-local ContentCache used when Redis is disabled.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry), now: time.Now}
}

func (m *MemoryCache) GetContent(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.content, true, nil
}

func (m *MemoryCache) SetContent(_ context.Context, key, content string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = cacheEntry{content: content, expires: m.now().Add(ttl)}
	return nil
}
