// Package neo4j mirrors wiki pages and their links into a Neo4j graph for exploration queries.
// The relational store stays authoritative; writes here are best-effort.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/metrics"
	"github.com/refwiki/backend/pkg/circuitbreaker"
	"github.com/refwiki/backend/pkg/logger"
	"github.com/refwiki/backend/pkg/retry"
)

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// Neighbor is a page reachable from a start page within the requested number of hops.
type Neighbor struct {
	Slug     string  `json:"slug"`
	Title    string  `json:"title"`
	Hops     int     `json:"hops"`
	Strength float64 `json:"strength"`
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.ObserveBreaker,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		Name:           "neo4j",
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// EnsureSchema creates the slug uniqueness constraint.
func (c *Client) EnsureSchema(ctx context.Context) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx,
			`CREATE CONSTRAINT wiki_page_slug IF NOT EXISTS FOR (p:WikiPage) REQUIRE p.slug IS UNIQUE`, nil)
		if err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
		return nil
	})
}

func (c *Client) MirrorPage(ctx context.Context, slug, title string, confidence float64) error {
	query := `
		MERGE (p:WikiPage {slug: $slug})
		SET p.title = $title,
		    p.confidence = $confidence,
		    p.exists = true,
		    p.updated_at = timestamp()
	`

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, query, map[string]interface{}{
			"slug":       slug,
			"title":      title,
			"confidence": confidence,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mirror page: %w", err)
	}

	logger.Debug("Page mirrored to graph", zap.String("slug", slug))
	return nil
}

// MirrorLink upserts the LINKS_TO edge with the authoritative strength. Missing endpoints are
// created as placeholder nodes so candidate topics appear in the graph.
func (c *Client) MirrorLink(ctx context.Context, from, to, linkText string, strength float64) error {
	query := `
		MERGE (s:WikiPage {slug: $from})
		ON CREATE SET s.exists = false
		MERGE (o:WikiPage {slug: $to})
		ON CREATE SET o.exists = false
		MERGE (s)-[r:LINKS_TO]->(o)
		SET r.link_text = $link_text,
		    r.strength = $strength,
		    r.updated_at = timestamp()
	`

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, query, map[string]interface{}{
			"from":      from,
			"to":        to,
			"link_text": linkText,
			"strength":  strength,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mirror link: %w", err)
	}

	logger.Debug("Link mirrored to graph",
		zap.String("from", from),
		zap.String("to", to),
		zap.Float64("strength", strength),
	)
	return nil
}

// Neighborhood returns pages reachable from slug in up to depth hops along LINKS_TO edges in
// either direction, nearest first.
func (c *Client) Neighborhood(ctx context.Context, slug string, depth, limit int) ([]Neighbor, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}
	if limit <= 0 {
		limit = 20
	}

	// variable-length bounds cannot be parameterized
	query := fmt.Sprintf(`
		MATCH path = (start:WikiPage {slug: $slug})-[:LINKS_TO*1..%d]-(n:WikiPage)
		WHERE n.slug <> $slug
		WITH n, min(length(path)) AS hops, max(reduce(s = 1.0, r IN relationships(path) | s * r.strength)) AS strength
		RETURN n.slug AS slug, coalesce(n.title, '') AS title, hops, strength
		ORDER BY hops ASC, strength DESC
		LIMIT $limit
	`, depth)

	var neighbors []Neighbor
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		neighbors = nil
		result, err := session.Run(ctx, query, map[string]interface{}{
			"slug":  slug,
			"limit": limit,
		})
		if err != nil {
			return err
		}

		for result.Next(ctx) {
			record := result.Record()
			n := Neighbor{}
			if v, ok := record.Get("slug"); ok {
				n.Slug, _ = v.(string)
			}
			if v, ok := record.Get("title"); ok {
				n.Title, _ = v.(string)
			}
			if v, ok := record.Get("hops"); ok {
				if h, ok := v.(int64); ok {
					n.Hops = int(h)
				}
			}
			if v, ok := record.Get("strength"); ok {
				n.Strength, _ = v.(float64)
			}
			neighbors = append(neighbors, n)
		}
		return result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query neighborhood: %w", err)
	}
	return neighbors, nil
}
