package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/storage"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/logger"
)

var _ storage.Store = (*Client)(nil)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		slug TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		published INTEGER NOT NULL DEFAULT 0,
		generated_at INTEGER NOT NULL,
		ttl_expires_at INTEGER NOT NULL,
		view_count INTEGER NOT NULL DEFAULT 0,
		regeneration_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		CHECK (ttl_expires_at > generated_at),
		CHECK (confidence_score >= 0 AND confidence_score <= 1)
	);
	CREATE INDEX IF NOT EXISTS idx_pages_ttl ON pages(ttl_expires_at);
	CREATE INDEX IF NOT EXISTS idx_pages_confidence ON pages(confidence_score);

	CREATE TABLE IF NOT EXISTS page_documents (
		slug TEXT NOT NULL,
		document_id TEXT NOT NULL,
		PRIMARY KEY (slug, document_id),
		FOREIGN KEY (slug) REFERENCES pages(slug) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_page_documents_doc ON page_documents(document_id);

	CREATE TABLE IF NOT EXISTS link_candidates (
		slug TEXT PRIMARY KEY,
		display_text TEXT NOT NULL,
		tier_rank INTEGER NOT NULL DEFAULT 0,
		mention_count INTEGER NOT NULL DEFAULT 0,
		page_exists INTEGER NOT NULL DEFAULT 0,
		first_seen_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		context_excerpt TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_candidates_mentions ON link_candidates(mention_count);

	CREATE TABLE IF NOT EXISTS candidate_mentions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL,
		page_slug TEXT NOT NULL,
		UNIQUE (slug, page_slug),
		FOREIGN KEY (slug) REFERENCES link_candidates(slug) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS page_connections (
		from_slug TEXT NOT NULL,
		to_slug TEXT NOT NULL,
		link_text TEXT NOT NULL,
		strength REAL NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (from_slug, to_slug),
		CHECK (strength >= 0 AND strength <= 1)
	);
	CREATE INDEX IF NOT EXISTS idx_connections_to ON page_connections(to_slug);

	CREATE TABLE IF NOT EXISTS quality_evaluations (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL,
		accuracy INTEGER NOT NULL,
		completeness INTEGER NOT NULL,
		clarity INTEGER NOT NULL,
		relevance INTEGER NOT NULL,
		source_use INTEGER NOT NULL,
		total INTEGER NOT NULL,
		feedback TEXT,
		evaluated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_eval_slug ON quality_evaluations(slug, evaluated_at);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT,
		source_type TEXT,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		indexed_at INTEGER NOT NULL
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

const pageColumns = `slug, title, content, confidence_score, published, generated_at, ttl_expires_at,
	view_count, regeneration_count, metadata`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPage(row rowScanner) (*models.Page, error) {
	var p models.Page
	var published int
	var generatedAt, ttlExpiresAt int64
	var metadata string

	err := row.Scan(
		&p.Slug,
		&p.Title,
		&p.Content,
		&p.ConfidenceScore,
		&published,
		&generatedAt,
		&ttlExpiresAt,
		&p.ViewCount,
		&p.RegenerationCount,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	p.Published = published == 1
	p.GeneratedAt = time.UnixMilli(generatedAt)
	p.TTLExpiresAt = time.UnixMilli(ttlExpiresAt)
	if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", p.Slug, err)
	}
	return &p, nil
}

func (c *Client) GetPage(ctx context.Context, slug string) (*models.Page, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE slug = ?`, slug)
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	return p, nil
}

func (c *Client) UpsertPage(ctx context.Context, page *models.Page) error {
	if err := page.Validate(); err != nil {
		return err
	}

	metadata, err := json.Marshal(page.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO pages (` + pageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			confidence_score = excluded.confidence_score,
			published = excluded.published,
			generated_at = excluded.generated_at,
			ttl_expires_at = excluded.ttl_expires_at,
			regeneration_count = excluded.regeneration_count,
			metadata = excluded.metadata
	`

	_, err = tx.ExecContext(ctx, query,
		page.Slug,
		page.Title,
		page.Content,
		page.ConfidenceScore,
		boolToInt(page.Published),
		page.GeneratedAt.UnixMilli(),
		page.TTLExpiresAt.UnixMilli(),
		page.ViewCount,
		page.RegenerationCount,
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert page: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM page_documents WHERE slug = ?`, page.Slug); err != nil {
		return fmt.Errorf("failed to reset page documents: %w", err)
	}
	for _, docID := range page.Metadata.DocumentIDs {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO page_documents (slug, document_id) VALUES (?, ?)`, page.Slug, docID)
		if err != nil {
			return fmt.Errorf("failed to link page document: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page: %w", err)
	}

	logger.Debug("Page upserted",
		zap.String("slug", page.Slug),
		zap.Float64("confidence", page.ConfidenceScore),
		zap.Bool("published", page.Published),
	)
	return nil
}

func (c *Client) PageExists(ctx context.Context, slug string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM pages WHERE slug = ?`, slug).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check page: %w", err)
	}
	return n > 0, nil
}

func (c *Client) IncrementViewCount(ctx context.Context, slug string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE pages SET view_count = view_count + 1 WHERE slug = ?`, slug)
	if err != nil {
		return fmt.Errorf("failed to increment view count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (c *Client) CountPages(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM pages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return n, nil
}

func (c *Client) ListSlugs(ctx context.Context) ([]string, error) {
	return c.queryStrings(ctx, `SELECT slug FROM pages ORDER BY slug`)
}

func (c *Client) ListStalePages(ctx context.Context, now time.Time, limit int) ([]models.Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE ttl_expires_at < ?
		ORDER BY view_count DESC, slug LIMIT ?`
	return c.queryPages(ctx, query, now.UnixMilli(), sqlLimit(limit))
}

func (c *Client) ListLowConfidencePages(ctx context.Context, threshold float64, limit int) ([]models.Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE confidence_score < ?
		ORDER BY confidence_score, slug LIMIT ?`
	return c.queryPages(ctx, query, threshold, sqlLimit(limit))
}

func (c *Client) DeletePages(ctx context.Context, slugs []string) (int, error) {
	if len(slugs) == 0 {
		return 0, nil
	}
	placeholders, args := inClause(slugs)
	return c.execCount(ctx, `DELETE FROM pages WHERE slug IN (`+placeholders+`)`, args...)
}

func (c *Client) DeleteAllPages(ctx context.Context) (int, error) {
	return c.execCount(ctx, `DELETE FROM pages`)
}

func (c *Client) DeletePagesByDocument(ctx context.Context, documentID string) (int, error) {
	return c.execCount(ctx,
		`DELETE FROM pages WHERE slug IN (SELECT slug FROM page_documents WHERE document_id = ?)`, documentID)
}

func (c *Client) DeletePagesMatching(ctx context.Context, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, errors.New("search text is required")
	}
	pattern := "%" + escapeLike(text) + "%"
	return c.execCount(ctx,
		`DELETE FROM pages WHERE title LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\'`, pattern, pattern)
}

func (c *Client) DeleteStalePages(ctx context.Context, now time.Time) (int, error) {
	return c.execCount(ctx, `DELETE FROM pages WHERE ttl_expires_at < ?`, now.UnixMilli())
}

func (c *Client) DeleteLowConfidencePages(ctx context.Context, threshold float64) (int, error) {
	return c.execCount(ctx, `DELETE FROM pages WHERE confidence_score < ?`, threshold)
}

func (c *Client) EvictPages(ctx context.Context, now time.Time, n int, keep string) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	query := `DELETE FROM pages WHERE slug IN (
		SELECT slug FROM pages WHERE slug <> ?
		ORDER BY (ttl_expires_at < ?) DESC, view_count ASC, generated_at ASC
		LIMIT ?
	)`
	return c.execCount(ctx, query, keep, now.UnixMilli(), n)
}

func (c *Client) SetPublished(ctx context.Context, slugs []string, published bool) (int, error) {
	if len(slugs) == 0 {
		return 0, nil
	}
	placeholders, args := inClause(slugs)
	args = append([]interface{}{boolToInt(published)}, args...)
	return c.execCount(ctx, `UPDATE pages SET published = ? WHERE slug IN (`+placeholders+`)`, args...)
}

const candidateColumns = `slug, display_text, tier_rank, mention_count, page_exists, first_seen_at,
	last_seen_at, context_excerpt`

func (c *Client) GetCandidate(ctx context.Context, slug string) (*models.LinkCandidate, error) {
	return c.getCandidate(ctx, c.db, slug)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (c *Client) getCandidate(ctx context.Context, q querier, slug string) (*models.LinkCandidate, error) {
	row := q.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM link_candidates WHERE slug = ?`, slug)
	cand, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}

	mentions, err := queryStrings(ctx, q, `SELECT page_slug FROM candidate_mentions WHERE slug = ? ORDER BY id`, slug)
	if err != nil {
		return nil, err
	}
	cand.MentionedIn = mentions
	return cand, nil
}

func scanCandidate(row rowScanner) (*models.LinkCandidate, error) {
	var cand models.LinkCandidate
	var tierRank, pageExists int
	var firstSeen, lastSeen int64

	err := row.Scan(
		&cand.Slug,
		&cand.DisplayText,
		&tierRank,
		&cand.MentionCount,
		&pageExists,
		&firstSeen,
		&lastSeen,
		&cand.ContextExcerpt,
	)
	if err != nil {
		return nil, err
	}

	cand.Tier = models.TierFromRank(tierRank)
	cand.PageExists = pageExists == 1
	cand.FirstSeenAt = time.UnixMilli(firstSeen)
	cand.LastSeenAt = time.UnixMilli(lastSeen)
	return &cand, nil
}

func (c *Client) UpsertCandidate(ctx context.Context, cand *models.LinkCandidate, mentionedIn string) (*models.LinkCandidate, error) {
	if err := cand.Validate(); err != nil {
		return nil, err
	}

	now := cand.LastSeenAt
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO link_candidates (` + candidateColumns + `)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			tier_rank = MAX(link_candidates.tier_rank, excluded.tier_rank),
			mention_count = link_candidates.mention_count + 1,
			page_exists = MAX(link_candidates.page_exists, excluded.page_exists),
			last_seen_at = excluded.last_seen_at,
			context_excerpt = CASE WHEN link_candidates.context_excerpt = ''
				THEN excluded.context_excerpt ELSE link_candidates.context_excerpt END
	`
	_, err = tx.ExecContext(ctx, query,
		cand.Slug,
		cand.DisplayText,
		cand.Tier.Rank(),
		boolToInt(cand.PageExists),
		now.UnixMilli(),
		now.UnixMilli(),
		cand.ContextExcerpt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert candidate: %w", err)
	}

	if mentionedIn != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO candidate_mentions (slug, page_slug) VALUES (?, ?)`, cand.Slug, mentionedIn)
		if err != nil {
			return nil, fmt.Errorf("failed to record mention: %w", err)
		}
	}

	stored, err := c.getCandidate(ctx, tx, cand.Slug)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit candidate: %w", err)
	}
	return stored, nil
}

func (c *Client) SetCandidatePageExists(ctx context.Context, slug string, exists bool) error {
	_, err := c.db.ExecContext(ctx, `UPDATE link_candidates SET page_exists = ? WHERE slug = ?`, boolToInt(exists), slug)
	if err != nil {
		return fmt.Errorf("failed to update candidate: %w", err)
	}
	return nil
}

func (c *Client) ListCandidates(ctx context.Context, filter storage.CandidateFilter) ([]models.LinkCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM link_candidates WHERE mention_count >= ?`
	if filter.MissingOnly {
		query += ` AND page_exists = 0`
	}
	query += ` ORDER BY mention_count DESC, slug LIMIT ?`

	rows, err := c.db.QueryContext(ctx, query, filter.MinMentions, sqlLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	var candidates []models.LinkCandidate
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		candidates = append(candidates, *cand)
	}
	return candidates, rows.Err()
}

const connectionColumns = `from_slug, to_slug, link_text, strength, created_at, updated_at`

func scanConnection(row rowScanner) (*models.PageConnection, error) {
	var conn models.PageConnection
	var createdAt, updatedAt int64
	if err := row.Scan(&conn.FromSlug, &conn.ToSlug, &conn.LinkText, &conn.Strength, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conn.CreatedAt = time.UnixMilli(createdAt)
	conn.UpdatedAt = time.UnixMilli(updatedAt)
	return &conn, nil
}

func (c *Client) GetConnection(ctx context.Context, from, to string) (*models.PageConnection, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM page_connections WHERE from_slug = ? AND to_slug = ?`, from, to)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (c *Client) UpsertConnection(ctx context.Context, conn *models.PageConnection, reinforce float64) (*models.PageConnection, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	query := `
		INSERT INTO page_connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_slug, to_slug) DO UPDATE SET
			strength = MIN(1.0, page_connections.strength + excluded.strength * ?),
			updated_at = excluded.updated_at
	`
	_, err := c.db.ExecContext(ctx, query, conn.FromSlug, conn.ToSlug, conn.LinkText, conn.Strength, now, now, reinforce)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}
	return c.GetConnection(ctx, conn.FromSlug, conn.ToSlug)
}

func (c *Client) BoostConnection(ctx context.Context, from, to string, delta float64) (bool, error) {
	n, err := c.execCount(ctx,
		`UPDATE page_connections SET strength = MIN(1.0, strength + ?), updated_at = ? WHERE from_slug = ? AND to_slug = ?`,
		delta, time.Now().UnixMilli(), from, to)
	if err != nil {
		return false, fmt.Errorf("failed to boost connection: %w", err)
	}
	return n > 0, nil
}

func (c *Client) ListOutgoing(ctx context.Context, slug string) ([]models.PageConnection, error) {
	return c.queryConnections(ctx,
		`SELECT `+connectionColumns+` FROM page_connections WHERE from_slug = ? ORDER BY strength DESC, to_slug`, slug)
}

func (c *Client) ListIncoming(ctx context.Context, slug string) ([]models.PageConnection, error) {
	return c.queryConnections(ctx,
		`SELECT `+connectionColumns+` FROM page_connections WHERE to_slug = ? ORDER BY strength DESC, from_slug`, slug)
}

func (c *Client) ConnectionStats(ctx context.Context) (models.ConnectionStats, error) {
	var stats models.ConnectionStats

	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(1), COALESCE(AVG(strength), 0) FROM page_connections`,
	).Scan(&stats.TotalConnections, &stats.AverageStrength)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate connections: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM (
		SELECT from_slug AS slug FROM page_connections UNION SELECT to_slug FROM page_connections)`,
	).Scan(&stats.ConnectedPages)
	if err != nil {
		return stats, fmt.Errorf("failed to count connected pages: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `SELECT COUNT(1),
		COALESCE(SUM(CASE WHEN tier_rank = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN page_exists = 0 THEN 1 ELSE 0 END), 0)
		FROM link_candidates`,
	).Scan(&stats.TotalCandidates, &stats.GhostCandidates, &stats.MissingPages)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate candidates: %w", err)
	}

	return stats, nil
}

func (c *Client) ListOrphanPages(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT slug FROM pages p WHERE NOT EXISTS (
		SELECT 1 FROM page_connections c WHERE c.from_slug = p.slug OR c.to_slug = p.slug
	) ORDER BY slug LIMIT ?`
	return c.queryStrings(ctx, query, sqlLimit(limit))
}

func (c *Client) SaveEvaluation(ctx context.Context, eval *models.QualityEvaluation) error {
	if err := eval.Validate(); err != nil {
		return err
	}

	query := `INSERT INTO quality_evaluations (id, slug, accuracy, completeness, clarity, relevance, source_use,
		total, feedback, evaluated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := c.db.ExecContext(ctx, query,
		eval.ID,
		eval.Slug,
		eval.Accuracy,
		eval.Completeness,
		eval.Clarity,
		eval.Relevance,
		eval.SourceUse,
		eval.Total,
		eval.Feedback,
		eval.EvaluatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save evaluation: %w", err)
	}
	return nil
}

func (c *Client) LatestEvaluation(ctx context.Context, slug string) (*models.QualityEvaluation, error) {
	query := `SELECT id, slug, accuracy, completeness, clarity, relevance, source_use, total, feedback, evaluated_at
		FROM quality_evaluations WHERE slug = ? ORDER BY evaluated_at DESC LIMIT 1`

	var e models.QualityEvaluation
	var evaluatedAt int64
	err := c.db.QueryRowContext(ctx, query, slug).Scan(
		&e.ID, &e.Slug, &e.Accuracy, &e.Completeness, &e.Clarity, &e.Relevance, &e.SourceUse,
		&e.Total, &e.Feedback, &evaluatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation: %w", err)
	}
	e.EvaluatedAt = time.UnixMilli(evaluatedAt)
	return &e, nil
}

func (c *Client) UpsertDocument(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (id, title, author, source_type, chunk_count, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			author = excluded.author,
			source_type = excluded.source_type,
			chunk_count = excluded.chunk_count,
			indexed_at = excluded.indexed_at
	`
	_, err := c.db.ExecContext(ctx, query, doc.ID, doc.Title, doc.Author, doc.SourceType, doc.ChunkCount, doc.IndexedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	logger.Debug("Document upserted", zap.String("doc_id", doc.ID), zap.Int("chunks", doc.ChunkCount))
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, title, author, source_type, chunk_count, indexed_at FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (c *Client) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, title, author, source_type, chunk_count, indexed_at FROM documents ORDER BY indexed_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var author, sourceType sql.NullString
	var indexedAt int64
	if err := row.Scan(&doc.ID, &doc.Title, &author, &sourceType, &doc.ChunkCount, &indexedAt); err != nil {
		return nil, err
	}
	doc.Author = author.String
	doc.SourceType = sourceType.String
	doc.IndexedAt = time.UnixMilli(indexedAt)
	return &doc, nil
}

func (c *Client) queryPages(ctx context.Context, query string, args ...interface{}) ([]models.Page, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer rows.Close()

	var pages []models.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		pages = append(pages, *p)
	}
	return pages, rows.Err()
}

func (c *Client) queryConnections(ctx context.Context, query string, args ...interface{}) ([]models.PageConnection, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []models.PageConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

func (c *Client) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	return queryStrings(ctx, c.db, query, args...)
}

func queryStrings(ctx context.Context, q querier, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Client) execCount(ctx context.Context, query string, args ...interface{}) (int, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute statement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

func inClause(values []string) (string, []interface{}) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(values)), ","), args
}

// sqlLimit maps "no limit" to SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
