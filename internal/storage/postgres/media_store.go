package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mediascope/crawler/internal/media"
)

var validCollectionName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLSTATE codes raised once a collection schema has been dropped out from
// under a live handle.
const (
	codeUndefinedTable    = "42P01"
	codeInvalidSchemaName = "3F000"
)

// MediaProvider opens per-collection media store handles. Each collection
// lives in its own schema so Drop can remove the whole namespace at once.
type MediaProvider struct {
	pool pgxQuerier
}

// NewMediaProvider constructs a provider over an existing pool.
func NewMediaProvider(pool pgxQuerier) (*MediaProvider, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &MediaProvider{pool: pool}, nil
}

// Open ensures the collection schema exists and returns a handle onto it.
func (p *MediaProvider) Open(ctx context.Context, collection string) (media.MediaStore, error) {
	if !validCollectionName.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, collection),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.media (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	media_type TEXT NOT NULL,
	indexed BOOLEAN NOT NULL DEFAULT FALSE,
	crawl_date TIMESTAMPTZ NOT NULL,
	annotation JSONB
)`, collection),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.pages (
	media_id TEXT PRIMARY KEY
)`, collection),
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("prepare collection %s: %w", collection, err)
		}
	}
	return &MediaStore{pool: p.pool, schema: collection}, nil
}

// Drop removes the collection schema and everything in it.
func (p *MediaProvider) Drop(ctx context.Context, collection string) error {
	if !validCollectionName.MatchString(collection) {
		return fmt.Errorf("invalid collection name %q", collection)
	}
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, collection)); err != nil {
		return fmt.Errorf("drop collection %s: %w", collection, err)
	}
	return nil
}

// MediaStore is a handle onto one collection's media rows.
type MediaStore struct {
	pool   pgxQuerier
	schema string
}

// mapErr converts dropped-schema failures to ErrStaleHandle so callers can
// reopen through the provider.
func mapErr(verb string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == codeUndefinedTable || pgErr.Code == codeInvalidSchemaName {
			return fmt.Errorf("%s: %w", verb, media.ErrStaleHandle)
		}
	}
	return fmt.Errorf("%s: %w", verb, err)
}

// Insert adds a media row and, for images, a dependent page record.
func (s *MediaStore) Insert(ctx context.Context, item media.MediaItem) error {
	if item.ID == "" {
		return fmt.Errorf("media id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s.media (id, url, media_type, indexed, crawl_date)
VALUES ($1,$2,$3,$4,$5)`, s.schema)
	if _, err := s.pool.Exec(ctx, query, item.ID, item.URL, string(item.Type), item.Indexed, item.CrawlDate); err != nil {
		return mapErr("insert media", err)
	}
	if item.Type == media.MediaTypeImage {
		pageQuery := fmt.Sprintf(`
INSERT INTO %s.pages (media_id) VALUES ($1) ON CONFLICT DO NOTHING`, s.schema)
		if _, err := s.pool.Exec(ctx, pageQuery, item.ID); err != nil {
			return mapErr("insert page", err)
		}
	}
	return nil
}

// NotIndexed returns up to limit unindexed rows of one media type, oldest first.
func (s *MediaStore) NotIndexed(ctx context.Context, mt media.MediaType, limit int) ([]media.MediaItem, error) {
	query := fmt.Sprintf(`
SELECT id, url, media_type, indexed, crawl_date
FROM %s.media
WHERE media_type = $1 AND indexed = FALSE
ORDER BY crawl_date ASC
LIMIT $2`, s.schema)
	rows, err := s.pool.Query(ctx, query, string(mt), limit)
	if err != nil {
		return nil, mapErr("select unindexed media", err)
	}
	defer rows.Close()
	var items []media.MediaItem
	for rows.Next() {
		var (
			item media.MediaItem
			kind string
		)
		if err := rows.Scan(&item.ID, &item.URL, &kind, &item.Indexed, &item.CrawlDate); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		item.Type = media.MediaType(kind)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterate media", err)
	}
	return items, nil
}

// MarkIndexed performs a conditional update keyed by URL and returns the
// matched row count.
func (s *MediaStore) MarkIndexed(ctx context.Context, mt media.MediaType, url string, ann media.IndexAnnotation) (int64, error) {
	annJSON, err := json.Marshal(ann)
	if err != nil {
		return 0, fmt.Errorf("marshal annotation: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s.media SET indexed = TRUE, annotation = $3
WHERE media_type = $1 AND url = $2 AND indexed = FALSE`, s.schema)
	tag, err := s.pool.Exec(ctx, query, string(mt), url, annJSON)
	if err != nil {
		return 0, mapErr("mark media indexed", err)
	}
	return tag.RowsAffected(), nil
}

// Delete removes one media row.
func (s *MediaStore) Delete(ctx context.Context, mt media.MediaType, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s.media WHERE media_type = $1 AND id = $2`, s.schema)
	tag, err := s.pool.Exec(ctx, query, string(mt), id)
	if err != nil {
		return mapErr("delete media", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("media %s: %w", id, media.ErrNotFound)
	}
	return nil
}

// DeletePage removes the page record an image came from.
func (s *MediaStore) DeletePage(ctx context.Context, mediaID string) error {
	query := fmt.Sprintf(`DELETE FROM %s.pages WHERE media_id = $1`, s.schema)
	tag, err := s.pool.Exec(ctx, query, mediaID)
	if err != nil {
		return mapErr("delete page", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("page for %s: %w", mediaID, media.ErrNotFound)
	}
	return nil
}

// Count returns the number of rows for one media type.
func (s *MediaStore) Count(ctx context.Context, mt media.MediaType) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s.media WHERE media_type = $1`, s.schema)
	var n int64
	if err := s.pool.QueryRow(ctx, query, string(mt)).Scan(&n); err != nil {
		return 0, mapErr("count media", err)
	}
	return n, nil
}

// LastInserted returns the most recent crawl date for one media type.
func (s *MediaStore) LastInserted(ctx context.Context, mt media.MediaType) (time.Time, error) {
	query := fmt.Sprintf(`SELECT MAX(crawl_date) FROM %s.media WHERE media_type = $1`, s.schema)
	var last *time.Time
	if err := s.pool.QueryRow(ctx, query, string(mt)).Scan(&last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, mapErr("select last inserted", err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}
