// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediascope/crawler/internal/media"
)

// JobStoreConfig controls the Postgres connection pool used for crawl jobs.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists crawl jobs in Postgres.
type JobStore struct {
	pool pgxQuerier
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxQuerier) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, collection, keywords, lon_min, lat_min, lon_max, lat_max,
	state, creation_date, last_state_change, crawl_data_path, is_new, pending_delete`

// Create inserts a new crawl job row.
func (s *JobStore) Create(ctx context.Context, job media.CrawlJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	query := `
INSERT INTO crawl_jobs (` + jobColumns + `
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	args := []any{
		job.ID,
		job.Collection,
		job.Keywords,
		job.BBox.LonMin,
		job.BBox.LatMin,
		job.BBox.LonMax,
		job.BBox.LatMax,
		string(job.State),
		job.CreationDate,
		job.LastStateChange,
		job.CrawlDataPath,
		job.IsNew,
		job.PendingDelete,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert crawl job: %w", err)
	}
	return nil
}

// Get loads one crawl job by id.
func (s *JobStore) Get(ctx context.Context, id string) (media.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM crawl_jobs
WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return media.CrawlJob{}, fmt.Errorf("job %s: %w", id, media.ErrNotFound)
		}
		return media.CrawlJob{}, fmt.Errorf("select crawl job: %w", err)
	}
	return job, nil
}

// ListByStates returns jobs in any of the given states, oldest first.
func (s *JobStore) ListByStates(ctx context.Context, states ...media.JobState) ([]media.CrawlJob, error) {
	if len(states) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(states))
	for _, st := range states {
		values = append(values, string(st))
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM crawl_jobs
WHERE state = ANY($1)
ORDER BY creation_date ASC`, values)
	if err != nil {
		return nil, fmt.Errorf("select crawl jobs by state: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// FindByCollection returns all jobs for the collection, any state.
func (s *JobStore) FindByCollection(ctx context.Context, collection string) ([]media.CrawlJob, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM crawl_jobs
WHERE collection = $1
ORDER BY creation_date ASC`, collection)
	if err != nil {
		return nil, fmt.Errorf("select crawl jobs by collection: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Update rewrites a crawl job row.
func (s *JobStore) Update(ctx context.Context, job media.CrawlJob) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_jobs SET
	collection = $2,
	keywords = $3,
	lon_min = $4,
	lat_min = $5,
	lon_max = $6,
	lat_max = $7,
	state = $8,
	creation_date = $9,
	last_state_change = $10,
	crawl_data_path = $11,
	is_new = $12,
	pending_delete = $13
WHERE id = $1`,
		job.ID,
		job.Collection,
		job.Keywords,
		job.BBox.LonMin,
		job.BBox.LatMin,
		job.BBox.LonMax,
		job.BBox.LatMax,
		string(job.State),
		job.CreationDate,
		job.LastStateChange,
		job.CrawlDataPath,
		job.IsNew,
		job.PendingDelete,
	)
	if err != nil {
		return fmt.Errorf("update crawl job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, media.ErrNotFound)
	}
	return nil
}

// Delete removes a crawl job row.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete crawl job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, media.ErrNotFound)
	}
	return nil
}

func scanJob(row pgx.Row) (media.CrawlJob, error) {
	var (
		job   media.CrawlJob
		state string
	)
	err := row.Scan(
		&job.ID,
		&job.Collection,
		&job.Keywords,
		&job.BBox.LonMin,
		&job.BBox.LatMin,
		&job.BBox.LonMax,
		&job.BBox.LatMax,
		&state,
		&job.CreationDate,
		&job.LastStateChange,
		&job.CrawlDataPath,
		&job.IsNew,
		&job.PendingDelete,
	)
	if err != nil {
		return media.CrawlJob{}, err
	}
	job.State = media.JobState(state)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]media.CrawlJob, error) {
	var jobs []media.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl jobs: %w", err)
	}
	return jobs, nil
}
