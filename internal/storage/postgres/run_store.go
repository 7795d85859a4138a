package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

const (
	defaultRunTable = "scrape_runs"
	uniqueViolation = "23505"
)

// RunStore implements crawler.RunStore on Postgres.
type RunStore struct {
	pool  Pool
	table string
}

// NewRunStore builds a store over pool.
func NewRunStore(pool Pool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, defaultRunTable)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: name}, nil
}

// CreateRun inserts a run.
func (s *RunStore) CreateRun(ctx context.Context, run crawler.Run) error {
	params, counters, err := encodeRun(run)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, status, base_url, parameters, counters, stop_reason, error_text, output_path, blob_uri, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		run.ID,
		string(run.Status),
		run.Parameters.BaseURL,
		params,
		counters,
		run.StopReason,
		run.ErrorText,
		run.OutputPath,
		run.BlobURI,
		run.Started,
		run.Finished,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert run %s: %w", run.ID, crawler.ErrRunExists)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun rewrites the mutable columns of a run.
func (s *RunStore) UpdateRun(ctx context.Context, run crawler.Run) error {
	_, counters, err := encodeRun(run)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, counters = $2, stop_reason = $3, error_text = $4, output_path = $5, blob_uri = $6, finished_at = $7
WHERE id = $8`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		string(run.Status),
		counters,
		run.StopReason,
		run.ErrorText,
		run.OutputPath,
		run.BlobURI,
		run.Finished,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s: %w", run.ID, crawler.ErrRunNotFound)
	}
	return nil
}

const runColumns = `id, status, parameters, counters, stop_reason, error_text, output_path, blob_uri, started_at, finished_at`

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, runID string) (crawler.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Run{}, fmt.Errorf("get run %s: %w", runID, crawler.ErrRunNotFound)
		}
		return crawler.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]crawler.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY started_at DESC LIMIT $1`, runColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []crawler.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func encodeRun(run crawler.Run) ([]byte, []byte, error) {
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal run parameters: %w", err)
	}
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal run counters: %w", err)
	}
	return params, counters, nil
}

func scanRun(row pgx.Row) (crawler.Run, error) {
	var (
		run      crawler.Run
		status   string
		params   []byte
		counters []byte
		finished *time.Time
	)
	if err := row.Scan(
		&run.ID,
		&status,
		&params,
		&counters,
		&run.StopReason,
		&run.ErrorText,
		&run.OutputPath,
		&run.BlobURI,
		&run.Started,
		&finished,
	); err != nil {
		return crawler.Run{}, err //nolint:wrapcheck
	}
	run.Status = crawler.RunStatus(status)
	run.Finished = finished
	if err := json.Unmarshal(params, &run.Parameters); err != nil {
		return crawler.Run{}, fmt.Errorf("decode run parameters: %w", err)
	}
	if err := json.Unmarshal(counters, &run.Counters); err != nil {
		return crawler.Run{}, fmt.Errorf("decode run counters: %w", err)
	}
	return run, nil
}
