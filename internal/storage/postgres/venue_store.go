package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
	"github.com/JakeFAU/venue-crawler/internal/venue"
)

const defaultVenueTable = "venues"

// VenueStore writes accepted venues into Postgres.
type VenueStore struct {
	pool    Pool
	table   string
	nameKey string
}

// NewVenueStore builds a store over pool.
func NewVenueStore(pool Pool, table string) (*VenueStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, defaultVenueTable)
	if err != nil {
		return nil, err
	}
	return &VenueStore{pool: pool, table: name, nameKey: venue.DefaultNameKey}, nil
}

// SaveVenues inserts rows in one transaction. Rows are keyed by run, page,
// and position, so re-saving a run is idempotent.
func (s *VenueStore) SaveVenues(ctx context.Context, rows []crawler.VenueRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin venue insert: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (run_id, page, position, name, source_url, record, scraped_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (run_id, page, position) DO UPDATE
SET name = EXCLUDED.name, record = EXCLUDED.record, scraped_at = EXCLUDED.scraped_at`, s.table)

	positions := make(map[int]int)
	for _, row := range rows {
		record, err := row.Record.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshal venue: %w", err)
		}
		pos := positions[row.Page]
		positions[row.Page] = pos + 1
		if _, err := tx.Exec(ctx, query,
			row.RunID,
			row.Page,
			pos,
			row.Record.Text(s.nameKey),
			row.SourceURL,
			record,
			row.ScrapedAt,
		); err != nil {
			return fmt.Errorf("insert venue: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit venue insert: %w", err)
	}
	committed = true
	return nil
}
