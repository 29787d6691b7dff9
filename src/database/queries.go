package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cnaize/geofw/src/types"
)

type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queries struct{}

func New() *Queries {
	return &Queries{}
}

const insertCycle = `
INSERT INTO cycles (id, generation, origin, started_at, duration, entries_v4, entries_v6, inserted, removed, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func (q *Queries) InsertCycle(ctx context.Context, db DBTX, c types.Cycle) error {
	_, err := db.ExecContext(ctx, insertCycle,
		c.ID,
		int64(c.Generation),
		c.Origin,
		c.StartedAt.UnixNano(),
		int64(c.Duration),
		c.EntriesV4,
		c.EntriesV6,
		c.Inserted,
		c.Removed,
		c.Error,
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}

	return nil
}

const lastGeneration = `
SELECT COALESCE(MAX(generation), 0) FROM cycles WHERE error = ''
`

// LastGeneration returns the newest enforced generation, 0 if none.
func (q *Queries) LastGeneration(ctx context.Context, db DBTX) (uint64, error) {
	var generation int64
	if err := db.QueryRowContext(ctx, lastGeneration).Scan(&generation); err != nil {
		return 0, fmt.Errorf("last generation: %w", err)
	}

	return uint64(generation), nil
}

const listCycles = `
SELECT id, generation, origin, started_at, duration, entries_v4, entries_v6, inserted, removed, error
FROM cycles
ORDER BY started_at DESC, rowid DESC
LIMIT ?
`

// ListCycles returns the newest cycles first.
func (q *Queries) ListCycles(ctx context.Context, db DBTX, limit int) ([]types.Cycle, error) {
	rows, err := db.QueryContext(ctx, listCycles, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []types.Cycle
	for rows.Next() {
		var c types.Cycle
		var generation, startedAt, duration int64
		if err := rows.Scan(
			&c.ID,
			&generation,
			&c.Origin,
			&startedAt,
			&duration,
			&c.EntriesV4,
			&c.EntriesV6,
			&c.Inserted,
			&c.Removed,
			&c.Error,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		c.Generation = uint64(generation)
		c.StartedAt = time.Unix(0, startedAt).UTC()
		c.Duration = time.Duration(duration)

		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return cycles, nil
}
