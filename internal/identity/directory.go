package identity

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory resolves user ids into display names.
type Directory interface {
	DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// PGDirectory reads names from the users table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory constructs the directory.
func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

// DisplayNames returns names for the ids that exist; missing ids are omitted.
func (d *PGDirectory) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := d.pool.Query(ctx, `SELECT id, name FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory map[int64]string

// DisplayNames implements Directory.
func (s StaticDirectory) DisplayNames(_ context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		if name, ok := s[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}
