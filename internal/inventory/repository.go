package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beanhouse/backoffice/internal/platform/db"
)

const uniqueReferenceLine = "stock_movements_reference_line_uniq"

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRepository is the transactional view of the inventory tables.
type TxRepository interface {
	LedgerTx
	CatalogReader
}

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	queries
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, queries: queries{q: pool}}
}

// NewTxLedger exposes the inventory tables through an already open
// transaction so other modules can post movements atomically with their own
// writes.
func NewTxLedger(tx pgx.Tx) TxRepository {
	return queries{q: tx}
}

// WithTx executes fn inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, db.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, queries{q: tx})
	})
}

type queries struct {
	q Querier
}

const itemColumns = `id, name, unit, COALESCE(catalog_id, ''), pack_size, current_stock, deleted_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.Name, &it.Unit, &it.CatalogID, &it.PackSize, &it.CurrentStock, &it.DeletedAt)
	return it, err
}

// GetItem loads one inventory row, including soft-deleted ones.
func (q queries) GetItem(ctx context.Context, id int64) (Item, error) {
	it, err := scanItem(q.q.QueryRow(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, itemNotFound(id)
		}
		return Item{}, err
	}
	return it, nil
}

// ItemsByCatalogID returns the non-deleted rows sharing catalogID.
func (q queries) ItemsByCatalogID(ctx context.Context, catalogID string) ([]Item, error) {
	rows, err := q.q.Query(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE catalog_id = $1 AND deleted_at IS NULL ORDER BY pack_size, id`, catalogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// IncrementStock locks the row, applies delta and returns the counter before
// and after in one statement.
func (q queries) IncrementStock(ctx context.Context, itemID int64, delta int) (int, int, error) {
	var prev, next int
	err := q.q.QueryRow(ctx, `
WITH cur AS (
    SELECT id, current_stock FROM inventory_items
    WHERE id = $1 AND deleted_at IS NULL
    FOR UPDATE
)
UPDATE inventory_items i
SET current_stock = i.current_stock + $2, updated_at = NOW()
FROM cur
WHERE i.id = cur.id
RETURNING cur.current_stock, i.current_stock`, itemID, delta).Scan(&prev, &next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, itemNotFound(itemID)
		}
		if db.IsCheckViolation(err) {
			return 0, 0, ErrNegativeStock
		}
		return 0, 0, err
	}
	return prev, next, nil
}

// InsertMovement appends a ledger row.
func (q queries) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := q.q.QueryRow(ctx, `
INSERT INTO stock_movements (inventory_item_id, movement_type, quantity_change, previous_stock, new_stock,
    reference_type, reference_id, reference_line_id, notes, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, NULLIF($10, 0), $11)
RETURNING id`,
		m.ItemID, string(m.Type), m.QuantityChange, m.PreviousStock, m.NewStock,
		m.ReferenceType, m.ReferenceID, m.ReferenceLineID, m.Notes, m.CreatedBy, m.CreatedAt,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err, uniqueReferenceLine) {
			return 0, ErrAlreadyPosted
		}
		return 0, err
	}
	return id, nil
}

// Movements lists ledger rows, newest first.
func (q queries) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ItemID > 0 {
		add("inventory_item_id = $%d", filter.ItemID)
	}
	if filter.ReferenceType != "" {
		add("reference_type = $%d", filter.ReferenceType)
	}
	if filter.ReferenceID > 0 {
		add("reference_id = $%d", filter.ReferenceID)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	args = append(args, limit)
	sql := fmt.Sprintf(`SELECT id, inventory_item_id, movement_type, quantity_change, previous_stock, new_stock,
    COALESCE(reference_type, ''), reference_id, reference_line_id, notes, COALESCE(created_by, 0), created_at
FROM stock_movements%s ORDER BY created_at DESC, id DESC LIMIT $%d`, where, len(args))

	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		var m Movement
		var typ string
		if err := rows.Scan(&m.ID, &m.ItemID, &typ, &m.QuantityChange, &m.PreviousStock, &m.NewStock,
			&m.ReferenceType, &m.ReferenceID, &m.ReferenceLineID, &m.Notes, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = MovementType(typ)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LedgerDrift compares every live counter with the sum of its ledger.
func (q queries) LedgerDrift(ctx context.Context) ([]Drift, error) {
	rows, err := q.q.Query(ctx, `
SELECT i.id, i.name, i.current_stock, COALESCE(SUM(m.quantity_change), 0)::INTEGER AS ledger_stock
FROM inventory_items i
LEFT JOIN stock_movements m ON m.inventory_item_id = i.id
WHERE i.deleted_at IS NULL
GROUP BY i.id, i.name, i.current_stock
HAVING i.current_stock <> COALESCE(SUM(m.quantity_change), 0)
ORDER BY i.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.ItemID, &d.Name, &d.CurrentStock, &d.LedgerStock); err != nil {
			return nil, err
		}
		d.Difference = d.CurrentStock - d.LedgerStock
		out = append(out, d)
	}
	return out, rows.Err()
}
