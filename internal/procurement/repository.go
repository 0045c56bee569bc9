package procurement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/beanhouse/backoffice/internal/inventory"
	"github.com/beanhouse/backoffice/internal/platform/db"
	"github.com/beanhouse/backoffice/internal/shared"
)

const (
	uniqueOrderNumber = "purchase_orders_order_number_key"
	fkOrderSupplier   = "purchase_orders_supplier_id_fkey"
	fkOrderSentBy     = "purchase_orders_sent_by_fkey"
	fkLineItem        = "purchase_order_items_inventory_item_id_fkey"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	InsertOrder(ctx context.Context, order PurchaseOrder) (int64, error)
	UpdateOrder(ctx context.Context, order PurchaseOrder) error
	DeleteOrder(ctx context.Context, id int64) error
	Lines(ctx context.Context, orderID int64) ([]Line, error)
	GetLine(ctx context.Context, lineID int64) (Line, error)
	DeleteLines(ctx context.Context, orderID int64) error
	InsertLine(ctx context.Context, line Line) (int64, error)
	SetQuantityReceived(ctx context.Context, lineID int64, qty int) error
	InsertHistory(ctx context.Context, h StatusHistory) (int64, error)
	HasLineMovement(ctx context.Context, orderID, lineID int64) (bool, error)
	InsertReceipt(ctx context.Context, r Receipt) (int64, error)
	ReceiptsComplete(ctx context.Context, orderID int64) (bool, error)
	// Ledger posts stock movements inside the same transaction.
	Ledger() inventory.LedgerTx
	// Savepoint runs fn in a nested transaction that rolls back alone.
	Savepoint(ctx context.Context, fn func(TxRepository) error) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
	queries
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, queries: queries{q: pool}}
}

type queries struct {
	q inventory.Querier
}

type txRepo struct {
	queries
	tx pgx.Tx
}

// WithTx wraps callback in a read-committed transaction. Status changes take
// a row lock on the order first, so concurrent requests for one order queue
// instead of both passing validation.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, db.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, txRepo{queries: queries{q: tx}, tx: tx})
	})
}

func (t txRepo) Ledger() inventory.LedgerTx {
	return inventory.NewTxLedger(t.tx)
}

func (t txRepo) Savepoint(ctx context.Context, fn func(TxRepository) error) error {
	return db.Savepoint(ctx, t.tx, func(sp pgx.Tx) error {
		return fn(txRepo{queries: queries{q: sp}, tx: sp})
	})
}

const orderSelect = `SELECT p.id, p.order_number, p.status, p.supplier_id, COALESCE(s.name, ''),
    p.order_date, p.expected_delivery_date, p.actual_delivery_date, p.total_amount, p.notes,
    p.sent_at, p.sent_via, p.sent_notes, p.sent_by, p.confirmed_at, p.reconciled_at,
    p.attachment_ref, p.created_by, p.created_at, p.updated_at
FROM purchase_orders p
LEFT JOIN suppliers s ON s.id = p.supplier_id`

func scanOrder(row pgx.Row) (PurchaseOrder, error) {
	var (
		o      PurchaseOrder
		status string
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &status, &o.SupplierID, &o.SupplierName,
		&o.OrderDate, &o.ExpectedDeliveryDate, &o.ActualDeliveryDate, &o.TotalAmount, &o.Notes,
		&o.SentAt, &o.SentVia, &o.SentNotes, &o.SentBy, &o.ConfirmedAt, &o.ReconciledAt,
		&o.AttachmentRef, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	o.Status = Status(status)
	return o, err
}

func orderNotFound(id int64) error {
	return &shared.NotFoundError{Entity: "purchase order", ID: id}
}

// GetOrder loads the header without locking.
func (q queries) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	o, err := scanOrder(q.q.QueryRow(ctx, orderSelect+` WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, orderNotFound(id)
	}
	return o, err
}

// LockOrder loads the header and holds its row lock until the transaction ends.
func (q queries) LockOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	o, err := scanOrder(q.q.QueryRow(ctx, orderSelect+` WHERE p.id = $1 FOR UPDATE OF p`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, orderNotFound(id)
	}
	return o, err
}

func (q queries) InsertOrder(ctx context.Context, o PurchaseOrder) (int64, error) {
	var id int64
	err := q.q.QueryRow(ctx, `INSERT INTO purchase_orders (order_number, status, supplier_id, order_date,
    expected_delivery_date, total_amount, notes, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`,
		o.OrderNumber, string(o.Status), o.SupplierID, o.OrderDate,
		o.ExpectedDeliveryDate, o.TotalAmount, o.Notes, o.CreatedBy, o.CreatedAt, o.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, mapOrderWriteError(err, o)
	}
	return id, nil
}

func (q queries) UpdateOrder(ctx context.Context, o PurchaseOrder) error {
	tag, err := q.q.Exec(ctx, `UPDATE purchase_orders SET
    order_number = $2, status = $3, supplier_id = $4, expected_delivery_date = $5,
    actual_delivery_date = $6, total_amount = $7, notes = $8, sent_at = $9, sent_via = $10,
    sent_notes = $11, sent_by = $12, confirmed_at = $13, reconciled_at = $14,
    attachment_ref = $15, updated_at = $16
WHERE id = $1`,
		o.ID, o.OrderNumber, string(o.Status), o.SupplierID, o.ExpectedDeliveryDate,
		o.ActualDeliveryDate, o.TotalAmount, o.Notes, o.SentAt, o.SentVia,
		o.SentNotes, o.SentBy, o.ConfirmedAt, o.ReconciledAt,
		o.AttachmentRef, o.UpdatedAt)
	if err != nil {
		return mapOrderWriteError(err, o)
	}
	if tag.RowsAffected() == 0 {
		return orderNotFound(o.ID)
	}
	return nil
}

func mapOrderWriteError(err error, o PurchaseOrder) error {
	switch {
	case db.IsUniqueViolation(err, uniqueOrderNumber):
		return shared.NewValidationError("order_number", fmt.Sprintf("order number %q already exists", o.OrderNumber))
	case db.IsForeignKeyViolation(err, fkOrderSupplier):
		return shared.NewValidationError("supplier_id", fmt.Sprintf("unknown supplier %d", o.SupplierID))
	case db.IsForeignKeyViolation(err, fkOrderSentBy):
		sentBy := int64(0)
		if o.SentBy != nil {
			sentBy = *o.SentBy
		}
		return shared.NewValidationError("sent_by", fmt.Sprintf("user %d is not registered in the user directory", sentBy))
	}
	return err
}

func (q queries) DeleteOrder(ctx context.Context, id int64) error {
	tag, err := q.q.Exec(ctx, `DELETE FROM purchase_orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orderNotFound(id)
	}
	return nil
}

const lineSelect = `SELECT l.id, l.purchase_order_id, l.inventory_item_id, COALESCE(l.quantity_ordered, 0),
    COALESCE(l.ordered_pack_qty, 0), COALESCE(l.pack_size, 0), l.unit_cost, l.total_cost,
    l.quantity_received, l.is_excluded, l.exclusion_reason, l.notes,
    COALESCE(i.name, ''), COALESCE(i.catalog_id, ''), COALESCE(i.unit, '')
FROM purchase_order_items l
LEFT JOIN inventory_items i ON i.id = l.inventory_item_id`

func scanLine(row pgx.Row) (Line, error) {
	var l Line
	err := row.Scan(&l.ID, &l.OrderID, &l.InventoryItemID, &l.QuantityOrdered,
		&l.OrderedPackQty, &l.PackSize, &l.UnitCost, &l.TotalCost,
		&l.QuantityReceived, &l.IsExcluded, &l.ExclusionReason, &l.Notes,
		&l.ItemName, &l.CatalogID, &l.Unit)
	return l, err
}

// Lines returns an order's lines enriched with catalog display fields.
func (q queries) Lines(ctx context.Context, orderID int64) ([]Line, error) {
	rows, err := q.q.Query(ctx, lineSelect+` WHERE l.purchase_order_id = $1 ORDER BY l.id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (q queries) GetLine(ctx context.Context, lineID int64) (Line, error) {
	l, err := scanLine(q.q.QueryRow(ctx, lineSelect+` WHERE l.id = $1`, lineID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Line{}, &shared.NotFoundError{Entity: "purchase order line", ID: lineID}
	}
	return l, err
}

func (q queries) DeleteLines(ctx context.Context, orderID int64) error {
	_, err := q.q.Exec(ctx, `DELETE FROM purchase_order_items WHERE purchase_order_id = $1`, orderID)
	return err
}

func (q queries) InsertLine(ctx context.Context, l Line) (int64, error) {
	var id int64
	err := q.q.QueryRow(ctx, `INSERT INTO purchase_order_items (purchase_order_id, inventory_item_id,
    quantity_ordered, ordered_pack_qty, pack_size, unit_cost, total_cost, quantity_received,
    is_excluded, exclusion_reason, notes)
VALUES ($1, $2, NULLIF($3, 0), NULLIF($4, 0), NULLIF($5, 0), $6, $7, $8, $9, $10, $11)
RETURNING id`,
		l.OrderID, l.InventoryItemID, l.QuantityOrdered, l.OrderedPackQty, l.PackSize,
		l.UnitCost, l.TotalCost, l.QuantityReceived, l.IsExcluded, l.ExclusionReason, l.Notes,
	).Scan(&id)
	if err != nil {
		if db.IsForeignKeyViolation(err, fkLineItem) {
			return 0, shared.NewValidationError("lines.inventory_item_id", fmt.Sprintf("unknown inventory item %d", l.InventoryItemID))
		}
		return 0, err
	}
	return id, nil
}

func (q queries) SetQuantityReceived(ctx context.Context, lineID int64, qty int) error {
	tag, err := q.q.Exec(ctx, `UPDATE purchase_order_items SET quantity_received = $2 WHERE id = $1`, lineID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &shared.NotFoundError{Entity: "purchase order line", ID: lineID}
	}
	return nil
}

func (q queries) InsertHistory(ctx context.Context, h StatusHistory) (int64, error) {
	var id int64
	err := q.q.QueryRow(ctx, `INSERT INTO purchase_order_status_history
    (purchase_order_id, previous_status, new_status, changed_by, changed_at, note)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		h.OrderID, string(h.PreviousStatus), string(h.NewStatus), h.ChangedBy, h.ChangedAt, h.Note,
	).Scan(&id)
	return id, err
}

// History returns status changes in the order they happened.
func (q queries) History(ctx context.Context, orderID int64) ([]StatusHistory, error) {
	rows, err := q.q.Query(ctx, `SELECT id, purchase_order_id, previous_status, new_status, changed_by, changed_at, note
FROM purchase_order_status_history WHERE purchase_order_id = $1 ORDER BY changed_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusHistory
	for rows.Next() {
		var (
			h        StatusHistory
			prev, nw string
		)
		if err := rows.Scan(&h.ID, &h.OrderID, &prev, &nw, &h.ChangedBy, &h.ChangedAt, &h.Note); err != nil {
			return nil, err
		}
		h.PreviousStatus, h.NewStatus = Status(prev), Status(nw)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (q queries) HasLineMovement(ctx context.Context, orderID, lineID int64) (bool, error) {
	var exists bool
	err := q.q.QueryRow(ctx, `SELECT EXISTS (
    SELECT 1 FROM stock_movements
    WHERE reference_type = $1 AND reference_id = $2 AND reference_line_id = $3)`,
		inventory.ReferencePurchaseOrder, orderID, lineID).Scan(&exists)
	return exists, err
}

func (q queries) InsertReceipt(ctx context.Context, r Receipt) (int64, error) {
	var id int64
	err := q.q.QueryRow(ctx, `INSERT INTO purchase_order_receipts (purchase_order_id, purchase_order_item_id,
    quantity, weight, weight_unit, notes, photo_ref, received_by, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		r.OrderID, r.LineID, r.Quantity, r.Weight, r.WeightUnit, r.Notes, r.PhotoRef, r.ReceivedBy, r.ReceivedAt,
	).Scan(&id)
	return id, err
}

// ReceiptsComplete reports whether every non-excluded line has a receipt.
func (q queries) ReceiptsComplete(ctx context.Context, orderID int64) (bool, error) {
	var complete bool
	err := q.q.QueryRow(ctx, `SELECT NOT EXISTS (
    SELECT 1 FROM purchase_order_items l
    WHERE l.purchase_order_id = $1 AND NOT l.is_excluded
      AND NOT EXISTS (SELECT 1 FROM purchase_order_receipts r WHERE r.purchase_order_item_id = l.id))`,
		orderID).Scan(&complete)
	return complete, err
}

const receiptSelect = `SELECT id, purchase_order_id, purchase_order_item_id, quantity, weight, weight_unit,
    notes, photo_ref, received_by, received_at
FROM purchase_order_receipts`

func scanReceipt(row pgx.Row) (Receipt, error) {
	var (
		r      Receipt
		weight decimal.NullDecimal
	)
	err := row.Scan(&r.ID, &r.OrderID, &r.LineID, &r.Quantity, &weight, &r.WeightUnit,
		&r.Notes, &r.PhotoRef, &r.ReceivedBy, &r.ReceivedAt)
	if weight.Valid {
		w := weight.Decimal
		r.Weight = &w
	}
	return r, err
}

// Receipts lists an order's receipts, oldest first.
func (q queries) Receipts(ctx context.Context, orderID int64) ([]Receipt, error) {
	rows, err := q.q.Query(ctx, receiptSelect+` WHERE purchase_order_id = $1 ORDER BY received_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q queries) GetReceipt(ctx context.Context, id int64) (Receipt, error) {
	r, err := scanReceipt(q.q.QueryRow(ctx, receiptSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, &shared.NotFoundError{Entity: "purchase order receipt", ID: id}
	}
	return r, err
}

// ListOrders returns a filtered, sorted page of order summaries.
func (r *Repository) ListOrders(ctx context.Context, filters ListFilters) ([]OrderSummary, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argNum := 1
	if filters.Status != "" {
		where += ` AND lower(btrim(p.status)) = ANY($` + itoa(argNum) + `)`
		args = append(args, Status(filters.Status).Spellings())
		argNum++
	}
	if filters.SupplierID > 0 {
		where += ` AND p.supplier_id = $` + itoa(argNum)
		args = append(args, filters.SupplierID)
		argNum++
	}
	if filters.Search != "" {
		where += ` AND (p.order_number ILIKE $` + itoa(argNum) + ` OR s.name ILIKE $` + itoa(argNum) + `)`
		args = append(args, "%"+filters.Search+"%")
		argNum++
	}

	var total int
	countSQL := `SELECT COUNT(*) FROM purchase_orders p LEFT JOIN suppliers s ON s.id = p.supplier_id` + where
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL := `SELECT p.id, p.order_number, p.status, p.supplier_id, COALESCE(s.name, '') AS supplier_name,
    p.order_date, p.expected_delivery_date, p.total_amount,
    (SELECT COUNT(*) FROM purchase_order_items l WHERE l.purchase_order_id = p.id) AS line_count,
    p.created_at
FROM purchase_orders p
LEFT JOIN suppliers s ON s.id = p.supplier_id` + where +
		` ORDER BY ` + sortOrderPO(filters.SortBy, filters.SortDir) +
		` LIMIT $` + itoa(argNum) + ` OFFSET $` + itoa(argNum+1)
	args = append(args, filters.Limit, filters.Offset)

	rows, err := r.pool.Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []OrderSummary
	for rows.Next() {
		var (
			item   OrderSummary
			status string
		)
		if err := rows.Scan(&item.ID, &item.OrderNumber, &status, &item.SupplierID, &item.SupplierName,
			&item.OrderDate, &item.ExpectedDeliveryDate, &item.TotalAmount, &item.LineCount, &item.CreatedAt); err != nil {
			return nil, 0, err
		}
		item.Status = Status(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}

func sortOrderPO(sortBy, sortDir string) string {
	dir := "DESC"
	if sortDir == "asc" {
		dir = "ASC"
	}
	switch sortBy {
	case "order_number":
		return "p.order_number " + dir
	case "supplier":
		return "supplier_name " + dir
	case "expected_delivery_date":
		return "p.expected_delivery_date " + dir + " NULLS LAST"
	case "total_amount":
		return "p.total_amount " + dir
	case "status":
		return "p.status " + dir
	case "order_date":
		return "p.order_date " + dir
	default:
		return "p.created_at DESC, p.id DESC"
	}
}
