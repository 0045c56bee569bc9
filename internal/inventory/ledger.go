package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/beanhouse/backoffice/internal/shared"
)

// LedgerTx is the transactional primitive the ledger is built on.
type LedgerTx interface {
	// IncrementStock atomically adds delta to the row's counter and returns the
	// counter before and after the write.
	IncrementStock(ctx context.Context, itemID int64, delta int) (prev, next int, err error)
	InsertMovement(ctx context.Context, m Movement) (int64, error)
}

// CatalogReader looks up inventory rows.
type CatalogReader interface {
	GetItem(ctx context.Context, id int64) (Item, error)
	ItemsByCatalogID(ctx context.Context, catalogID string) ([]Item, error)
}

// PostMovement increments the item counter and appends the matching ledger
// entry. Both writes share tx; callers own commit and rollback.
func PostMovement(ctx context.Context, tx LedgerTx, in MovementInput) (Movement, error) {
	verr := &shared.ValidationError{}
	if in.ItemID <= 0 {
		verr.Add("inventory_item_id", "is required")
	}
	if in.Change == 0 {
		verr.Add("quantity_change", "must be non-zero")
	}
	if !in.Type.Valid() {
		verr.Add("movement_type", fmt.Sprintf("unknown movement type %q", in.Type))
	}
	if err := verr.Err(); err != nil {
		return Movement{}, err
	}

	prev, next, err := tx.IncrementStock(ctx, in.ItemID, in.Change)
	if err != nil {
		return Movement{}, err
	}
	if next != prev+in.Change {
		return Movement{}, fmt.Errorf("%w: item %d moved %d -> %d for change %d", ErrCounterMismatch, in.ItemID, prev, next, in.Change)
	}
	if next < 0 {
		return Movement{}, ErrNegativeStock
	}

	m := Movement{
		ItemID:          in.ItemID,
		Type:            in.Type,
		QuantityChange:  in.Change,
		PreviousStock:   prev,
		NewStock:        next,
		ReferenceType:   in.ReferenceType,
		ReferenceID:     in.ReferenceID,
		ReferenceLineID: in.ReferenceLineID,
		Notes:           in.Notes,
		CreatedBy:       in.CreatedBy,
		CreatedAt:       time.Now().UTC(),
	}
	id, err := tx.InsertMovement(ctx, m)
	if err != nil {
		return Movement{}, err
	}
	m.ID = id
	return m, nil
}
