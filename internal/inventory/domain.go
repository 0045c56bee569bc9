package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/beanhouse/backoffice/internal/shared"
)

// MovementType enumerates ledger entry kinds.
type MovementType string

const (
	MovementPurchase   MovementType = "purchase"
	MovementSale       MovementType = "sale"
	MovementAdjustment MovementType = "adjustment"
	MovementWaste      MovementType = "waste"
	MovementTransfer   MovementType = "transfer"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementPurchase, MovementSale, MovementAdjustment, MovementWaste, MovementTransfer:
		return true
	}
	return false
}

// Reference types recorded on movements.
const (
	ReferencePurchaseOrder = "purchase_order"
	ReferenceAdjustment    = "adjustment"
)

// Item is a countable stock-keeping unit. Rows sharing a CatalogID describe
// the same product at different pack sizes; the row with PackSize 1 is the
// base row that stock is counted in.
type Item struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Unit         string     `json:"unit"`
	CatalogID    string     `json:"catalog_id,omitempty"`
	PackSize     int        `json:"pack_size"`
	CurrentStock int        `json:"current_stock"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// IsBase reports whether the row counts single units.
func (i Item) IsBase() bool { return i.PackSize == 1 }

// Deleted reports whether the row is soft-deleted.
func (i Item) Deleted() bool { return i.DeletedAt != nil }

// Movement is one append-only ledger entry.
type Movement struct {
	ID              int64        `json:"id"`
	ItemID          int64        `json:"inventory_item_id"`
	Type            MovementType `json:"movement_type"`
	QuantityChange  int          `json:"quantity_change"`
	PreviousStock   int          `json:"previous_stock"`
	NewStock        int          `json:"new_stock"`
	ReferenceType   string       `json:"reference_type,omitempty"`
	ReferenceID     *int64       `json:"reference_id,omitempty"`
	ReferenceLineID *int64       `json:"reference_line_id,omitempty"`
	Notes           string       `json:"notes,omitempty"`
	CreatedBy       int64        `json:"created_by,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// MovementInput describes a posting request.
type MovementInput struct {
	ItemID          int64
	Type            MovementType
	Change          int
	ReferenceType   string
	ReferenceID     *int64
	ReferenceLineID *int64
	Notes           string
	CreatedBy       int64
}

// AdjustmentInput is a manual back-office posting. Quantity is signed for
// adjustments and a positive magnitude for sale and waste.
type AdjustmentInput struct {
	ItemID   int64
	Type     MovementType
	Quantity int
	Notes    string
}

// MovementFilter narrows ledger queries.
type MovementFilter struct {
	ItemID        int64
	ReferenceType string
	ReferenceID   int64
	From          time.Time
	To            time.Time
	Limit         int
}

// Drift reports an item whose counter disagrees with its ledger.
type Drift struct {
	ItemID       int64  `json:"inventory_item_id"`
	Name         string `json:"name"`
	CurrentStock int    `json:"current_stock"`
	LedgerStock  int    `json:"ledger_stock"`
	Difference   int    `json:"difference"`
}

var (
	// ErrNegativeStock is returned when a posting would take stock below zero.
	ErrNegativeStock = fmt.Errorf("inventory: %w: stock cannot go negative", shared.ErrInvalidOperation)
	// ErrAlreadyPosted is returned when a reference line was already credited.
	ErrAlreadyPosted = fmt.Errorf("inventory: %w: movement already posted for reference line", shared.ErrInvalidOperation)
	// ErrCounterMismatch is returned when the stock counter moved by an amount
	// other than the requested change.
	ErrCounterMismatch = errors.New("inventory: stock counter mismatch")
)

func itemNotFound(id int64) error {
	return &shared.NotFoundError{Entity: "inventory item", ID: id}
}
