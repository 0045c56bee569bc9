package procurement

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseOrder is one purchase request to one supplier.
type PurchaseOrder struct {
	ID                   int64           `json:"id"`
	OrderNumber          string          `json:"order_number"`
	Status               Status          `json:"status"`
	SupplierID           int64           `json:"supplier_id"`
	SupplierName         string          `json:"supplier_name,omitempty"`
	OrderDate            time.Time       `json:"order_date"`
	ExpectedDeliveryDate *time.Time      `json:"expected_delivery_date,omitempty"`
	ActualDeliveryDate   *time.Time      `json:"actual_delivery_date,omitempty"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	Notes                string          `json:"notes,omitempty"`
	SentAt               *time.Time      `json:"sent_at,omitempty"`
	SentVia              string          `json:"sent_via,omitempty"`
	SentNotes            string          `json:"sent_notes,omitempty"`
	SentBy               *int64          `json:"sent_by,omitempty"`
	ConfirmedAt          *time.Time      `json:"confirmed_at,omitempty"`
	ReconciledAt         *time.Time      `json:"reconciled_at,omitempty"`
	AttachmentRef        string          `json:"attachment_ref,omitempty"`
	CreatedBy            int64           `json:"created_by"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Line is one ordered item. Either QuantityOrdered or OrderedPackQty x
// PackSize carries the unit count.
type Line struct {
	ID               int64           `json:"id"`
	OrderID          int64           `json:"purchase_order_id"`
	InventoryItemID  int64           `json:"inventory_item_id"`
	QuantityOrdered  int             `json:"quantity_ordered"`
	OrderedPackQty   int             `json:"ordered_pack_qty,omitempty"`
	PackSize         int             `json:"pack_size,omitempty"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	QuantityReceived int             `json:"quantity_received"`
	IsExcluded       bool            `json:"is_excluded"`
	ExclusionReason  string          `json:"exclusion_reason,omitempty"`
	Notes            string          `json:"notes,omitempty"`

	ItemName  string `json:"item_name,omitempty"`
	CatalogID string `json:"catalog_id,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

// StatusHistory is an append-only audit row for one effective status change.
type StatusHistory struct {
	ID             int64     `json:"id"`
	OrderID        int64     `json:"purchase_order_id"`
	PreviousStatus Status    `json:"previous_status"`
	NewStatus      Status    `json:"new_status"`
	ChangedBy      int64     `json:"changed_by"`
	ChangedAt      time.Time `json:"changed_at"`
	Note           string    `json:"note,omitempty"`
}

// Receipt is evidence of a physical delivery against one line.
type Receipt struct {
	ID         int64            `json:"id"`
	OrderID    int64            `json:"purchase_order_id"`
	LineID     int64            `json:"purchase_order_item_id"`
	Quantity   int              `json:"quantity"`
	Weight     *decimal.Decimal `json:"weight,omitempty"`
	WeightUnit string           `json:"weight_unit,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	PhotoRef   string           `json:"photo_ref,omitempty"`
	ReceivedBy int64            `json:"received_by"`
	ReceivedAt time.Time        `json:"received_at"`
}

// OrderDetail is the fetch shape: header, enriched lines and history.
type OrderDetail struct {
	PurchaseOrder
	Lines          []Line           `json:"lines"`
	History        []StatusHistory  `json:"history"`
	SentByName     string           `json:"sent_by_name,omitempty"`
	Reconciliation *ReconcileReport `json:"reconciliation,omitempty"`
}

// OrderSummary is one row of the order list.
type OrderSummary struct {
	ID                   int64           `json:"id"`
	OrderNumber          string          `json:"order_number"`
	Status               Status          `json:"status"`
	SupplierID           int64           `json:"supplier_id"`
	SupplierName         string          `json:"supplier_name"`
	OrderDate            time.Time       `json:"order_date"`
	ExpectedDeliveryDate *time.Time      `json:"expected_delivery_date,omitempty"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	LineCount            int             `json:"line_count"`
	CreatedAt            time.Time       `json:"created_at"`
}

// ListFilters narrows and orders the order list.
type ListFilters struct {
	Status     string
	SupplierID int64
	Search     string
	SortBy     string
	SortDir    string
	Limit      int
	Offset     int
}

// LineInput is a caller-supplied line.
type LineInput struct {
	InventoryItemID int64
	QuantityOrdered int
	OrderedPackQty  int
	PackSize        int
	UnitCost        decimal.Decimal
	IsExcluded      bool
	ExclusionReason string
	Notes           string
}

// SentMetadata carries optional sent-* fields. A non-nil field marks the
// metadata as touched.
type SentMetadata struct {
	SentAt    *time.Time
	SentVia   *string
	SentNotes *string
}

func (m SentMetadata) touched() bool {
	return m.SentAt != nil || m.SentVia != nil || m.SentNotes != nil
}

// CreateInput creates a draft order.
type CreateInput struct {
	OrderNumber          string
	SupplierID           int64
	OrderDate            *time.Time
	ExpectedDeliveryDate *time.Time
	Notes                string
	Lines                []LineInput
}

// ReplaceInput is a full edit of a non-terminal order. An empty Status keeps
// the current one.
type ReplaceInput struct {
	OrderNumber          string
	SupplierID           int64
	Status               string
	ExpectedDeliveryDate *time.Time
	ActualDeliveryDate   *time.Time
	Notes                string
	Sent                 SentMetadata
	Lines                []LineInput
	StatusNote           string
}

// PatchInput mutates only the listed fields; nil means unchanged.
type PatchInput struct {
	Status               *string
	ExpectedDeliveryDate *time.Time
	ActualDeliveryDate   *time.Time
	Notes                *string
	Sent                 SentMetadata
	StatusNote           string
}

// Weight units accepted on receipts.
var weightUnits = map[string]bool{"g": true, "kg": true, "lb": true, "oz": true}

// LogReceiptInput records one delivery event.
type LogReceiptInput struct {
	LineID         int64
	Quantity       int
	Weight         *decimal.Decimal
	WeightUnit     string
	Notes          string
	PhotoRef       string
	IdempotencyKey string
}

// ReceiptResult is the stored receipt plus the advisory completion flag.
type ReceiptResult struct {
	Receipt       Receipt `json:"receipt"`
	OrderComplete bool    `json:"order_complete"`
	Replayed      bool    `json:"replayed,omitempty"`
}
