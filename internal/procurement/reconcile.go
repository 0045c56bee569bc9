package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/beanhouse/backoffice/internal/identity"
	"github.com/beanhouse/backoffice/internal/inventory"
	"github.com/beanhouse/backoffice/internal/shared"
)

// LineStatus is the reconciliation outcome of one line.
type LineStatus string

const (
	LineCredited LineStatus = "credited"
	LineSkipped  LineStatus = "skipped"
	LineFailed   LineStatus = "failed"
	LineExcluded LineStatus = "excluded"
)

// LineOutcome reports what happened to one line.
type LineOutcome struct {
	LineID          int64      `json:"line_id"`
	InventoryItemID int64      `json:"inventory_item_id"`
	TargetItemID    int64      `json:"target_item_id,omitempty"`
	Quantity        int        `json:"quantity"`
	Status          LineStatus `json:"status"`
	MovementID      int64      `json:"movement_id,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// ReconcileReport summarises one reconciliation run.
type ReconcileReport struct {
	OrderID  int64         `json:"order_id"`
	Lines    []LineOutcome `json:"lines"`
	Credited int           `json:"credited"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
}

// CatalogPort finds inventory rows for lines.
type CatalogPort interface {
	GetItem(ctx context.Context, id int64) (inventory.Item, error)
	ItemsByCatalogID(ctx context.Context, catalogID string) ([]inventory.Item, error)
}

// ReconcileRecorder counts line outcomes.
type ReconcileRecorder interface {
	ObserveReconcileLine(outcome string)
	ObserveReconcileRun(d time.Duration)
}

// UnitQuantity returns the base-unit count a line credits, or 0 when neither
// representation resolves.
func UnitQuantity(line Line) int {
	if line.QuantityOrdered > 0 {
		return line.QuantityOrdered
	}
	if line.OrderedPackQty > 0 && line.PackSize > 0 {
		return line.OrderedPackQty * line.PackSize
	}
	return 0
}

// ResolveTarget picks the row a line credits: own when it is a live base row
// or has no catalog id, otherwise the live pack_size 1 sibling sharing its
// catalog id (lowest id wins), falling back to own.
func ResolveTarget(own inventory.Item, siblings []inventory.Item) inventory.Item {
	if own.CatalogID == "" {
		return own
	}
	if own.IsBase() && !own.Deleted() {
		return own
	}
	candidates := make([]inventory.Item, 0, len(siblings))
	for _, s := range siblings {
		if s.CatalogID == own.CatalogID && s.IsBase() && !s.Deleted() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return own
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[0]
}

// Engine commits received quantities into the stock ledger.
type Engine struct {
	catalog CatalogPort
	metrics ReconcileRecorder
	logger  *slog.Logger
}

// NewEngine constructs Engine. metrics may be nil.
func NewEngine(catalog CatalogPort, metrics ReconcileRecorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{catalog: catalog, metrics: metrics, logger: logger}
}

// Reconcile credits every non-excluded line. Each line runs in its own
// savepoint; a failing line is rolled back and reported while the others
// proceed.
func (e *Engine) Reconcile(ctx context.Context, tx TxRepository, order PurchaseOrder, lines []Line, caller identity.Identity) ReconcileReport {
	start := time.Now()
	report := ReconcileReport{OrderID: order.ID, Lines: make([]LineOutcome, 0, len(lines))}
	for _, line := range lines {
		outcome, _ := e.reconcileLine(ctx, tx, order, line, caller)
		switch outcome.Status {
		case LineCredited:
			report.Credited++
		case LineSkipped:
			report.Skipped++
		case LineFailed:
			report.Failed++
		}
		report.Lines = append(report.Lines, outcome)
	}
	e.logger.Info("purchase order reconciled",
		slog.Int64("order_id", order.ID),
		slog.Int("credited", report.Credited),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed))
	if e.metrics != nil {
		e.metrics.ObserveReconcileRun(time.Since(start))
	}
	return report
}

func (e *Engine) reconcileLine(ctx context.Context, tx TxRepository, order PurchaseOrder, line Line, caller identity.Identity) (LineOutcome, error) {
	outcome := LineOutcome{LineID: line.ID, InventoryItemID: line.InventoryItemID}
	if line.IsExcluded {
		outcome.Status = LineExcluded
		return outcome, nil
	}
	qty := UnitQuantity(line)
	outcome.Quantity = qty
	if qty <= 0 {
		e.logger.Warn("reconcile line skipped: no unit quantity",
			slog.Int64("order_id", order.ID), slog.Int64("line_id", line.ID))
		outcome.Status = LineSkipped
		e.observe(outcome.Status)
		return outcome, nil
	}

	target, err := e.resolve(ctx, line)
	if err != nil {
		return e.failed(order, outcome, err), err
	}
	outcome.TargetItemID = target.ID

	err = tx.Savepoint(ctx, func(sp TxRepository) error {
		m, err := inventory.PostMovement(ctx, sp.Ledger(), inventory.MovementInput{
			ItemID:          target.ID,
			Type:            inventory.MovementPurchase,
			Change:          qty,
			ReferenceType:   inventory.ReferencePurchaseOrder,
			ReferenceID:     &order.ID,
			ReferenceLineID: &line.ID,
			Notes:           fmt.Sprintf("Received on purchase order %s", order.OrderNumber),
			CreatedBy:       caller.ID,
		})
		if err != nil {
			return err
		}
		outcome.MovementID = m.ID
		return sp.SetQuantityReceived(ctx, line.ID, qty)
	})
	if err != nil {
		outcome.MovementID = 0
		return e.failed(order, outcome, err), err
	}
	outcome.Status = LineCredited
	e.observe(outcome.Status)
	return outcome, nil
}

func (e *Engine) resolve(ctx context.Context, line Line) (inventory.Item, error) {
	own, err := e.catalog.GetItem(ctx, line.InventoryItemID)
	if err != nil {
		return inventory.Item{}, shared.Dependency("catalog", err)
	}
	if own.CatalogID == "" || (own.IsBase() && !own.Deleted()) {
		return own, nil
	}
	siblings, err := e.catalog.ItemsByCatalogID(ctx, own.CatalogID)
	if err != nil {
		return inventory.Item{}, shared.Dependency("catalog", err)
	}
	return ResolveTarget(own, siblings), nil
}

func (e *Engine) failed(order PurchaseOrder, outcome LineOutcome, err error) LineOutcome {
	e.logger.Error("reconcile line failed",
		slog.Int64("order_id", order.ID),
		slog.Int64("line_id", outcome.LineID),
		slog.Int64("target_item_id", outcome.TargetItemID),
		slog.Any("error", err))
	outcome.Status = LineFailed
	outcome.Error = err.Error()
	e.observe(outcome.Status)
	return outcome
}

func (e *Engine) observe(status LineStatus) {
	if e.metrics != nil {
		e.metrics.ObserveReconcileLine(string(status))
	}
}

// RetryLine re-runs reconciliation for one line of a received order whose
// earlier credit failed.
func (s *Service) RetryLine(ctx context.Context, caller identity.Identity, orderID, lineID int64) (LineOutcome, error) {
	if err := identity.RequireAdmin(caller); err != nil {
		return LineOutcome{}, err
	}
	release, err := s.lock(ctx, orderID)
	if err != nil {
		return LineOutcome{}, err
	}
	defer release()

	var outcome LineOutcome
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		current, err := currentStatus(order)
		if err != nil {
			return err
		}
		if current != StatusReceived {
			return &shared.OperationError{Op: "retry reconciliation", Reason: fmt.Sprintf("order %d is %s, not received", orderID, current)}
		}
		line, err := tx.GetLine(ctx, lineID)
		if err != nil {
			return err
		}
		if line.OrderID != orderID {
			return &shared.NotFoundError{Entity: "purchase order line", ID: lineID}
		}
		if line.IsExcluded {
			return &shared.OperationError{Op: "retry reconciliation", Reason: fmt.Sprintf("line %d is excluded", lineID)}
		}
		posted, err := tx.HasLineMovement(ctx, orderID, lineID)
		if err != nil {
			return err
		}
		if posted {
			return &shared.OperationError{Op: "retry reconciliation", Reason: fmt.Sprintf("line %d was already credited", lineID)}
		}
		outcome, err = s.engine.reconcileLine(ctx, tx, order, line, caller)
		return err
	})
	if err != nil {
		return LineOutcome{}, shared.Dependency("stock ledger", err)
	}
	s.recordAudit(ctx, caller, "po:reconcile_retry", orderID, map[string]any{
		"line_id": lineID,
		"status":  string(outcome.Status),
	})
	return outcome, nil
}
