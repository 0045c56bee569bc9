package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/beanhouse/backoffice/internal/identity"
	"github.com/beanhouse/backoffice/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	Lines(ctx context.Context, orderID int64) ([]Line, error)
	History(ctx context.Context, orderID int64) ([]StatusHistory, error)
	ListOrders(ctx context.Context, filters ListFilters) ([]OrderSummary, int, error)
	Receipts(ctx context.Context, orderID int64) ([]Receipt, error)
	GetReceipt(ctx context.Context, id int64) (Receipt, error)
	ReceiptsComplete(ctx context.Context, orderID int64) (bool, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort dedupes retried receipt submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Bind(ctx context.Context, key, module string, refID int64) error
	Lookup(ctx context.Context, key, module string) (int64, error)
	Delete(ctx context.Context, key, module string) error
}

// OrderLocker serialises status changes per order across processes.
type OrderLocker interface {
	Lock(ctx context.Context, orderID int64) (func(), error)
}

// DispatchNotifier is told when an order goes out to its supplier.
type DispatchNotifier interface {
	OrderDispatched(ctx context.Context, order PurchaseOrder) error
}

// Options carries optional collaborators.
type Options struct {
	Audit       AuditPort
	Idempotency IdempotencyPort
	Locker      OrderLocker
	Notifier    DispatchNotifier
	Directory   identity.Directory
	Logger      *slog.Logger
}

// Service orchestrates the purchase order lifecycle.
type Service struct {
	repo        RepositoryPort
	engine      *Engine
	audit       AuditPort
	idempotency IdempotencyPort
	locker      OrderLocker
	notifier    DispatchNotifier
	directory   identity.Directory
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, engine *Engine, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		engine:      engine,
		audit:       opts.Audit,
		idempotency: opts.Idempotency,
		locker:      opts.Locker,
		notifier:    opts.Notifier,
		directory:   opts.Directory,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a draft order and its lines.
func (s *Service) Create(ctx context.Context, caller identity.Identity, input CreateInput) (OrderDetail, error) {
	if err := identity.RequireAdmin(caller); err != nil {
		return OrderDetail{}, err
	}
	verr := &shared.ValidationError{}
	number := strings.TrimSpace(input.OrderNumber)
	if number == "" {
		verr.Add("order_number", "is required")
	}
	if input.SupplierID <= 0 {
		verr.Add("supplier_id", "is required")
	}
	lines, total := buildLines(input.Lines, verr)
	if err := verr.Err(); err != nil {
		return OrderDetail{}, err
	}

	now := s.now()
	order := PurchaseOrder{
		OrderNumber:          number,
		Status:               StatusDraft,
		SupplierID:           input.SupplierID,
		OrderDate:            now,
		ExpectedDeliveryDate: input.ExpectedDeliveryDate,
		TotalAmount:          total,
		Notes:                strings.TrimSpace(input.Notes),
		CreatedBy:            caller.ID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if input.OrderDate != nil {
		order.OrderDate = *input.OrderDate
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		order.ID = id
		_, err = insertLines(ctx, tx, id, lines)
		return err
	})
	if err != nil {
		return OrderDetail{}, shared.Dependency("postgres", err)
	}
	s.recordAudit(ctx, caller, "po:create", order.ID, map[string]any{
		"order_number": order.OrderNumber,
		"total_amount": order.TotalAmount.StringFixed(2),
		"lines":        len(lines),
	})
	return s.Get(ctx, order.ID)
}

// Replace fully edits a non-terminal order: header fields, every line and
// optionally its status.
func (s *Service) Replace(ctx context.Context, caller identity.Identity, id int64, input ReplaceInput) (OrderDetail, error) {
	if err := identity.RequireAdmin(caller); err != nil {
		return OrderDetail{}, err
	}
	verr := &shared.ValidationError{}
	number := strings.TrimSpace(input.OrderNumber)
	if number == "" {
		verr.Add("order_number", "is required")
	}
	if input.SupplierID <= 0 {
		verr.Add("supplier_id", "is required")
	}
	target, hasTarget := parseStatus(input.Status, verr)
	lines, total := buildLines(input.Lines, verr)
	if err := verr.Err(); err != nil {
		return OrderDetail{}, err
	}

	release, err := s.lock(ctx, id)
	if err != nil {
		return OrderDetail{}, err
	}
	defer release()

	var (
		report     *ReconcileReport
		dispatched bool
		saved      PurchaseOrder
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		current, err := currentStatus(order)
		if err != nil {
			return err
		}
		next := current
		if hasTarget {
			next = target
		}
		if err := ValidateTransition(current, next); err != nil {
			return err
		}
		if current.IsTerminal() {
			return &shared.OperationError{Op: "replace", Reason: fmt.Sprintf("order %d is %s", id, current)}
		}

		order.OrderNumber = number
		order.SupplierID = input.SupplierID
		order.ExpectedDeliveryDate = input.ExpectedDeliveryDate
		if input.ActualDeliveryDate != nil {
			order.ActualDeliveryDate = input.ActualDeliveryDate
		}
		order.Notes = strings.TrimSpace(input.Notes)
		order.TotalAmount = total

		if err := tx.DeleteLines(ctx, id); err != nil {
			return err
		}
		inserted, err := insertLines(ctx, tx, id, lines)
		if err != nil {
			return err
		}
		report, err = s.applyStatus(ctx, tx, &order, inserted, statusChange{Target: next, Sent: input.Sent, Note: input.StatusNote}, caller)
		if err != nil {
			return err
		}
		dispatched = current != StatusSent && next == StatusSent
		saved = order
		return nil
	})
	if err != nil {
		return OrderDetail{}, shared.Dependency("postgres", err)
	}
	s.recordAudit(ctx, caller, "po:replace", id, map[string]any{
		"status":       string(saved.Status),
		"total_amount": saved.TotalAmount.StringFixed(2),
		"lines":        len(lines),
	})
	s.afterStatus(ctx, saved, dispatched)
	return s.detailWithReport(ctx, id, report)
}

// Patch mutates status, delivery dates, notes and sent metadata only.
func (s *Service) Patch(ctx context.Context, caller identity.Identity, id int64, input PatchInput) (OrderDetail, error) {
	if err := identity.RequireAdmin(caller); err != nil {
		return OrderDetail{}, err
	}
	verr := &shared.ValidationError{}
	var (
		target    Status
		hasTarget bool
	)
	if input.Status != nil {
		if strings.TrimSpace(*input.Status) == "" {
			verr.Add("status", "must not be empty")
		} else {
			target, hasTarget = parseStatus(*input.Status, verr)
		}
	}
	if err := verr.Err(); err != nil {
		return OrderDetail{}, err
	}

	release, err := s.lock(ctx, id)
	if err != nil {
		return OrderDetail{}, err
	}
	defer release()

	var (
		report     *ReconcileReport
		dispatched bool
		saved      PurchaseOrder
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		current, err := currentStatus(order)
		if err != nil {
			return err
		}
		next := current
		if hasTarget {
			next = target
		}
		if err := ValidateTransition(current, next); err != nil {
			return err
		}

		if input.ExpectedDeliveryDate != nil {
			order.ExpectedDeliveryDate = input.ExpectedDeliveryDate
		}
		if input.ActualDeliveryDate != nil {
			order.ActualDeliveryDate = input.ActualDeliveryDate
		}
		if input.Notes != nil {
			order.Notes = strings.TrimSpace(*input.Notes)
		}

		var lines []Line
		if next == StatusReceived && current != StatusReceived {
			if lines, err = tx.Lines(ctx, id); err != nil {
				return err
			}
		}
		report, err = s.applyStatus(ctx, tx, &order, lines, statusChange{Target: next, Sent: input.Sent, Note: input.StatusNote}, caller)
		if err != nil {
			return err
		}
		dispatched = current != StatusSent && next == StatusSent
		saved = order
		return nil
	})
	if err != nil {
		return OrderDetail{}, shared.Dependency("postgres", err)
	}
	s.afterStatus(ctx, saved, dispatched)
	return s.detailWithReport(ctx, id, report)
}

// Delete removes a draft order and its lines.
func (s *Service) Delete(ctx context.Context, caller identity.Identity, id int64) error {
	if err := identity.RequireAdmin(caller); err != nil {
		return err
	}
	release, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	var number string
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		current, err := currentStatus(order)
		if err != nil {
			return err
		}
		if current != StatusDraft {
			return &shared.OperationError{Op: "delete", Reason: fmt.Sprintf("order %d is %s; only draft orders can be deleted", id, current)}
		}
		number = order.OrderNumber
		if err := tx.DeleteLines(ctx, id); err != nil {
			return err
		}
		return tx.DeleteOrder(ctx, id)
	})
	if err != nil {
		return shared.Dependency("postgres", err)
	}
	s.recordAudit(ctx, caller, "po:delete", id, map[string]any{"order_number": number})
	return nil
}

// Get returns the header, enriched lines, ordered history and the display
// name of the caller who marked the order sent.
func (s *Service) Get(ctx context.Context, id int64) (OrderDetail, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return OrderDetail{}, shared.Dependency("postgres", err)
	}
	if st, ok := CanonicalStatus(string(order.Status)); ok {
		order.Status = st
	}
	detail := OrderDetail{PurchaseOrder: order}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lines, err := s.repo.Lines(gctx, id)
		detail.Lines = lines
		return err
	})
	g.Go(func() error {
		history, err := s.repo.History(gctx, id)
		detail.History = history
		return err
	})
	if order.SentBy != nil && s.directory != nil {
		sentBy := *order.SentBy
		g.Go(func() error {
			names, err := s.directory.DisplayNames(gctx, []int64{sentBy})
			if err != nil {
				s.logger.Warn("resolve sent_by name", slog.Int64("order_id", id), slog.Any("error", err))
				return nil
			}
			detail.SentByName = names[sentBy]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return OrderDetail{}, shared.Dependency("postgres", err)
	}
	if detail.Lines == nil {
		detail.Lines = []Line{}
	}
	if detail.History == nil {
		detail.History = []StatusHistory{}
	}
	return detail, nil
}

// List returns a page of order summaries and the total match count.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]OrderSummary, int, error) {
	if filters.Status != "" {
		st, ok := CanonicalStatus(filters.Status)
		if !ok {
			return nil, 0, shared.NewValidationError("status", fmt.Sprintf("unknown status %q", filters.Status))
		}
		filters.Status = string(st)
	}
	if filters.Limit <= 0 {
		filters.Limit = 20
	}
	if filters.Limit > 100 {
		filters.Limit = 100
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	filters.Search = strings.TrimSpace(filters.Search)
	items, total, err := s.repo.ListOrders(ctx, filters)
	if err != nil {
		return nil, 0, shared.Dependency("postgres", err)
	}
	for i := range items {
		if st, ok := CanonicalStatus(string(items[i].Status)); ok {
			items[i].Status = st
		}
	}
	return items, total, nil
}

// SetAttachment stores the blob reference of an uploaded order document.
func (s *Service) SetAttachment(ctx context.Context, caller identity.Identity, id int64, ref string) (OrderDetail, error) {
	if err := identity.RequireAdmin(caller); err != nil {
		return OrderDetail{}, err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return OrderDetail{}, shared.NewValidationError("attachment_ref", "is required")
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		order.AttachmentRef = ref
		order.UpdatedAt = s.now()
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return OrderDetail{}, shared.Dependency("postgres", err)
	}
	s.recordAudit(ctx, caller, "po:attach", id, map[string]any{"attachment_ref": ref})
	return s.Get(ctx, id)
}

type statusChange struct {
	Target Status
	Sent   SentMetadata
	Note   string
}

// applyStatus is the single path that writes an order header. It validates
// the transition, stamps lifecycle timestamps, persists the header, appends
// history for an effective change and reconciles on entry into received.
// lines are only consulted when entering received.
func (s *Service) applyStatus(ctx context.Context, tx TxRepository, order *PurchaseOrder, lines []Line, change statusChange, caller identity.Identity) (*ReconcileReport, error) {
	current, err := currentStatus(*order)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(current, change.Target); err != nil {
		return nil, err
	}
	now := s.now()
	entering := current != change.Target

	if change.Sent.touched() || change.Target == StatusSent {
		stampSent(order, change.Sent, caller, entering && change.Target == StatusSent, now)
	}
	if entering {
		switch change.Target {
		case StatusConfirmed:
			order.ConfirmedAt = &now
		case StatusReceived:
			if order.ReconciledAt != nil {
				return nil, &shared.OperationError{Op: "receive", Reason: fmt.Sprintf("order %d was already reconciled", order.ID)}
			}
			if order.ActualDeliveryDate == nil {
				delivered := now
				order.ActualDeliveryDate = &delivered
			}
			order.ReconciledAt = &now
		}
	}
	order.Status = change.Target
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, *order); err != nil {
		return nil, err
	}
	if !entering {
		return nil, nil
	}
	if _, err := tx.InsertHistory(ctx, StatusHistory{
		OrderID:        order.ID,
		PreviousStatus: current,
		NewStatus:      change.Target,
		ChangedBy:      caller.ID,
		ChangedAt:      now,
		Note:           strings.TrimSpace(change.Note),
	}); err != nil {
		return nil, err
	}
	s.logger.Info("purchase order status changed",
		slog.Int64("order_id", order.ID),
		slog.String("from", string(current)),
		slog.String("to", string(change.Target)),
		slog.Int64("actor_id", caller.ID))
	if change.Target != StatusReceived {
		return nil, nil
	}
	report := s.engine.Reconcile(ctx, tx, *order, lines, caller)
	return &report, nil
}

func stampSent(order *PurchaseOrder, meta SentMetadata, caller identity.Identity, enteringSent bool, now time.Time) {
	switch {
	case meta.SentAt != nil:
		order.SentAt = meta.SentAt
	case enteringSent:
		order.SentAt = &now
	}
	if meta.SentVia != nil {
		order.SentVia = strings.ToLower(strings.TrimSpace(*meta.SentVia))
	}
	if meta.SentNotes != nil {
		order.SentNotes = strings.TrimSpace(*meta.SentNotes)
	}
	sentBy := caller.ID
	order.SentBy = &sentBy
}

func (s *Service) afterStatus(ctx context.Context, order PurchaseOrder, dispatched bool) {
	if !dispatched || s.notifier == nil || order.SentVia != "email" {
		return
	}
	if err := s.notifier.OrderDispatched(ctx, order); err != nil {
		s.logger.Warn("enqueue dispatch notification", slog.Int64("order_id", order.ID), slog.Any("error", err))
	}
}

func (s *Service) detailWithReport(ctx context.Context, id int64, report *ReconcileReport) (OrderDetail, error) {
	detail, err := s.Get(ctx, id)
	if err != nil {
		return OrderDetail{}, err
	}
	detail.Reconciliation = report
	return detail, nil
}

func (s *Service) lock(ctx context.Context, id int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Lock(ctx, id)
}

func (s *Service) recordAudit(ctx context.Context, caller identity.Identity, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  caller.ID,
		Action:   action,
		Entity:   "purchase_order",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Int64("order_id", entityID), slog.Any("error", err))
	}
}

func currentStatus(order PurchaseOrder) (Status, error) {
	st, ok := CanonicalStatus(string(order.Status))
	if !ok {
		return "", &shared.OperationError{Op: "status change", Reason: fmt.Sprintf("order %d has unrecognised status %q", order.ID, order.Status)}
	}
	return st, nil
}

func parseStatus(raw string, verr *shared.ValidationError) (Status, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	st, ok := CanonicalStatus(raw)
	if !ok {
		verr.Add("status", fmt.Sprintf("unknown status %q", raw))
		return "", false
	}
	return st, true
}

// buildLines validates caller lines, normalises the unit quantity and derives
// line totals and the order total over non-excluded lines.
func buildLines(inputs []LineInput, verr *shared.ValidationError) ([]Line, decimal.Decimal) {
	total := decimal.Zero
	if len(inputs) == 0 {
		verr.Add("lines", "at least one line is required")
		return nil, total
	}
	lines := make([]Line, 0, len(inputs))
	for i, in := range inputs {
		field := fmt.Sprintf("lines[%d]", i)
		if in.InventoryItemID <= 0 {
			verr.Add(field+".inventory_item_id", "is required")
		}
		if in.QuantityOrdered < 0 || in.OrderedPackQty < 0 || in.PackSize < 0 {
			verr.Add(field+".quantity_ordered", "must not be negative")
		}
		if in.UnitCost.IsNegative() {
			verr.Add(field+".unit_cost", "must be >= 0")
		}
		line := Line{
			InventoryItemID: in.InventoryItemID,
			QuantityOrdered: in.QuantityOrdered,
			OrderedPackQty:  in.OrderedPackQty,
			PackSize:        in.PackSize,
			UnitCost:        in.UnitCost,
			IsExcluded:      in.IsExcluded,
			ExclusionReason: strings.TrimSpace(in.ExclusionReason),
			Notes:           strings.TrimSpace(in.Notes),
		}
		qty := UnitQuantity(line)
		if qty <= 0 {
			verr.Add(field+".quantity_ordered", "must be greater than 0")
		}
		line.QuantityOrdered = qty
		line.TotalCost = line.UnitCost.Mul(decimal.NewFromInt(int64(qty))).Round(2)
		if !line.IsExcluded {
			total = total.Add(line.TotalCost)
		}
		lines = append(lines, line)
	}
	return lines, total.Round(2)
}

func insertLines(ctx context.Context, tx TxRepository, orderID int64, lines []Line) ([]Line, error) {
	out := make([]Line, 0, len(lines))
	for i, line := range lines {
		line.OrderID = orderID
		id, err := tx.InsertLine(ctx, line)
		if err != nil {
			return nil, fmt.Errorf("insert line %d: %w", i, err)
		}
		line.ID = id
		out = append(out, line)
	}
	return out, nil
}
