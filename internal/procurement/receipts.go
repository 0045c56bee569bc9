package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/beanhouse/backoffice/internal/identity"
	"github.com/beanhouse/backoffice/internal/shared"
)

const receiptIdempotencyModule = "procurement.receipt"

// LogReceipt appends delivery evidence against one line. It never touches
// stock; the ledger is only written by reconciliation.
func (s *Service) LogReceipt(ctx context.Context, caller identity.Identity, input LogReceiptInput) (ReceiptResult, error) {
	if err := identity.RequireAdmin(caller); err != nil {
		return ReceiptResult{}, err
	}
	if err := validateReceipt(&input); err != nil {
		return ReceiptResult{}, err
	}

	key := strings.TrimSpace(input.IdempotencyKey)
	claimed := false
	if key != "" && s.idempotency != nil {
		err := s.idempotency.CheckAndInsert(ctx, key, receiptIdempotencyModule)
		switch {
		case errors.Is(err, shared.ErrIdempotencyConflict):
			return s.replayReceipt(ctx, key)
		case err != nil:
			return ReceiptResult{}, shared.Dependency("idempotency store", err)
		}
		claimed = true
	}

	var result ReceiptResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		line, err := tx.GetLine(ctx, input.LineID)
		if err != nil {
			return err
		}
		if line.IsExcluded {
			reason := line.ExclusionReason
			if reason == "" {
				reason = "no reason given"
			}
			return &shared.OperationError{Op: "log receipt", Reason: fmt.Sprintf("line %d is excluded: %s", line.ID, reason)}
		}
		order, err := tx.LockOrder(ctx, line.OrderID)
		if err != nil {
			return err
		}
		current, err := currentStatus(order)
		if err != nil {
			return err
		}
		if current != StatusSent && current != StatusConfirmed {
			return &shared.OperationError{Op: "log receipt", Reason: fmt.Sprintf("order %d is %s; receipts are accepted while sent or confirmed", order.ID, current)}
		}
		receipt := Receipt{
			OrderID:    order.ID,
			LineID:     line.ID,
			Quantity:   input.Quantity,
			Weight:     input.Weight,
			WeightUnit: input.WeightUnit,
			Notes:      input.Notes,
			PhotoRef:   input.PhotoRef,
			ReceivedBy: caller.ID,
			ReceivedAt: s.now(),
		}
		id, err := tx.InsertReceipt(ctx, receipt)
		if err != nil {
			return err
		}
		receipt.ID = id
		complete, err := tx.ReceiptsComplete(ctx, order.ID)
		if err != nil {
			return err
		}
		result = ReceiptResult{Receipt: receipt, OrderComplete: complete}
		return nil
	})
	if err != nil {
		if claimed {
			if delErr := s.idempotency.Delete(ctx, key, receiptIdempotencyModule); delErr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		return ReceiptResult{}, shared.Dependency("postgres", err)
	}
	if claimed {
		if err := s.idempotency.Bind(ctx, key, receiptIdempotencyModule, result.Receipt.ID); err != nil {
			s.logger.Warn("bind idempotency key", slog.String("key", key), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, caller, "po:receipt", result.Receipt.OrderID, map[string]any{
		"receipt_id": result.Receipt.ID,
		"line_id":    result.Receipt.LineID,
		"quantity":   result.Receipt.Quantity,
	})
	return result, nil
}

func (s *Service) replayReceipt(ctx context.Context, key string) (ReceiptResult, error) {
	ref, err := s.idempotency.Lookup(ctx, key, receiptIdempotencyModule)
	if err != nil {
		return ReceiptResult{}, shared.Dependency("idempotency store", err)
	}
	if ref == 0 {
		return ReceiptResult{}, &shared.OperationError{Op: "log receipt", Reason: "a request with this idempotency key is still in progress"}
	}
	receipt, err := s.repo.GetReceipt(ctx, ref)
	if err != nil {
		return ReceiptResult{}, shared.Dependency("postgres", err)
	}
	complete, err := s.repo.ReceiptsComplete(ctx, receipt.OrderID)
	if err != nil {
		return ReceiptResult{}, shared.Dependency("postgres", err)
	}
	return ReceiptResult{Receipt: receipt, OrderComplete: complete, Replayed: true}, nil
}

// ListReceipts returns every receipt of an order, oldest first.
func (s *Service) ListReceipts(ctx context.Context, orderID int64) ([]Receipt, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, shared.Dependency("postgres", err)
	}
	receipts, err := s.repo.Receipts(ctx, orderID)
	if err != nil {
		return nil, shared.Dependency("postgres", err)
	}
	if receipts == nil {
		receipts = []Receipt{}
	}
	return receipts, nil
}

func validateReceipt(input *LogReceiptInput) error {
	verr := &shared.ValidationError{}
	if input.LineID <= 0 {
		verr.Add("purchase_order_item_id", "is required")
	}
	if input.Quantity <= 0 {
		verr.Add("quantity", "must be a positive integer")
	}
	input.WeightUnit = strings.ToLower(strings.TrimSpace(input.WeightUnit))
	switch {
	case input.Weight != nil && !input.Weight.IsPositive():
		verr.Add("weight", "must be greater than 0")
	case input.Weight != nil && !weightUnits[input.WeightUnit]:
		verr.Add("weight_unit", "must be one of g, kg, lb, oz")
	case input.Weight == nil && input.WeightUnit != "":
		verr.Add("weight", "is required when weight_unit is set")
	}
	input.Notes = strings.TrimSpace(input.Notes)
	input.PhotoRef = strings.TrimSpace(input.PhotoRef)
	return verr.Err()
}
