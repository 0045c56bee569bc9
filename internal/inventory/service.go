package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/beanhouse/backoffice/internal/identity"
	"github.com/beanhouse/backoffice/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetItem(ctx context.Context, id int64) (Item, error)
	Movements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	LedgerDrift(ctx context.Context) ([]Drift, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates inventory operations.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// Adjust posts a manual adjustment, sale or waste entry in its own
// transaction.
func (s *Service) Adjust(ctx context.Context, caller identity.Identity, input AdjustmentInput) (Movement, error) {
	if err := identity.RequireAdmin(caller); err != nil {
		return Movement{}, err
	}
	change, err := adjustmentChange(input)
	if err != nil {
		return Movement{}, err
	}
	var posted Movement
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := PostMovement(ctx, tx, MovementInput{
			ItemID:        input.ItemID,
			Type:          input.Type,
			Change:        change,
			ReferenceType: ReferenceAdjustment,
			Notes:         input.Notes,
			CreatedBy:     caller.ID,
		})
		if err != nil {
			return err
		}
		posted = m
		return nil
	})
	if err != nil {
		return Movement{}, shared.Dependency("postgres", err)
	}
	s.record(ctx, caller.ID, posted)
	return posted, nil
}

func adjustmentChange(input AdjustmentInput) (int, error) {
	verr := &shared.ValidationError{}
	if input.ItemID <= 0 {
		verr.Add("inventory_item_id", "is required")
	}
	change := input.Quantity
	switch input.Type {
	case MovementAdjustment:
		if input.Quantity == 0 {
			verr.Add("quantity", "must be non-zero")
		}
	case MovementSale, MovementWaste:
		if input.Quantity <= 0 {
			verr.Add("quantity", "must be positive")
		}
		change = -input.Quantity
	default:
		verr.Add("movement_type", "must be one of adjustment, sale, waste")
	}
	return change, verr.Err()
}

func (s *Service) record(ctx context.Context, actorID int64, m Movement) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   fmt.Sprintf("inventory:%s", m.Type),
		Entity:   "stock_movement",
		EntityID: strconv.FormatInt(m.ID, 10),
		Meta: map[string]any{
			"inventory_item_id": m.ItemID,
			"quantity_change":   m.QuantityChange,
			"new_stock":         m.NewStock,
		},
	})
	if err != nil {
		s.logger.Warn("audit stock movement", slog.Int64("movement_id", m.ID), slog.Any("error", err))
	}
}

// Movements returns the ledger for one item.
func (s *Service) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.ItemID <= 0 {
		return nil, shared.NewValidationError("inventory_item_id", "is required")
	}
	if _, err := s.repo.GetItem(ctx, filter.ItemID); err != nil {
		return nil, shared.Dependency("postgres", err)
	}
	out, err := s.repo.Movements(ctx, filter)
	if err != nil {
		return nil, shared.Dependency("postgres", err)
	}
	return out, nil
}

// VerifyLedger rebuilds each live item's stock from its ledger and reports
// the rows whose counter disagrees.
func (s *Service) VerifyLedger(ctx context.Context) ([]Drift, error) {
	drift, err := s.repo.LedgerDrift(ctx)
	if err != nil {
		return nil, shared.Dependency("postgres", err)
	}
	for _, d := range drift {
		s.logger.Warn("stock ledger drift",
			slog.Int64("inventory_item_id", d.ItemID),
			slog.Int("current_stock", d.CurrentStock),
			slog.Int("ledger_stock", d.LedgerStock))
	}
	return drift, nil
}
