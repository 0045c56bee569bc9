package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/beanhouse/backoffice/internal/jobs"
	"github.com/beanhouse/backoffice/internal/procurement"
)

// OrderReader loads the order a notification describes.
type OrderReader interface {
	Get(ctx context.Context, id int64) (procurement.OrderDetail, error)
}

// SupplierContacts resolves supplier email addresses.
type SupplierContacts interface {
	SupplierEmail(ctx context.Context, supplierID int64) (string, error)
}

// EmailEnqueuer queues rendered emails.
type EmailEnqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error)
}

// PGSupplierContacts reads supplier emails from PostgreSQL.
type PGSupplierContacts struct {
	Pool *pgxpool.Pool
}

// SupplierEmail returns the address on file or "" when none is recorded.
func (c PGSupplierContacts) SupplierEmail(ctx context.Context, supplierID int64) (string, error) {
	var email string
	err := c.Pool.QueryRow(ctx, `SELECT COALESCE(email, '') FROM suppliers WHERE id = $1`, supplierID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return strings.TrimSpace(email), err
}

// DispatchNotifyJob renders the order summary for the supplier and queues it
// as an email.
type DispatchNotifyJob struct {
	Orders   OrderReader
	Contacts SupplierContacts
	Mail     EmailEnqueuer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle processes TaskDispatchNotify tasks.
func (j *DispatchNotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Orders == nil || j.Contacts == nil || j.Mail == nil {
		return errors.New("dispatch notify: handler not configured")
	}
	var payload DispatchNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskDispatchNotify)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.Int64("order_id", payload.OrderID), slog.String("order_number", payload.OrderNumber))
	order, err := j.Orders.Get(ctx, payload.OrderID)
	if err != nil {
		return fmt.Errorf("dispatch notify: load order: %w", err)
	}
	if order.Status == procurement.StatusCancelled {
		logger.Info("order cancelled before notification, skipping")
		return nil
	}
	to, err := j.Contacts.SupplierEmail(ctx, order.SupplierID)
	if err != nil {
		return fmt.Errorf("dispatch notify: supplier email: %w", err)
	}
	if to == "" {
		logger.Warn("supplier has no email on file, skipping notification", slog.Int64("supplier_id", order.SupplierID))
		return nil
	}
	if _, err := j.Mail.EnqueueSendEmail(ctx, RenderDispatchEmail(to, order)); err != nil {
		return fmt.Errorf("dispatch notify: enqueue email: %w", err)
	}
	logger.Info("dispatch notification queued", slog.String("to", to))
	return nil
}

func (j *DispatchNotifyJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

// RenderDispatchEmail lists the non-excluded lines of order for the supplier.
func RenderDispatchEmail(to string, order procurement.OrderDetail) SendEmailPayload {
	var b strings.Builder
	fmt.Fprintf(&b, "Purchase order %s\n", order.OrderNumber)
	if order.ExpectedDeliveryDate != nil {
		fmt.Fprintf(&b, "Requested delivery: %s\n", order.ExpectedDeliveryDate.Format("2006-01-02"))
	}
	b.WriteString("\n")
	for _, line := range order.Lines {
		if line.IsExcluded {
			continue
		}
		name := line.ItemName
		if name == "" {
			name = fmt.Sprintf("item #%d", line.InventoryItemID)
		}
		fmt.Fprintf(&b, "- %s x %d @ %s\n", name, procurement.UnitQuantity(line), line.UnitCost.StringFixed(2))
	}
	fmt.Fprintf(&b, "\nTotal: %s\n", order.TotalAmount.StringFixed(2))
	if order.SentNotes != "" {
		fmt.Fprintf(&b, "\n%s\n", order.SentNotes)
	}
	return SendEmailPayload{
		To:      to,
		Subject: "Purchase order " + order.OrderNumber,
		Body:    b.String(),
	}
}
