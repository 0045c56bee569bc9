package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskDispatchNotify tells a supplier that a purchase order went out.
	TaskDispatchNotify = "procurement:dispatch_notify"
	// TaskVerifyLedger compares stock counters with the movement ledger.
	TaskVerifyLedger = "inventory:verify_ledger"
	// TaskIdempotencyCleanup prunes expired receipt idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// SendEmailJob hands rendered emails to the outbound relay. The relay itself
// is outside this service; the job records the hand-off.
type SendEmailJob struct {
	Logger *slog.Logger
}

// Handle processes TaskTypeSendEmail tasks.
func (j SendEmailJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.To == "" {
		return fmt.Errorf("send email: empty recipient: %w", asynq.SkipRetry)
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email handed to relay",
		slog.String("to", payload.To),
		slog.String("subject", payload.Subject),
		slog.Int("body_bytes", len(payload.Body)))
	return nil
}

// DispatchNotifyPayload identifies the dispatched order.
type DispatchNotifyPayload struct {
	OrderID     int64     `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	SupplierID  int64     `json:"supplier_id"`
	SentAt      time.Time `json:"sent_at"`
}

// NewDispatchNotifyTask builds the task. The task id is derived from the
// order and its sent timestamp so a retried status write enqueues once.
func NewDispatchNotifyTask(payload DispatchNotifyPayload) (*asynq.Task, error) {
	if payload.OrderID <= 0 {
		return nil, errors.New("dispatch notify: order id required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("po-dispatch-%d-%d", payload.OrderID, payload.SentAt.Unix())
	return asynq.NewTask(TaskDispatchNotify, body,
		asynq.TaskID(id),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(5),
	), nil
}

// VerifyLedgerPayload carries scheduling metadata.
type VerifyLedgerPayload struct {
	Trigger string `json:"trigger"`
}

// NewVerifyLedgerTask constructs the ledger verification task.
func NewVerifyLedgerTask(trigger string) (*asynq.Task, error) {
	body, err := json.Marshal(VerifyLedgerPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskVerifyLedger, body, asynq.Queue(QueueDefault)), nil
}
