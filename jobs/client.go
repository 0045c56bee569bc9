package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/beanhouse/backoffice/internal/procurement"
)

// Client submits back-office tasks.
type Client struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt, logger *slog.Logger) (*Client, error) {
	if redisOpts.Addr == "" {
		return nil, errors.New("jobs client: redis address required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{client: asynq.NewClient(redisOpts), logger: logger}, nil
}

// EnqueueSendEmail queues a rendered email for the relay.
func (c *Client) EnqueueSendEmail(ctx context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error) {
	task, err := NewSendEmailTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(8))
}

// OrderDispatched queues the supplier notification for an order that was just
// marked sent. A task already queued for the same dispatch is not an error.
func (c *Client) OrderDispatched(ctx context.Context, order procurement.PurchaseOrder) error {
	payload := DispatchNotifyPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		SupplierID:  order.SupplierID,
	}
	if order.SentAt != nil {
		payload.SentAt = *order.SentAt
	}
	task, err := NewDispatchNotifyTask(payload)
	if err != nil {
		return err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		c.logger.Debug("dispatch notification already queued", slog.Int64("order_id", order.ID))
		return nil
	case err != nil:
		return err
	}
	c.logger.Info("dispatch notification enqueued", slog.Int64("order_id", order.ID), slog.String("task_id", info.ID))
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
