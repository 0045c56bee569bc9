package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

// OrderLockKey builds redis keys for per-order critical sections.
func OrderLockKey(orderID int64) string {
	return fmt.Sprintf("procurement:order:%d:lock", orderID)
}

// OrderLocker serialises status changes on one purchase order across
// processes. The database row lock stays authoritative; this lock turns a
// racing duplicate request into a fast, explicit refusal.
type OrderLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewOrderLocker wraps a redislock client. A zero ttl defaults to 30s.
func NewOrderLocker(client redislock.RedisClient, ttl time.Duration) *OrderLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &OrderLocker{client: redislock.New(client), ttl: ttl}
}

// Lock obtains the order lock. The returned release func is safe to call once.
func (l *OrderLocker) Lock(ctx context.Context, orderID int64) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	lock, err := l.client.Obtain(ctx, OrderLockKey(orderID), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, &OperationError{Op: "status change", Reason: fmt.Sprintf("purchase order %d is being updated by another request", orderID)}
	}
	if err != nil {
		return nil, Dependency("redis lock", err)
	}
	return func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}
