package shared

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrIdempotencyConflict reports a key that was already claimed.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// KeyDB is satisfied by *pgxpool.Pool and pgx.Tx.
type KeyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// IdempotencyStore persists client request keys per module together with the
// id of the record the first request produced. A claimed key whose ref_id is
// still NULL belongs to a request that has not finished.
type IdempotencyStore struct {
	db KeyDB
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(db KeyDB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

func (s *IdempotencyStore) check(key, module string) error {
	if s == nil || s.db == nil {
		return errors.New("idempotency store not initialised")
	}
	if strings.TrimSpace(key) == "" {
		return NewValidationError("idempotency_key", "must not be blank")
	}
	if len(key) > 200 {
		return NewValidationError("idempotency_key", "must be at most 200 characters")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	return nil
}

// CheckAndInsert claims key for module, returning ErrIdempotencyConflict when
// another request already holds it.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if err := s.check(key, module); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO idempotency_keys (key, module) VALUES ($1, $2) ON CONFLICT (key, module) DO NOTHING`,
		key, module)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Bind records the id of the record produced for key.
func (s *IdempotencyStore) Bind(ctx context.Context, key, module string, refID int64) error {
	if err := s.check(key, module); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `UPDATE idempotency_keys SET ref_id = $3 WHERE key = $1 AND module = $2`, key, module, refID)
	return err
}

// Lookup returns the record id bound to key, or 0 while the original request
// is still in flight.
func (s *IdempotencyStore) Lookup(ctx context.Context, key, module string) (int64, error) {
	if err := s.check(key, module); err != nil {
		return 0, err
	}
	var ref *int64
	err := s.db.QueryRow(ctx, `SELECT ref_id FROM idempotency_keys WHERE key = $1 AND module = $2`, key, module).Scan(&ref)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, ErrNotFound
	case err != nil:
		return 0, err
	case ref == nil:
		return 0, nil
	}
	return *ref, nil
}

// Delete releases an unfinished claim for module so the client can retry.
// Keys already bound to a record are kept.
func (s *IdempotencyStore) Delete(ctx context.Context, key, module string) error {
	if err := s.check(key, module); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND module = $2 AND ref_id IS NULL`, key, module)
	return err
}

// Cleanup removes keys claimed before the retention window.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	if olderThan <= 0 {
		return errors.New("idempotency retention must be positive")
	}
	_, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-olderThan))
	return err
}
