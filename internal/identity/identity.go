// Package identity supplies the caller identity consumed by the back-office.
// Token issuance and login live outside this service; only bearer
// verification and the admin capability check happen here.
package identity

import (
	"context"

	"github.com/beanhouse/backoffice/internal/shared"
)

// Roles recognised by the back-office.
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// Identity is the authenticated caller.
type Identity struct {
	ID   int64  `json:"id"`
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// IsAdmin reports whether the caller carries the admin capability.
func (i Identity) IsAdmin() bool {
	return i.ID > 0 && i.Role == RoleAdmin
}

type contextKey struct{}

// WithIdentity stores the caller in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the caller from ctx.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.ID > 0
}

// RequireAdmin returns ErrUnauthorized for anonymous callers and ErrForbidden
// for callers without the admin role.
func RequireAdmin(caller Identity) error {
	if caller.ID <= 0 {
		return shared.ErrUnauthorized
	}
	if !caller.IsAdmin() {
		return shared.ErrForbidden
	}
	return nil
}
