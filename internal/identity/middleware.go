package identity

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/beanhouse/backoffice/internal/platform/httpx"
	"github.com/beanhouse/backoffice/internal/shared"
)

// Middleware authenticates bearer tokens and enforces the admin capability.
type Middleware struct {
	Verifier *Verifier
	Logger   *slog.Logger
}

// Authenticate rejects requests without a valid bearer token.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httpx.RespondError(w, shared.ErrUnauthorized)
			return
		}
		caller, err := m.Verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			if m.Logger != nil {
				m.Logger.Debug("bearer rejected", slog.Any("error", err))
			}
			httpx.RespondError(w, shared.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), caller)))
	})
}

// RequireAdmin allows only admin callers through.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := FromContext(r.Context())
		if err := RequireAdmin(caller); err != nil {
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
