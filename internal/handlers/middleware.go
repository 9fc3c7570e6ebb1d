package handlers

import (
	"net/http"

	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/internal/metrics"
	"github.com/tradedesk/authserver/internal/services"
	"github.com/tradedesk/authserver/types"
)

// RequireSession runs the session guard on the bearer token and injects the
// caller into the request context.
func RequireSession(sessions *services.SessionService, m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err == nil {
				var auth services.AuthContext
				auth, err = sessions.Guard(r.Context(), tokenString)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), auth)))
					return
				}
			}
			code, _ := apperr.Public(err)
			m.GuardRejected(code)
			writeError(w, err)
		})
	}
}

// RequireRole rejects callers whose role differs from role. It must run
// after RequireSession.
func RequireRole(role types.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, ok := authFromContext(r.Context())
			if !ok {
				writeError(w, apperr.ErrTokenInvalid)
				return
			}
			if auth.Role != role {
				writeError(w, apperr.ErrInsufficientRole)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
