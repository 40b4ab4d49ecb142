package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prudhvinik1/signalhub/internal/services"
)

// IdentityResolver turns a bearer token into the connection owner.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (*services.Identity, error)
}

// Authenticate resolves the request's access token and stores the identity
// on the request context. Browsers cannot set headers on a WebSocket
// handshake, so the token may also come from the access_token or token query
// parameter.
func Authenticate(auth IdentityResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractToken(r)
			if tokenString == "" {
				http.Error(w, "Missing authorization token", http.StatusUnauthorized)
				return
			}

			identity, err := auth.ResolveIdentity(r.Context(), tokenString)
			if err != nil {
				if errors.Is(err, services.ErrInvalidToken) || errors.Is(err, services.ErrUnauthenticatedConnection) {
					http.Error(w, "Invalid token", http.StatusUnauthorized)
					return
				}
				logger.Error("Failed to resolve identity", "error", err)
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}

			next.ServeHTTP(w, r.WithContext(services.WithIdentity(r.Context(), identity)))
		})
	}
}

func extractToken(r *http.Request) string {
	bearerToken := r.Header.Get("Authorization")
	if strings.HasPrefix(bearerToken, "Bearer ") {
		return strings.TrimPrefix(bearerToken, "Bearer ")
	}

	q := r.URL.Query()
	if token := q.Get("access_token"); token != "" {
		return token
	}
	return q.Get("token")
}
