package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/scriptexec/internal/api/errors"
	"github.com/narvanalabs/scriptexec/internal/auth"
)

// Context keys for caller information.
type contextKey string

// PrincipalIDKey is the context key for the authenticated caller ID.
const PrincipalIDKey contextKey = "principal_id"

// GetPrincipalID extracts the caller ID from the request context.
func GetPrincipalID(ctx context.Context) string {
	if v, ok := ctx.Value(PrincipalIDKey).(string); ok {
		return v
	}
	return ""
}

// AuthMiddleware handles JWT and API key authentication.
type AuthMiddleware struct {
	authService  *auth.Service
	apiKeyHeader string
	logger       *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authService *auth.Service, apiKeyHeader string, logger *slog.Logger) *AuthMiddleware {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		authService:  authService,
		apiKeyHeader: apiKeyHeader,
		logger:       logger,
	}
}

// Authenticate is a middleware that validates API keys or JWT bearer tokens.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principalID string

		if apiKey := r.Header.Get(m.apiKeyHeader); apiKey != "" {
			p, err := m.authService.ValidateAPIKey(apiKey)
			if err != nil {
				m.logger.Debug("API key validation failed", "error", err)
				apierrors.WriteRequestError(w, r, apierrors.NewUnauthorizedError("Invalid API key"))
				return
			}
			principalID = p.ID
		} else {
			token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				apierrors.WriteRequestError(w, r, apierrors.NewUnauthorizedError("Missing authentication"))
				return
			}

			claims, err := m.authService.ValidateToken(token)
			if err != nil {
				m.logger.Debug("JWT validation failed", "error", err)
				if errors.Is(err, auth.ErrExpiredToken) {
					apierrors.WriteRequestError(w, r, apierrors.NewUnauthorizedError("Token has expired"))
					return
				}
				apierrors.WriteRequestError(w, r, apierrors.NewUnauthorizedError("Invalid token"))
				return
			}
			principalID = claims.UserID
		}

		ctx := context.WithValue(r.Context(), PrincipalIDKey, principalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
