package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/AashishAdhikari27/go-chat-app/internal/models"
	"github.com/AashishAdhikari27/go-chat-app/internal/token"
)

type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFromContext returns the verified token claims RequireAuth stored
// on the request context.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*token.Claims)
	return claims, ok
}

func WriteJSONError(w http.ResponseWriter, message, code string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// RequireAuth verifies the bearer token on the Authorization header and
// stores its claims on the request context for downstream handlers.
func RequireAuth(tokens *token.Manager) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				WriteJSONError(w, "Not authenticated", "UNAUTHORIZED", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.Verify(raw)
			if err != nil {
				WriteJSONError(w, "Token expired or invalid", "TOKEN_INVALID", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next(w, r.WithContext(ctx))
		}
	}
}

// RequireRole gates a handler on the role carried in the verified
// claims. It must run inside RequireAuth.
func RequireRole(role string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				WriteJSONError(w, "Not authenticated", "UNAUTHORIZED", http.StatusUnauthorized)
				return
			}
			if claims.Role != role {
				WriteJSONError(w, "Insufficient permissions", "FORBIDDEN", http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
