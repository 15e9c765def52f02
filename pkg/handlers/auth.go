package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// AuthMiddleware guards the API with a static bearer token shared with
// worker agents.
type AuthMiddleware struct {
	token  string
	logger *zap.Logger
}

// NewAuthMiddleware creates an auth middleware checking against token.
func NewAuthMiddleware(token string, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{token: token, logger: logger}
}

// RequireAuth rejects requests whose Authorization header does not carry
// the configured bearer token.
func (m *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
			if err := ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid bearer token"); err != nil {
				m.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		next(w, r)
	}
}
