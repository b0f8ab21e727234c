// ABOUTME: HTTP middleware for JWT authentication on operator API endpoints
// ABOUTME: Extracts the bearer token and adds the operator identity to the request context

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// MiddlewareOption adjusts HTTPAuthMiddleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	queryParam string
	logger     *slog.Logger
}

// WithQueryToken also accepts the token from the named query parameter.
// EventSource and browser WebSocket clients cannot set headers.
func WithQueryToken(param string) MiddlewareOption {
	return func(c *middlewareConfig) { c.queryParam = param }
}

// WithLogger sets the logger used for rejected requests.
func WithLogger(logger *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.logger = logger }
}

// HTTPAuthMiddleware rejects requests without a valid bearer token and
// stores the operator id in the request context.
func HTTPAuthMiddleware(verifier TokenVerifier, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" && cfg.queryParam != "" {
				if q := r.URL.Query().Get(cfg.queryParam); q != "" {
					token, errMsg = q, ""
				}
			}
			if errMsg != "" {
				writeAuthError(w, errMsg)
				return
			}

			operatorID, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, msg)
				return
			}

			ctx := WithAuth(r.Context(), &AuthContext{OperatorID: operatorID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="switchboard"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
