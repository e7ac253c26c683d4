// Package middleware provides HTTP middleware for the RPC listener.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/R3E-Network/paychan/internal/errors"
	"github.com/R3E-Network/paychan/internal/httputil"
	"github.com/R3E-Network/paychan/pkg/logger"
)

// TokenSource supplies the currently valid bearer secret. The settlement
// backend owns the token, so it is read per request rather than captured.
type TokenSource func() string

// AuthMiddleware authenticates requests against a shared bearer secret.
type AuthMiddleware struct {
	token     TokenSource
	logger    *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a bearer-token authentication middleware. Paths
// in skipPaths (health, metrics) bypass authentication.
func NewAuthMiddleware(token TokenSource, log *logger.Logger, skipPaths []string) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{token: token, logger: log, skipPaths: skip}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		presented, ok := bearerToken(r)
		if !ok {
			httputil.WriteError(w, errors.Unauthorized("missing bearer token"))
			return
		}

		expected := m.token()
		if expected == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			m.logger.WithField("path", r.URL.Path).Warn("rejected request with bad token")
			httputil.WriteError(w, errors.Unauthorized(""))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
