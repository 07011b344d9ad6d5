// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Reads the Authorization header, or ?token= on routes that allow it

package auth

import (
	"encoding/json"
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
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// QueryTokenAllowed decides whether a request may carry its token in the
// query string instead of a header.
type QueryTokenAllowed func(r *http.Request) bool

// StreamRoutes allows ?token= on GET requests for SSE streams, which
// browsers open with EventSource and cannot add headers to.
func StreamRoutes(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/stream")
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="coven-sessions"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware rejects requests without a valid bearer token and puts
// the token subject in the request context. allowQuery may be nil.
func HTTPAuthMiddleware(verifier TokenVerifier, allowQuery QueryTokenAllowed, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" && allowQuery != nil && allowQuery(r) {
				if q := r.URL.Query().Get("token"); q != "" {
					token, errMsg = q, ""
				}
			}
			if errMsg != "" {
				logger.Debug("auth failure", "reason", errMsg, "path", r.URL.Path, "remote", r.RemoteAddr)
				writeAuthError(w, errMsg)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("auth failure", "reason", err, "path", r.URL.Path, "remote", r.RemoteAddr)
				writeAuthError(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
