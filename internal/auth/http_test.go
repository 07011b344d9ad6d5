// ABOUTME: Tests for the HTTP auth middleware
// ABOUTME: Header tokens, the stream-only query token fallback and JSON 401s

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAuthMiddleware(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	tok, err := v.Generate("harper", time.Hour)
	require.NoError(t, err)

	var gotSubject string
	h := HTTPAuthMiddleware(v, StreamRoutes, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = SubjectFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		method string
		target string
		header string
		want   int
	}{
		{"header token", http.MethodGet, "/api/conversations", "Bearer " + tok, http.StatusNoContent},
		{"missing header", http.MethodGet, "/api/conversations", "", http.StatusUnauthorized},
		{"basic auth", http.MethodGet, "/api/conversations", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/conversations", "Bearer nope", http.StatusUnauthorized},
		{"query token on stream", http.MethodGet, "/api/conversation/c1/stream?token=" + tok, "", http.StatusNoContent},
		{"query token elsewhere", http.MethodGet, "/api/conversations?token=" + tok, "", http.StatusUnauthorized},
		{"query token on post", http.MethodPost, "/api/conversation/c1/stream?token=" + tok, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "harper", gotSubject)
				return
			}
			assert.Empty(t, gotSubject)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHTTPAuthMiddleware_NoQueryFallback(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	tok, err := v.Generate("harper", time.Hour)
	require.NoError(t, err)

	h := HTTPAuthMiddleware(v, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversation/c1/stream?token="+tok, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
