package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthHandler(token string) http.Handler {
	s := &Server{
		config: Config{AuthToken: token},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuthMiddleware_NoToken_NoOp(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/agent", nil)
	rec := httptest.NewRecorder()
	newAuthHandler("").ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Authorization(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer test-token-123", want: http.StatusOK},
		{name: "lowercase scheme", header: "bearer test-token-123", want: http.StatusOK},
		{name: "wrong token", header: "Bearer wrong-token", want: http.StatusUnauthorized},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", want: http.StatusUnauthorized},
	}

	handler := newAuthHandler("test-token-123")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/agent", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddleware_UnauthorizedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/receipts/bafyabc", nil)
	rec := httptest.NewRecorder()
	newAuthHandler("test-token-123").ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="ucan-ledger"`, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "unauthorized", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestAuthMiddleware_Routes(t *testing.T) {
	tests := []struct {
		method string
		path   string
		public bool
	}{
		{http.MethodGet, "/health", true},
		{http.MethodGet, "/metrics", true},
		{http.MethodGet, "/revocations/bafyabc", true},
		{http.MethodHead, "/revocations/bafyabc", true},
		{http.MethodPost, "/revocations/check", true},
		{http.MethodOptions, "/revocations/check", true},
		{http.MethodPost, "/agent", false},
		{http.MethodGet, "/receipts/bafyabc", false},
		{http.MethodGet, "/revocations/", false},
		{http.MethodGet, "/revocations", false},
		{http.MethodPost, "/revocations/bafyabc", false},
		{http.MethodGet, "/health/extra", false},
		{http.MethodGet, "/unknown", false},
	}

	handler := newAuthHandler("test-token-123")
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			want := http.StatusUnauthorized
			if tt.public {
				want = http.StatusOK
			}
			require.Equal(t, want, rec.Code)
		})
	}
}
