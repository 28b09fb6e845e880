package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicRoute is a method and path prefix served without a token.
type publicRoute struct {
	method string
	prefix string
	exact  bool
}

// Revocation lookups are consumed by arbitrary clients verifying delegations,
// so they stay public. Ingestion and receipt lookup need the token.
var publicRoutes = []publicRoute{
	{method: http.MethodGet, prefix: "/health", exact: true},
	{method: http.MethodGet, prefix: "/metrics", exact: true},
	{method: http.MethodGet, prefix: "/revocations/"},
	{method: http.MethodHead, prefix: "/revocations/"},
	{method: http.MethodPost, prefix: "/revocations/check", exact: true},
	{method: http.MethodOptions, prefix: "/revocations/check", exact: true},
}

// authMiddleware requires a Bearer token matching Config.AuthToken on every
// route not listed in publicRoutes. An empty AuthToken disables the check.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			s.logger.Debug("rejected request",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", w.Header().Get("X-Request-ID"),
				"has_token", ok,
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="ucan-ledger"`)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "A valid bearer token is required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isPublic(method, path string) bool {
	for _, route := range publicRoutes {
		if route.method != method {
			continue
		}
		if route.exact && path == route.prefix {
			return true
		}
		if !route.exact && strings.HasPrefix(path, route.prefix) && len(path) > len(route.prefix) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}
