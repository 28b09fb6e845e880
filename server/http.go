// Package server provides the HTTP surface of the ledger: agent message
// ingestion, receipt lookup and the public revocation endpoints.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/agentlog"
	"github.com/wolfeidau/ucan-ledger/revocation"
	"github.com/wolfeidau/ucan-ledger/telemetry"
	"github.com/wolfeidau/ucan-ledger/ucan"
)

// DefaultMaxArchiveSize bounds an ingested agent message.
const DefaultMaxArchiveSize = 32 * 1024 * 1024

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on ingestion and
	// lookup routes. Revocation routes stay public.
	AuthToken string

	// MaxArchiveSize bounds request bodies on the ingestion route.
	// Default is DefaultMaxArchiveSize.
	MaxArchiveSize int64

	// Logger for the server
	Logger *slog.Logger
}

// AgentLog ingests agent messages and resolves receipts.
type AgentLog interface {
	Ingest(ctx context.Context, body []byte, headers http.Header) (*agentlog.Result, error)
	GetReceipt(ctx context.Context, task ucanledger.Link) (*ucan.Receipt, error)
}

// Revocations answers revocation queries.
type Revocations interface {
	Match(ctx context.Context, delegations []ucanledger.Link) (revocation.MatchingRevocations, error)
}

// Proofs builds revocation proof archives.
type Proofs interface {
	BuildProof(ctx context.Context, delegation ucanledger.Link) ([]byte, ucanledger.Link, error)
}

// Services are the components the server routes to.
type Services struct {
	AgentLog    AgentLog
	Revocations Revocations
	Proofs      Proofs
}

// Server is the HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	services   Services
}

// New creates a new server with the given configuration.
func New(cfg Config, services Services) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxArchiveSize <= 0 {
		cfg.MaxArchiveSize = DefaultMaxArchiveSize
	}
	if services.AgentLog == nil || services.Revocations == nil || services.Proofs == nil {
		return nil, fmt.Errorf("server: agent log, revocations and proofs are required")
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		services: services,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler with logging and auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST /agent", s.handleIngest)
	mux.HandleFunc("GET /receipts/{cid}", s.handleReceipt)

	mux.HandleFunc("GET /revocations/{cid}", s.handleRevocation)
	mux.HandleFunc("POST /revocations/check", s.handleRevocationsCheck)
	mux.HandleFunc("OPTIONS /revocations/check", s.handleRevocationsPreflight)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetSurface(r, "internal")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set surface, result, endpoint.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Surface = deriveSurface(r.URL.Path)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"surface", tags.Surface,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Result != telemetry.ResultNone {
			attrs = append(attrs, "result", string(tags.Result))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveSurface classifies the request path for logs and metrics.
func deriveSurface(path string) string {
	switch {
	case path == "/health" || path == "/metrics":
		return "internal"
	case path == "/agent":
		return "agent"
	case strings.HasPrefix(path, "/receipts/"):
		return "receipts"
	case strings.HasPrefix(path, "/revocations/"):
		return "revocations"
	default:
		return "unknown"
	}
}
