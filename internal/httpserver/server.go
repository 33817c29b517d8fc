package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"topup-reconciler/internal/metrics"
	"topup-reconciler/internal/reconcile"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operator runs the operator decisions exposed over HTTP.
type Operator interface {
	Approve(ctx context.Context, requestID string) (*reconcile.Result, error)
	Reject(ctx context.Context, requestID, reason string) (*reconcile.Result, error)
	Get(ctx context.Context, requestID string) (*reconcile.Snapshot, error)
}

// Handlers groups the components mounted by the server. Nil members are not routed.
type Handlers struct {
	Operator Operator
	Alerts   *AlertHub
	// Health checks backing stores for /healthz.
	Health func(ctx context.Context) error
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer       *http.Server
	logger           *slog.Logger
	metrics          *metrics.Metrics
	handlers         Handlers
	basePath         string
	operationTimeout time.Duration
}

// Config tunes the server.
type Config struct {
	Addr     string
	BasePath string
	// OperationTimeout bounds a single approve or reject call.
	OperationTimeout time.Duration
}

// New creates a new HTTP server with the operator API, alert stream, health and metrics endpoints.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers) *Server {
	server := &Server{
		logger:           logger.With("component", "http"),
		metrics:          metricRegistry,
		handlers:         handlers,
		basePath:         normaliseBasePath(cfg.BasePath),
		operationTimeout: cfg.OperationTimeout,
	}

	server.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mountWithBasePath(server.basePath, server.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Full paths on the root router: a subrouter answers 404 instead of 405 on method mismatch.
	if s.handlers.Operator != nil {
		r.HandleFunc("/api/v1/payment-requests/{id}", s.handleGet).Methods(http.MethodGet)
		r.HandleFunc("/api/v1/payment-requests/{id}/approve", s.handleApprove).Methods(http.MethodPost)
		r.HandleFunc("/api/v1/payment-requests/{id}/reject", s.handleReject).Methods(http.MethodPost)
	}
	if s.handlers.Alerts != nil {
		r.Handle("/api/v1/alerts/ws", s.handlers.Alerts).Methods(http.MethodGet)
	}
	return r
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if s.handlers.Alerts != nil {
		s.handlers.Alerts.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.handlers.Health(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
