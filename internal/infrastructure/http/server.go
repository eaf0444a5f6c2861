// Package http owns the HTTP server: router assembly, global
// middleware, and lifecycle.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	mw "github.com/gantrylab/gantry/internal/infrastructure/http/middleware"
	"github.com/gantrylab/gantry/internal/metrics"
)

// Defaults applied for zero ServerConfig fields.
const (
	DefaultHost              = "" // all interfaces
	DefaultPort              = "8080"
	DefaultReadTimeout       = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1MB
	DefaultMaxBodyBytes      = 1 << 20 // 1MB
)

// ServerConfig holds the listener and request-surface settings. It
// deliberately has no WriteTimeout: the event stream endpoint holds
// responses open indefinitely, and a server-level write deadline would
// sever them mid-stream.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// APIServer is the assembled HTTP front: global middleware, health and
// metrics endpoints at the root, the API under /v1.
type APIServer struct {
	server *http.Server
}

// NewAPIServer mounts apiHandler under /v1 and readies the listener.
// Zero config fields get defaults.
func NewAPIServer(apiHandler http.Handler, cfg ServerConfig) *APIServer {
	cfg.applyDefaults()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(mw.MaxBodyBytes(cfg.MaxBodyBytes))

	router.Get("/healthz", healthz)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Route("/v1", func(r chi.Router) {
		r.Mount("/", apiHandler)
	})

	return &APIServer{
		server: &http.Server{
			Addr:              cfg.Host + ":" + cfg.Port,
			Handler:           router,
			ReadTimeout:       cfg.ReadTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
	}
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		slog.ErrorContext(r.Context(), "failed to write health response", "error", err)
	}
}

// Start serves requests until Shutdown or a listener error.
func (s *APIServer) Start() error {
	slog.Info("starting http server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown drains outstanding requests within ctx's deadline. Open
// event streams end when their subscribers are cut loose.
func (s *APIServer) Shutdown(ctx context.Context) error {
	slog.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router so tests can drive the server through
// httptest without a listener.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}
