// Package gateway is the HTTP surface shared by node and worker processes:
// health, metrics, remote shutdown, and whatever handlers the process mounts
// (channel adapters on a node, the file bridge on a worker).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scalyclaw/scalyclaw-sub000/internal/auth"
)

// Config configures the listener.
type Config struct {
	Host string
	Port int
	// AuthToken protects /shutdown. With no token every shutdown request is
	// rejected.
	AuthToken string
	// Role and ID are reported by /healthz.
	Role string
	ID   string
}

// HealthFunc reports component health. Any false entry turns /healthz into
// a 503.
type HealthFunc func() map[string]bool

// Server is the process HTTP server.
type Server struct {
	config   Config
	mux      *http.ServeMux
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	health   HealthFunc
	shutdown func(reason string)
	started  time.Time
	version  string

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithHealth adds component health to /healthz.
func WithHealth(fn HealthFunc) Option {
	return func(s *Server) {
		s.health = fn
	}
}

// WithShutdown enables POST /shutdown, which calls fn after responding.
func WithShutdown(fn func(reason string)) Option {
	return func(s *Server) {
		s.shutdown = fn
	}
}

// WithVersion reports the build version on /healthz.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a server with the built-in routes registered.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		mux:      http.NewServeMux(),
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.shutdown != nil {
		s.mux.Handle("POST /shutdown", auth.RequireBearer(cfg.AuthToken, s.logger)(http.HandlerFunc(s.handleShutdown)))
	}
	return s
}

// Mount registers handler under pattern.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.http = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", listener.Addr().String(), "role", s.config.Role)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.http
	s.http = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Health is the /healthz body.
type Health struct {
	Status     string          `json:"status"`
	Role       string          `json:"role,omitempty"`
	ID         string          `json:"id,omitempty"`
	Version    string          `json:"version,omitempty"`
	Uptime     string          `json:"uptime"`
	Components map[string]bool `json:"components,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := Health{
		Status:  "ok",
		Role:    s.config.Role,
		ID:      s.config.ID,
		Version: s.version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	code := http.StatusOK
	if s.health != nil {
		body.Components = s.health()
		for _, ok := range body.Components {
			if !ok {
				body.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
	}
	writeJSON(w, code, body)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("shutdown requested", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	go s.shutdown("http")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}
