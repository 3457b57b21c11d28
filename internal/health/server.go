// Package health serves purger status and metrics over HTTP for the
// streaming mode.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/htcp-purger/internal/logging"
)

// StatsProvider reports the state of a running purger.
type StatsProvider interface {
	// IsRunning reports whether the purger is bound and accepting URLs.
	IsRunning() bool

	Stats() Stats
}

// Stats are cumulative counts since the purger was bound.
type Stats struct {
	RouteCount  int       `json:"route_count"`
	Batches     uint64    `json:"batches"`
	URLs        uint64    `json:"urls"`
	Sent        uint64    `json:"sent"`
	RouteMisses uint64    `json:"route_misses"`
	Failed      uint64    `json:"failed"`
	LastBatch   time.Time `json:"-"`
}

// status is the /healthz body.
type status struct {
	Status    string `json:"status"`
	Running   bool   `json:"running"`
	LastBatch string `json:"last_batch,omitempty"`
	*Stats
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Logger receives serve errors. Nil discards them.
	Logger *slog.Logger
}

// ErrStarted is returned by Start on a server that is already listening.
var ErrStarted = errors.New("health server already started")

// Server exposes /healthz, /ready and /metrics.
type Server struct {
	provider StatsProvider
	logger   *slog.Logger
	handler  http.Handler
	srv      *http.Server

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a server. It does not listen until Start.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	s := &Server{
		provider: provider,
		logger:   logger.With(slog.String(logging.KeyComponent, "health")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.handler = mux

	s.srv = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routes for mounting in another server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return ErrStarted
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server stopped", logging.KeyError, err)
		}
	}()
	return nil
}

// Stop shuts the server down. It is a no-op if the server is not running.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	s.ln = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Address returns the listen address, or nil when not started.
func (s *Server) Address() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) running() bool {
	return s.provider != nil && s.provider.IsRunning()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := status{Status: "unavailable"}
	code := http.StatusServiceUnavailable

	if s.running() {
		stats := s.provider.Stats()
		body = status{Status: "healthy", Running: true, Stats: &stats}
		if !stats.LastBatch.IsZero() {
			body.LastBatch = stats.LastBatch.UTC().Format(time.RFC3339)
		}
		code = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("healthz write failed", logging.KeyError, err)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !s.running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}
