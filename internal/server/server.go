// Package server implements the HTTP status surface of sitekb: liveness and
// readiness probes, Prometheus metrics, and a JSON search endpoint over the
// retrieval index. The server is started by the `sitekb serve` CLI command.
// Write operations (job creation, URL selection) stay on the CLI; this
// surface is read-only.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lhoofs/sitekb/internal/logging"
	"github.com/lhoofs/sitekb/internal/rag"
)

// Config holds the HTTP server settings.
type Config struct {
	// Host is the bind address (default: 127.0.0.1).
	Host string
	// Port is the TCP port (default: 8080).
	Port int
	// ReadTimeout bounds request reads (default: 30s).
	ReadTimeout time.Duration
	// WriteTimeout bounds response writes (default: 60s).
	WriteTimeout time.Duration
	// ShutdownTimeout bounds graceful shutdown (default: 10s).
	ShutdownTimeout time.Duration
	// RateLimitRPS is the per-IP sustained request rate on /api/search.
	RateLimitRPS float64
	// RateLimitBurst is the per-IP burst on /api/search.
	RateLimitBurst int
	// Logger is the structured logger. Nil uses logging.New.
	Logger *slog.Logger
	// Registry is the Prometheus registry served at /metrics and used for
	// the server's own metrics. Nil creates a fresh registry.
	Registry *prometheus.Registry
}

// Server is the HTTP status surface.
type Server struct {
	cfg        *Config
	log        *slog.Logger
	retriever  *rag.Retriever
	pingers    []Pinger
	metrics    *serverMetrics
	httpServer *http.Server
	stopLimit  func()
}

// New constructs a Server. retriever may be nil, in which case /api/search
// responds 503.
func New(retriever *rag.Retriever, pingers []Pinger, cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:       cfg,
		log:       cfg.Logger,
		retriever: retriever,
		pingers:   pingers,
		metrics:   newServerMetrics(cfg.Registry),
	}

	limiter, stop := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, s.log)
	s.stopLimit = stop

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	mux.Handle("GET /api/search", limiter.middleware(http.HandlerFunc(s.handleSearch)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, s.metrics, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopLimit()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// Handler exposes the server's HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleHealth is the liveness probe: the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// maxSearchLimit bounds the limit query parameter.
const maxSearchLimit = 50

// searchResult is one entry in the /api/search response.
type searchResult struct {
	ChunkID       string  `json:"chunkId"`
	Content       string  `json:"content"`
	Score         float32 `json:"score"`
	DocumentTitle string  `json:"documentTitle"`
	SourceURL     string  `json:"sourceUrl,omitempty"`
}

// handleSearch serves GET /api/search?kb=<id>&q=<query>&limit=<n>.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		http.Error(w, "search is not configured", http.StatusServiceUnavailable)
		return
	}

	kbID := r.URL.Query().Get("kb")
	query := r.URL.Query().Get("q")
	if kbID == "" || query == "" {
		http.Error(w, "kb and q query parameters are required", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSearchLimit {
			http.Error(w, fmt.Sprintf("limit must be an integer in [1, %d]", maxSearchLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	chunks, err := s.retriever.Search(r.Context(), kbID, query, limit)
	if err != nil {
		logging.FromContext(r.Context()).Error("search failed", slog.String("error", err.Error()))
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	results := make([]searchResult, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, searchResult{
			ChunkID:       c.ID,
			Content:       c.Content,
			Score:         c.Score,
			DocumentTitle: c.DocumentTitle,
			SourceURL:     c.SourceURL,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
