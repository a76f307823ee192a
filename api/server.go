// Package api exposes the engine over HTTP: document ingestion, hybrid
// search, streamed chat, and operational probes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/nmoray/ragcore/internal/convert"
	"github.com/nmoray/ragcore/internal/rag"
	"github.com/nmoray/ragcore/internal/search"
)

// Engine is the service surface the handlers need.
type Engine interface {
	Index(ctx context.Context, req rag.IndexRequest) (*rag.IndexResult, error)
	Search(ctx context.Context, req rag.QueryRequest) ([]search.Result, error)
	Query(ctx context.Context, req rag.QueryRequest) (*rag.Answer, error)
	StreamQuery(ctx context.Context, req rag.QueryRequest) (*rag.StreamAnswer, error)
	Similar(ctx context.Context, documentID string, limit int) ([]search.Result, error)
	Delete(ctx context.Context, documentID string) error
	Stats(ctx context.Context) (rag.Stats, error)
	Health(ctx context.Context) map[string]string
}

// Config carries server settings.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	cfg       Config
	engine    Engine
	converter *convert.Registry
	logger    *slog.Logger
	http      *http.Server
}

// NewServer creates a server with all routes configured.
func NewServer(cfg Config, engine Engine, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		converter: convert.NewRegistry(),
		logger:    logger.With("component", "api"),
	}

	mux := http.NewServeMux()

	// Probe routes stay outside the logging middleware so liveness
	// checks do not flood the logs.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/documents", s.handleIndex)
	apiMux.HandleFunc("PUT /api/documents/{id}", s.handleUpload)
	apiMux.HandleFunc("DELETE /api/documents/{id}", s.handleDelete)
	apiMux.HandleFunc("GET /api/documents/{id}/similar", s.handleSimilar)
	apiMux.HandleFunc("POST /api/search", s.handleSearch)
	apiMux.HandleFunc("POST /api/query", s.handleQuery)
	apiMux.HandleFunc("POST /api/chat", s.handleChat)
	apiMux.HandleFunc("GET /api/stats", s.handleStats)

	mux.Handle("/api/", loggingMiddleware(s.logger)(recoveryMiddleware(s.logger)(apiMux)))

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /api/chat streams for the life of the request.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
