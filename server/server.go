// Package server exposes the vector service over HTTP under /api/v1.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hubenschmidt/go-vectordata/service"
)

// EmbeddingProbe reports whether the embedding backend can serve requests.
type EmbeddingProbe interface {
	Model() string
	Endpoint() string
	Reachable(ctx context.Context) (bool, error)
}

// Config configures a new Server instance.
type Config struct {
	Service *service.VectorService
	Probe   EmbeddingProbe // Optional: reported by /health/info
	Logger  *slog.Logger

	// Metrics is served at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	CORSOrigin string // default "*"
	Version    string
}

// Server is the HTTP front end of the vector service.
type Server struct {
	svc         *service.VectorService
	probe       EmbeddingProbe
	log         *slog.Logger
	metrics     http.Handler
	metricsPath string
	corsOrigin  string
	version     string
	started     time.Time
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:         cfg.Service,
		probe:       cfg.Probe,
		log:         logger.With("component", "server"),
		metrics:     cfg.Metrics,
		metricsPath: cfg.MetricsPath,
		corsOrigin:  cfg.CORSOrigin,
		version:     cfg.Version,
		started:     time.Now(),
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}
	if s.metricsPath == "" {
		s.metricsPath = "/metrics"
	}
	if s.version == "" {
		s.version = "dev"
	}
	return s, nil
}

// Handler returns an http.Handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/vectors/init", s.handleInit)
	mux.HandleFunc("POST /api/v1/vectors", s.handleCreate)
	mux.HandleFunc("POST /api/v1/vectors/batch", s.handleCreateBatch)
	mux.HandleFunc("PUT /api/v1/vectors", s.handleUpdate)
	mux.HandleFunc("DELETE /api/v1/vectors/{ids}", s.handleDelete)
	mux.HandleFunc("GET /api/v1/vectors", s.handlePage)
	mux.HandleFunc("GET /api/v1/vectors/count", s.handleCount)
	mux.HandleFunc("GET /api/v1/vectors/id/{id}", s.handleGet)
	mux.HandleFunc("GET /api/v1/vectors/{segment}", s.handleBySegment)
	mux.HandleFunc("POST /api/v1/vectors/search", s.handleSearch)

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health/info", s.handleInfo)

	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics)
	}

	return s.logRequests(corsMiddleware(s.corsOrigin, mux))
}
