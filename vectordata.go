// Package vectordata wires the vector record service together: store
// backend, embedding client, repository, service layer and HTTP API.
//
// Example usage:
//
//	cfg, err := config.Load("")
//	app, err := vectordata.Open(ctx, cfg)
//	defer app.Close()
//	http.ListenAndServe(cfg.Server.Addr, app.Handler)
package vectordata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/hubenschmidt/go-vectordata/config"
	"github.com/hubenschmidt/go-vectordata/llm"
	"github.com/hubenschmidt/go-vectordata/monitor"
	"github.com/hubenschmidt/go-vectordata/server"
	"github.com/hubenschmidt/go-vectordata/service"
	"github.com/hubenschmidt/go-vectordata/vector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// App is a fully wired service instance.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Repository *vector.Repository
	Service    *service.VectorService
	Handler    http.Handler
	// Stats aggregates per-operation counts and latencies in process.
	Stats *monitor.InMemoryCollector

	store vector.Store
}

type openOptions struct {
	logOutput io.Writer
	embedder  vector.Embedder
	store     vector.Store
}

// OpenOption customizes Open.
type OpenOption func(*openOptions)

// WithLogOutput sends log output to w instead of stderr.
func WithLogOutput(w io.Writer) OpenOption {
	return func(o *openOptions) { o.logOutput = w }
}

// WithEmbedder replaces the Ollama embedding client.
func WithEmbedder(e vector.Embedder) OpenOption {
	return func(o *openOptions) { o.embedder = e }
}

// WithStore uses s instead of opening the store named by the DSN.
func WithStore(s vector.Store) OpenOption {
	return func(o *openOptions) { o.store = s }
}

// Open builds an App from cfg. When the collection is configured to
// initialize on startup, Open also creates or loads it.
func Open(ctx context.Context, cfg *config.Config, opts ...OpenOption) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := openOptions{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	logger := NewLogger(cfg.Logging, o.logOutput)
	schema := cfg.Schema()

	store := o.store
	if store == nil {
		var err error
		store, err = vector.NewStore(ctx, cfg.StoreOptions())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	var probe server.EmbeddingProbe
	embedder := o.embedder
	if embedder == nil {
		client := llm.NewOllamaEmbedClient(llm.EmbedConfig{
			Endpoint:          cfg.Embedding.Endpoint,
			Model:             cfg.Embedding.Model,
			Timeout:           cfg.Embedding.Timeout,
			MaxConcurrency:    cfg.Embedding.MaxConcurrency,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
			Burst:             cfg.Embedding.Burst,
			Dimension:         schema.Dimension,
		})
		embedder, probe = client, client
	} else if p, ok := embedder.(server.EmbeddingProbe); ok {
		probe = p
	}

	stats := monitor.NewInMemoryCollector()
	sinks := monitor.Multi{stats}
	var metrics http.Handler
	if cfg.Metrics.Enabled {
		reg, prom, err := newRegistry()
		if err != nil {
			store.Close()
			return nil, err
		}
		sinks = append(sinks, prom)
		metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	repo, err := vector.NewRepository(store, embedder, schema,
		vector.WithLogger(logger),
		vector.WithCollector(sinks),
		vector.WithTopKBounds(cfg.Search.MinTopK, cfg.Search.MaxTopK),
		vector.WithMaxPageSize(cfg.Search.MaxPageSize),
		vector.WithOpTimeout(cfg.Store.OpTimeout),
		vector.WithRecreateIfExists(cfg.Collection.RecreateIfExists),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	svc, err := service.New(repo, embedder,
		service.WithLogger(logger),
		service.WithDefaultTopK(cfg.Search.DefaultTopK),
		service.WithEmbedParallelism(max(cfg.Embedding.MaxConcurrency, 1)),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	srv, err := server.New(server.Config{
		Service:     svc,
		Probe:       probe,
		Logger:      logger,
		Metrics:     metrics,
		MetricsPath: cfg.Metrics.Path,
		CORSOrigin:  cfg.Server.CORSOrigin,
		Version:     Version,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Repository: repo,
		Service:    svc,
		Handler:    srv.Handler(),
		Stats:      stats,
		store:      store,
	}

	if cfg.Collection.InitializeOnStartup {
		if err := svc.Initialize(ctx, false); err != nil {
			// The API stays up and reports the collection as not ready.
			logger.Error("collection initialization failed",
				"collection", schema.Name, "error", err)
		}
	}

	logger.Info("vectord ready",
		"backend", vector.Backend(store),
		"collection", schema.Name,
		"dimension", schema.Dimension,
		"state", repo.State().String())
	return app, nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func newRegistry() (*prometheus.Registry, *monitor.PrometheusCollector, error) {
	reg := prometheus.NewRegistry()
	err := errors.Join(
		reg.Register(collectors.NewGoCollector()),
		reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("register runtime metrics: %w", err)
	}
	prom, err := monitor.NewPrometheusCollector(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, prom, nil
}
