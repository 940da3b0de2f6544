// Package config loads the service configuration from YAML files and
// VECTORD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hubenschmidt/go-vectordata/vector"
)

// Collection variants.
const (
	VariantSegment  = "segment"
	VariantDocument = "document"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Collection CollectionConfig `yaml:"collection" json:"collection"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Embedding  EmbeddingConfig  `yaml:"embedding" json:"embedding"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// CORSOrigin is sent as Access-Control-Allow-Origin.
	CORSOrigin string `yaml:"cors_origin" json:"cors_origin"`
}

// StoreConfig selects the vector store. See vector.NewStore for DSN forms.
type StoreConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	OpTimeout       time.Duration `yaml:"op_timeout" json:"op_timeout"`
}

// CollectionConfig describes the collection the service owns.
type CollectionConfig struct {
	Variant             string            `yaml:"variant" json:"variant"` // segment|document
	Name                string            `yaml:"name" json:"name"`
	Description         string            `yaml:"description" json:"description"`
	Dimension           int               `yaml:"dimension" json:"dimension"`
	IndexType           string            `yaml:"index_type" json:"index_type"`
	MetricType          string            `yaml:"metric_type" json:"metric_type"`
	Consistency         string            `yaml:"consistency_level" json:"consistency_level"`
	MaxTextLength       int               `yaml:"max_text_length" json:"max_text_length"`
	RecreateIfExists    bool              `yaml:"recreate_if_exists" json:"recreate_if_exists"`
	InitializeOnStartup bool              `yaml:"initialize_on_startup" json:"initialize_on_startup"`
	Fields              vector.FieldNames `yaml:"fields" json:"fields"`
}

type SearchConfig struct {
	MinTopK     int `yaml:"min_top_k" json:"min_top_k"`
	MaxTopK     int `yaml:"max_top_k" json:"max_top_k"`
	DefaultTopK int `yaml:"default_top_k" json:"default_top_k"`
	MaxPageSize int `yaml:"max_page_size" json:"max_page_size"`
}

type EmbeddingConfig struct {
	Endpoint          string        `yaml:"endpoint" json:"endpoint"`
	Model             string        `yaml:"model" json:"model"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	MaxConcurrency    int           `yaml:"max_concurrency" json:"max_concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug|info|warn|error
	Format string `yaml:"format" json:"format"` // text|json
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// DefaultConfig returns the built-in configuration: a segment collection
// named beanmeat_test backed by a local SQLite file and a local Ollama.
func DefaultConfig() *Config {
	seg := vector.SegmentSchema("beanmeat_test", 1024)
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigin:      "*",
		},
		Store: StoreConfig{
			DSN:             "data/vectors.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  10 * time.Second,
			OpTimeout:       30 * time.Second,
		},
		Collection: CollectionConfig{
			Variant:             VariantSegment,
			Name:                seg.Name,
			Description:         "vector records",
			Dimension:           seg.Dimension,
			IndexType:           string(seg.IndexType),
			MetricType:          string(seg.MetricType),
			Consistency:         string(seg.Consistency),
			MaxTextLength:       seg.MaxTextLength,
			RecreateIfExists:    false,
			InitializeOnStartup: true,
		},
		Search: SearchConfig{
			MinTopK:     1,
			MaxTopK:     100,
			DefaultTopK: 10,
			MaxPageSize: 1000,
		},
		Embedding: EmbeddingConfig{
			Endpoint:       "http://localhost:11434/api/embeddings",
			Model:          "bge-m3",
			Timeout:        60 * time.Second,
			MaxConcurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Schema builds the collection schema: the variant's preset with the
// configured name, dimension, index settings and any field overrides.
func (c *Config) Schema() vector.Schema {
	cc := c.Collection
	var s vector.Schema
	if strings.EqualFold(cc.Variant, VariantDocument) {
		s = vector.DocumentSchema(cc.Name, cc.Dimension)
	} else {
		s = vector.SegmentSchema(cc.Name, cc.Dimension)
	}
	s.Description = cc.Description
	if cc.IndexType != "" {
		s.IndexType = vector.IndexType(strings.ToUpper(cc.IndexType))
	}
	if cc.MetricType != "" {
		s.MetricType = vector.MetricType(strings.ToUpper(cc.MetricType))
	}
	if cc.Consistency != "" {
		s.Consistency = vector.ConsistencyLevel(cc.Consistency)
	}
	if cc.MaxTextLength > 0 {
		s.MaxTextLength = cc.MaxTextLength
	}
	overrideFields(&s.Fields, cc.Fields)
	return s
}

func overrideFields(dst *vector.FieldNames, src vector.FieldNames) {
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&dst.ID, src.ID},
		{&dst.Text, src.Text},
		{&dst.Segment, src.Segment},
		{&dst.Vector, src.Vector},
		{&dst.Metadata, src.Metadata},
		{&dst.CreateTime, src.CreateTime},
		{&dst.UpdateTime, src.UpdateTime},
	} {
		switch f.src {
		case "":
		case "-":
			*f.dst = ""
		default:
			*f.dst = f.src
		}
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	if c.Store.OpTimeout < 0 || c.Store.ConnectTimeout < 0 {
		errs = append(errs, errors.New("store timeouts must not be negative"))
	}

	switch strings.ToLower(c.Collection.Variant) {
	case VariantSegment, VariantDocument:
	default:
		errs = append(errs, fmt.Errorf("collection.variant must be %q or %q, got %q",
			VariantSegment, VariantDocument, c.Collection.Variant))
	}
	if err := c.Schema().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("collection: %w", err))
	}

	s := c.Search
	if s.MinTopK < 1 || s.MaxTopK < s.MinTopK {
		errs = append(errs, fmt.Errorf("search top_k bounds invalid: [%d, %d]", s.MinTopK, s.MaxTopK))
	}
	if s.DefaultTopK < s.MinTopK || s.DefaultTopK > s.MaxTopK {
		errs = append(errs, fmt.Errorf("search.default_top_k %d outside [%d, %d]", s.DefaultTopK, s.MinTopK, s.MaxTopK))
	}
	if s.MaxPageSize < 1 {
		errs = append(errs, errors.New("search.max_page_size must be positive"))
	}

	e := c.Embedding
	if e.Endpoint == "" || e.Model == "" {
		errs = append(errs, errors.New("embedding.endpoint and embedding.model are required"))
	}
	if e.Timeout < 0 || e.MaxConcurrency < 0 || e.RequestsPerSecond < 0 || e.Burst < 0 {
		errs = append(errs, errors.New("embedding limits must not be negative"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q unknown", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q unknown", c.Logging.Format))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}

	return errors.Join(errs...)
}

// StoreOptions converts the store section for vector.NewStore.
func (c *Config) StoreOptions() vector.StoreConfig {
	return vector.StoreConfig{
		DSN: c.Store.DSN,
		Pool: vector.PoolConfig{
			MaxOpenConns:    c.Store.MaxOpenConns,
			MaxIdleConns:    c.Store.MaxIdleConns,
			ConnMaxLifetime: c.Store.ConnMaxLifetime,
			ConnectTimeout:  c.Store.ConnectTimeout,
		},
	}
}
