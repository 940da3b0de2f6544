package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPaths are the config file search paths, highest priority first.
var ConfigPaths = []string{
	"./vectord.yaml",
	"~/.config/vectord/config.yaml",
	"/etc/vectord/config.yaml",
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VECTORD_"

// Loader loads configuration with priority merging.
type Loader struct {
	configPaths []string
	getenv      func(string) string
	warn        io.Writer
}

func NewLoader() *Loader {
	return &Loader{
		configPaths: ConfigPaths,
		getenv:      os.Getenv,
		warn:        os.Stderr,
	}
}

// Load is shorthand for NewLoader().LoadConfig(path).
func Load(path string) (*Config, error) {
	return NewLoader().LoadConfig(path)
}

// LoadConfig loads configuration from, in increasing priority:
//  1. built-in defaults
//  2. /etc/vectord/config.yaml
//  3. ~/.config/vectord/config.yaml
//  4. ./vectord.yaml
//  5. VECTORD_* environment variables
//
// When customPath is set it replaces steps 2-4 and must exist.
func (l *Loader) LoadConfig(customPath string) (*Config, error) {
	cfg := DefaultConfig()

	if customPath != "" {
		if err := validateConfigPath(customPath); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		if err := loadFromFile(cfg, customPath); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", customPath, err)
		}
	} else {
		for i := len(l.configPaths) - 1; i >= 0; i-- {
			path := expandPath(l.configPaths[i])
			if !fileExists(path) {
				continue
			}
			if err := loadFromFile(cfg, path); err != nil {
				fmt.Fprintf(l.warn, "Warning: failed to load config from %s: %v\n", path, err)
			}
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile decodes YAML over cfg. Keys absent from the file keep their
// current value, so explicit false/zero values in the file do override.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	envMappings := map[string]func(string) error{
		"SERVER_ADDR":             func(v string) error { cfg.Server.Addr = v; return nil },
		"SERVER_READ_TIMEOUT":     func(v string) error { return parseDuration(v, &cfg.Server.ReadTimeout) },
		"SERVER_WRITE_TIMEOUT":    func(v string) error { return parseDuration(v, &cfg.Server.WriteTimeout) },
		"SERVER_SHUTDOWN_TIMEOUT": func(v string) error { return parseDuration(v, &cfg.Server.ShutdownTimeout) },
		"SERVER_CORS_ORIGIN":      func(v string) error { cfg.Server.CORSOrigin = v; return nil },

		"STORE_DSN":               func(v string) error { cfg.Store.DSN = v; return nil },
		"STORE_MAX_OPEN_CONNS":    func(v string) error { return parseInt(v, &cfg.Store.MaxOpenConns) },
		"STORE_MAX_IDLE_CONNS":    func(v string) error { return parseInt(v, &cfg.Store.MaxIdleConns) },
		"STORE_CONN_MAX_LIFETIME": func(v string) error { return parseDuration(v, &cfg.Store.ConnMaxLifetime) },
		"STORE_CONNECT_TIMEOUT":   func(v string) error { return parseDuration(v, &cfg.Store.ConnectTimeout) },
		"STORE_OP_TIMEOUT":        func(v string) error { return parseDuration(v, &cfg.Store.OpTimeout) },

		"COLLECTION_VARIANT":               func(v string) error { cfg.Collection.Variant = v; return nil },
		"COLLECTION_NAME":                  func(v string) error { cfg.Collection.Name = v; return nil },
		"COLLECTION_DIMENSION":             func(v string) error { return parseInt(v, &cfg.Collection.Dimension) },
		"COLLECTION_INDEX_TYPE":            func(v string) error { cfg.Collection.IndexType = v; return nil },
		"COLLECTION_METRIC_TYPE":           func(v string) error { cfg.Collection.MetricType = v; return nil },
		"COLLECTION_CONSISTENCY_LEVEL":     func(v string) error { cfg.Collection.Consistency = v; return nil },
		"COLLECTION_MAX_TEXT_LENGTH":       func(v string) error { return parseInt(v, &cfg.Collection.MaxTextLength) },
		"COLLECTION_RECREATE_IF_EXISTS":    func(v string) error { return parseBool(v, &cfg.Collection.RecreateIfExists) },
		"COLLECTION_INITIALIZE_ON_STARTUP": func(v string) error { return parseBool(v, &cfg.Collection.InitializeOnStartup) },

		"SEARCH_MIN_TOP_K":     func(v string) error { return parseInt(v, &cfg.Search.MinTopK) },
		"SEARCH_MAX_TOP_K":     func(v string) error { return parseInt(v, &cfg.Search.MaxTopK) },
		"SEARCH_DEFAULT_TOP_K": func(v string) error { return parseInt(v, &cfg.Search.DefaultTopK) },
		"SEARCH_MAX_PAGE_SIZE": func(v string) error { return parseInt(v, &cfg.Search.MaxPageSize) },

		"EMBEDDING_ENDPOINT":            func(v string) error { cfg.Embedding.Endpoint = v; return nil },
		"EMBEDDING_MODEL":               func(v string) error { cfg.Embedding.Model = v; return nil },
		"EMBEDDING_TIMEOUT":             func(v string) error { return parseDuration(v, &cfg.Embedding.Timeout) },
		"EMBEDDING_MAX_CONCURRENCY":     func(v string) error { return parseInt(v, &cfg.Embedding.MaxConcurrency) },
		"EMBEDDING_REQUESTS_PER_SECOND": func(v string) error { return parseFloat(v, &cfg.Embedding.RequestsPerSecond) },
		"EMBEDDING_BURST":               func(v string) error { return parseInt(v, &cfg.Embedding.Burst) },

		"LOG_LEVEL":  func(v string) error { cfg.Logging.Level = v; return nil },
		"LOG_FORMAT": func(v string) error { cfg.Logging.Format = v; return nil },

		"METRICS_ENABLED": func(v string) error { return parseBool(v, &cfg.Metrics.Enabled) },
		"METRICS_PATH":    func(v string) error { cfg.Metrics.Path = v; return nil },
	}

	for key, setter := range envMappings {
		if value := l.getenv(EnvPrefix + key); value != "" {
			if err := setter(value); err != nil {
				return fmt.Errorf("invalid value for %s%s: %w", EnvPrefix, key, err)
			}
		}
	}
	return nil
}

// FindConfigFile returns the highest-priority config file that exists.
func FindConfigFile() (string, bool) {
	for _, path := range ConfigPaths {
		expanded := expandPath(path)
		if fileExists(expanded) {
			return expanded, true
		}
	}
	return "", false
}

func validateConfigPath(path string) error {
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("path traversal not allowed")
	}
	ext := strings.ToLower(filepath.Ext(clean))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("config file must have .yaml or .yml extension")
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parseInt(s string, dst *int) error {
	val, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func parseFloat(s string, dst *float64) error {
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func parseBool(s string, dst *bool) error {
	val, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func parseDuration(s string, dst *time.Duration) error {
	val, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}
