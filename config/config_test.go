package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hubenschmidt/go-vectordata/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoader(paths []string, env map[string]string) (*Loader, *bytes.Buffer) {
	var warn bytes.Buffer
	return &Loader{
		configPaths: paths,
		getenv:      func(k string) string { return env[k] },
		warn:        &warn,
	}, &warn
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "bge-m3", cfg.Embedding.Model)
	assert.Equal(t, "http://localhost:11434/api/embeddings", cfg.Embedding.Endpoint)
	assert.False(t, cfg.Collection.RecreateIfExists)
	assert.True(t, cfg.Collection.InitializeOnStartup)

	s := cfg.Schema()
	assert.Equal(t, vector.SegmentSchema("beanmeat_test", 1024).Fields, s.Fields)
	assert.Equal(t, vector.IndexFlat, s.IndexType)
	assert.Equal(t, vector.MetricCosine, s.MetricType)
	assert.Equal(t, vector.ConsistencyStrong, s.Consistency)
	assert.Equal(t, 1024, s.MaxTextLength)
}

func TestConfig_SchemaVariants(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Collection.Variant = "document"
	cfg.Collection.Name = "documents"
	cfg.Collection.Dimension = 768
	cfg.Collection.IndexType = "hnsw"
	cfg.Collection.MetricType = "ip"
	cfg.Collection.MaxTextLength = 0
	cfg.Collection.Fields = vector.FieldNames{Text: "content", Metadata: "-"}

	s := cfg.Schema()
	require.NoError(t, s.Validate())
	assert.Equal(t, vector.KeyString, s.KeyType)
	assert.Equal(t, 768, s.Dimension)
	assert.Equal(t, vector.IndexHNSW, s.IndexType)
	assert.Equal(t, vector.MetricIP, s.MetricType)
	assert.Equal(t, "content", s.Fields.Text)
	assert.Empty(t, s.Fields.Metadata)
	assert.Equal(t, "create_time", s.Fields.CreateTime)
	assert.Equal(t, 65535, s.MaxTextLength)
}

func TestConfig_ValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Collection.Variant = "table"
	cfg.Collection.MetricType = "L2"
	cfg.Search.MinTopK = 0
	cfg.Logging.Level = "loud"
	cfg.Metrics.Path = "metrics"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"collection.variant", "metric", "top_k", "logging.level", "metrics.path"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoader_Defaults(t *testing.T) {
	l, _ := testLoader([]string{filepath.Join(t.TempDir(), "missing.yaml")}, nil)
	cfg, err := l.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_PriorityChain(t *testing.T) {
	dir := t.TempDir()
	system := writeFile(t, dir, "system.yaml", `
store:
  dsn: /var/lib/vectord/vectors.db
collection:
  name: from_system
  initialize_on_startup: false
embedding:
  model: nomic-embed-text
`)
	project := writeFile(t, dir, "project.yaml", `
collection:
  name: from_project
  recreate_if_exists: true
embedding:
  timeout: 5s
`)
	l, _ := testLoader([]string{project, system}, map[string]string{
		"VECTORD_EMBEDDING_MODEL":  "bge-m3",
		"VECTORD_SEARCH_MAX_TOP_K": "50",
	})

	cfg, err := l.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/vectord/vectors.db", cfg.Store.DSN)
	assert.Equal(t, "from_project", cfg.Collection.Name)
	assert.True(t, cfg.Collection.RecreateIfExists)
	assert.False(t, cfg.Collection.InitializeOnStartup)
	assert.Equal(t, 5*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, "bge-m3", cfg.Embedding.Model)
	assert.Equal(t, 50, cfg.Search.MaxTopK)
	assert.Equal(t, 1024, cfg.Collection.Dimension)
}

func TestLoader_BrokenFileWarnsAndContinues(t *testing.T) {
	dir := t.TempDir()
	broken := writeFile(t, dir, "broken.yaml", "collection: [not, a, map")
	l, warn := testLoader([]string{broken}, nil)

	cfg, err := l.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "beanmeat_test", cfg.Collection.Name)
	assert.Contains(t, warn.String(), "broken.yaml")
}

func TestLoader_CustomPath(t *testing.T) {
	dir := t.TempDir()
	ignored := writeFile(t, dir, "ignored.yaml", "collection:\n  name: ignored\n")
	custom := writeFile(t, dir, "custom.yml", `
collection:
  variant: document
  name: documents
  dimension: 4
  fields:
    text: body
`)
	l, _ := testLoader([]string{ignored}, nil)

	cfg, err := l.LoadConfig(custom)
	require.NoError(t, err)
	assert.Equal(t, "documents", cfg.Collection.Name)
	assert.Equal(t, "body", cfg.Schema().Fields.Text)

	_, err = l.LoadConfig(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
	_, err = l.LoadConfig(filepath.Join(dir, "config.json"))
	assert.ErrorContains(t, err, "invalid config path")
}

func TestLoader_EnvOverrides(t *testing.T) {
	l, _ := testLoader(nil, map[string]string{
		"VECTORD_STORE_DSN":                     "memory:",
		"VECTORD_STORE_OP_TIMEOUT":              "2s",
		"VECTORD_COLLECTION_RECREATE_IF_EXISTS": "true",
		"VECTORD_EMBEDDING_REQUESTS_PER_SECOND": "2.5",
		"VECTORD_LOG_FORMAT":                    "json",
		"VECTORD_METRICS_ENABLED":               "false",
	})

	cfg, err := l.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "memory:", cfg.Store.DSN)
	assert.Equal(t, 2*time.Second, cfg.Store.OpTimeout)
	assert.True(t, cfg.Collection.RecreateIfExists)
	assert.Equal(t, 2.5, cfg.Embedding.RequestsPerSecond)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Metrics.Enabled)

	bad, _ := testLoader(nil, map[string]string{"VECTORD_COLLECTION_DIMENSION": "wide"})
	_, err = bad.LoadConfig("")
	assert.ErrorContains(t, err, "VECTORD_COLLECTION_DIMENSION")

	invalid, _ := testLoader(nil, map[string]string{"VECTORD_COLLECTION_DIMENSION": "0"})
	_, err = invalid.LoadConfig("")
	assert.ErrorContains(t, err, "validation failed")
}

func TestConfig_StoreOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.DSN = "postgres://localhost/vectors"
	opts := cfg.StoreOptions()
	assert.Equal(t, "postgres://localhost/vectors", opts.DSN)
	assert.Equal(t, 25, opts.Pool.MaxOpenConns)
	assert.Equal(t, 10*time.Second, opts.Pool.ConnectTimeout)
}
