package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hubenschmidt/go-vectordata/core"
	"github.com/hubenschmidt/go-vectordata/vector/migrations"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists collections in a single SQLite database. Each
// collection is a table; vectors are little-endian float32 BLOBs and
// similarity is computed in process.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "data/vectors.db"
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("%w: create data directory: %v", core.ErrStoreUnavailable, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", core.ErrStoreUnavailable, err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, schemas: make(map[string]Schema)}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}

	data, err := migrations.SQLite.ReadFile("sqlite/001_catalog.sql")
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HasCollection(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM vector_collections WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has collection: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) DescribeCollection(ctx context.Context, name string) (Schema, error) {
	schema, _, err := s.catalog(ctx, name)
	return schema, err
}

// catalog reads the stored schema and load flag of a collection.
func (s *SQLiteStore) catalog(ctx context.Context, name string) (Schema, bool, error) {
	var raw string
	var loaded bool
	err := s.db.QueryRowContext(ctx,
		"SELECT schema_json, loaded FROM vector_collections WHERE name = ?", name).Scan(&raw, &loaded)
	if errors.Is(err, sql.ErrNoRows) {
		return Schema{}, false, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return Schema{}, false, fmt.Errorf("describe collection: %w", err)
	}
	var schema Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return Schema{}, false, fmt.Errorf("decode schema of %s: %w", name, err)
	}
	return schema, loaded, nil
}

func (s *SQLiteStore) CreateCollection(ctx context.Context, schema Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM vector_collections WHERE name = ?", schema.Name).Scan(&one)
	if err == nil {
		return fmt.Errorf("%w: collection %s already exists", core.ErrSchema, schema.Name)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("create collection: %w", err)
	}

	for _, stmt := range sqliteDDL(schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create collection %s: %w", schema.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO vector_collections (name, schema_json, loaded, created_at) VALUES (?, ?, 0, ?)",
		schema.Name, string(raw), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("register collection %s: %w", schema.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.schemas[schema.Name] = schema
	s.mu.Unlock()
	return nil
}

func sqliteDDL(schema Schema) []string {
	f := schema.Fields
	table := quoteIdent(schema.Name)

	keyType := "INTEGER"
	if schema.KeyType == KeyString {
		keyType = "TEXT"
	}
	cols := []string{
		fmt.Sprintf("%s %s PRIMARY KEY", quoteIdent(f.ID), keyType),
		fmt.Sprintf("%s TEXT NOT NULL", quoteIdent(f.Text)),
	}
	if f.Segment != "" {
		cols = append(cols, quoteIdent(f.Segment)+" INTEGER")
	}
	cols = append(cols, quoteIdent(f.Vector)+" BLOB NOT NULL")
	if f.Metadata != "" {
		cols = append(cols, quoteIdent(f.Metadata)+" TEXT")
	}
	for _, ts := range []string{f.CreateTime, f.UpdateTime} {
		if ts != "" {
			cols = append(cols, quoteIdent(ts)+" INTEGER")
		}
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", "))}
	if f.Segment != "" {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			quoteIdent("idx_"+schema.Name+"_"+f.Segment), table, quoteIdent(f.Segment)))
	}
	return stmts
}

func (s *SQLiteStore) DropCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM vector_collections WHERE name = ?", name); err != nil {
		return fmt.Errorf("unregister collection %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.schemas, name)
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) LoadCollection(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE vector_collections SET loaded = 1 WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("load collection %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return nil
}

// schema returns the cached schema of a collection, reading the catalog on a
// miss. With requireLoaded, unloaded collections are rejected.
func (s *SQLiteStore) schema(ctx context.Context, name string, requireLoaded bool) (Schema, error) {
	s.mu.RLock()
	schema, ok := s.schemas[name]
	s.mu.RUnlock()
	if ok && !requireLoaded {
		return schema, nil
	}

	schema, loaded, err := s.catalog(ctx, name)
	if err != nil {
		return Schema{}, err
	}
	if requireLoaded && !loaded {
		return Schema{}, fmt.Errorf("%w: %s", ErrCollectionNotLoaded, name)
	}
	s.mu.Lock()
	s.schemas[name] = schema
	s.mu.Unlock()
	return schema, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, name string, rows []Row) error {
	return s.write(ctx, name, rows, "INSERT")
}

// Upsert replaces rows by primary key.
func (s *SQLiteStore) Upsert(ctx context.Context, name string, rows []Row) error {
	return s.write(ctx, name, rows, "INSERT OR REPLACE")
}

func (s *SQLiteStore) write(ctx context.Context, name string, rows []Row, verb string) error {
	schema, err := s.schema(ctx, name, false)
	if err != nil {
		return err
	}
	fields := schema.Fields.All()

	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = quoteIdent(f)
		marks[i] = "?"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, quoteIdent(name), strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, row := range rows {
		args, err := rowArgs(schema, fields, row, func(v []float32) any { return encodeFloat32Slice(v) })
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, name string, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	schema, err := s.schema(ctx, name, false)
	if err != nil {
		return err
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", quoteIdent(name), quoteIdent(schema.Fields.ID), marks)
	if _, err := s.db.ExecContext(ctx, query, ids...); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, name string, req QueryRequest) ([]Row, error) {
	schema, err := s.schema(ctx, name, true)
	if err != nil {
		return nil, err
	}
	if err := req.Filter.check(schema); err != nil {
		return nil, err
	}
	fields := req.OutputFields
	if len(fields) == 0 {
		fields = schema.Fields.All()
	}

	query, args := s.selectSQL(schema, fields, req.Filter)
	query += " ORDER BY " + quoteIdent(schema.Fields.ID)
	if req.Limit > 0 || req.Offset > 0 {
		limit := req.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, req.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return newRowScanner(schema, fields, decodeVectorBlob).collect(rows)
}

// Search scores every candidate row in process.
func (s *SQLiteStore) Search(ctx context.Context, name string, req SearchRequest) ([]Hit, error) {
	schema, err := s.schema(ctx, name, true)
	if err != nil {
		return nil, err
	}
	if err := req.Filter.check(schema); err != nil {
		return nil, err
	}
	if req.TopK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", req.TopK)
	}
	if len(req.Vector) != schema.Dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", core.ErrDimensionMismatch, schema.Dimension, len(req.Vector))
	}

	out := req.OutputFields
	if len(out) == 0 {
		out = schema.Fields.All()
	}
	fields := withField(withField(out, schema.Fields.ID), schema.Fields.Vector)

	query, args := s.selectSQL(schema, fields, req.Filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	all, err := newRowScanner(schema, fields, decodeVectorBlob).collect(rows)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, len(all))
	for i, row := range all {
		vec, _ := row[schema.Fields.Vector].([]float32)
		hits[i] = Hit{Row: row, Score: similarity(schema.MetricType, req.Vector, vec)}
	}
	hits = rankHits(hits, schema.Fields.ID, req.TopK)
	for i := range hits {
		hits[i].Row = project(hits[i].Row, out)
	}
	return hits, nil
}

func (s *SQLiteStore) selectSQL(schema Schema, fields []string, f *Filter) (string, []any) {
	cols := make([]string, len(fields))
	for i, field := range fields {
		cols[i] = quoteIdent(field)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), quoteIdent(schema.Name))
	if f == nil {
		return query, nil
	}
	return query + " WHERE " + quoteIdent(f.Field) + " = ?", []any{f.Value}
}

func (s *SQLiteStore) Stats(ctx context.Context, name string) (Stats, error) {
	if _, err := s.schema(ctx, name, false); err != nil {
		return Stats{}, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(name)).Scan(&n); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{RowCount: n}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeFloat32Slice converts []float32 to little-endian bytes.
func encodeFloat32Slice(f []float32) []byte {
	buf := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeFloat32Slice converts little-endian bytes back to []float32.
func decodeFloat32Slice(b []byte) []float32 {
	f := make([]float32, len(b)/4)
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return f
}

func decodeVectorBlob(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	return decodeFloat32Slice(b), nil
}
