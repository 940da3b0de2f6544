package vector

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hubenschmidt/go-vectordata/core"
	"github.com/hubenschmidt/go-vectordata/vector/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PgVectorStore is a PostgreSQL-based vector store using pgvector.
type PgVectorStore struct {
	db *sql.DB

	mu      sync.RWMutex
	schemas map[string]Schema
}

// PoolConfig bounds the database/sql connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// NewPgVectorStore connects to dsn, checks the connection and installs the
// collection catalog.
func NewPgVectorStore(ctx context.Context, dsn string, pool PoolConfig) (*PgVectorStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", core.ErrStoreUnavailable, err)
	}

	db.SetMaxOpenConns(orDefault(pool.MaxOpenConns, 25))
	db.SetMaxIdleConns(orDefault(pool.MaxIdleConns, 5))
	db.SetConnMaxLifetime(orDefault(pool.ConnMaxLifetime, 5*time.Minute))

	pingCtx, cancel := context.WithTimeout(ctx, orDefault(pool.ConnectTimeout, 10*time.Second))
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", core.ErrStoreUnavailable, err)
	}

	s := &PgVectorStore{db: db, schemas: make(map[string]Schema)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func (s *PgVectorStore) migrate(ctx context.Context) error {
	data, err := migrations.Postgres.ReadFile("postgres/001_catalog.sql")
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
		return classifyPg(fmt.Errorf("exec migration: %w", err))
	}
	return nil
}

func (s *PgVectorStore) HasCollection(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM vector_collections WHERE name = $1", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifyPg(fmt.Errorf("has collection: %w", err))
	}
	return true, nil
}

func (s *PgVectorStore) DescribeCollection(ctx context.Context, name string) (Schema, error) {
	schema, _, err := s.catalog(ctx, name)
	return schema, err
}

func (s *PgVectorStore) catalog(ctx context.Context, name string) (Schema, bool, error) {
	var raw []byte
	var loaded bool
	err := s.db.QueryRowContext(ctx,
		"SELECT schema_json, loaded FROM vector_collections WHERE name = $1", name).Scan(&raw, &loaded)
	if errors.Is(err, sql.ErrNoRows) {
		return Schema{}, false, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return Schema{}, false, classifyPg(fmt.Errorf("describe collection: %w", err))
	}
	var schema Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return Schema{}, false, fmt.Errorf("decode schema of %s: %w", name, err)
	}
	return schema, loaded, nil
}

func (s *PgVectorStore) CreateCollection(ctx context.Context, schema Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPg(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO vector_collections (name, schema_json) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
		schema.Name, string(raw))
	if err != nil {
		return classifyPg(fmt.Errorf("register collection %s: %w", schema.Name, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: collection %s already exists", core.ErrSchema, schema.Name)
	}

	for _, stmt := range pgDDL(schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classifyPg(fmt.Errorf("%w: create collection %s: %v", core.ErrSchema, schema.Name, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyPg(err)
	}

	s.mu.Lock()
	s.schemas[schema.Name] = schema
	s.mu.Unlock()
	return nil
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func pgDDL(schema Schema) []string {
	f := schema.Fields
	table := pgIdent(schema.Name)

	keyType := "BIGINT"
	if schema.KeyType == KeyString {
		keyType = "TEXT"
	}
	cols := []string{
		fmt.Sprintf("%s %s PRIMARY KEY", pgIdent(f.ID), keyType),
		fmt.Sprintf("%s TEXT NOT NULL", pgIdent(f.Text)),
	}
	if f.Segment != "" {
		cols = append(cols, pgIdent(f.Segment)+" BIGINT")
	}
	cols = append(cols, fmt.Sprintf("%s vector(%d) NOT NULL", pgIdent(f.Vector), schema.Dimension))
	if f.Metadata != "" {
		cols = append(cols, pgIdent(f.Metadata)+" TEXT")
	}
	for _, ts := range []string{f.CreateTime, f.UpdateTime} {
		if ts != "" {
			cols = append(cols, pgIdent(ts)+" BIGINT")
		}
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", "))}
	if f.Segment != "" {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			pgIdent("idx_"+schema.Name+"_"+f.Segment), table, pgIdent(f.Segment)))
	}
	if schema.IndexType == IndexHNSW {
		ops := "vector_cosine_ops"
		if schema.MetricType == MetricIP {
			ops = "vector_ip_ops"
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s ON %s USING hnsw (%s %s)",
			pgIdent("idx_"+schema.Name+"_"+f.Vector), table, pgIdent(f.Vector), ops))
	}
	return stmts
}

func (s *PgVectorStore) DropCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPg(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+pgIdent(name)); err != nil {
		return classifyPg(fmt.Errorf("drop collection %s: %w", name, err))
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM vector_collections WHERE name = $1", name); err != nil {
		return classifyPg(fmt.Errorf("unregister collection %s: %w", name, err))
	}
	if err := tx.Commit(); err != nil {
		return classifyPg(err)
	}

	s.mu.Lock()
	delete(s.schemas, name)
	s.mu.Unlock()
	return nil
}

func (s *PgVectorStore) LoadCollection(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE vector_collections SET loaded = TRUE WHERE name = $1", name)
	if err != nil {
		return classifyPg(fmt.Errorf("load collection %s: %w", name, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return nil
}

func (s *PgVectorStore) schema(ctx context.Context, name string, requireLoaded bool) (Schema, error) {
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

func (s *PgVectorStore) Insert(ctx context.Context, name string, rows []Row) error {
	return s.write(ctx, name, rows, false)
}

// Upsert stores rows, updating existing ones by primary key.
func (s *PgVectorStore) Upsert(ctx context.Context, name string, rows []Row) error {
	return s.write(ctx, name, rows, true)
}

func (s *PgVectorStore) write(ctx context.Context, name string, rows []Row, upsert bool) error {
	schema, err := s.schema(ctx, name, false)
	if err != nil {
		return err
	}
	fields := schema.Fields.All()

	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	var updates []string
	for i, f := range fields {
		cols[i] = pgIdent(f)
		marks[i] = "$" + strconv.Itoa(i+1)
		if f == schema.Fields.Vector {
			marks[i] += "::vector"
		}
		if f != schema.Fields.ID {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", cols[i], cols[i]))
		}
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgIdent(name), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if upsert {
		query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", pgIdent(schema.Fields.ID), strings.Join(updates, ", "))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPg(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return classifyPg(err)
	}
	defer stmt.Close()

	for i, row := range rows {
		args, err := rowArgs(schema, fields, row, func(v []float32) any { return formatVector(v) })
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return classifyPg(fmt.Errorf("row %d: %w", i, err))
		}
	}
	return classifyPg(tx.Commit())
}

// Delete removes rows by primary key.
func (s *PgVectorStore) Delete(ctx context.Context, name string, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	schema, err := s.schema(ctx, name, false)
	if err != nil {
		return err
	}

	placeholders := make([]string, len(ids))
	for i := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
		pgIdent(name), pgIdent(schema.Fields.ID), strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, ids...); err != nil {
		return classifyPg(fmt.Errorf("delete: %w", err))
	}
	return nil
}

func (s *PgVectorStore) Query(ctx context.Context, name string, req QueryRequest) ([]Row, error) {
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

	query, args := pgSelect(schema, fields, req.Filter, "")
	query += " ORDER BY " + pgIdent(schema.Fields.ID)
	if req.Limit > 0 {
		args = append(args, req.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if req.Offset > 0 {
		args = append(args, req.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPg(fmt.Errorf("query: %w", err))
	}
	return newRowScanner(schema, fields, parseVector).collect(rows)
}

// Search orders rows by pgvector distance and reports a similarity score
// where higher is better.
func (s *PgVectorStore) Search(ctx context.Context, name string, req SearchRequest) ([]Hit, error) {
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
	fields := req.OutputFields
	if len(fields) == 0 {
		fields = schema.Fields.All()
	}

	vec := pgIdent(schema.Fields.Vector)
	distance, score := vec+" <=> $1::vector", "1 - ("+vec+" <=> $1::vector)"
	if schema.MetricType == MetricIP {
		distance, score = vec+" <#> $1::vector", "-("+vec+" <#> $1::vector)"
	}

	query, args := pgSelect(schema, fields, req.Filter, score, formatVector(req.Vector))
	args = append(args, req.TopK)
	query += fmt.Sprintf(" ORDER BY %s, %s LIMIT $%d", distance, pgIdent(schema.Fields.ID), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPg(fmt.Errorf("search: %w", err))
	}
	defer rows.Close()

	scanner := newRowScanner(schema, fields, parseVector)
	hits := []Hit{}
	for rows.Next() {
		var sc float64
		row, err := scanner.scan(rows, &sc)
		if err != nil {
			return nil, err
		}
		hits = append(hits, Hit{Row: row, Score: float32(sc)})
	}
	return hits, classifyPg(rows.Err())
}

// pgSelect builds a SELECT over fields, with an optional score expression as
// the last column. Leading args occupy $1.. before the filter value.
func pgSelect(schema Schema, fields []string, f *Filter, score string, args ...any) (string, []any) {
	cols := make([]string, 0, len(fields)+1)
	for _, field := range fields {
		col := pgIdent(field)
		if field == schema.Fields.Vector {
			col += "::text"
		}
		cols = append(cols, col)
	}
	if score != "" {
		cols = append(cols, score)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), pgIdent(schema.Name))
	if f != nil {
		args = append(args, f.Value)
		query += fmt.Sprintf(" WHERE %s = $%d", pgIdent(f.Field), len(args))
	}
	return query, args
}

func (s *PgVectorStore) Stats(ctx context.Context, name string) (Stats, error) {
	if _, err := s.schema(ctx, name, false); err != nil {
		return Stats{}, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+pgIdent(name)).Scan(&n); err != nil {
		return Stats{}, classifyPg(fmt.Errorf("stats: %w", err))
	}
	return Stats{RowCount: n}, nil
}

// Close closes the database connection.
func (s *PgVectorStore) Close() error {
	return s.db.Close()
}

// classifyPg marks connection-level failures as ErrStoreUnavailable. SQL
// errors raised by the server are returned as they are.
func classifyPg(err error) error {
	if err == nil || errors.Is(err, core.ErrStoreUnavailable) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 53: insufficient resources, 57P: operator intervention
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") || strings.HasPrefix(pgErr.Code, "57P") {
			return fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
	}
	return err
}

// formatVector converts a vector to pgvector text format: "[0.1,0.2,0.3]"
func formatVector(v []float32) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(float64(x), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseVector converts pgvector text format back to a vector.
func parseVector(b []byte) ([]float32, error) {
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	result := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector element %d: %w", i, err)
		}
		result[i] = float32(f)
	}
	return result, nil
}
