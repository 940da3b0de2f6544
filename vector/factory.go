package vector

import (
	"context"
	"fmt"
	"strings"
)

// StoreConfig selects and configures a store backend.
type StoreConfig struct {
	DSN  string
	Pool PoolConfig
}

// NewStore creates a store based on the DSN.
//   - Empty DSN or "memory:": in-process MemoryStore
//   - postgres:// or postgresql://: PgVectorStore
//   - "sqlite:" prefix or anything else: SQLiteStore at that path
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)

	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory:"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		s, err := NewPgVectorStore(ctx, dsn, cfg.Pool)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	}

	s, err := NewSQLiteStore(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return s, nil
}

// Backend names the store implementation behind s.
func Backend(s Store) string {
	switch s.(type) {
	case *MemoryStore:
		return "memory"
	case *SQLiteStore:
		return "sqlite"
	case *PgVectorStore:
		return "pgvector"
	}
	return fmt.Sprintf("%T", s)
}
