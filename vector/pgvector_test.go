package vector

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/hubenschmidt/go-vectordata/core"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatParseVector(t *testing.T) {
	v := []float32{0.1, -2.5, 3, 1e-7}
	s := formatVector(v)
	assert.Equal(t, "[0.1,-2.5,3,1e-07]", s)

	back, err := parseVector([]byte(s))
	require.NoError(t, err)
	assert.Equal(t, v, back)

	back, err = parseVector([]byte("[]"))
	require.NoError(t, err)
	assert.Nil(t, back)

	_, err = parseVector([]byte("[1,x]"))
	assert.Error(t, err)
}

func TestPgDDL(t *testing.T) {
	seg := SegmentSchema("beanmeat_test", 1024)
	stmts := pgDDL(seg)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], `CREATE TABLE "beanmeat_test"`)
	assert.Contains(t, stmts[0], `"id" BIGINT PRIMARY KEY`)
	assert.Contains(t, stmts[0], `"description_vector" vector(1024) NOT NULL`)
	assert.Contains(t, stmts[1], `("segment")`)

	doc := DocumentSchema("docs", 8)
	doc.IndexType = IndexHNSW
	doc.MetricType = MetricIP
	stmts = pgDDL(doc)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], `"id" TEXT PRIMARY KEY`)
	assert.Contains(t, stmts[0], `"create_time" BIGINT`)
	assert.True(t, strings.HasSuffix(stmts[1], `USING hnsw ("vector" vector_ip_ops)`), stmts[1])
}

func TestPgSelect(t *testing.T) {
	schema := SegmentSchema("c", 3)
	q, args := pgSelect(schema, []string{"id", "description_vector"}, Eq("segment", int64(4)), "1 - x", "[1,0,0]")
	assert.Equal(t, `SELECT "id", "description_vector"::text, 1 - x FROM "c" WHERE "segment" = $2`, q)
	assert.Equal(t, []any{"[1,0,0]", int64(4)}, args)
}

func TestClassifyPg(t *testing.T) {
	assert.NoError(t, classifyPg(nil))

	conn := &pgconn.PgError{Code: "08006", Message: "connection failure"}
	assert.ErrorIs(t, classifyPg(fmt.Errorf("query: %w", conn)), core.ErrStoreUnavailable)

	dup := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	err := classifyPg(dup)
	assert.NotErrorIs(t, err, core.ErrStoreUnavailable)
	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr))

	assert.ErrorIs(t, classifyPg(driver.ErrBadConn), core.ErrStoreUnavailable)
	assert.NotErrorIs(t, classifyPg(errors.New("syntax")), core.ErrStoreUnavailable)
}

// Set VECTORD_TEST_POSTGRES_DSN to a database with the pgvector extension
// available to run the store contract against PostgreSQL.
func TestPgVectorStore_Contract(t *testing.T) {
	dsn := os.Getenv("VECTORD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VECTORD_TEST_POSTGRES_DSN not set")
	}

	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPgVectorStore(ctx, dsn, PoolConfig{})
		require.NoError(t, err)
		for _, name := range []string{"contract_test", "contract_docs"} {
			require.NoError(t, s.DropCollection(ctx, name))
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
