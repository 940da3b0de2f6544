// Package vector provides the vector record schema, the store backends and
// the data access layer that sits on top of them.
package vector

import (
	"context"
	"time"
)

// Record is a text with its embedding, an optional segment tag and
// optional metadata.
type Record struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Segment    *int64    `json:"segment,omitempty"`
	Vector     []float32 `json:"vector,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
	CreateTime time.Time `json:"create_time,omitzero"`
	UpdateTime time.Time `json:"update_time,omitzero"`
	Score      *float32  `json:"score,omitempty"` // set on search results only
}

// Row is a store row keyed by field name.
type Row map[string]any

// Hit is a search result row with the store-reported similarity.
type Hit struct {
	Row   Row
	Score float32
}

// QueryRequest describes a scalar query. A zero Limit means no limit.
type QueryRequest struct {
	Filter       *Filter
	OutputFields []string
	Offset       int
	Limit        int
}

// SearchRequest describes a similarity search against the vector field.
type SearchRequest struct {
	Filter       *Filter
	Vector       []float32
	TopK         int
	OutputFields []string
}

// Stats holds collection statistics.
type Stats struct {
	RowCount int64
}

// Store is the transport binding to a vector database. Implementations must
// be safe for concurrent use.
type Store interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	// DescribeCollection returns the schema the collection was created with.
	DescribeCollection(ctx context.Context, name string) (Schema, error)
	CreateCollection(ctx context.Context, schema Schema) error
	DropCollection(ctx context.Context, name string) error
	// LoadCollection makes the collection available for query and search.
	LoadCollection(ctx context.Context, name string) error

	Insert(ctx context.Context, name string, rows []Row) error
	// Delete removes rows by primary key. Missing keys are ignored.
	Delete(ctx context.Context, name string, ids []any) error
	// Query returns rows ordered by primary key.
	Query(ctx context.Context, name string, req QueryRequest) ([]Row, error)
	// Search returns at most TopK hits, best match first.
	Search(ctx context.Context, name string, req SearchRequest) ([]Hit, error)
	Stats(ctx context.Context, name string) (Stats, error)

	Close() error
}

// Upserter is implemented by stores that can replace a row by primary key
// in one step.
type Upserter interface {
	Upsert(ctx context.Context, name string, rows []Row) error
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
