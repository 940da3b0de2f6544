package vector

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hubenschmidt/go-vectordata/core"
)

// ErrCollectionNotFound is returned by stores for operations on a collection
// that does not exist.
var ErrCollectionNotFound = errors.New("collection does not exist")

// ErrCollectionNotLoaded is returned by stores for reads on a collection
// that was not loaded.
var ErrCollectionNotLoaded = errors.New("collection not loaded")

// MemoryStore is an in-memory vector store for development and testing.
// Scoring is exact; segment equality filters use a bitmap index.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	schema   Schema
	loaded   bool
	nextSlot uint32
	slots    map[string]uint32
	rows     map[uint32]Row
	// segment value -> slots holding it
	segments map[int64]*roaring.Bitmap
}

// NewMemoryStore creates a new in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*memCollection),
	}
}

func (s *MemoryStore) HasCollection(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok, nil
}

func (s *MemoryStore) DescribeCollection(ctx context.Context, name string) (Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return c.schema, nil
}

func (s *MemoryStore) CreateCollection(ctx context.Context, schema Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[schema.Name]; ok {
		return fmt.Errorf("%w: collection %s already exists", core.ErrSchema, schema.Name)
	}
	s.collections[schema.Name] = &memCollection{
		schema:   schema,
		slots:    make(map[string]uint32),
		rows:     make(map[uint32]Row),
		segments: make(map[int64]*roaring.Bitmap),
	}
	return nil
}

func (s *MemoryStore) DropCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func (s *MemoryStore) LoadCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	c.loaded = true
	return nil
}

// Insert stores rows. The whole batch is rejected if any key already exists
// or any row is malformed.
func (s *MemoryStore) Insert(ctx context.Context, name string, rows []Row) error {
	return s.write(name, rows, false)
}

// Upsert stores rows, replacing existing ones by primary key.
func (s *MemoryStore) Upsert(ctx context.Context, name string, rows []Row) error {
	return s.write(name, rows, true)
}

func (s *MemoryStore) write(name string, rows []Row, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	batch := make(map[string]bool, len(rows))
	for i, row := range rows {
		key, err := c.rowKey(row)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if batch[key] {
			return fmt.Errorf("row %d: duplicate primary key %s in batch", i, key)
		}
		batch[key] = true
		if _, exists := c.slots[key]; exists && !replace {
			return fmt.Errorf("row %d: duplicate primary key %s", i, key)
		}
		vec, err := toFloat32Slice(row[c.schema.Fields.Vector])
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if len(vec) != c.schema.Dimension {
			return fmt.Errorf("row %d: %w: expected %d, got %d", i, core.ErrDimensionMismatch, c.schema.Dimension, len(vec))
		}
	}

	for _, row := range rows {
		key, _ := c.rowKey(row)
		if slot, exists := c.slots[key]; exists {
			c.remove(key, slot)
		}
		stored := copyRow(row)
		stored[c.schema.Fields.Vector], _ = toFloat32Slice(row[c.schema.Fields.Vector])
		c.add(key, stored)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string, ids []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	for _, id := range ids {
		key := fmt.Sprint(id)
		if slot, exists := c.slots[key]; exists {
			c.remove(key, slot)
		}
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, name string, req QueryRequest) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.readable(name, req.Filter)
	if err != nil {
		return nil, err
	}

	rows := c.candidates(req.Filter)
	sort.Slice(rows, func(i, j int) bool {
		return compareKeys(rows[i][c.schema.Fields.ID], rows[j][c.schema.Fields.ID]) < 0
	})

	if req.Offset > 0 {
		if req.Offset >= len(rows) {
			return []Row{}, nil
		}
		rows = rows[req.Offset:]
	}
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}

	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = project(row, req.OutputFields)
	}
	return out, nil
}

// Search finds rows similar to the query vector using brute-force scoring.
func (s *MemoryStore) Search(ctx context.Context, name string, req SearchRequest) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.readable(name, req.Filter)
	if err != nil {
		return nil, err
	}
	if req.TopK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", req.TopK)
	}
	if len(req.Vector) != c.schema.Dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", core.ErrDimensionMismatch, c.schema.Dimension, len(req.Vector))
	}

	rows := c.candidates(req.Filter)
	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		vec, _ := row[c.schema.Fields.Vector].([]float32)
		hits = append(hits, Hit{Row: row, Score: similarity(c.schema.MetricType, req.Vector, vec)})
	}

	hits = rankHits(hits, c.schema.Fields.ID, req.TopK)
	for i := range hits {
		hits[i].Row = project(hits[i].Row, req.OutputFields)
	}
	return hits, nil
}

func (s *MemoryStore) Stats(ctx context.Context, name string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return Stats{RowCount: int64(len(c.rows))}, nil
}

// Close is a no-op for in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// readable returns a loaded collection after validating the filter.
// Caller must hold s.mu.
func (s *MemoryStore) readable(name string, f *Filter) (*memCollection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if !c.loaded {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotLoaded, name)
	}
	if err := f.check(c.schema); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *memCollection) rowKey(row Row) (string, error) {
	v, ok := row[c.schema.Fields.ID]
	if !ok || v == nil {
		return "", fmt.Errorf("missing primary key %s", c.schema.Fields.ID)
	}
	return fmt.Sprint(v), nil
}

func (c *memCollection) add(key string, row Row) {
	slot := c.nextSlot
	c.nextSlot++
	c.slots[key] = slot
	c.rows[slot] = row

	if seg, ok := c.segmentOf(row); ok {
		bm, exists := c.segments[seg]
		if !exists {
			bm = roaring.New()
			c.segments[seg] = bm
		}
		bm.Add(slot)
	}
}

func (c *memCollection) remove(key string, slot uint32) {
	if seg, ok := c.segmentOf(c.rows[slot]); ok {
		if bm, exists := c.segments[seg]; exists {
			bm.Remove(slot)
			if bm.IsEmpty() {
				delete(c.segments, seg)
			}
		}
	}
	delete(c.rows, slot)
	delete(c.slots, key)
}

func (c *memCollection) segmentOf(row Row) (int64, bool) {
	if c.schema.Fields.Segment == "" {
		return 0, false
	}
	v, ok := row[c.schema.Fields.Segment]
	if !ok || v == nil {
		return 0, false
	}
	n, err := toInt64(v)
	return n, err == nil
}

// candidates returns rows matching f, using the segment bitmap when f
// filters on the segment field.
func (c *memCollection) candidates(f *Filter) []Row {
	if f != nil && f.Field == c.schema.Fields.Segment {
		bm, ok := c.segments[f.Value.(int64)]
		if !ok {
			return []Row{}
		}
		rows := make([]Row, 0, bm.GetCardinality())
		for _, slot := range bm.ToArray() {
			rows = append(rows, c.rows[slot])
		}
		return rows
	}

	rows := make([]Row, 0, len(c.rows))
	for _, row := range c.rows {
		if f.Matches(row) {
			rows = append(rows, row)
		}
	}
	return rows
}

func copyRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if vec, ok := v.([]float32); ok {
			v = slices.Clone(vec)
		}
		out[k] = v
	}
	return out
}

// project copies the requested fields of row. No fields means all fields.
func project(row Row, fields []string) Row {
	if len(fields) == 0 {
		return copyRow(row)
	}
	out := make(Row, len(fields))
	for _, f := range fields {
		v, ok := row[f]
		if !ok {
			continue
		}
		if vec, isVec := v.([]float32); isVec {
			v = slices.Clone(vec)
		}
		out[f] = v
	}
	return out
}

func compareKeys(a, b any) int {
	ai, aErr := toInt64(a)
	bi, bErr := toInt64(b)
	if aErr == nil && bErr == nil {
		if _, ok := a.(string); !ok {
			return cmp.Compare(ai, bi)
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
