package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/go-vectordata/core"
	"github.com/hubenschmidt/go-vectordata/monitor"
)

// State is the lifecycle state of the repository's collection.
type State int32

const (
	StateAbsent State = iota
	StateCreating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	}
	return "absent"
}

// Operation names used in errors, logs and metrics.
const (
	OpInitialize    = "initialize_collection"
	OpInsert        = "insert"
	OpInsertBatch   = "insert_batch"
	OpDelete        = "delete"
	OpFindByID      = "find_by_id"
	OpFindBySegment = "find_by_segment"
	OpSearch        = "search"
	OpPage          = "page"
	OpCount         = "count"
	OpUpdate        = "update"
)

// SearchQuery describes a similarity search. Vector wins over Text; Text is
// embedded only when Vector is empty. Filter is an equality expression such
// as `segment == 3` and may not be combined with Segment.
type SearchQuery struct {
	Vector    []float32
	Text      string
	TopK      int
	Segment   *int64
	Filter    string
	Threshold *float32
}

// PageResult is one page of records in primary-key order.
type PageResult struct {
	Records     []Record `json:"records"`
	Total       int64    `json:"total"`
	Page        int      `json:"page"`
	Size        int      `json:"size"`
	TotalPages  int      `json:"total_pages"`
	HasNext     bool     `json:"has_next"`
	HasPrevious bool     `json:"has_previous"`
}

// Repository is the data access layer for one collection. It validates
// records against the schema, turns requests into store operations and
// converts rows back into records.
type Repository struct {
	store    Store
	embedder Embedder
	schema   Schema

	recreate    bool
	minTopK     int
	maxTopK     int
	maxPageSize int
	opTimeout   time.Duration
	log         *slog.Logger
	collector   monitor.Collector
	now         func() time.Time

	initMu sync.Mutex
	state  atomic.Int32
	locks  *keyLocks
}

// Option configures a Repository.
type Option func(*Repository)

// WithRecreateIfExists drops and recreates an existing collection on
// initialization instead of reusing it. This destroys its data.
func WithRecreateIfExists(recreate bool) Option {
	return func(r *Repository) { r.recreate = recreate }
}

// WithTopKBounds sets the accepted range of SearchQuery.TopK.
func WithTopKBounds(lo, hi int) Option {
	return func(r *Repository) { r.minTopK, r.maxTopK = lo, hi }
}

// WithMaxPageSize caps the page size accepted by Page.
func WithMaxPageSize(n int) Option {
	return func(r *Repository) { r.maxPageSize = n }
}

// WithOpTimeout bounds every operation, including embedding calls.
func WithOpTimeout(d time.Duration) Option {
	return func(r *Repository) { r.opTimeout = d }
}

// WithLogger sets the logger; records carry component=vector.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.log = l.With("component", "vector") }
}

// WithCollector receives one sample per completed operation.
func WithCollector(c monitor.Collector) Option {
	return func(r *Repository) { r.collector = c }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a repository for schema on store. embedder may be
// nil if text queries are never used.
func NewRepository(store Store, embedder Embedder, schema Schema, opts ...Option) (*Repository, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	r := &Repository{
		store:       store,
		embedder:    embedder,
		schema:      schema,
		minTopK:     1,
		maxTopK:     100,
		maxPageSize: 1000,
		log:         slog.Default().With("component", "vector"),
		collector:   monitor.NewNoOpCollector(),
		now:         time.Now,
		locks:       newKeyLocks(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.minTopK < 1 || r.maxTopK < r.minTopK {
		return nil, fmt.Errorf("invalid topK bounds [%d, %d]", r.minTopK, r.maxTopK)
	}
	if r.maxPageSize < 1 {
		return nil, fmt.Errorf("invalid max page size %d", r.maxPageSize)
	}
	return r, nil
}

func (r *Repository) State() State {
	return State(r.state.Load())
}

func (r *Repository) Schema() Schema {
	return r.schema
}

// Store returns the underlying store.
func (r *Repository) Store() Store {
	return r.store
}

// track applies the operation timeout and returns a func that records the
// outcome. Call it as `defer func() { done(err) }()`.
func (r *Repository) track(ctx context.Context, op, id string) (context.Context, func(error)) {
	start := time.Now()
	cancel := context.CancelFunc(func() {})
	if r.opTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.opTimeout)
	}
	return ctx, func(err error) {
		cancel()
		elapsed := time.Since(start)
		r.collector.Record(monitor.OpSample{Op: op, Status: core.Label(err), Duration: elapsed})
		if err != nil {
			r.log.Warn("operation failed", "op", op, "id", id, "duration", elapsed, "error", err)
			return
		}
		r.log.Debug("operation completed", "op", op, "id", id, "duration", elapsed)
	}
}

func (r *Repository) ready(op, id string) error {
	if r.State() != StateReady {
		return core.NewOpError(op, id, core.ErrCollectionNotReady, fmt.Errorf("collection %s is %s", r.schema.Name, r.State()))
	}
	return nil
}

// storeErr classifies an error returned by a store call. Deadline overruns
// count as an unavailable store.
func (r *Repository) storeErr(op, id string, kind, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, core.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
	}
	return core.Classify(op, id, kind, err)
}

// InitializeCollection makes sure the collection exists with the configured
// schema and is loaded. An existing collection is reused when its schema
// matches, or dropped and recreated when WithRecreateIfExists is set.
func (r *Repository) InitializeCollection(ctx context.Context) error {
	return r.initialize(ctx, r.recreate)
}

// RecreateCollection drops the collection if it exists and creates it again.
func (r *Repository) RecreateCollection(ctx context.Context) error {
	return r.initialize(ctx, true)
}

func (r *Repository) initialize(ctx context.Context, recreate bool) (err error) {
	ctx, done := r.track(ctx, OpInitialize, "")
	defer func() { done(err) }()

	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.state.Store(int32(StateCreating))
	defer func() {
		if err != nil {
			r.state.Store(int32(StateAbsent))
			return
		}
		r.state.Store(int32(StateReady))
	}()

	name := r.schema.Name
	exists, err := r.store.HasCollection(ctx, name)
	if err != nil {
		return r.storeErr(OpInitialize, "", core.ErrStoreUnavailable, err)
	}

	switch {
	case exists && recreate:
		r.log.Warn("dropping existing collection", "collection", name)
		if err := r.store.DropCollection(ctx, name); err != nil {
			return r.storeErr(OpInitialize, "", core.ErrSchema, fmt.Errorf("drop %s: %w", name, err))
		}
		exists = false
	case exists:
		stored, err := r.store.DescribeCollection(ctx, name)
		if err != nil {
			return r.storeErr(OpInitialize, "", core.ErrSchema, fmt.Errorf("describe %s: %w", name, err))
		}
		if err := r.schema.Compatible(stored); err != nil {
			return core.NewOpError(OpInitialize, "", core.ErrSchema, err)
		}
		r.log.Info("reusing existing collection", "collection", name)
	}

	if !exists {
		if err := r.store.CreateCollection(ctx, r.schema); err != nil {
			return r.storeErr(OpInitialize, "", core.ErrSchema, fmt.Errorf("create %s: %w", name, err))
		}
		r.log.Info("created collection", "collection", name, "dimension", r.schema.Dimension,
			"index", r.schema.IndexType, "metric", r.schema.MetricType)
	}

	if err := r.store.LoadCollection(ctx, name); err != nil {
		return r.storeErr(OpInitialize, "", core.ErrSchema, fmt.Errorf("load %s: %w", name, err))
	}
	return nil
}

// stamp fills unset timestamps for schemas that store them.
func (r *Repository) stamp(rec Record) Record {
	now := r.now()
	if r.schema.Fields.CreateTime != "" && rec.CreateTime.IsZero() {
		rec.CreateTime = now
	}
	if r.schema.Fields.UpdateTime != "" && rec.UpdateTime.IsZero() {
		rec.UpdateTime = now
	}
	return rec
}

// Insert stores one new record. Its id must not exist yet.
func (r *Repository) Insert(ctx context.Context, rec Record) (err error) {
	ctx, done := r.track(ctx, OpInsert, rec.ID)
	defer func() { done(err) }()

	if err := r.ready(OpInsert, rec.ID); err != nil {
		return err
	}
	if err := r.schema.validateRecord(rec); err != nil {
		return core.NewOpError(OpInsert, rec.ID, core.ErrWriteFailure, err)
	}
	row := r.schema.recordToRow(r.stamp(rec))
	if err := r.store.Insert(ctx, r.schema.Name, []Row{row}); err != nil {
		return r.storeErr(OpInsert, rec.ID, core.ErrWriteFailure, err)
	}
	return nil
}

// InsertBatch stores records in one store call. Nothing is written if any
// record is invalid. An empty batch is a no-op.
func (r *Repository) InsertBatch(ctx context.Context, recs []Record) (err error) {
	ctx, done := r.track(ctx, OpInsertBatch, "")
	defer func() { done(err) }()

	if err := r.ready(OpInsertBatch, ""); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	rows := make([]Row, len(recs))
	for i, rec := range recs {
		if err := r.schema.validateRecord(rec); err != nil {
			return core.NewOpError(OpInsertBatch, rec.ID, core.ErrWriteFailure, fmt.Errorf("record %d: %w", i, err))
		}
		rows[i] = r.schema.recordToRow(r.stamp(rec))
	}
	if err := r.store.Insert(ctx, r.schema.Name, rows); err != nil {
		return r.storeErr(OpInsertBatch, "", core.ErrWriteFailure, err)
	}
	return nil
}

// DeleteByID removes one id or a comma-separated list of ids. Unknown ids
// are ignored.
func (r *Repository) DeleteByID(ctx context.Context, ids string) (err error) {
	ctx, done := r.track(ctx, OpDelete, ids)
	defer func() { done(err) }()

	if err := r.ready(OpDelete, ids); err != nil {
		return err
	}
	keys, err := r.schema.splitIDs(ids)
	if err != nil {
		return core.NewOpError(OpDelete, ids, core.ErrWriteFailure, err)
	}
	if len(keys) == 0 {
		return nil
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = fmt.Sprint(k)
	}
	defer r.locks.Lock(names...)()

	if err := r.store.Delete(ctx, r.schema.Name, keys); err != nil {
		return r.storeErr(OpDelete, ids, core.ErrWriteFailure, err)
	}
	return nil
}

// FindByID returns the record with id. found is false if it does not exist.
func (r *Repository) FindByID(ctx context.Context, id string) (rec Record, found bool, err error) {
	ctx, done := r.track(ctx, OpFindByID, id)
	defer func() { done(err) }()

	if err := r.ready(OpFindByID, id); err != nil {
		return Record{}, false, err
	}
	key, err := r.schema.keyValue(id)
	if err != nil {
		return Record{}, false, core.NewOpError(OpFindByID, id, core.ErrQueryFailure, err)
	}

	if _, native := r.store.(Upserter); !native {
		defer r.locks.RLock(fmt.Sprint(key))()
	}
	rec, found, err = r.find(ctx, key)
	if err != nil {
		return Record{}, false, r.storeErr(OpFindByID, id, core.ErrQueryFailure, err)
	}
	return rec, found, nil
}

// find reads one record by key without locking.
func (r *Repository) find(ctx context.Context, key any) (Record, bool, error) {
	rows, err := r.store.Query(ctx, r.schema.Name, QueryRequest{
		Filter:       Eq(r.schema.Fields.ID, key),
		OutputFields: r.schema.outputFields(),
		Limit:        1,
	})
	if err != nil {
		return Record{}, false, err
	}
	if len(rows) == 0 {
		return Record{}, false, nil
	}
	rec, err := r.schema.rowToRecord(rows[0])
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// FindBySegment returns every record tagged with segment, in key order.
func (r *Repository) FindBySegment(ctx context.Context, segment int64) (recs []Record, err error) {
	ctx, done := r.track(ctx, OpFindBySegment, "")
	defer func() { done(err) }()

	if err := r.ready(OpFindBySegment, ""); err != nil {
		return nil, err
	}
	if r.schema.Fields.Segment == "" {
		return nil, core.NewOpError(OpFindBySegment, "", core.ErrQueryFailure,
			fmt.Errorf("%w: collection %s has no segment field", core.ErrInvalidFilter, r.schema.Name))
	}

	rows, err := r.store.Query(ctx, r.schema.Name, QueryRequest{
		Filter:       Eq(r.schema.Fields.Segment, segment),
		OutputFields: r.schema.outputFields(),
	})
	if err != nil {
		return nil, r.storeErr(OpFindBySegment, "", core.ErrQueryFailure, err)
	}
	recs, err = r.toRecords(rows)
	if err != nil {
		return nil, core.NewOpError(OpFindBySegment, "", core.ErrQueryFailure, err)
	}
	return recs, nil
}

func (r *Repository) toRecords(rows []Row) ([]Record, error) {
	recs := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := r.schema.rowToRecord(row)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Search returns the records most similar to the query, best first, each
// with its score. Records scoring below Threshold are dropped.
func (r *Repository) Search(ctx context.Context, q SearchQuery) (recs []Record, err error) {
	ctx, done := r.track(ctx, OpSearch, "")
	defer func() { done(err) }()

	if err := r.ready(OpSearch, ""); err != nil {
		return nil, err
	}
	if q.TopK < r.minTopK || q.TopK > r.maxTopK {
		return nil, core.NewOpError(OpSearch, "", core.ErrSearchFailure,
			fmt.Errorf("%w: topK %d outside [%d, %d]", core.ErrInvalidArgument, q.TopK, r.minTopK, r.maxTopK))
	}

	vec := q.Vector
	if len(vec) == 0 {
		if strings.TrimSpace(q.Text) == "" {
			return nil, core.NewOpError(OpSearch, "", core.ErrSearchFailure,
				fmt.Errorf("%w: query vector or text is required", core.ErrInvalidArgument))
		}
		if r.embedder == nil {
			return nil, core.NewOpError(OpSearch, "", core.ErrEmbeddingUnavailable, errors.New("no embedder configured"))
		}
		vec, err = r.embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, core.Classify(OpSearch, "", core.ErrEmbeddingUnavailable, err)
		}
		if len(vec) != r.schema.Dimension {
			return nil, core.NewOpError(OpSearch, "", core.ErrEmbeddingFormat,
				fmt.Errorf("%w: expected %d, got %d", core.ErrDimensionMismatch, r.schema.Dimension, len(vec)))
		}
	} else if len(vec) != r.schema.Dimension {
		return nil, core.NewOpError(OpSearch, "", core.ErrSearchFailure,
			fmt.Errorf("%w: expected %d, got %d", core.ErrDimensionMismatch, r.schema.Dimension, len(vec)))
	}

	filter, err := r.searchFilter(q)
	if err != nil {
		return nil, core.NewOpError(OpSearch, "", core.ErrSearchFailure, err)
	}

	hits, err := r.store.Search(ctx, r.schema.Name, SearchRequest{
		Filter:       filter,
		Vector:       vec,
		TopK:         q.TopK,
		OutputFields: r.schema.outputFields(),
	})
	if err != nil {
		return nil, r.storeErr(OpSearch, "", core.ErrSearchFailure, err)
	}

	recs = make([]Record, 0, len(hits))
	for _, h := range hits {
		if q.Threshold != nil && h.Score < *q.Threshold {
			continue
		}
		rec, err := r.schema.rowToRecord(h.Row)
		if err != nil {
			return nil, core.NewOpError(OpSearch, "", core.ErrSearchFailure, err)
		}
		score := h.Score
		rec.Score = &score
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *Repository) searchFilter(q SearchQuery) (*Filter, error) {
	expr := strings.TrimSpace(q.Filter)
	switch {
	case q.Segment != nil && expr != "":
		return nil, fmt.Errorf("%w: segment and filter are mutually exclusive", core.ErrInvalidFilter)
	case expr != "":
		return ParseFilter(expr, r.schema)
	case q.Segment != nil:
		if r.schema.Fields.Segment == "" {
			return nil, fmt.Errorf("%w: collection %s has no segment field", core.ErrInvalidFilter, r.schema.Name)
		}
		return Eq(r.schema.Fields.Segment, *q.Segment), nil
	}
	return nil, nil
}

// Page returns page (1-based) of size records in primary-key order.
func (r *Repository) Page(ctx context.Context, page, size int) (res PageResult, err error) {
	ctx, done := r.track(ctx, OpPage, "")
	defer func() { done(err) }()

	if err := r.ready(OpPage, ""); err != nil {
		return PageResult{}, err
	}
	if page < 1 || size < 1 || size > r.maxPageSize {
		return PageResult{}, core.NewOpError(OpPage, "", core.ErrQueryFailure,
			fmt.Errorf("%w: page %d size %d (size must be 1..%d)", core.ErrInvalidArgument, page, size, r.maxPageSize))
	}

	stats, err := r.store.Stats(ctx, r.schema.Name)
	if err != nil {
		return PageResult{}, r.storeErr(OpPage, "", core.ErrQueryFailure, err)
	}

	// An offset that does not fit in an int lies past every stored row.
	recs := []Record{}
	if page-1 <= math.MaxInt/size {
		rows, err := r.store.Query(ctx, r.schema.Name, QueryRequest{
			OutputFields: r.schema.outputFields(),
			Offset:       (page - 1) * size,
			Limit:        size,
		})
		if err != nil {
			return PageResult{}, r.storeErr(OpPage, "", core.ErrQueryFailure, err)
		}
		if recs, err = r.toRecords(rows); err != nil {
			return PageResult{}, core.NewOpError(OpPage, "", core.ErrQueryFailure, err)
		}
	}

	totalPages := int((stats.RowCount + int64(size) - 1) / int64(size))
	return PageResult{
		Records:     recs,
		Total:       stats.RowCount,
		Page:        page,
		Size:        size,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}, nil
}

// RowCount returns the number of stored records.
func (r *Repository) RowCount(ctx context.Context) (n int64, err error) {
	ctx, done := r.track(ctx, OpCount, "")
	defer func() { done(err) }()

	if err := r.ready(OpCount, ""); err != nil {
		return 0, err
	}
	stats, err := r.store.Stats(ctx, r.schema.Name)
	if err != nil {
		return 0, r.storeErr(OpCount, "", core.ErrQueryFailure, err)
	}
	return stats.RowCount, nil
}

// Count is RowCount that reports 0 instead of failing.
func (r *Repository) Count(ctx context.Context) int64 {
	n, err := r.RowCount(ctx)
	if err != nil {
		r.log.Warn("count unavailable, reporting 0", "collection", r.schema.Name, "error", err)
		return 0
	}
	return n
}

// Update replaces the record with id by mutate's result. mutate receives the
// current record and must keep its id; it runs without any lock held, so it
// may be slow or call back into the repository. The write happens under the
// per-id lock shared with DeleteByID and fails with NotFound if the record
// was deleted meanwhile. Stores implementing Upserter replace the row in one
// call; otherwise the row is deleted and reinserted while the lock keeps
// FindByID from observing the gap.
func (r *Repository) Update(ctx context.Context, id string, mutate func(Record) (Record, error)) (rec Record, err error) {
	ctx, done := r.track(ctx, OpUpdate, id)
	defer func() { done(err) }()

	if err := r.ready(OpUpdate, id); err != nil {
		return Record{}, err
	}
	if mutate == nil {
		return Record{}, core.NewOpError(OpUpdate, id, core.ErrWriteFailure, fmt.Errorf("%w: nil mutate func", core.ErrInvalidArgument))
	}
	key, err := r.schema.keyValue(id)
	if err != nil {
		return Record{}, core.NewOpError(OpUpdate, id, core.ErrWriteFailure, err)
	}

	current, found, err := r.find(ctx, key)
	if err != nil {
		return Record{}, r.storeErr(OpUpdate, id, core.ErrQueryFailure, err)
	}
	if !found {
		return Record{}, core.NewOpError(OpUpdate, id, core.ErrNotFound, nil)
	}

	next, err := mutate(current)
	if err != nil {
		return Record{}, core.Classify(OpUpdate, id, core.ErrWriteFailure, err)
	}
	if strings.TrimSpace(next.ID) != strings.TrimSpace(current.ID) {
		return Record{}, core.NewOpError(OpUpdate, id, core.ErrWriteFailure,
			fmt.Errorf("%w: id changed from %s to %s", core.ErrInvalidRecord, current.ID, next.ID))
	}
	next.ID = current.ID
	next.Score = nil
	if next.CreateTime.IsZero() {
		next.CreateTime = current.CreateTime
	}
	if r.schema.Fields.UpdateTime != "" {
		next.UpdateTime = r.now()
	}
	if err := r.schema.validateRecord(next); err != nil {
		return Record{}, core.NewOpError(OpUpdate, id, core.ErrWriteFailure, err)
	}
	next = r.stamp(next)
	row := r.schema.recordToRow(next)

	defer r.locks.Lock(fmt.Sprint(key))()
	if _, found, err := r.find(ctx, key); err != nil {
		return Record{}, r.storeErr(OpUpdate, id, core.ErrQueryFailure, err)
	} else if !found {
		return Record{}, core.NewOpError(OpUpdate, id, core.ErrNotFound, errors.New("deleted during update"))
	}

	if upserter, native := r.store.(Upserter); native {
		if err := upserter.Upsert(ctx, r.schema.Name, []Row{row}); err != nil {
			return Record{}, r.storeErr(OpUpdate, id, core.ErrWriteFailure, err)
		}
		return next, nil
	}

	if err := r.store.Delete(ctx, r.schema.Name, []any{key}); err != nil {
		return Record{}, r.storeErr(OpUpdate, id, core.ErrWriteFailure, fmt.Errorf("delete: %w", err))
	}
	if err := r.store.Insert(ctx, r.schema.Name, []Row{row}); err != nil {
		r.log.Error("record lost: reinsert after delete failed", "id", id, "error", err)
		return Record{}, r.storeErr(OpUpdate, id, core.ErrWriteFailure, fmt.Errorf("reinsert: %w", err))
	}
	return next, nil
}
