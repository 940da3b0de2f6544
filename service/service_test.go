package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hubenschmidt/go-vectordata/core"
	"github.com/hubenschmidt/go-vectordata/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 4

// stubEmbedder returns fixed vectors for known texts and a hash-derived
// vector otherwise.
type stubEmbedder struct {
	mu      sync.Mutex
	calls   []string
	fixed   map[string][]float32
	err     error
	wrongBy int
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls = append(e.calls, text)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.fixed[text]; ok {
		return append([]float32(nil), v...), nil
	}
	v := make([]float32, dim+e.wrongBy)
	for i := range v {
		h := fnv.New32a()
		fmt.Fprintf(h, "%d:%s", i, text)
		v[i] = float32(h.Sum32()%1000)/1000 + 0.01
	}
	return v, nil
}

func (e *stubEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func alphaBeta() *stubEmbedder {
	return &stubEmbedder{fixed: map[string][]float32{
		"alpha": {1, 0, 0, 0},
		"beta":  {0, 1, 0, 0},
	}}
}

var epoch = time.UnixMilli(1_700_000_000_000)

func fixedClock() time.Time { return epoch }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, schema vector.Schema, emb vector.Embedder, opts ...Option) *VectorService {
	t.Helper()
	repo, err := vector.NewRepository(vector.NewMemoryStore(), emb, schema,
		vector.WithLogger(quietLogger()), vector.WithClock(fixedClock))
	require.NoError(t, err)
	opts = append([]Option{WithLogger(quietLogger()), WithClock(fixedClock)}, opts...)
	svc, err := New(repo, emb, opts...)
	require.NoError(t, err)
	require.NoError(t, svc.Initialize(context.Background(), false))
	return svc
}

func i64(n int64) *int64     { return &n }
func str(s string) *string   { return &s }
func f32(f float32) *float32 { return &f }
func intPtr(n int) *int      { return &n }

func TestVectorService_CreateGeneratesIDAndEmbeds(t *testing.T) {
	ctx := context.Background()
	emb := alphaBeta()
	svc := newTestService(t, vector.SegmentSchema("svc", dim), emb)

	created, err := svc.Create(ctx, CreateRequest{Description: "alpha", Segment: i64(1)})
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", created.ID)
	assert.Equal(t, "alpha", created.Text)
	assert.Equal(t, dim, created.Dimension)
	assert.Nil(t, created.Vector)
	assert.Nil(t, created.CreateTime, "segment layout stores no timestamps")
	assert.Equal(t, []string{"alpha"}, emb.calls)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, got.Vector)
	assert.Equal(t, int64(1), *got.Segment)

	second, err := svc.Create(ctx, CreateRequest{Text: "beta", Vector: []float32{0, 1, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, "1700000000001", second.ID)
	assert.Equal(t, 1, emb.callCount(), "supplied vectors are not re-embedded")
}

func TestVectorService_CreateValidation(t *testing.T) {
	ctx := context.Background()
	seg := newTestService(t, vector.SegmentSchema("svc", dim), alphaBeta())
	doc := newTestService(t, vector.DocumentSchema("docs", dim), alphaBeta())

	_, err := seg.Create(ctx, CreateRequest{Text: "  "})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "text")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = seg.Create(ctx, CreateRequest{Text: "x", Metadata: "{}"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "metadata")

	_, err = doc.Create(ctx, CreateRequest{Text: "x", Segment: i64(2)})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "segment")

	_, err = seg.Create(ctx, CreateRequest{ID: "abc", Text: "x"})
	assert.ErrorIs(t, err, core.ErrWriteFailure)
	assert.ErrorIs(t, err, core.ErrInvalidID)

	_, err = seg.Create(ctx, CreateRequest{Text: "x", Vector: []float32{1, 2}})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	assert.Zero(t, seg.Count(ctx))
}

func TestVectorService_CreateEmbeddingErrors(t *testing.T) {
	ctx := context.Background()

	down := newTestService(t, vector.SegmentSchema("svc", dim),
		&stubEmbedder{err: fmt.Errorf("%w: connection refused", core.ErrEmbeddingUnavailable)})
	_, err := down.Create(ctx, CreateRequest{Text: "alpha"})
	assert.ErrorIs(t, err, core.ErrEmbeddingUnavailable)
	var opErr *core.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, OpCreate, opErr.Op)

	wrong := newTestService(t, vector.SegmentSchema("svc", dim), &stubEmbedder{wrongBy: 1})
	_, err = wrong.Create(ctx, CreateRequest{Text: "alpha"})
	assert.ErrorIs(t, err, core.ErrEmbeddingFormat)

	none := newTestService(t, vector.SegmentSchema("svc", dim), nil)
	_, err = none.Create(ctx, CreateRequest{Text: "alpha"})
	assert.ErrorIs(t, err, core.ErrEmbeddingUnavailable)
	_, err = none.Create(ctx, CreateRequest{Text: "alpha", Vector: []float32{1, 0, 0, 0}})
	assert.NoError(t, err)
}

func TestVectorService_DocumentLayout(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, vector.DocumentSchema("docs", dim), alphaBeta())

	created, err := svc.Create(ctx, CreateRequest{Text: "alpha", Metadata: `{"lang":"en"}`})
	require.NoError(t, err)
	_, err = uuid.Parse(created.ID)
	require.NoError(t, err)
	require.NotNil(t, created.CreateTime)
	assert.Equal(t, epoch.UnixMilli(), *created.CreateTime)
	assert.Equal(t, epoch.UnixMilli(), *created.UpdateTime)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"lang":"en"}`, got.Metadata)
}

func TestVectorService_CreateBatch(t *testing.T) {
	ctx := context.Background()
	emb := alphaBeta()
	svc := newTestService(t, vector.SegmentSchema("svc", dim), emb, WithEmbedParallelism(2))

	out, err := svc.CreateBatch(ctx, []CreateRequest{
		{Text: "alpha", Segment: i64(1)},
		{Text: "beta", Segment: i64(1)},
		{Text: "gamma", Vector: []float32{0, 0, 1, 0}},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "1700000000000", out[0].ID)
	assert.Equal(t, "1700000000001", out[1].ID)
	assert.Equal(t, "1700000000002", out[2].ID)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, emb.calls)
	assert.Equal(t, int64(3), svc.Count(ctx))

	next, err := svc.Create(ctx, CreateRequest{Text: "delta"})
	require.NoError(t, err)
	assert.Equal(t, "1700000000003", next.ID)

	empty, err := svc.CreateBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestVectorService_CreateBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, vector.SegmentSchema("svc", dim), alphaBeta())

	_, err := svc.CreateBatch(ctx, []CreateRequest{{Text: "alpha"}, {Text: ""}, {Text: "beta"}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string]string{"[1].text": "text must not be blank"}, verr.Fields)

	_, err = svc.CreateBatch(ctx, []CreateRequest{{Text: "alpha"}, {Text: "beta", Vector: []float32{1}}})
	assert.ErrorIs(t, err, core.ErrWriteFailure)

	failing := &stubEmbedder{err: errors.New("boom")}
	broken := newTestService(t, vector.SegmentSchema("svc", dim), failing)
	_, err = broken.CreateBatch(ctx, []CreateRequest{{Text: "a"}, {Text: "b"}})
	assert.ErrorIs(t, err, core.ErrEmbeddingUnavailable)

	assert.Zero(t, svc.Count(ctx))
	assert.Zero(t, broken.Count(ctx))
}

func TestVectorService_UpdateMerges(t *testing.T) {
	ctx := context.Background()
	emb := alphaBeta()
	svc := newTestService(t, vector.SegmentSchema("svc", dim), emb)

	created, err := svc.Create(ctx, CreateRequest{Text: "alpha", Segment: i64(1)})
	require.NoError(t, err)

	// segment only: text and vector are kept, nothing is embedded
	updated, err := svc.Update(ctx, UpdateRequest{ID: created.ID, Segment: i64(2)})
	require.NoError(t, err)
	assert.Equal(t, "alpha", updated.Text)
	assert.Equal(t, int64(2), *updated.Segment)
	assert.Equal(t, 1, emb.callCount())

	// new text is re-embedded, segment copied
	updated, err = svc.Update(ctx, UpdateRequest{ID: created.ID, Text: str("beta")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), *updated.Segment)
	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "beta", got.Text)
	assert.Equal(t, []float32{0, 1, 0, 0}, got.Vector)
	assert.Equal(t, 2, emb.callCount())

	// explicit vector wins over re-embedding
	_, err = svc.Update(ctx, UpdateRequest{ID: created.ID, Description: str("alpha"), Vector: []float32{0, 0, 0, 1}})
	require.NoError(t, err)
	got, err = svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Text)
	assert.Equal(t, []float32{0, 0, 0, 1}, got.Vector)
	assert.Equal(t, 2, emb.callCount())
	assert.Equal(t, int64(1), svc.Count(ctx))
}

func TestVectorService_UpdateErrors(t *testing.T) {
	ctx := context.Background()
	emb := alphaBeta()
	svc := newTestService(t, vector.SegmentSchema("svc", dim), emb)
	created, err := svc.Create(ctx, CreateRequest{Text: "alpha"})
	require.NoError(t, err)

	_, err = svc.Update(ctx, UpdateRequest{ID: "42", Text: str("x")})
	assert.ErrorIs(t, err, core.ErrNotFound)

	var verr *ValidationError
	_, err = svc.Update(ctx, UpdateRequest{Text: str("x")})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "id")

	_, err = svc.Update(ctx, UpdateRequest{ID: created.ID, Text: str(" ")})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "text")

	_, err = svc.Update(ctx, UpdateRequest{ID: created.ID, Metadata: str("{}")})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "metadata")

	emb.err = fmt.Errorf("%w: timeout", core.ErrEmbeddingUnavailable)
	_, err = svc.Update(ctx, UpdateRequest{ID: created.ID, Text: str("beta")})
	assert.ErrorIs(t, err, core.ErrEmbeddingUnavailable)
	emb.err = nil

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Text, "failed update leaves the record untouched")
}

func TestVectorService_UpdateDocumentTimestamps(t *testing.T) {
	ctx := context.Background()
	now := epoch
	clock := func() time.Time { return now }
	emb := alphaBeta()
	repo, err := vector.NewRepository(vector.NewMemoryStore(), emb, vector.DocumentSchema("docs", dim),
		vector.WithLogger(quietLogger()), vector.WithClock(func() time.Time { return clock() }))
	require.NoError(t, err)
	svc, err := New(repo, emb, WithLogger(quietLogger()), WithClock(func() time.Time { return clock() }))
	require.NoError(t, err)
	require.NoError(t, svc.Initialize(ctx, false))

	created, err := svc.Create(ctx, CreateRequest{Text: "alpha", Metadata: "v1"})
	require.NoError(t, err)

	now = epoch.Add(time.Minute)
	updated, err := svc.Update(ctx, UpdateRequest{ID: created.ID, Metadata: str("v2")})
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Metadata)
	assert.Equal(t, epoch.UnixMilli(), *updated.CreateTime)
	assert.Equal(t, now.UnixMilli(), *updated.UpdateTime)
}

func TestVectorService_Delete(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, vector.SegmentSchema("svc", dim), alphaBeta())
	out, err := svc.CreateBatch(ctx, []CreateRequest{{Text: "a"}, {Text: "b"}, {Text: "c"}})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, out[0].ID+" , "+out[2].ID+",,"))
	assert.Equal(t, int64(1), svc.Count(ctx))
	require.NoError(t, svc.Delete(ctx, out[0].ID), "absent ids are ignored")

	var verr *ValidationError
	require.ErrorAs(t, svc.Delete(ctx, " , "), &verr)
	assert.ErrorIs(t, svc.Delete(ctx, "x1"), core.ErrInvalidID)

	_, err = svc.Get(ctx, out[0].ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestVectorService_Search(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, vector.SegmentSchema("svc", dim), alphaBeta(), WithDefaultTopK(1))
	_, err := svc.CreateBatch(ctx, []CreateRequest{
		{Text: "alpha", Segment: i64(1)},
		{Text: "beta", Segment: i64(2)},
	})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, SearchRequest{QueryText: "alpha"})
	require.NoError(t, err)
	require.Len(t, hits, 1, "default topK applies")
	assert.Equal(t, "alpha", hits[0].Text)
	assert.InDelta(t, 1.0, *hits[0].Score, 1e-6)
	assert.Nil(t, hits[0].Vector)

	hits, err = svc.Search(ctx, SearchRequest{Vector: []float32{1, 0, 0, 0}, TopK: intPtr(10), Segment: i64(2)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "beta", hits[0].Text)

	hits, err = svc.Search(ctx, SearchRequest{QueryText: "alpha", TopK: intPtr(10), Threshold: f32(0.5)})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = svc.Search(ctx, SearchRequest{QueryText: "alpha", TopK: intPtr(10), Filter: "segment == 2"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "beta", hits[0].Text)

	_, err = svc.Search(ctx, SearchRequest{QueryText: "alpha", Filter: "color == 2"})
	assert.ErrorIs(t, err, core.ErrInvalidFilter)

	var verr *ValidationError
	_, err = svc.Search(ctx, SearchRequest{QueryText: "alpha", Segment: i64(1), Filter: "segment == 1"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "filter")

	_, err = svc.Search(ctx, SearchRequest{TopK: intPtr(5)})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "queryText")

	_, err = svc.Search(ctx, SearchRequest{QueryText: "alpha", TopK: intPtr(101)})
	assert.ErrorIs(t, err, core.ErrSearchFailure)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestVectorService_BySegmentAndPage(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, vector.SegmentSchema("svc", dim), alphaBeta())
	var reqs []CreateRequest
	for i := range 5 {
		reqs = append(reqs, CreateRequest{Text: fmt.Sprintf("t%d", i), Segment: i64(int64(i % 2))})
	}
	out, err := svc.CreateBatch(ctx, reqs)
	require.NoError(t, err)

	even, err := svc.BySegment(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, even, 3)

	page, err := svc.Page(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasNext)
	assert.True(t, page.HasPrevious)
	require.Len(t, page.Data, 2)
	assert.Equal(t, out[2].ID, page.Data[0].ID)

	_, err = svc.Page(ctx, 0, 10)
	assert.ErrorIs(t, err, core.ErrQueryFailure)
}

func TestVectorService_Status(t *testing.T) {
	svc := newTestService(t, vector.SegmentSchema("svc", dim), nil)
	assert.Equal(t, Status{
		Collection: "svc",
		State:      "ready",
		Backend:    "memory",
		Dimension:  dim,
		KeyType:    "int64",
		Metric:     "COSINE",
		Index:      "FLAT",
	}, svc.Status())
}

func TestIDGenerator(t *testing.T) {
	gen := newIDGenerator(vector.KeyInt64, fixedClock)
	assert.Equal(t, []string{"1700000000000", "1700000000001"}, gen.next(2))
	assert.Equal(t, []string{"1700000000002"}, gen.next(1))

	var wg sync.WaitGroup
	seen := sync.Map{}
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range gen.next(3) {
				_, dup := seen.LoadOrStore(id, true)
				assert.False(t, dup, "duplicate id %s", id)
			}
		}()
	}
	wg.Wait()

	uuids := newIDGenerator(vector.KeyString, fixedClock).next(2)
	assert.NotEqual(t, uuids[0], uuids[1])
	_, err := uuid.Parse(uuids[0])
	assert.NoError(t, err)
}
