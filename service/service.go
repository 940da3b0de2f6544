// Package service turns API requests into vector records: it generates ids,
// embeds text, merges updates and maps records to responses.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/go-vectordata/core"
	"github.com/hubenschmidt/go-vectordata/vector"
	"golang.org/x/sync/errgroup"
)

// Operation names for errors raised by the service itself.
const (
	OpCreate      = "create"
	OpCreateBatch = "create_batch"
	OpGet         = "get"
)

// VectorService is the application layer over a vector.Repository.
type VectorService struct {
	repo        *vector.Repository
	embedder    vector.Embedder
	log         *slog.Logger
	now         func() time.Time
	ids         *idGenerator
	defaultTopK int
	parallelism int
}

type Option func(*VectorService)

func WithLogger(l *slog.Logger) Option {
	return func(s *VectorService) { s.log = l.With("component", "service") }
}

// WithClock replaces time.Now for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *VectorService) { s.now = now }
}

// WithDefaultTopK sets the topK used when a search request omits it.
func WithDefaultTopK(k int) Option {
	return func(s *VectorService) { s.defaultTopK = k }
}

// WithEmbedParallelism bounds concurrent embedding calls in CreateBatch.
func WithEmbedParallelism(n int) Option {
	return func(s *VectorService) { s.parallelism = n }
}

// New creates a service. embedder may be nil when every request carries its
// own vector.
func New(repo *vector.Repository, embedder vector.Embedder, opts ...Option) (*VectorService, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	s := &VectorService{
		repo:        repo,
		embedder:    embedder,
		log:         slog.Default().With("component", "service"),
		now:         time.Now,
		defaultTopK: 10,
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.parallelism < 1 {
		s.parallelism = 1
	}
	s.ids = newIDGenerator(repo.Schema().KeyType, s.now)
	return s, nil
}

func (s *VectorService) Schema() vector.Schema {
	return s.repo.Schema()
}

func (s *VectorService) Status() Status {
	schema := s.repo.Schema()
	return Status{
		Collection: schema.Name,
		State:      s.repo.State().String(),
		Backend:    vector.Backend(s.repo.Store()),
		Dimension:  schema.Dimension,
		KeyType:    string(schema.KeyType),
		Metric:     string(schema.MetricType),
		Index:      string(schema.IndexType),
	}
}

// Initialize creates or reuses the collection. recreate drops an existing
// collection first regardless of configuration.
func (s *VectorService) Initialize(ctx context.Context, recreate bool) error {
	var err error
	if recreate {
		err = s.repo.RecreateCollection(ctx)
	} else {
		err = s.repo.InitializeCollection(ctx)
	}
	if err != nil {
		return err
	}
	s.log.Info("collection initialized", "collection", s.repo.Schema().Name, "recreated", recreate)
	return nil
}

// Create stores one record and returns it without its vector.
func (s *VectorService) Create(ctx context.Context, req CreateRequest) (VectorResponse, error) {
	if err := s.validateCreate(req, ""); err != nil {
		return VectorResponse{}, err
	}
	rec := s.newRecord(req, s.ids.next(1)[0])
	if len(rec.Vector) == 0 {
		vec, err := s.embed(ctx, OpCreate, rec.ID, rec.Text)
		if err != nil {
			return VectorResponse{}, err
		}
		rec.Vector = vec
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return VectorResponse{}, err
	}
	s.log.Info("record created", "id", rec.ID)
	return toResponse(rec, false), nil
}

// CreateBatch stores all records or none. Generated numeric ids are
// consecutive, base+index. Missing vectors are embedded concurrently.
func (s *VectorService) CreateBatch(ctx context.Context, reqs []CreateRequest) ([]VectorResponse, error) {
	if len(reqs) == 0 {
		return []VectorResponse{}, nil
	}
	errs := make(map[string]string)
	for i, req := range reqs {
		if err := s.validateCreate(req, fmt.Sprintf("[%d].", i)); err != nil {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				return nil, err
			}
			for k, v := range verr.Fields {
				errs[k] = v
			}
		}
	}
	if err := validationError(errs); err != nil {
		return nil, err
	}

	ids := s.ids.next(len(reqs))
	recs := make([]vector.Record, len(reqs))
	for i, req := range reqs {
		recs[i] = s.newRecord(req, ids[i])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i := range recs {
		if len(recs[i].Vector) > 0 {
			continue
		}
		g.Go(func() error {
			vec, err := s.embed(gctx, OpCreateBatch, recs[i].ID, recs[i].Text)
			if err != nil {
				return err
			}
			recs[i].Vector = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.repo.InsertBatch(ctx, recs); err != nil {
		return nil, err
	}
	s.log.Info("records created", "count", len(recs))
	return toResponses(recs), nil
}

func (s *VectorService) validateCreate(req CreateRequest, prefix string) error {
	errs := make(map[string]string)
	req.validate(prefix, errs)
	fields := s.repo.Schema().Fields
	if req.Segment != nil && fields.Segment == "" {
		errs[prefix+"segment"] = "collection has no segment field"
	}
	if req.Metadata != "" && fields.Metadata == "" {
		errs[prefix+"metadata"] = "collection has no metadata field"
	}
	return validationError(errs)
}

func (s *VectorService) newRecord(req CreateRequest, generated string) vector.Record {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = generated
	}
	rec := vector.Record{
		ID:       id,
		Text:     req.content(),
		Segment:  req.Segment,
		Metadata: req.Metadata,
		Vector:   req.Vector,
	}
	fields := s.repo.Schema().Fields
	now := s.now()
	if fields.CreateTime != "" {
		rec.CreateTime = now
	}
	if fields.UpdateTime != "" {
		rec.UpdateTime = now
	}
	return rec
}

// Update merges req into the stored record. Omitted fields are copied from
// it; a changed text is re-embedded unless req carries a vector.
func (s *VectorService) Update(ctx context.Context, req UpdateRequest) (VectorResponse, error) {
	if err := req.Validate(); err != nil {
		return VectorResponse{}, err
	}
	fields := s.repo.Schema().Fields
	errs := make(map[string]string)
	if req.Segment != nil && fields.Segment == "" {
		errs["segment"] = "collection has no segment field"
	}
	if req.Metadata != nil && fields.Metadata == "" {
		errs["metadata"] = "collection has no metadata field"
	}
	if err := validationError(errs); err != nil {
		return VectorResponse{}, err
	}

	rec, err := s.repo.Update(ctx, req.ID, func(cur vector.Record) (vector.Record, error) {
		next := cur
		textChanged := false
		if t := req.content(); t != nil {
			textChanged = *t != cur.Text
			next.Text = *t
		}
		if req.Segment != nil {
			next.Segment = req.Segment
		}
		if req.Metadata != nil {
			next.Metadata = *req.Metadata
		}
		switch {
		case len(req.Vector) > 0:
			next.Vector = req.Vector
		case textChanged:
			vec, err := s.embed(ctx, vector.OpUpdate, cur.ID, next.Text)
			if err != nil {
				return vector.Record{}, err
			}
			next.Vector = vec
		}
		return next, nil
	})
	if err != nil {
		return VectorResponse{}, err
	}
	s.log.Info("record updated", "id", rec.ID)
	return toResponse(rec, false), nil
}

// Delete removes one id or a comma-separated list of ids.
func (s *VectorService) Delete(ctx context.Context, ids string) error {
	if strings.Trim(ids, ", \t") == "" {
		return validationError(map[string]string{"ids": "at least one id is required"})
	}
	if err := s.repo.DeleteByID(ctx, ids); err != nil {
		return err
	}
	s.log.Info("records deleted", "ids", ids)
	return nil
}

// Get returns one record including its vector, or a NotFound error.
func (s *VectorService) Get(ctx context.Context, id string) (VectorResponse, error) {
	rec, found, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return VectorResponse{}, err
	}
	if !found {
		return VectorResponse{}, core.NewOpError(OpGet, id, core.ErrNotFound, nil)
	}
	return toResponse(rec, true), nil
}

func (s *VectorService) BySegment(ctx context.Context, segment int64) ([]VectorResponse, error) {
	recs, err := s.repo.FindBySegment(ctx, segment)
	if err != nil {
		return nil, err
	}
	return toResponses(recs), nil
}

// Search runs a similarity query. TopK defaults to the configured value.
func (s *VectorService) Search(ctx context.Context, req SearchRequest) ([]VectorResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	topK := s.defaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	recs, err := s.repo.Search(ctx, vector.SearchQuery{
		Vector:    req.Vector,
		Text:      req.QueryText,
		TopK:      topK,
		Segment:   req.Segment,
		Filter:    req.Filter,
		Threshold: req.Threshold,
	})
	if err != nil {
		return nil, err
	}
	return toResponses(recs), nil
}

func (s *VectorService) Page(ctx context.Context, page, size int) (PageResponse, error) {
	res, err := s.repo.Page(ctx, page, size)
	if err != nil {
		return PageResponse{}, err
	}
	return PageResponse{
		Data:        toResponses(res.Records),
		Total:       res.Total,
		Page:        res.Page,
		Size:        res.Size,
		TotalPages:  res.TotalPages,
		HasNext:     res.HasNext,
		HasPrevious: res.HasPrevious,
	}, nil
}

// Count returns the number of records, or 0 if the store cannot tell.
func (s *VectorService) Count(ctx context.Context) int64 {
	return s.repo.Count(ctx)
}

func (s *VectorService) embed(ctx context.Context, op, id, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, core.NewOpError(op, id, core.ErrEmbeddingUnavailable, errors.New("no embedder configured"))
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, core.Classify(op, id, core.ErrEmbeddingUnavailable, err)
	}
	if dim := s.repo.Schema().Dimension; len(vec) != dim {
		return nil, core.NewOpError(op, id, core.ErrEmbeddingFormat,
			fmt.Errorf("%w: expected %d, got %d", core.ErrDimensionMismatch, dim, len(vec)))
	}
	return vec, nil
}
