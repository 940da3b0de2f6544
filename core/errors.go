package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every error leaving the vector access layer matches exactly
// one of these with errors.Is.
var (
	ErrStoreUnavailable     = errors.New("vector store unavailable")
	ErrSchema               = errors.New("schema rejected")
	ErrWriteFailure         = errors.New("write failed")
	ErrQueryFailure         = errors.New("query failed")
	ErrSearchFailure        = errors.New("search failed")
	ErrNotFound             = errors.New("not found")
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	ErrEmbeddingFormat      = errors.New("embedding response malformed")
	ErrCollectionNotReady   = errors.New("collection not ready")
)

// Input errors, wrapped by one of the kinds above.
var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrInvalidFilter     = errors.New("invalid filter expression")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// OpError carries the failing operation, the record id it concerned (if any),
// the error kind and the underlying cause.
type OpError struct {
	Op   string
	ID   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg = fmt.Sprintf("%s [id=%s]", e.Op, e.ID)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", msg, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewOpError(op, id string, kind, err error) *OpError {
	return &OpError{Op: op, ID: id, Kind: kind, Err: err}
}

// Classify wraps err as an OpError of the given kind, unless err already
// belongs to a kind that must be preserved (unavailable store, embedding
// failures, not-ready collection).
func Classify(op, id string, kind, err error) error {
	if err == nil {
		return nil
	}
	for _, keep := range []error{ErrStoreUnavailable, ErrEmbeddingUnavailable, ErrEmbeddingFormat, ErrCollectionNotReady} {
		if errors.Is(err, keep) {
			var opErr *OpError
			if errors.As(err, &opErr) && opErr.Op == op {
				return err
			}
			return NewOpError(op, id, keep, err)
		}
	}
	return NewOpError(op, id, kind, err)
}

// KindOf returns the kind sentinel err matches, or nil.
func KindOf(err error) error {
	for _, k := range []error{
		ErrCollectionNotReady, ErrStoreUnavailable, ErrEmbeddingUnavailable, ErrEmbeddingFormat,
		ErrSchema, ErrNotFound, ErrWriteFailure, ErrSearchFailure, ErrQueryFailure,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsInvalidInput reports whether err was caused by caller input rather than
// the store or embedding service.
func IsInvalidInput(err error) bool {
	for _, k := range []error{ErrDimensionMismatch, ErrInvalidID, ErrInvalidRecord, ErrInvalidFilter, ErrInvalidArgument} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

var kindLabels = map[error]string{
	ErrCollectionNotReady:   "not_ready",
	ErrStoreUnavailable:     "store_unavailable",
	ErrEmbeddingUnavailable: "embedding_unavailable",
	ErrEmbeddingFormat:      "embedding_format",
	ErrSchema:               "schema",
	ErrNotFound:             "not_found",
	ErrWriteFailure:         "write_failure",
	ErrSearchFailure:        "search_failure",
	ErrQueryFailure:         "query_failure",
}

// Label returns a short snake_case name for the kind of err, "ok" for nil
// and "error" for unclassified errors.
func Label(err error) string {
	if err == nil {
		return "ok"
	}
	if l, ok := kindLabels[KindOf(err)]; ok {
		return l
	}
	return "error"
}
