package service

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/hubenschmidt/go-vectordata/core"
	"github.com/hubenschmidt/go-vectordata/vector"
)

// CreateRequest creates one record. Text and Description are aliases; the
// segment layout historically called the text "description". ID is
// generated when empty and the vector is embedded from the text when
// omitted.
type CreateRequest struct {
	ID          string    `json:"id,omitempty"`
	Text        string    `json:"text,omitempty"`
	Description string    `json:"description,omitempty"`
	Segment     *int64    `json:"segment,omitempty"`
	Metadata    string    `json:"metadata,omitempty"`
	Vector      []float32 `json:"vector,omitempty"`
}

func (r CreateRequest) content() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Description
}

func (r CreateRequest) Validate() error {
	errs := make(map[string]string)
	r.validate("", errs)
	return validationError(errs)
}

func (r CreateRequest) validate(prefix string, errs map[string]string) {
	if strings.TrimSpace(r.content()) == "" {
		errs[prefix+"text"] = "text must not be blank"
	}
}

// UpdateRequest changes an existing record. Nil fields keep their stored
// value. Changing the text re-embeds it unless Vector is given.
type UpdateRequest struct {
	ID          string    `json:"id"`
	Text        *string   `json:"text,omitempty"`
	Description *string   `json:"description,omitempty"`
	Segment     *int64    `json:"segment,omitempty"`
	Metadata    *string   `json:"metadata,omitempty"`
	Vector      []float32 `json:"vector,omitempty"`
}

func (r UpdateRequest) content() *string {
	if r.Text != nil {
		return r.Text
	}
	return r.Description
}

func (r UpdateRequest) Validate() error {
	errs := make(map[string]string)
	if strings.TrimSpace(r.ID) == "" {
		errs["id"] = "id must not be blank"
	}
	if t := r.content(); t != nil && strings.TrimSpace(*t) == "" {
		errs["text"] = "text must not be blank"
	}
	return validationError(errs)
}

// SearchRequest is a similarity query by text or by vector.
type SearchRequest struct {
	QueryText string    `json:"queryText,omitempty"`
	Vector    []float32 `json:"vector,omitempty"`
	TopK      *int      `json:"topK,omitempty"`
	Segment   *int64    `json:"segment,omitempty"`
	// Filter is an equality expression such as `segment == 3`.
	Filter    string   `json:"filter,omitempty"`
	Threshold *float32 `json:"threshold,omitempty"`
}

func (r SearchRequest) Validate() error {
	errs := make(map[string]string)
	if strings.TrimSpace(r.QueryText) == "" && len(r.Vector) == 0 {
		errs["queryText"] = "queryText or vector is required"
	}
	if r.TopK != nil && *r.TopK < 1 {
		errs["topK"] = "topK must be positive"
	}
	if r.Segment != nil && strings.TrimSpace(r.Filter) != "" {
		errs["filter"] = "filter and segment are mutually exclusive"
	}
	return validationError(errs)
}

// VectorResponse is the external view of a record. Timestamps are epoch
// milliseconds and present only for layouts that store them.
type VectorResponse struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Segment    *int64    `json:"segment,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
	Vector     []float32 `json:"vector,omitempty"`
	Dimension  int       `json:"dimension"`
	Score      *float32  `json:"score,omitempty"`
	CreateTime *int64    `json:"createTime,omitempty"`
	UpdateTime *int64    `json:"updateTime,omitempty"`
}

// PageResponse is one page of records.
type PageResponse struct {
	Data        []VectorResponse `json:"data"`
	Total       int64            `json:"total"`
	Page        int              `json:"page"`
	Size        int              `json:"size"`
	TotalPages  int              `json:"totalPages"`
	HasNext     bool             `json:"hasNext"`
	HasPrevious bool             `json:"hasPrevious"`
}

// Status describes the collection behind the service.
type Status struct {
	Collection string `json:"collection"`
	State      string `json:"state"`
	Backend    string `json:"backend"`
	Dimension  int    `json:"dimension"`
	KeyType    string `json:"keyType"`
	Metric     string `json:"metric"`
	Index      string `json:"index"`
}

func toResponse(rec vector.Record, withVector bool) VectorResponse {
	resp := VectorResponse{
		ID:        rec.ID,
		Text:      rec.Text,
		Segment:   rec.Segment,
		Metadata:  rec.Metadata,
		Dimension: len(rec.Vector),
		Score:     rec.Score,
	}
	if withVector {
		resp.Vector = rec.Vector
	}
	resp.CreateTime = epochMillis(rec.CreateTime)
	resp.UpdateTime = epochMillis(rec.UpdateTime)
	return resp
}

func toResponses(recs []vector.Record) []VectorResponse {
	out := make([]VectorResponse, len(recs))
	for i, rec := range recs {
		out[i] = toResponse(rec, false)
	}
	return out
}

func epochMillis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// ValidationError reports invalid request fields, keyed by JSON field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return core.ErrInvalidArgument
}

func validationError(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
