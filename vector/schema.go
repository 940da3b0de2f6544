package vector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hubenschmidt/go-vectordata/core"
)

// KeyType is the primary key type of a collection.
type KeyType string

const (
	KeyInt64  KeyType = "int64"
	KeyString KeyType = "string"
)

// IndexType selects how the vector field is indexed.
type IndexType string

const (
	IndexFlat IndexType = "FLAT"
	IndexHNSW IndexType = "HNSW"
)

// MetricType selects the similarity measure. Higher scores are more similar.
type MetricType string

const (
	MetricCosine MetricType = "COSINE"
	MetricIP     MetricType = "IP"
)

// ConsistencyLevel is the read-after-write guarantee requested from the store.
type ConsistencyLevel string

const (
	ConsistencyStrong     ConsistencyLevel = "Strong"
	ConsistencyBounded    ConsistencyLevel = "Bounded"
	ConsistencySession    ConsistencyLevel = "Session"
	ConsistencyEventually ConsistencyLevel = "Eventually"
)

// FieldNames maps record attributes to store field names. An empty name
// disables an optional field. ID, Text and Vector are required.
type FieldNames struct {
	ID         string `json:"id" yaml:"id"`
	Text       string `json:"text" yaml:"text"`
	Segment    string `json:"segment,omitempty" yaml:"segment"`
	Vector     string `json:"vector" yaml:"vector"`
	Metadata   string `json:"metadata,omitempty" yaml:"metadata"`
	CreateTime string `json:"create_time,omitempty" yaml:"create_time"`
	UpdateTime string `json:"update_time,omitempty" yaml:"update_time"`
}

// Schema describes a collection: its fields, vector dimension and index.
type Schema struct {
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	KeyType       KeyType          `json:"key_type"`
	Fields        FieldNames       `json:"fields"`
	Dimension     int              `json:"dimension"`
	MaxTextLength int              `json:"max_text_length,omitempty"`
	IndexType     IndexType        `json:"index_type"`
	MetricType    MetricType       `json:"metric_type"`
	Consistency   ConsistencyLevel `json:"consistency_level"`
}

// SegmentSchema is the numeric-id, segment-scoped layout without metadata
// or timestamps.
func SegmentSchema(name string, dimension int) Schema {
	return Schema{
		Name:    name,
		KeyType: KeyInt64,
		Fields: FieldNames{
			ID:      "id",
			Text:    "description",
			Segment: "segment",
			Vector:  "description_vector",
		},
		Dimension:     dimension,
		MaxTextLength: 1024,
		IndexType:     IndexFlat,
		MetricType:    MetricCosine,
		Consistency:   ConsistencyStrong,
	}
}

// DocumentSchema is the UUID-keyed layout with metadata and timestamps.
func DocumentSchema(name string, dimension int) Schema {
	return Schema{
		Name:    name,
		KeyType: KeyString,
		Fields: FieldNames{
			ID:         "id",
			Text:       "text",
			Vector:     "vector",
			Metadata:   "metadata",
			CreateTime: "create_time",
			UpdateTime: "update_time",
		},
		Dimension:     dimension,
		MaxTextLength: 65535,
		IndexType:     IndexFlat,
		MetricType:    MetricCosine,
		Consistency:   ConsistencyStrong,
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Validate checks that the schema can be created by any backend.
func (s Schema) Validate() error {
	if !identRe.MatchString(s.Name) {
		return fmt.Errorf("%w: collection name %q", core.ErrSchema, s.Name)
	}
	switch s.KeyType {
	case KeyInt64, KeyString:
	default:
		return fmt.Errorf("%w: key type %q", core.ErrSchema, s.KeyType)
	}
	if s.Fields.ID == "" || s.Fields.Text == "" || s.Fields.Vector == "" {
		return fmt.Errorf("%w: id, text and vector fields are required", core.ErrSchema)
	}
	seen := make(map[string]bool)
	for _, f := range s.Fields.All() {
		if !identRe.MatchString(f) {
			return fmt.Errorf("%w: field name %q", core.ErrSchema, f)
		}
		if seen[f] {
			return fmt.Errorf("%w: duplicate field %q", core.ErrSchema, f)
		}
		seen[f] = true
	}
	if s.Dimension <= 0 || s.Dimension > 32768 {
		return fmt.Errorf("%w: dimension %d", core.ErrSchema, s.Dimension)
	}
	if s.MaxTextLength < 0 {
		return fmt.Errorf("%w: max text length %d", core.ErrSchema, s.MaxTextLength)
	}
	switch s.IndexType {
	case IndexFlat, IndexHNSW:
	default:
		return fmt.Errorf("%w: index type %q", core.ErrSchema, s.IndexType)
	}
	switch s.MetricType {
	case MetricCosine, MetricIP:
	default:
		return fmt.Errorf("%w: metric type %q", core.ErrSchema, s.MetricType)
	}
	switch s.Consistency {
	case ConsistencyStrong, ConsistencyBounded, ConsistencySession, ConsistencyEventually:
	default:
		return fmt.Errorf("%w: consistency level %q", core.ErrSchema, s.Consistency)
	}
	return nil
}

// All returns the enabled field names, id first.
func (f FieldNames) All() []string {
	names := []string{f.ID, f.Text}
	for _, opt := range []string{f.Segment, f.Vector, f.Metadata, f.CreateTime, f.UpdateTime} {
		if opt != "" {
			names = append(names, opt)
		}
	}
	return names
}

// Has reports whether name is an enabled field.
func (f FieldNames) Has(name string) bool {
	if name == "" {
		return false
	}
	for _, n := range f.All() {
		if n == name {
			return true
		}
	}
	return false
}

// Compatible reports how stored differs from s, or nil if a collection
// created with stored can serve s. Descriptions are ignored.
func (s Schema) Compatible(stored Schema) error {
	var diffs []string
	if s.KeyType != stored.KeyType {
		diffs = append(diffs, fmt.Sprintf("key type %s != %s", stored.KeyType, s.KeyType))
	}
	if s.Fields != stored.Fields {
		diffs = append(diffs, fmt.Sprintf("fields %v != %v", stored.Fields.All(), s.Fields.All()))
	}
	if s.Dimension != stored.Dimension {
		diffs = append(diffs, fmt.Sprintf("dimension %d != %d", stored.Dimension, s.Dimension))
	}
	if s.IndexType != stored.IndexType {
		diffs = append(diffs, fmt.Sprintf("index %s != %s", stored.IndexType, s.IndexType))
	}
	if s.MetricType != stored.MetricType {
		diffs = append(diffs, fmt.Sprintf("metric %s != %s", stored.MetricType, s.MetricType))
	}
	if len(diffs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: collection %s mismatch: %s", core.ErrSchema, s.Name, strings.Join(diffs, "; "))
}

// isIntField reports whether a field holds int64 values.
func (s Schema) isIntField(name string) bool {
	switch name {
	case "":
		return false
	case s.Fields.ID:
		return s.KeyType == KeyInt64
	case s.Fields.Segment, s.Fields.CreateTime, s.Fields.UpdateTime:
		return true
	}
	return false
}
