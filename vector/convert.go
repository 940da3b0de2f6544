package vector

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hubenschmidt/go-vectordata/core"
)

// keyValue converts a record id to the store's primary key value.
func (s Schema) keyValue(id string) (any, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", core.ErrInvalidID)
	}
	if s.KeyType == KeyString {
		return id, nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not an int64", core.ErrInvalidID, id)
	}
	return n, nil
}

// splitIDs parses a comma-separated id list, skipping empty parts.
func (s Schema) splitIDs(ids string) ([]any, error) {
	var keys []any
	for _, part := range strings.Split(ids, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := s.keyValue(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// validateRecord checks a record before it reaches the store.
func (s Schema) validateRecord(rec Record) error {
	if _, err := s.keyValue(rec.ID); err != nil {
		return err
	}
	if strings.TrimSpace(rec.Text) == "" {
		return fmt.Errorf("%w: text is blank", core.ErrInvalidRecord)
	}
	if s.MaxTextLength > 0 && len(rec.Text) > s.MaxTextLength {
		return fmt.Errorf("%w: text length %d exceeds %d", core.ErrInvalidRecord, len(rec.Text), s.MaxTextLength)
	}
	if len(rec.Vector) != s.Dimension {
		return fmt.Errorf("%w: expected %d, got %d", core.ErrDimensionMismatch, s.Dimension, len(rec.Vector))
	}
	for _, v := range rec.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: vector contains NaN or Inf", core.ErrInvalidRecord)
		}
	}
	return nil
}

// recordToRow writes the enabled fields of rec. The record must be valid.
func (s Schema) recordToRow(rec Record) Row {
	key, _ := s.keyValue(rec.ID)
	row := Row{
		s.Fields.ID:     key,
		s.Fields.Text:   rec.Text,
		s.Fields.Vector: append([]float32(nil), rec.Vector...),
	}
	if s.Fields.Segment != "" && rec.Segment != nil {
		row[s.Fields.Segment] = *rec.Segment
	}
	if s.Fields.Metadata != "" {
		row[s.Fields.Metadata] = rec.Metadata
	}
	if s.Fields.CreateTime != "" && !rec.CreateTime.IsZero() {
		row[s.Fields.CreateTime] = rec.CreateTime.UnixMilli()
	}
	if s.Fields.UpdateTime != "" && !rec.UpdateTime.IsZero() {
		row[s.Fields.UpdateTime] = rec.UpdateTime.UnixMilli()
	}
	return row
}

// rowToRecord extracts the known fields of a row. Optional fields may be
// missing; id and vector may not.
func (s Schema) rowToRecord(row Row) (Record, error) {
	var rec Record

	rawID, ok := row[s.Fields.ID]
	if !ok || rawID == nil {
		return rec, fmt.Errorf("row has no %s field", s.Fields.ID)
	}
	switch v := rawID.(type) {
	case string:
		rec.ID = v
	case []byte:
		rec.ID = string(v)
	default:
		n, err := toInt64(v)
		if err != nil {
			return rec, fmt.Errorf("field %s: %w", s.Fields.ID, err)
		}
		rec.ID = strconv.FormatInt(n, 10)
	}

	switch v := row[s.Fields.Text].(type) {
	case string:
		rec.Text = v
	case []byte:
		rec.Text = string(v)
	}

	vec, err := toFloat32Slice(row[s.Fields.Vector])
	if err != nil {
		return rec, fmt.Errorf("record %s: field %s: %w", rec.ID, s.Fields.Vector, err)
	}
	if len(vec) == 0 {
		return rec, fmt.Errorf("record %s has no vector", rec.ID)
	}
	rec.Vector = vec

	if s.Fields.Segment != "" {
		if v, ok := row[s.Fields.Segment]; ok && v != nil {
			n, err := toInt64(v)
			if err != nil {
				return rec, fmt.Errorf("record %s: field %s: %w", rec.ID, s.Fields.Segment, err)
			}
			rec.Segment = &n
		}
	}
	if s.Fields.Metadata != "" {
		switch v := row[s.Fields.Metadata].(type) {
		case string:
			rec.Metadata = v
		case []byte:
			rec.Metadata = string(v)
		}
	}
	rec.CreateTime = toTime(row[s.Fields.CreateTime])
	rec.UpdateTime = toTime(row[s.Fields.UpdateTime])
	return rec, nil
}

// outputFields lists every enabled field.
func (s Schema) outputFields() []string {
	return s.Fields.All()
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	case float32:
		if float64(n) != math.Trunc(float64(n)) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unsupported integer type %T", v)
}

func toFloat32Slice(v any) ([]float32, error) {
	switch vec := v.(type) {
	case nil:
		return nil, nil
	case []float32:
		return append([]float32(nil), vec...), nil
	case []float64:
		out := make([]float32, len(vec))
		for i, x := range vec {
			out[i] = float32(x)
		}
		return out, nil
	case []any:
		out := make([]float32, len(vec))
		for i, x := range vec {
			switch f := x.(type) {
			case float64:
				out[i] = float32(f)
			case float32:
				out[i] = f
			case json.Number:
				g, err := f.Float64()
				if err != nil {
					return nil, err
				}
				out[i] = float32(g)
			default:
				return nil, fmt.Errorf("element %d has type %T", i, x)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported vector type %T", v)
}

// toTime converts epoch milliseconds (or a time.Time) to time.Time. Anything
// else yields the zero time.
func toTime(v any) time.Time {
	switch t := v.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return t
	}
	ms, err := toInt64(v)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
