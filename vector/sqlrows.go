package vector

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/hubenschmidt/go-vectordata/core"
)

// quoteIdent quotes a table or column name. Names are already restricted by
// Schema.Validate; quoting keeps reserved words such as "segment" usable.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// rowScanner builds Rows from SQL result sets for a fixed field list.
type rowScanner struct {
	fields []string
	dest   []any
	decode func([]byte) ([]float32, error)
	schema Schema
}

func newRowScanner(schema Schema, fields []string, decode func([]byte) ([]float32, error)) *rowScanner {
	rs := &rowScanner{fields: fields, decode: decode, schema: schema, dest: make([]any, len(fields))}
	for i, f := range fields {
		switch {
		case f == schema.Fields.Vector:
			rs.dest[i] = new([]byte)
		case schema.isIntField(f):
			rs.dest[i] = new(sql.NullInt64)
		default:
			rs.dest[i] = new(sql.NullString)
		}
	}
	return rs
}

// scan reads the current row. extra destinations are appended after the
// field columns.
func (rs *rowScanner) scan(rows *sql.Rows, extra ...any) (Row, error) {
	if err := rows.Scan(append(rs.dest[:len(rs.fields):len(rs.fields)], extra...)...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	row := make(Row, len(rs.fields))
	for i, f := range rs.fields {
		switch d := rs.dest[i].(type) {
		case *[]byte:
			vec, err := rs.decode(*d)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", f, err)
			}
			row[f] = vec
		case *sql.NullInt64:
			if d.Valid {
				row[f] = d.Int64
			}
		case *sql.NullString:
			if d.Valid {
				row[f] = d.String
			}
		}
	}
	return row, nil
}

// collect reads every row in rows and closes it.
func (rs *rowScanner) collect(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()
	out := []Row{}
	for rows.Next() {
		row, err := rs.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// withField returns fields plus name if it is missing.
func withField(fields []string, name string) []string {
	for _, f := range fields {
		if f == name {
			return fields
		}
	}
	return append(append([]string(nil), fields...), name)
}

// rankHits sorts hits by descending score, breaking ties by key, and keeps
// the best topK.
func rankHits(hits []Hit, idField string, topK int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return compareKeys(hits[i].Row[idField], hits[j].Row[idField]) < 0
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// rowArgs returns the values of fields in row, in order, encoding the vector
// with enc. Missing optional fields become NULL.
func rowArgs(schema Schema, fields []string, row Row, enc func([]float32) any) ([]any, error) {
	args := make([]any, len(fields))
	for i, f := range fields {
		v, ok := row[f]
		if !ok || v == nil {
			if f == schema.Fields.ID || f == schema.Fields.Text || f == schema.Fields.Vector {
				return nil, fmt.Errorf("missing required field %s", f)
			}
			continue
		}
		switch {
		case f == schema.Fields.Vector:
			vec, err := toFloat32Slice(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f, err)
			}
			if len(vec) != schema.Dimension {
				return nil, fmt.Errorf("field %s: %w: expected %d, got %d", f, core.ErrDimensionMismatch, schema.Dimension, len(vec))
			}
			args[i] = enc(vec)
		case schema.isIntField(f):
			n, err := toInt64(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f, err)
			}
			args[i] = n
		default:
			args[i] = fmt.Sprint(v)
		}
	}
	return args, nil
}
