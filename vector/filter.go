package vector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hubenschmidt/go-vectordata/core"
)

// Filter is a scalar equality predicate, rendered as `field == value`.
// Value is an int64 or a string.
type Filter struct {
	Field string
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) *Filter {
	return &Filter{Field: field, Value: value}
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	if s, ok := f.Value.(string); ok {
		return fmt.Sprintf("%s == %s", f.Field, strconv.Quote(s))
	}
	return fmt.Sprintf("%s == %v", f.Field, f.Value)
}

var filterRe = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*==\s*(.+?)\s*$`)

// ParseFilter parses an expression such as `segment == 3` or
// `id == "a1"` and checks it against schema.
func ParseFilter(expr string, schema Schema) (*Filter, error) {
	m := filterRe.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidFilter, expr)
	}
	field, raw := m[1], m[2]

	var value any
	switch {
	case strings.HasPrefix(raw, `"`):
		s, err := strconv.Unquote(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: bad string literal", core.ErrInvalidFilter, expr)
		}
		value = s
	case strings.HasPrefix(raw, "'"):
		inner := strings.TrimPrefix(raw, "'")
		if len(inner) == 0 || !strings.HasSuffix(inner, "'") || strings.Contains(inner[:len(inner)-1], "'") {
			return nil, fmt.Errorf("%w: %q: bad string literal", core.ErrInvalidFilter, expr)
		}
		value = inner[:len(inner)-1]
	default:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: bad integer literal", core.ErrInvalidFilter, expr)
		}
		value = n
	}

	f := &Filter{Field: field, Value: value}
	if err := f.check(schema); err != nil {
		return nil, err
	}
	return f, nil
}

// check verifies the field exists and the value type matches it.
func (f *Filter) check(schema Schema) error {
	if f == nil {
		return nil
	}
	if !schema.Fields.Has(f.Field) || f.Field == schema.Fields.Vector {
		return fmt.Errorf("%w: unknown field %q", core.ErrInvalidFilter, f.Field)
	}
	_, isInt := f.Value.(int64)
	if schema.isIntField(f.Field) != isInt {
		return fmt.Errorf("%w: %s: value %v has wrong type", core.ErrInvalidFilter, f.Field, f.Value)
	}
	return nil
}

// Matches evaluates the filter against a row. A nil filter matches all rows.
func (f *Filter) Matches(row Row) bool {
	if f == nil {
		return true
	}
	v, ok := row[f.Field]
	if !ok || v == nil {
		return false
	}
	switch want := f.Value.(type) {
	case int64:
		got, err := toInt64(v)
		return err == nil && got == want
	case string:
		got, ok := v.(string)
		return ok && got == want
	}
	return false
}
