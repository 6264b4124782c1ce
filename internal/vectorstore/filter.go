package vectorstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// Op is a filter comparison operator.
type Op string

// Supported operators.
const (
	OpEq  Op = "$eq"
	OpNe  Op = "$ne"
	OpIn  Op = "$in"
	OpNin Op = "$nin"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
)

// Chunk fields addressable by a filter. Any other field addresses metadata.
const (
	FieldSource     = "source"
	FieldTitle      = "title"
	FieldChunkIndex = "chunkIndex"

	metadataPrefix = "metadata."
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]{0,63}$`)

// Condition is a single field comparison.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// IsChunkField reports whether the condition addresses a chunk field rather
// than metadata.
func (c Condition) IsChunkField() bool {
	switch c.Field {
	case FieldSource, FieldTitle, FieldChunkIndex:
		return true
	}
	return false
}

// MetadataKey returns the metadata key a non-chunk condition addresses.
func (c Condition) MetadataKey() string {
	return strings.TrimPrefix(c.Field, metadataPrefix)
}

// Filter is a conjunction of conditions. A nil Filter matches everything.
type Filter struct {
	Conditions []Condition
}

// Empty reports whether the filter has no conditions.
func (f *Filter) Empty() bool {
	return f == nil || len(f.Conditions) == 0
}

// Fields lists the distinct fields the filter addresses, sorted.
func (f *Filter) Fields() []string {
	if f.Empty() {
		return nil
	}
	seen := make(map[string]struct{}, len(f.Conditions))
	var fields []string
	for _, c := range f.Conditions {
		if _, ok := seen[c.Field]; ok {
			continue
		}
		seen[c.Field] = struct{}{}
		fields = append(fields, c.Field)
	}
	sort.Strings(fields)
	return fields
}

// ParseFilter converts the JSON-shaped filter map into a Filter.
//
// Each key is a field. A scalar value means equality; an object maps
// operators to operands, e.g. {"year": {"$gte": 2020, "$lt": 2024}}.
// A nil or empty map yields a nil Filter.
func ParseFilter(raw map[string]any) (*Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	fields := make([]string, 0, len(raw))
	for k := range raw {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	f := &Filter{}
	for _, field := range fields {
		switch v := raw[field].(type) {
		case map[string]any:
			if len(v) == 0 {
				return nil, fmt.Errorf("%w: field %q has an empty operator object", ErrInvalidFilter, field)
			}
			ops := make([]string, 0, len(v))
			for op := range v {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				f.Conditions = append(f.Conditions, Condition{Field: field, Op: Op(op), Value: normalizeValue(v[op])})
			}
		default:
			f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpEq, Value: normalizeValue(v)})
		}
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks field names, operators and operand types.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	for _, c := range f.Conditions {
		if !fieldPattern.MatchString(c.Field) {
			return fmt.Errorf("%w: field name %q", ErrInvalidFilter, c.Field)
		}
		if strings.HasPrefix(c.Field, metadataPrefix) && c.MetadataKey() == "" {
			return fmt.Errorf("%w: field name %q", ErrInvalidFilter, c.Field)
		}
		switch c.Op {
		case OpEq, OpNe:
			if !isScalar(c.Value) {
				return fmt.Errorf("%w: %s on %q needs a string, number or boolean", ErrInvalidFilter, c.Op, c.Field)
			}
		case OpIn, OpNin:
			list, ok := c.Value.([]any)
			if !ok || len(list) == 0 {
				return fmt.Errorf("%w: %s on %q needs a non-empty list", ErrInvalidFilter, c.Op, c.Field)
			}
			for _, item := range list {
				if !isScalar(item) {
					return fmt.Errorf("%w: %s on %q has a non-scalar element", ErrInvalidFilter, c.Op, c.Field)
				}
			}
		case OpGt, OpGte, OpLt, OpLte:
			switch c.Value.(type) {
			case float64, string:
			default:
				return fmt.Errorf("%w: %s on %q needs a number or string", ErrInvalidFilter, c.Op, c.Field)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q on %q", ErrInvalidFilter, c.Op, c.Field)
		}
	}
	return nil
}

// Match reports whether chunk satisfies every condition. A missing field
// only satisfies $ne and $nin.
func (f *Filter) Match(chunk Chunk) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Conditions {
		if !c.match(chunk) {
			return false
		}
	}
	return true
}

func (c Condition) match(chunk Chunk) bool {
	got, ok := c.lookup(chunk)
	if !ok {
		return c.Op == OpNe || c.Op == OpNin
	}
	switch c.Op {
	case OpEq:
		return equalValues(got, c.Value)
	case OpNe:
		return !equalValues(got, c.Value)
	case OpIn:
		return containsValue(c.Value.([]any), got)
	case OpNin:
		return !containsValue(c.Value.([]any), got)
	default:
		cmp, ok := compareValues(got, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		}
	}
	return false
}

func (c Condition) lookup(chunk Chunk) (any, bool) {
	switch c.Field {
	case FieldSource:
		return chunk.Source, true
	case FieldTitle:
		return chunk.Title, true
	case FieldChunkIndex:
		return float64(chunk.Index), true
	}

	key := c.MetadataKey()
	if v, ok := chunk.Metadata[key]; ok {
		return normalizeValue(v), true
	}
	// Dotted keys may address nested objects.
	var cur any = chunk.Metadata
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return normalizeValue(cur), true
}

// normalizeValue converts numeric kinds to float64 and typed slices to
// []any so comparisons need not care where the value came from.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case nil, string, bool, float64:
		return v
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = normalizeValue(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}

func equalValues(a, b any) bool {
	if list, ok := a.([]any); ok {
		// A list-valued field equals a scalar when it contains it.
		return containsValue(list, b)
	}
	return a == b
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if equalValues(v, item) {
			return true
		}
	}
	return false
}

func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}
