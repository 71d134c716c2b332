// Package query parses Mongo-style filter expressions over task records and
// renders them as SQL clauses or in-memory predicates.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"taskdb/internal/adapter"
	"taskdb/internal/record"
)

var (
	ErrInvalidQuery              = errors.New("invalid query")
	ErrUnsupportedNullComparison = errors.New("unsupported null comparison")
)

// Expression maps field names to a literal (equality test) or to Ops.
type Expression map[string]any

// Ops maps operator names to comparison values, e.g. Ops{"$gte": t}.
type Ops map[string]any

// Op is a comparison operator in canonical Mongo spelling.
type Op string

const (
	OpLT  Op = "$lt"
	OpGT  Op = "$gt"
	OpEQ  Op = "$eq"
	OpNE  Op = "$ne"
	OpLTE Op = "$lte"
	OpGTE Op = "$gte"
	OpIn  Op = "$in"
	OpNin Op = "$nin"
)

type operator struct {
	sql  string
	join string // set for membership operators
}

var operators = map[Op]operator{
	OpLT:  {sql: "<"},
	OpGT:  {sql: ">"},
	OpEQ:  {sql: "="},
	OpNE:  {sql: "!="},
	OpLTE: {sql: "<="},
	OpGTE: {sql: ">="},
	OpIn:  {sql: "=", join: " OR "},
	OpNin: {sql: "!=", join: " AND "},
}

func (o Op) membership() bool { return operators[o].join != "" }

func (o Op) ordering() bool {
	switch o {
	case OpLT, OpGT, OpLTE, OpGTE:
		return true
	}
	return false
}

// Condition is a single comparison against one field.
type Condition struct {
	Field record.Field
	Op    Op
	// Null marks an IS NULL ($eq) or IS NOT NULL ($ne) test.
	Null bool
	// Values holds one value for scalar operators and every element, in
	// input order, for $in and $nin.
	Values []any
}

// Filter is a validated expression: the AND of its conditions.
type Filter struct {
	Conditions []Condition
}

// Empty reports whether the filter matches every record.
func (f Filter) Empty() bool { return len(f.Conditions) == 0 }

var normalizer = adapter.New()

// Parse validates expr against the record schema and resolves its operators.
// Fields and operators are visited in sorted order so rendering is stable.
func Parse(expr Expression) (Filter, error) {
	var bad []string
	names := make([]string, 0, len(expr))
	for name := range expr {
		if !record.Known(name) {
			bad = append(bad, name)
			continue
		}
		names = append(names, name)
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return Filter{}, fmt.Errorf("%w: illegal testing key(s): %s", ErrInvalidQuery, strings.Join(bad, ", "))
	}
	sort.Strings(names)

	var filter Filter
	for _, name := range names {
		field := record.Field(name)
		ops, ok := asOps(expr[name])
		if !ok {
			cond, err := scalar(field, OpEQ, expr[name])
			if err != nil {
				return Filter{}, err
			}
			filter.Conditions = append(filter.Conditions, cond)
			continue
		}
		keys := make([]string, 0, len(ops))
		for k := range ops {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			op, err := lookup(k)
			if err != nil {
				return Filter{}, err
			}
			var cond Condition
			if op.membership() {
				cond, err = membership(field, op, ops[k])
			} else {
				cond, err = scalar(field, op, ops[k])
			}
			if err != nil {
				return Filter{}, err
			}
			filter.Conditions = append(filter.Conditions, cond)
		}
	}
	return filter, nil
}

func lookup(name string) (Op, error) {
	op := Op("$" + strings.TrimPrefix(name, "$"))
	if _, ok := operators[op]; !ok {
		return "", fmt.Errorf("%w: unsupported operator: %q", ErrInvalidQuery, name)
	}
	return op, nil
}

func scalar(field record.Field, op Op, v any) (Condition, error) {
	if op.ordering() {
		if k := field.Kind(); k == record.KindMapping || k == record.KindBuffers {
			return Condition{}, fmt.Errorf("%w: %s cannot be ordered on %s field %s", ErrInvalidQuery, op, k, field)
		}
	}
	cv, err := coerce(field, v)
	if err != nil {
		return Condition{}, err
	}
	if cv == nil {
		if op.ordering() {
			return Condition{}, fmt.Errorf("%w: %s against null on %s", ErrInvalidQuery, op, field)
		}
		return Condition{Field: field, Op: op, Null: true}, nil
	}
	return Condition{Field: field, Op: op, Values: []any{cv}}, nil
}

func membership(field record.Field, op Op, v any) (Condition, error) {
	items := asList(field, v)
	values := make([]any, 0, len(items))
	for _, item := range items {
		cv, err := coerce(field, item)
		if err != nil {
			return Condition{}, err
		}
		if cv == nil {
			return Condition{}, fmt.Errorf("%w: cannot use %s test with null values on %s", ErrUnsupportedNullComparison, op, field)
		}
		values = append(values, cv)
	}
	return Condition{Field: field, Op: op, Values: values}, nil
}

func asOps(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Ops:
		return m, true
	case map[string]any:
		return m, true
	}
	return nil, false
}

func asList(field record.Field, v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	case []time.Time:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	case []map[string]any:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	case [][][]byte:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	}
	return []any{v}
}

// coerce converts a query value to the record value type of field. A nil
// result means null; empty buffer lists count as null.
func coerce(field record.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch field.Kind() {
	case record.KindTime:
		switch t := v.(type) {
		case time.Time:
			return adapter.NormalizeTime(t), nil
		case string:
			parsed, err := adapter.ParseTime(t)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidQuery, field, err)
			}
			return parsed, nil
		}
	case record.KindMapping:
		if m, ok := v.(map[string]any); ok {
			return normalizer.Normalize(field, m)
		}
	case record.KindBuffers:
		if b, ok := v.([][]byte); ok {
			if len(b) == 0 {
				return nil, nil
			}
			return normalizer.Normalize(field, b)
		}
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s wants %s, got %T", ErrInvalidQuery, field, field.Kind(), v)
}
