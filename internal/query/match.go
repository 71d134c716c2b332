package query

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"taskdb/internal/record"
)

// Match evaluates the filter against r with relational NULL semantics: any
// comparison against a null stored value is false, except the explicit null
// tests.
func (f Filter) Match(r record.Record) bool {
	for _, c := range f.Conditions {
		if !c.match(r[c.Field]) {
			return false
		}
	}
	return true
}

func (c Condition) match(v any) bool {
	null := isNull(v)
	if c.Null {
		if c.Op == OpNE {
			return !null
		}
		return null
	}
	if c.Op.membership() && len(c.Values) == 0 {
		return c.Op == OpNin
	}
	if null {
		return false
	}
	switch c.Op {
	case OpIn:
		for _, want := range c.Values {
			if equal(v, want) {
				return true
			}
		}
		return false
	case OpNin:
		for _, want := range c.Values {
			if equal(v, want) {
				return false
			}
		}
		return true
	case OpEQ:
		return equal(v, c.Values[0])
	case OpNE:
		return !equal(v, c.Values[0])
	}
	cmp, ok := compare(v, c.Values[0])
	if !ok {
		return false
	}
	switch c.Op {
	case OpLT:
		return cmp < 0
	case OpLTE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGTE:
		return cmp >= 0
	}
	return false
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case [][]byte:
		return len(t) == 0
	case map[string]any:
		return t == nil
	}
	return false
}

func equal(a, b any) bool {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case [][]byte:
		y, ok := b.([][]byte)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !bytes.Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		// same test as the stored JSON text comparison
		y, ok := b.(map[string]any)
		if !ok {
			return false
		}
		xj, xerr := json.Marshal(x)
		yj, yerr := json.Marshal(y)
		return xerr == nil && yerr == nil && bytes.Equal(xj, yj)
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}
