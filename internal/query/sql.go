package query

import (
	"strconv"
	"strings"

	"taskdb/internal/record"
)

// Dialect decides how positional parameters are spelled.
type Dialect interface {
	// Placeholder returns the marker for the n-th argument, counting from 1.
	Placeholder(n int) string
}

type questionMarks struct{}

func (questionMarks) Placeholder(int) string { return "?" }

type dollarNumbers struct{}

func (dollarNumbers) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

var (
	// SQLite spells every parameter "?".
	SQLite Dialect = questionMarks{}
	// Postgres numbers parameters "$1", "$2", ...
	Postgres Dialect = dollarNumbers{}
)

// Encoder converts record values to their stored form.
type Encoder interface {
	Encode(f record.Field, v any) (any, error)
}

// SQL renders the filter as a WHERE clause body plus its arguments, in
// placeholder order. An empty filter renders as "".
func (f Filter) SQL(d Dialect, enc Encoder) (string, []any, error) {
	var (
		exprs []string
		args  []any
	)
	for _, c := range f.Conditions {
		op := operators[c.Op]
		col := string(c.Field)
		if c.Null {
			if c.Op == OpNE {
				exprs = append(exprs, col+" IS NOT NULL")
			} else {
				exprs = append(exprs, col+" IS NULL")
			}
			continue
		}
		if c.Op.membership() && len(c.Values) == 0 {
			if c.Op == OpIn {
				exprs = append(exprs, "1 = 0")
			} else {
				exprs = append(exprs, "1 = 1")
			}
			continue
		}
		parts := make([]string, 0, len(c.Values))
		for _, v := range c.Values {
			stored, err := enc.Encode(c.Field, v)
			if err != nil {
				return "", nil, err
			}
			args = append(args, stored)
			parts = append(parts, col+" "+op.sql+" "+d.Placeholder(len(args)))
		}
		if c.Op.membership() {
			exprs = append(exprs, "( "+strings.Join(parts, op.join)+" )")
		} else {
			exprs = append(exprs, parts[0])
		}
	}
	return strings.Join(exprs, " AND "), args, nil
}
