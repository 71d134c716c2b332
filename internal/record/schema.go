package record

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRecord reports a record carrying an unknown field or a value of the wrong kind.
var ErrInvalidRecord = errors.New("invalid record")

// Field names one column of a task record.
type Field string

// Kind is the semantic type of a field's value.
type Kind int

const (
	KindString Kind = iota
	KindTime
	KindMapping
	KindBuffers
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindTime:
		return "timestamp"
	case KindMapping:
		return "mapping"
	case KindBuffers:
		return "buffer list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	FieldID             Field = "msg_id"
	FieldHeader         Field = "header"
	FieldContent        Field = "content"
	FieldBuffers        Field = "buffers"
	FieldSubmitted      Field = "submitted"
	FieldClientUUID     Field = "client_uuid"
	FieldEngineUUID     Field = "engine_uuid"
	FieldStarted        Field = "started"
	FieldCompleted      Field = "completed"
	FieldResubmitted    Field = "resubmitted"
	FieldResultHeader   Field = "result_header"
	FieldResultContent  Field = "result_content"
	FieldResultBuffers  Field = "result_buffers"
	FieldQueue          Field = "queue"
	FieldSourceCode     Field = "source_code"
	FieldCapturedOutput Field = "captured_output"
	FieldCapturedError  Field = "captured_error"
	FieldStdout         Field = "stdout"
	FieldStderr         Field = "stderr"
)

// Fields is the fixed column order shared by every backend.
var Fields = []Field{
	FieldID,
	FieldHeader,
	FieldContent,
	FieldBuffers,
	FieldSubmitted,
	FieldClientUUID,
	FieldEngineUUID,
	FieldStarted,
	FieldCompleted,
	FieldResubmitted,
	FieldResultHeader,
	FieldResultContent,
	FieldResultBuffers,
	FieldQueue,
	FieldSourceCode,
	FieldCapturedOutput,
	FieldCapturedError,
	FieldStdout,
	FieldStderr,
}

var (
	kinds = map[Field]Kind{
		FieldHeader:        KindMapping,
		FieldContent:       KindMapping,
		FieldBuffers:       KindBuffers,
		FieldSubmitted:     KindTime,
		FieldStarted:       KindTime,
		FieldCompleted:     KindTime,
		FieldResubmitted:   KindTime,
		FieldResultHeader:  KindMapping,
		FieldResultContent: KindMapping,
		FieldResultBuffers: KindBuffers,
	}
	positions = func() map[Field]int {
		m := make(map[Field]int, len(Fields))
		for i, f := range Fields {
			m[f] = i
		}
		return m
	}()
)

// Kind returns the semantic type of f. Unknown fields report KindString.
func (f Field) Kind() Kind {
	if k, ok := kinds[f]; ok {
		return k
	}
	return KindString
}

// Known reports whether name is part of the schema.
func Known(name string) bool {
	_, ok := positions[Field(name)]
	return ok
}

// Position returns the column index of f, or -1.
func Position(f Field) int {
	if i, ok := positions[f]; ok {
		return i
	}
	return -1
}

// NewID returns a fresh random msg_id.
func NewID() string {
	return uuid.NewString()
}

// Record maps fields to values. A nil value is null.
//
// Value types by kind: string for KindString, time.Time for KindTime,
// map[string]any for KindMapping and [][]byte for KindBuffers.
type Record map[Field]any

// Default returns a record with every field null, overlaid with overrides.
// Buffer lists default to an empty list rather than null.
func Default(overrides Record) Record {
	r := make(Record, len(Fields))
	for _, f := range Fields {
		if f.Kind() == KindBuffers {
			r[f] = [][]byte{}
			continue
		}
		r[f] = nil
	}
	for f, v := range overrides {
		r[f] = v
	}
	return r
}

// ID returns the msg_id of r, or "" when unset.
func (r Record) ID() string {
	s, _ := r[FieldID].(string)
	return s
}

// String returns the string value of f and whether it is non-null.
func (r Record) String(f Field) (string, bool) {
	s, ok := r[f].(string)
	return s, ok
}

// Time returns the timestamp value of f and whether it is non-null.
func (r Record) Time(f Field) (time.Time, bool) {
	t, ok := r[f].(time.Time)
	return t, ok
}

// Mapping returns the mapping value of f, nil when null.
func (r Record) Mapping(f Field) map[string]any {
	m, _ := r[f].(map[string]any)
	return m
}

// Buffers returns the buffer list of f, nil when null.
func (r Record) Buffers(f Field) [][]byte {
	b, _ := r[f].([][]byte)
	return b
}

// Fields returns the fields present in r in schema order, msg_id first.
func (r Record) Fields() []Field {
	out := make([]Field, 0, len(r))
	for _, f := range Fields {
		if _, ok := r[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for f, v := range r {
		out[f] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = cloneValue(x)
		}
		return m
	case []any:
		if t == nil {
			return t
		}
		l := make([]any, len(t))
		for i, x := range t {
			l[i] = cloneValue(x)
		}
		return l
	case [][]byte:
		if t == nil {
			return t
		}
		l := make([][]byte, len(t))
		for i, b := range t {
			l[i] = append([]byte{}, b...)
		}
		return l
	}
	return v
}

// ToOrderedValues lists r's values in schema order.
func ToOrderedValues(r Record) []any {
	out := make([]any, len(Fields))
	for i, f := range Fields {
		out[i] = r[f]
	}
	return out
}

// FromOrderedValues is the inverse of ToOrderedValues. When fields is empty,
// values are taken to be the full schema in order; otherwise values line up
// with fields, and the record holds only those fields.
func FromOrderedValues(values []any, fields []Field) (Record, error) {
	if len(fields) == 0 {
		fields = Fields
	}
	if len(values) != len(fields) {
		return nil, fmt.Errorf("%w: %d values for %d fields", ErrInvalidRecord, len(values), len(fields))
	}
	r := make(Record, len(fields))
	for i, f := range fields {
		r[f] = values[i]
	}
	if len(fields) == len(Fields) {
		return Default(r), nil
	}
	return r, nil
}

// Projection resolves a requested field subset: msg_id first, duplicates
// removed, remaining fields in request order. An empty request means all fields.
func Projection(requested []Field) ([]Field, error) {
	if len(requested) == 0 {
		return Fields, nil
	}
	var bad []string
	seen := map[Field]bool{FieldID: true}
	out := []Field{FieldID}
	for _, f := range requested {
		if Position(f) < 0 {
			bad = append(bad, string(f))
			continue
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, fmt.Errorf("bad record key(s): %s", strings.Join(bad, ", "))
	}
	return out, nil
}

// Validate checks that every key of r is known and every non-null value has
// its field's kind.
func Validate(r Record) error {
	var bad []string
	for f, v := range r {
		if Position(f) < 0 {
			bad = append(bad, string(f))
			continue
		}
		if v == nil {
			continue
		}
		if !kindMatches(f.Kind(), v) {
			return fmt.Errorf("%w: field %s wants %s, got %T", ErrInvalidRecord, f, f.Kind(), v)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("%w: unknown field(s): %s", ErrInvalidRecord, strings.Join(bad, ", "))
	}
	return nil
}

func kindMatches(k Kind, v any) bool {
	switch k {
	case KindTime:
		_, ok := v.(time.Time)
		return ok
	case KindMapping:
		_, ok := v.(map[string]any)
		return ok
	case KindBuffers:
		_, ok := v.([][]byte)
		return ok
	default:
		_, ok := v.(string)
		return ok
	}
}
