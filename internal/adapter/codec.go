// Package adapter converts task-record values to and from the native column
// representation of storage backends.
//
// Timestamps are stored as fixed-width UTC text so that text order equals
// time order, mappings as compact JSON and buffer lists as a single framed
// blob. Empty and null buffer lists are merged: both encode to null and both
// decode to an empty list.
package adapter

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"taskdb/internal/record"
)

// ErrCorruptValue reports a stored value that cannot be decoded.
var ErrCorruptValue = errors.New("corrupt stored value")

// TimeLayout is the textual timestamp format, always UTC with microseconds.
const TimeLayout = "2006-01-02T15:04:05.000000"

// Codec is the type adapter set injected into the engine and serializing backends.
type Codec struct {
	// MaxBlock bounds a single decoded buffer block; zero means no bound.
	MaxBlock uint64
}

// New returns a Codec with default limits.
func New() *Codec {
	return &Codec{MaxBlock: 1 << 30}
}

// EncodeTime renders t in TimeLayout.
func (c *Codec) EncodeTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// DecodeTime parses text produced by EncodeTime.
func (c *Codec) DecodeTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrCorruptValue, s, err)
	}
	return t, nil
}

// ParseTime accepts TimeLayout or RFC 3339 text. It is meant for user input,
// not stored values.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return NormalizeTime(t), nil
}

// NormalizeTime drops the location, monotonic reading and sub-microsecond
// precision, matching what survives a round trip through EncodeTime.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// EncodeMapping renders m as compact JSON.
func (c *Codec) EncodeMapping(m map[string]any) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode mapping: %w", err)
	}
	return string(raw), nil
}

// DecodeMapping parses JSON produced by EncodeMapping. Integral numbers that
// fit decode as int64, all other numbers as float64.
func (c *Codec) DecodeMapping(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: mapping: %v", ErrCorruptValue, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: mapping: trailing data", ErrCorruptValue)
	}
	for k, v := range m {
		n, err := numbers(v)
		if err != nil {
			return nil, err
		}
		m[k] = n
	}
	return m, nil
}

// numbers replaces json.Number values inside v.
func numbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: mapping: number %s: %v", ErrCorruptValue, t, err)
		}
		return f, nil
	case map[string]any:
		for k, x := range t {
			n, err := numbers(x)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
	case []any:
		for i, x := range t {
			n, err := numbers(x)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
	}
	return v, nil
}

// EncodeBuffers frames bufs as uvarint(count) followed by uvarint(len)||bytes
// per block. An empty list encodes to nil.
func (c *Codec) EncodeBuffers(bufs [][]byte) []byte {
	if len(bufs) == 0 {
		return nil
	}
	size := binary.MaxVarintLen64
	for _, b := range bufs {
		size += binary.MaxVarintLen64 + len(b)
	}
	out := make([]byte, 0, size)
	out = binary.AppendUvarint(out, uint64(len(bufs)))
	for _, b := range bufs {
		out = binary.AppendUvarint(out, uint64(len(b)))
		out = append(out, b...)
	}
	return out
}

// DecodeBuffers is the inverse of EncodeBuffers. Nil or empty input yields an
// empty list; malformed framing yields ErrCorruptValue.
func (c *Codec) DecodeBuffers(raw []byte) ([][]byte, error) {
	if len(raw) == 0 {
		return [][]byte{}, nil
	}
	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("%w: buffer list: bad block count", ErrCorruptValue)
	}
	rest := raw[n:]
	// every block carries at least a one-byte length prefix
	if count > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: buffer list: %d blocks in %d bytes", ErrCorruptValue, count, len(rest))
	}
	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		size, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: buffer list: bad length of block %d", ErrCorruptValue, i)
		}
		rest = rest[n:]
		if size > uint64(len(rest)) || (c.MaxBlock > 0 && size > c.MaxBlock) {
			return nil, fmt.Errorf("%w: buffer list: block %d truncated", ErrCorruptValue, i)
		}
		out = append(out, bytes.Clone(rest[:size]))
		rest = rest[size:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: buffer list: %d trailing bytes", ErrCorruptValue, len(rest))
	}
	return out, nil
}

// Encode converts a record value of field f to its storage form: nil, string
// or []byte.
func (c *Codec) Encode(f record.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Kind() {
	case record.KindTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %T is not a timestamp", record.ErrInvalidRecord, f, v)
		}
		return c.EncodeTime(t), nil
	case record.KindMapping:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %T is not a mapping", record.ErrInvalidRecord, f, v)
		}
		if m == nil {
			return nil, nil
		}
		return c.EncodeMapping(m)
	case record.KindBuffers:
		b, ok := v.([][]byte)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %T is not a buffer list", record.ErrInvalidRecord, f, v)
		}
		if enc := c.EncodeBuffers(b); enc != nil {
			return enc, nil
		}
		return nil, nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %T is not a string", record.ErrInvalidRecord, f, v)
		}
		return s, nil
	}
}

// Decode converts a stored value of field f back into a record value.
func (c *Codec) Decode(f record.Field, stored any) (any, error) {
	if f.Kind() == record.KindBuffers {
		raw, err := asBytes(f, stored)
		if err != nil {
			return nil, err
		}
		bufs, err := c.DecodeBuffers(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		return bufs, nil
	}
	if stored == nil {
		return nil, nil
	}
	raw, err := asBytes(f, stored)
	if err != nil {
		return nil, err
	}
	switch f.Kind() {
	case record.KindTime:
		t, err := c.DecodeTime(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		return t, nil
	case record.KindMapping:
		m, err := c.DecodeMapping(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		if m == nil {
			return nil, nil
		}
		return m, nil
	default:
		return string(raw), nil
	}
}

// Normalize returns v as it would read back after Encode and Decode.
func (c *Codec) Normalize(f record.Field, v any) (any, error) {
	switch f.Kind() {
	case record.KindTime:
		if v == nil {
			return nil, nil
		}
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %T is not a timestamp", record.ErrInvalidRecord, f, v)
		}
		return NormalizeTime(t), nil
	case record.KindBuffers:
		if v == nil {
			return [][]byte{}, nil
		}
		b, ok := v.([][]byte)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %T is not a buffer list", record.ErrInvalidRecord, f, v)
		}
		out := make([][]byte, len(b))
		for i := range b {
			out[i] = bytes.Clone(b[i])
			if out[i] == nil {
				out[i] = []byte{}
			}
		}
		return out, nil
	case record.KindMapping:
		enc, err := c.Encode(f, v)
		if err != nil || enc == nil {
			return nil, err
		}
		return c.Decode(f, enc)
	default:
		if v == nil {
			return nil, nil
		}
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("%w: %s: %T is not a string", record.ErrInvalidRecord, f, v)
		}
		return v, nil
	}
}

// EncodeRecord encodes every field of r.
func (c *Codec) EncodeRecord(r record.Record) (map[record.Field]any, error) {
	out := make(map[record.Field]any, len(r))
	for f, v := range r {
		enc, err := c.Encode(f, v)
		if err != nil {
			return nil, err
		}
		out[f] = enc
	}
	return out, nil
}

// NormalizeRecord normalizes every field of r into a fresh record.
func (c *Codec) NormalizeRecord(r record.Record) (record.Record, error) {
	out := make(record.Record, len(r))
	for f, v := range r {
		nv, err := c.Normalize(f, v)
		if err != nil {
			return nil, err
		}
		out[f] = nv
	}
	return out, nil
}

// Export renders r for JSON output: timestamps in their stored text form,
// everything else as is. Buffer lists marshal as arrays of base64 strings.
func (c *Codec) Export(r record.Record) map[string]any {
	out := make(map[string]any, len(r))
	for f, v := range r {
		if t, ok := v.(time.Time); ok {
			out[string(f)] = c.EncodeTime(t)
			continue
		}
		out[string(f)] = v
	}
	return out
}

func asBytes(f record.Field, stored any) ([]byte, error) {
	switch v := stored.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%w: %s: unexpected stored type %T", ErrCorruptValue, f, stored)
	}
}
