// Package memory is a non-durable task-record backend held in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"

	"taskdb/internal/query"
	"taskdb/internal/record"
	"taskdb/internal/store"
)

type entry struct {
	seq uint64
	rec record.Record
}

// Backend keeps records in a map plus an insertion counter for history ties.
// It relies on the engine for serialization and holds no lock.
type Backend struct {
	seq     uint64
	records map[string]*entry
}

func New() *Backend {
	return &Backend{records: make(map[string]*entry)}
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Add(_ context.Context, r record.Record) error {
	id := r.ID()
	if _, ok := b.records[id]; ok {
		return fmt.Errorf("%w: %q", store.ErrDuplicateID, id)
	}
	b.seq++
	b.records[id] = &entry{seq: b.seq, rec: r.Clone()}
	return nil
}

func (b *Backend) Get(_ context.Context, id string) (record.Record, error) {
	e, ok := b.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	return e.rec.Clone(), nil
}

func (b *Backend) Update(_ context.Context, id string, fields record.Record) error {
	e, ok := b.records[id]
	if !ok {
		return fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	for f, v := range fields {
		e.rec[f] = v
	}
	return nil
}

func (b *Backend) Drop(_ context.Context, id string) error {
	if _, ok := b.records[id]; !ok {
		return fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	delete(b.records, id)
	return nil
}

func (b *Backend) DropMatching(_ context.Context, f query.Filter) error {
	for id, e := range b.records {
		if f.Match(e.rec) {
			delete(b.records, id)
		}
	}
	return nil
}

func (b *Backend) Find(_ context.Context, f query.Filter, fields []record.Field) ([]record.Record, error) {
	var out []record.Record
	for _, e := range b.ordered() {
		if !f.Match(e.rec) {
			continue
		}
		r := make(record.Record, len(fields))
		for _, field := range fields {
			r[field] = e.rec[field]
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (b *Backend) History(context.Context) ([]string, error) {
	entries := b.ordered()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.rec.ID()
	}
	return ids, nil
}

// ordered sorts by submitted ascending with nulls first, then insertion.
func (b *Backend) ordered() []*entry {
	out := make([]*entry, 0, len(b.records))
	for _, e := range b.records {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, iok := out[i].rec.Time(record.FieldSubmitted)
		tj, jok := out[j].rec.Time(record.FieldSubmitted)
		switch {
		case iok != jok:
			return !iok
		case iok && !ti.Equal(tj):
			return ti.Before(tj)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (b *Backend) Pending() bool { return false }

func (b *Backend) Flush(context.Context) error { return nil }

func (b *Backend) Close() error { return nil }
