// Package store defines the backend-agnostic task-record contract and the
// Engine that serializes every operation onto one execution context.
package store

import (
	"context"
	"errors"

	"taskdb/internal/adapter"
	"taskdb/internal/query"
	"taskdb/internal/record"
)

var (
	ErrNotFound    = errors.New("no such record")
	ErrDuplicateID = errors.New("duplicate msg_id")
	ErrClosed      = errors.New("store closed")

	ErrInvalidQuery              = query.ErrInvalidQuery
	ErrUnsupportedNullComparison = query.ErrUnsupportedNullComparison
	ErrCorruptValue              = adapter.ErrCorruptValue
	ErrInvalidRecord             = record.ErrInvalidRecord
)

// Backend is a concrete storage implementation. The Engine hands it only
// validated, normalized records and parsed filters, and never calls it from
// more than one goroutine at a time.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Add inserts a complete record; an existing msg_id yields ErrDuplicateID.
	Add(ctx context.Context, r record.Record) error
	// Get returns the full record or ErrNotFound.
	Get(ctx context.Context, id string) (record.Record, error)
	// Update overwrites only the given fields or returns ErrNotFound.
	Update(ctx context.Context, id string, fields record.Record) error
	// Drop deletes one record or returns ErrNotFound.
	Drop(ctx context.Context, id string) error
	// DropMatching deletes every record matching f.
	DropMatching(ctx context.Context, f query.Filter) error
	// Find returns records matching f in history order, each holding exactly
	// the given fields; fields always starts with msg_id.
	Find(ctx context.Context, f query.Filter, fields []record.Field) ([]record.Record, error)
	// History returns every msg_id ordered by submitted, then insertion.
	History(ctx context.Context) ([]string, error)
	// Pending reports buffered mutations not yet durable.
	Pending() bool
	// Flush makes buffered mutations durable.
	Flush(ctx context.Context) error
	// Close releases the backend. The Engine flushes before closing.
	Close() error
}

// Stats summarizes the store for health checks.
type Stats struct {
	Backend string `json:"backend"`
	Records int    `json:"records"`
	Pending bool   `json:"pending_flush"`
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, ErrUnsupportedNullComparison):
		return "null_comparison"
	case errors.Is(err, ErrInvalidQuery):
		return "invalid_query"
	case errors.Is(err, ErrCorruptValue):
		return "corrupt_value"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid_record"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "backend"
	}
}
