package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskdb/internal/adapter"
	"taskdb/internal/query"
	"taskdb/internal/record"
	"taskdb/internal/scheduler"
	"taskdb/internal/telemetry"
)

// Engine is the task-record store. All calls run in submission order on a
// single goroutine that also services the flush scheduler, so backends are
// never touched concurrently. Engine is safe for concurrent use.
type Engine struct {
	backend  Backend
	codec    *adapter.Codec
	logger   *slog.Logger
	interval time.Duration
	sched    *scheduler.Scheduler

	ops  chan func()
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithCodec injects the type adapter set shared with the backend.
func WithCodec(c *adapter.Codec) Option {
	return func(e *Engine) {
		if c != nil {
			e.codec = c
		}
	}
}

// WithLogger sets the engine and scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFlushInterval sets the scheduler period.
func WithFlushInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// New starts an engine over backend. Close must be called to flush and
// release it.
func New(backend Backend, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		codec:   adapter.New(),
		logger:  slog.Default(),
		ops:     make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sched = scheduler.New(backend,
		scheduler.WithInterval(e.interval),
		scheduler.WithLogger(e.logger),
		scheduler.WithName(backend.Name()),
	)
	e.sched.Start()
	go e.loop()
	return e
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case op := <-e.ops:
			op()
		case <-e.sched.C():
			_ = e.sched.Run(context.Background())
		case <-e.quit:
			return
		}
	}
}

// do runs fn on the engine goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	name := e.backend.Name()
	telemetry.StoreOperations.WithLabelValues(name, op).Inc()
	errc := make(chan error, 1)
	task := func() { errc <- fn(ctx) }
	var err error
	select {
	case e.ops <- task:
		err = <-errc
	case <-e.quit:
		err = ErrClosed
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		telemetry.StoreErrors.WithLabelValues(name, op, errorKind(err)).Inc()
	}
	return err
}

func (e *Engine) prepare(fields record.Record) (record.Record, error) {
	if err := record.Validate(fields); err != nil {
		return nil, err
	}
	return e.codec.NormalizeRecord(fields)
}

// AddRecord inserts a record for id, with every field not in fields null.
// The id argument wins over any msg_id inside fields.
func (e *Engine) AddRecord(ctx context.Context, id string, fields record.Record) error {
	if id == "" {
		return fmt.Errorf("%w: empty msg_id", ErrInvalidRecord)
	}
	norm, err := e.prepare(fields)
	if err != nil {
		return err
	}
	rec := record.Default(norm)
	rec[record.FieldID] = id
	return e.do(ctx, "add", func(ctx context.Context) error {
		return e.backend.Add(ctx, rec)
	})
}

// GetRecord returns the record for id or ErrNotFound.
func (e *Engine) GetRecord(ctx context.Context, id string) (record.Record, error) {
	var rec record.Record
	err := e.do(ctx, "get", func(ctx context.Context) error {
		var err error
		rec, err = e.backend.Get(ctx, id)
		return err
	})
	return rec, err
}

// UpdateRecord overwrites only the supplied fields of an existing record.
func (e *Engine) UpdateRecord(ctx context.Context, id string, fields record.Record) error {
	if v, ok := fields[record.FieldID]; ok {
		if v != id {
			return fmt.Errorf("%w: msg_id is immutable", ErrInvalidRecord)
		}
		fields = fields.Clone()
		delete(fields, record.FieldID)
	}
	norm, err := e.prepare(fields)
	if err != nil {
		return err
	}
	return e.do(ctx, "update", func(ctx context.Context) error {
		if len(norm) == 0 {
			_, err := e.backend.Get(ctx, id)
			return err
		}
		return e.backend.Update(ctx, id, norm)
	})
}

// DropRecord deletes the record for id or returns ErrNotFound.
func (e *Engine) DropRecord(ctx context.Context, id string) error {
	return e.do(ctx, "drop", func(ctx context.Context) error {
		return e.backend.Drop(ctx, id)
	})
}

// DropMatchingRecords deletes every record matching expr. Zero matches is
// not an error.
func (e *Engine) DropMatchingRecords(ctx context.Context, expr query.Expression) error {
	f, err := query.Parse(expr)
	if err != nil {
		return err
	}
	return e.do(ctx, "drop_matching", func(ctx context.Context) error {
		return e.backend.DropMatching(ctx, f)
	})
}

// FindRecords returns records matching expr in history order. When fields
// are given, each record holds only msg_id and those fields.
func (e *Engine) FindRecords(ctx context.Context, expr query.Expression, fields ...record.Field) ([]record.Record, error) {
	f, err := query.Parse(expr)
	if err != nil {
		return nil, err
	}
	proj, err := record.Projection(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	var out []record.Record
	err = e.do(ctx, "find", func(ctx context.Context) error {
		var err error
		out, err = e.backend.Find(ctx, f, proj)
		return err
	})
	return out, err
}

// GetHistory returns every msg_id ordered by submission time.
func (e *Engine) GetHistory(ctx context.Context) ([]string, error) {
	var ids []string
	err := e.do(ctx, "history", func(ctx context.Context) error {
		var err error
		ids, err = e.backend.History(ctx)
		return err
	})
	return ids, err
}

// Flush makes buffered mutations durable now instead of at the next tick.
func (e *Engine) Flush(ctx context.Context) error {
	return e.do(ctx, "flush", e.sched.Run)
}

// Stats reports the record count and flush state.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Backend: e.backend.Name()}
	err := e.do(ctx, "stats", func(ctx context.Context) error {
		ids, err := e.backend.History(ctx)
		if err != nil {
			return err
		}
		st.Records = len(ids)
		st.Pending = e.backend.Pending()
		return nil
	})
	return st, err
}

// Close stops the loop, performs the final flush and closes the backend.
// Later calls return the first result.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		close(e.quit)
		<-e.done
		flushErr := e.sched.Stop(ctx)
		if flushErr != nil {
			e.logger.Error("final flush failed", "backend", e.backend.Name(), "err", flushErr)
		}
		e.closeErr = errors.Join(flushErr, e.backend.Close())
	})
	return e.closeErr
}
