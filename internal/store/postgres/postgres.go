// Package postgres is the task-record backend for a shared Postgres server.
//
// Writes accumulate in one open transaction, each statement inside its own
// savepoint so a failed statement does not abort the batch. Flush commits.
// Statements are journaled until a commit succeeds; if a commit fails the
// journal is replayed into a fresh transaction, so the next flush retries
// everything written since the last durable point. A replay that fails is
// reported once as ErrReplayFailed and the journal is dropped.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskdb/internal/adapter"
	"taskdb/internal/query"
	"taskdb/internal/record"
	"taskdb/internal/store"
)

// DefaultTable is used when no table is configured.
const DefaultTable = "tasks"

const uniqueViolation = "23505"

// ErrReplayFailed reports that writes from a failed commit could not be
// reapplied and were discarded. A commit that reached the server despite
// reporting an error ends up here too.
var ErrReplayFailed = errors.New("uncommitted writes could not be replayed")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options selects the server and table.
type Options struct {
	DSN   string
	Table string
	Codec *adapter.Codec
}

type statement struct {
	sql  string
	args []any
}

// Backend wraps pgxpool for record persistence.
type Backend struct {
	pool  *pgxpool.Pool
	table string
	ident string
	codec *adapter.Codec

	tx      pgx.Tx
	journal []statement
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Open connects, then creates the table and its history index if missing.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if !identifier.MatchString(opts.Table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", opts.Table)
	}
	if opts.Codec == nil {
		opts.Codec = adapter.New()
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b := &Backend{
		pool:  pool,
		table: opts.Table,
		ident: pgx.Identifier{opts.Table}.Sanitize(),
		codec: opts.Codec,
	}
	if err := b.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) Name() string { return "postgres" }

// Table returns the table holding the records.
func (b *Backend) Table() string { return b.table }

// resume rebuilds the write transaction from the journal after a failed commit.
func (b *Backend) resume(ctx context.Context) error {
	if b.tx != nil || len(b.journal) == 0 {
		return nil
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, st := range b.journal {
		if _, err := tx.Exec(ctx, st.sql, st.args...); err != nil {
			_ = tx.Rollback(ctx)
			// the batch cannot be rebuilt; report it once and start clean
			n := len(b.journal)
			b.journal = nil
			return fmt.Errorf("%w: %d statements: %v", ErrReplayFailed, n, err)
		}
	}
	b.tx = tx
	return nil
}

func (b *Backend) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	if err := b.resume(ctx); err != nil {
		return tag, err
	}
	if b.tx == nil {
		tx, err := b.pool.Begin(ctx)
		if err != nil {
			return tag, fmt.Errorf("begin tx: %w", err)
		}
		b.tx = tx
	}
	sp, err := b.tx.Begin(ctx)
	if err != nil {
		return tag, fmt.Errorf("savepoint: %w", err)
	}
	tag, err = sp.Exec(ctx, sql, args...)
	if err != nil {
		_ = sp.Rollback(ctx)
		return tag, err
	}
	if err := sp.Commit(ctx); err != nil {
		return tag, fmt.Errorf("release savepoint: %w", err)
	}
	b.journal = append(b.journal, statement{sql: sql, args: args})
	return tag, nil
}

func (b *Backend) reader(ctx context.Context) (querier, error) {
	if err := b.resume(ctx); err != nil {
		return nil, err
	}
	if b.tx != nil {
		return b.tx, nil
	}
	return b.pool, nil
}

func (b *Backend) Add(ctx context.Context, r record.Record) error {
	args := make([]any, len(record.Fields))
	marks := make([]string, len(record.Fields))
	for i, f := range record.Fields {
		v, err := b.codec.Encode(f, r[f])
		if err != nil {
			return err
		}
		args[i] = v
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", b.ident, columnList(record.Fields), strings.Join(marks, ", "))
	if _, err := b.exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %q", store.ErrDuplicateID, r.ID())
		}
		return fmt.Errorf("insert %q: %w", r.ID(), err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (record.Record, error) {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE msg_id = $1", columnList(record.Fields), b.ident)
	recs, err := b.query(ctx, sql, record.Fields, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	return recs[0], nil
}

func (b *Backend) Update(ctx context.Context, id string, fields record.Record) error {
	var (
		sets []string
		args []any
	)
	for _, f := range fields.Fields() {
		v, err := b.codec.Encode(f, fields[f])
		if err != nil {
			return err
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", f, len(args)))
	}
	args = append(args, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE msg_id = $%d", b.ident, strings.Join(sets, ", "), len(args))
	tag, err := b.exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	return nil
}

func (b *Backend) Drop(ctx context.Context, id string) error {
	tag, err := b.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE msg_id = $1", b.ident), id)
	if err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	return nil
}

func (b *Backend) DropMatching(ctx context.Context, f query.Filter) error {
	where, args, err := f.SQL(query.Postgres, b.codec)
	if err != nil {
		return err
	}
	sql := "DELETE FROM " + b.ident
	if where != "" {
		sql += " WHERE " + where
	}
	if _, err := b.exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("delete matching: %w", err)
	}
	return nil
}

func (b *Backend) Find(ctx context.Context, f query.Filter, fields []record.Field) ([]record.Record, error) {
	where, args, err := f.SQL(query.Postgres, b.codec)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf("SELECT %s FROM %s", columnList(fields), b.ident)
	if where != "" {
		sql += " WHERE " + where
	}
	sql += " ORDER BY submitted ASC NULLS FIRST, _seq"
	return b.query(ctx, sql, fields, args...)
}

func (b *Backend) History(ctx context.Context) ([]string, error) {
	q, err := b.reader(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, fmt.Sprintf("SELECT msg_id FROM %s ORDER BY submitted ASC NULLS FIRST, _seq", b.ident))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (b *Backend) query(ctx context.Context, sql string, fields []record.Field, args ...any) ([]record.Record, error) {
	q, err := b.reader(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", b.table, err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", b.table, err)
		}
		values := make([]any, len(fields))
		for i, f := range fields {
			v, err := b.codec.Decode(f, raw[i])
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		rec, err := record.FromOrderedValues(values, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", b.table, err)
	}
	return out, nil
}

func (b *Backend) Pending() bool { return len(b.journal) > 0 }

// Flush commits the open transaction. A failed commit ends the transaction
// but keeps the journal for the next attempt.
func (b *Backend) Flush(ctx context.Context) error {
	if len(b.journal) == 0 {
		return nil
	}
	if err := b.resume(ctx); err != nil {
		return err
	}
	tx := b.tx
	b.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	b.journal = nil
	return nil
}

// Close rolls back anything not yet flushed and closes the pool.
func (b *Backend) Close() error {
	var err error
	if b.tx != nil {
		err = b.tx.Rollback(context.Background())
		b.tx = nil
	}
	b.pool.Close()
	return err
}

func columnList(fields []record.Field) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = string(f)
	}
	return strings.Join(cols, ", ")
}
