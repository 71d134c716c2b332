// Package sqlite is the durable single-file task-record backend.
//
// Mutations run inside one open transaction on a dedicated connection and
// become durable when the scheduler calls Flush, which commits. Reads go
// through the same connection and therefore see uncommitted writes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"taskdb/internal/adapter"
	"taskdb/internal/query"
	"taskdb/internal/record"
	"taskdb/internal/store"
)

const (
	DefaultFilename = "tasks.db"
	DefaultTable    = "tasks"
	// Memory opens a private in-memory database instead of a file.
	Memory = ":memory:"
)

// ErrBatchLost reports a commit failure after which SQLite had already
// rolled back every write since the previous flush.
var ErrBatchLost = errors.New("sqlite rolled back the uncommitted batch")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var columnTypes = map[record.Kind]string{
	record.KindString:  "text",
	record.KindTime:    "text",
	record.KindMapping: "text",
	record.KindBuffers: "blob",
}

// Options locates the database file and table.
type Options struct {
	// Location is the directory holding the file; empty means the working directory.
	Location string
	Filename string
	Table    string
	Codec    *adapter.Codec
}

// Backend stores records in one SQLite table.
type Backend struct {
	db    *sql.DB
	conn  *sql.Conn
	table string
	path  string
	codec *adapter.Codec
	inTx  bool
}

// Open creates the directory, file and table as needed.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Filename == "" {
		opts.Filename = DefaultFilename
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if !identifier.MatchString(opts.Table) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", opts.Table)
	}
	if opts.Codec == nil {
		opts.Codec = adapter.New()
	}

	path := opts.Filename
	dsn := Memory
	if opts.Filename != Memory {
		if opts.Location != "" {
			if err := os.MkdirAll(opts.Location, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		path = filepath.Join(opts.Location, opts.Filename)
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	b := &Backend{db: db, conn: conn, table: opts.Table, path: path, codec: opts.Codec}
	if err := b.migrate(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	cols := make([]string, len(record.Fields))
	for i, f := range record.Fields {
		cols[i] = string(f) + " " + columnTypes[f.Kind()]
	}
	cols[0] += " PRIMARY KEY"
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", b.table, strings.Join(cols, ", "))
	if _, err := b.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", b.table, err)
	}
	return nil
}

func (b *Backend) Name() string { return "sqlite" }

// Path returns the database file, or Memory.
func (b *Backend) Path() string { return b.path }

// Table returns the table holding the records.
func (b *Backend) Table() string { return b.table }

// begin opens the write transaction on first use after a commit.
func (b *Backend) begin(ctx context.Context) error {
	if b.inTx {
		return nil
	}
	if _, err := b.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	b.inTx = true
	return nil
}

func (b *Backend) Add(ctx context.Context, r record.Record) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	args := make([]any, len(record.Fields))
	marks := make([]string, len(record.Fields))
	for i, f := range record.Fields {
		v, err := b.codec.Encode(f, r[f])
		if err != nil {
			return err
		}
		args[i] = v
		marks[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", b.table, columnList(record.Fields), strings.Join(marks, ", "))
	if _, err := b.conn.ExecContext(ctx, stmt, args...); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %q", store.ErrDuplicateID, r.ID())
		}
		return fmt.Errorf("insert %q: %w", r.ID(), err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (record.Record, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %q WHERE msg_id = ?", columnList(record.Fields), b.table)
	recs, err := b.query(ctx, stmt, record.Fields, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	return recs[0], nil
}

func (b *Backend) Update(ctx context.Context, id string, fields record.Record) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	var (
		sets []string
		args []any
	)
	for _, f := range fields.Fields() {
		v, err := b.codec.Encode(f, fields[f])
		if err != nil {
			return err
		}
		sets = append(sets, string(f)+" = ?")
		args = append(args, v)
	}
	stmt := fmt.Sprintf("UPDATE %q SET %s WHERE msg_id = ?", b.table, strings.Join(sets, ", "))
	res, err := b.conn.ExecContext(ctx, stmt, append(args, id)...)
	if err != nil {
		return fmt.Errorf("update %q: %w", id, err)
	}
	return affected(res, id)
}

func (b *Backend) Drop(ctx context.Context, id string) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	res, err := b.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %q WHERE msg_id = ?", b.table), id)
	if err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	return affected(res, id)
}

func (b *Backend) DropMatching(ctx context.Context, f query.Filter) error {
	where, args, err := f.SQL(query.SQLite, b.codec)
	if err != nil {
		return err
	}
	if err := b.begin(ctx); err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %q", b.table)
	if where != "" {
		stmt += " WHERE " + where
	}
	if _, err := b.conn.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete matching: %w", err)
	}
	return nil
}

func (b *Backend) Find(ctx context.Context, f query.Filter, fields []record.Field) ([]record.Record, error) {
	where, args, err := f.SQL(query.SQLite, b.codec)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %s FROM %q", columnList(fields), b.table)
	if where != "" {
		stmt += " WHERE " + where
	}
	stmt += " ORDER BY submitted, rowid"
	return b.query(ctx, stmt, fields, args...)
}

func (b *Backend) History(ctx context.Context) ([]string, error) {
	rows, err := b.conn.QueryContext(ctx, fmt.Sprintf("SELECT msg_id FROM %q ORDER BY submitted, rowid", b.table))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *Backend) query(ctx context.Context, stmt string, fields []record.Field, args ...any) ([]record.Record, error) {
	rows, err := b.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", b.table, err)
	}
	defer rows.Close()

	var out []record.Record
	raw := make([]any, len(fields))
	dest := make([]any, len(fields))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
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
	return out, rows.Err()
}

func (b *Backend) Pending() bool { return b.inTx }

// Flush commits the open transaction. On failure the transaction normally
// stays open and the next flush retries the whole batch. Some errors make
// SQLite roll the transaction back itself; that is reported as ErrBatchLost
// and the next write starts a fresh transaction.
func (b *Backend) Flush(ctx context.Context) error {
	if !b.inTx {
		return nil
	}
	if _, err := b.conn.ExecContext(ctx, "COMMIT"); err != nil {
		if b.rolledBack(ctx) {
			b.inTx = false
			return fmt.Errorf("%w: %v", ErrBatchLost, err)
		}
		return fmt.Errorf("commit: %w", err)
	}
	b.inTx = false
	return nil
}

// rolledBack reports whether the connection is back in autocommit mode.
// BEGIN only succeeds outside a transaction; the empty one it opens is rolled back.
func (b *Backend) rolledBack(ctx context.Context) bool {
	if _, err := b.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return false
	}
	_, _ = b.conn.ExecContext(ctx, "ROLLBACK")
	return true
}

func (b *Backend) Close() error {
	var errs []error
	if b.conn != nil {
		errs = append(errs, b.conn.Close())
	}
	errs = append(errs, b.db.Close())
	return errors.Join(errs...)
}

func columnList(fields []record.Field) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = string(f)
	}
	return strings.Join(cols, ", ")
}

func affected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	return nil
}

func isConstraint(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
