package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdb/internal/record"
	"taskdb/internal/store"
	"taskdb/internal/store/storetest"
)

func openTemp(t *testing.T, dir string) *Backend {
	t.Helper()
	b, err := Open(context.Background(), Options{Location: dir, Table: "_session_1"})
	require.NoError(t, err)
	return b
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return openTemp(t, t.TempDir()) })
}

func TestContractInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := Open(context.Background(), Options{Filename: Memory})
		require.NoError(t, err)
		return b
	})
}

func TestOpenRejectsBadTable(t *testing.T) {
	_, err := Open(context.Background(), Options{Location: t.TempDir(), Table: "tasks; DROP TABLE x"})
	assert.Error(t, err)
}

func TestOpenCreatesLocation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "db")
	b, err := Open(context.Background(), Options{Location: dir})
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, filepath.Join(dir, DefaultFilename), b.Path())
	assert.Equal(t, DefaultTable, b.Table())
}

func TestDurableAfterClose(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	submitted := time.Date(2012, 3, 4, 5, 6, 7, 890000000, time.UTC)

	e := store.New(openTemp(t, dir), store.WithFlushInterval(time.Hour))
	require.NoError(t, e.AddRecord(ctx, "m1", record.Record{
		record.FieldSubmitted: submitted,
		record.FieldHeader:    map[string]any{"msg_type": "apply_request"},
		record.FieldBuffers:   [][]byte{[]byte("x")},
	}))
	require.NoError(t, e.AddRecord(ctx, "m2", record.Record{record.FieldSubmitted: submitted.Add(-time.Second)}))
	// the interval never fires; only the final flush can persist these
	require.NoError(t, e.Close(ctx))

	reopened := store.New(openTemp(t, dir))
	defer reopened.Close(ctx)

	hist, err := reopened.GetHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m1"}, hist)

	rec, err := reopened.GetRecord(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, submitted, rec[record.FieldSubmitted])
	assert.Equal(t, [][]byte{[]byte("x")}, rec[record.FieldBuffers])
	assert.Equal(t, "apply_request", rec.Mapping(record.FieldHeader)["msg_type"])
}

func TestFlushCommits(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := openTemp(t, dir)
	defer b.Close()

	reader, err := sql.Open("sqlite", filepath.Join(dir, DefaultFilename))
	require.NoError(t, err)
	defer reader.Close()
	count := func() int {
		var n int
		require.NoError(t, reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM "_session_1"`).Scan(&n))
		return n
	}

	assert.False(t, b.Pending())
	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"})))
	assert.True(t, b.Pending())
	assert.Equal(t, 0, count())

	require.NoError(t, b.Flush(ctx))
	assert.False(t, b.Pending())
	assert.Equal(t, 1, count())
}

func TestCorruptStoredValues(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t, t.TempDir())
	defer b.Close()

	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "bad-bufs"})))
	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "bad-time"})))
	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "bad-dict"})))
	_, err := b.conn.ExecContext(ctx, `UPDATE "_session_1" SET buffers = x'05' WHERE msg_id = 'bad-bufs'`)
	require.NoError(t, err)
	_, err = b.conn.ExecContext(ctx, `UPDATE "_session_1" SET started = 'yesterday' WHERE msg_id = 'bad-time'`)
	require.NoError(t, err)
	_, err = b.conn.ExecContext(ctx, `UPDATE "_session_1" SET content = '{"a":' WHERE msg_id = 'bad-dict'`)
	require.NoError(t, err)

	for _, id := range []string{"bad-bufs", "bad-time", "bad-dict"} {
		_, err := b.Get(ctx, id)
		assert.True(t, errors.Is(err, store.ErrCorruptValue), "%s: got %v", id, err)
	}
}

func TestDuplicateKeepsTransaction(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t, t.TempDir())
	defer b.Close()

	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"})))
	err := b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"}))
	assert.True(t, errors.Is(err, store.ErrDuplicateID), "got %v", err)
	require.NoError(t, b.Flush(ctx))

	rec, err := b.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ID())
}

func TestFlushAfterImplicitRollback(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t, t.TempDir())
	defer b.Close()

	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"})))
	// SQLite ends the transaction itself on errors such as SQLITE_FULL
	_, err := b.conn.ExecContext(ctx, "ROLLBACK")
	require.NoError(t, err)

	err = b.Flush(ctx)
	assert.True(t, errors.Is(err, ErrBatchLost), "got %v", err)
	assert.False(t, b.Pending())
	require.NoError(t, b.Flush(ctx))

	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m2"})))
	assert.True(t, b.Pending())
	require.NoError(t, b.Flush(ctx))
	assert.False(t, b.Pending())

	_, err = b.Get(ctx, "m1")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	_, err = b.Get(ctx, "m2")
	require.NoError(t, err)
}

func TestFlushFailureKeepsOpenTransaction(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t, t.TempDir())
	defer b.Close()

	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"})))
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err := b.Flush(canceled)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBatchLost))
	assert.True(t, b.Pending())

	require.NoError(t, b.Flush(ctx))
	_, err = b.Get(ctx, "m1")
	require.NoError(t, err)
}
