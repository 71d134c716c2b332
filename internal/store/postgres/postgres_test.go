package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdb/internal/record"
	"taskdb/internal/store"
	"taskdb/internal/store/storetest"
)

// openTest connects to TASKDB_TEST_POSTGRES_DSN with a throwaway table.
func openTest(t *testing.T) *Backend {
	t.Helper()
	dsn := os.Getenv("TASKDB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKDB_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	table := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	b, err := Open(ctx, Options{DSN: dsn, Table: table})
	require.NoError(t, err)

	t.Cleanup(func() {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return
		}
		defer conn.Close(ctx)
		_, _ = conn.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize())
	})
	return b
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return openTest(t) })
}

func TestOpenRejectsBadTable(t *testing.T) {
	_, err := Open(context.Background(), Options{DSN: "postgres://localhost/none", Table: "x y"})
	assert.Error(t, err)
}

func TestSchemaMatchesFields(t *testing.T) {
	b := openTest(t)
	defer b.Close()
	ctx := context.Background()

	rows, err := b.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_name = $1 AND column_name <> '_seq'
		ORDER BY ordinal_position
	`, b.table)
	require.NoError(t, err)
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	require.NoError(t, err)

	want := make([]string, len(record.Fields))
	for i, f := range record.Fields {
		want[i] = string(f)
	}
	assert.Equal(t, want, cols)
}

func TestFailedStatementKeepsBatch(t *testing.T) {
	b := openTest(t)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"})))
	err := b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"}))
	assert.True(t, errors.Is(err, store.ErrDuplicateID), "got %v", err)
	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m2"})))
	assert.True(t, b.Pending())

	require.NoError(t, b.Flush(ctx))
	assert.False(t, b.Pending())

	var n int
	require.NoError(t, b.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", b.ident)).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestUncommittedInvisibleToOthers(t *testing.T) {
	b := openTest(t)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"})))
	var n int
	require.NoError(t, b.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", b.ident)).Scan(&n))
	assert.Equal(t, 0, n)

	_, err := b.Get(ctx, "m1")
	require.NoError(t, err, "own writes are visible before flush")

	require.NoError(t, b.Flush(ctx))
	require.NoError(t, b.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", b.ident)).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestReplayAfterLostTransaction(t *testing.T) {
	b := openTest(t)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"})))
	// simulate a commit that never happened
	require.NoError(t, b.tx.Rollback(ctx))
	b.tx = nil
	assert.True(t, b.Pending())

	require.NoError(t, b.Flush(ctx))
	rec, err := b.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ID())
}

func TestReplayFailureReportedOnce(t *testing.T) {
	b := openTest(t)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"})))
	// the commit reaches the server but the journal survives, as after an
	// ambiguous commit error
	require.NoError(t, b.tx.Commit(ctx))
	b.tx = nil
	require.True(t, b.Pending())

	_, err := b.Get(ctx, "m1")
	assert.True(t, errors.Is(err, ErrReplayFailed), "got %v", err)
	assert.False(t, b.Pending())

	rec, err := b.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ID())
	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m2"})))
	require.NoError(t, b.Flush(ctx))
}
