package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdb/internal/record"
	"taskdb/internal/store"
	"taskdb/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return New() })
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Add(ctx, record.Default(record.Record{
		record.FieldID:     "m1",
		record.FieldHeader: map[string]any{"k": "v"},
	})))

	got, err := b.Get(ctx, "m1")
	require.NoError(t, err)
	got.Mapping(record.FieldHeader)["k"] = "changed"

	again, err := b.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Mapping(record.FieldHeader)["k"])
}

func TestNeverPending(t *testing.T) {
	b := New()
	require.NoError(t, b.Add(context.Background(), record.Default(record.Record{record.FieldID: "m1"})))
	assert.False(t, b.Pending())
	assert.NoError(t, b.Flush(context.Background()))
}
