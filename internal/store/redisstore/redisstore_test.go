package redisstore

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdb/internal/record"
	"taskdb/internal/store"
	"taskdb/internal/store/storetest"
)

func openMini(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := Open(context.Background(), Options{Addr: mr.Addr(), Table: "_session"})
	require.NoError(t, err)
	return b, mr
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		b, _ := openMini(t)
		return b
	})
}

func TestOpenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := Open(context.Background(), Options{Addr: addr})
	assert.Error(t, err)
}

func TestKeyLayout(t *testing.T) {
	ctx := context.Background()
	b, mr := openMini(t)
	defer b.Close()

	require.NoError(t, b.Add(ctx, record.Default(record.Record{
		record.FieldID:     "m1",
		record.FieldQueue:  "default",
		record.FieldStdout: "",
	})))
	assert.True(t, mr.Exists("taskdb:_session:rec:m1"))
	assert.Equal(t, "default", mr.HGet("taskdb:_session:rec:m1", "queue"))
	assert.Equal(t, "", mr.HGet("taskdb:_session:rec:m1", "stdout"))
	// null fields are absent from the hash
	keys, err := mr.HKeys("taskdb:_session:rec:m1")
	require.NoError(t, err)
	assert.NotContains(t, keys, "completed")

	members, err := mr.ZMembers("taskdb:_session:ids")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, members)

	require.NoError(t, b.Update(ctx, "m1", record.Record{record.FieldQueue: nil}))
	keys, err = mr.HKeys("taskdb:_session:rec:m1")
	require.NoError(t, err)
	assert.NotContains(t, keys, "queue")
	assert.False(t, b.Pending())
}

func TestSharedClientStaysOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b, err := Open(ctx, Options{Client: client})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestCorruptHash(t *testing.T) {
	ctx := context.Background()
	b, mr := openMini(t)
	defer b.Close()

	require.NoError(t, b.Add(ctx, record.Default(record.Record{record.FieldID: "m1"})))
	mr.HSet("taskdb:_session:rec:m1", "buffers", "\x05")

	_, err := b.Get(ctx, "m1")
	assert.True(t, errors.Is(err, store.ErrCorruptValue), "got %v", err)
	_, err = b.History(ctx)
	assert.True(t, errors.Is(err, store.ErrCorruptValue), "got %v", err)
}
