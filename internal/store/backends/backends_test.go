package backends

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdb/internal/adapter"
	"taskdb/internal/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cases := []config.Config{
		{Backend: "memory"},
		{Backend: "sqlite", Location: t.TempDir(), Filename: "tasks.db", Session: "abc-def"},
		{Backend: "redis", RedisAddr: mr.Addr(), RedisPrefix: "taskdb"},
	}
	for _, cfg := range cases {
		t.Run(cfg.Backend, func(t *testing.T) {
			b, err := Open(ctx, cfg, adapter.New())
			require.NoError(t, err)
			defer b.Close()
			assert.Equal(t, cfg.Backend, b.Name())
		})
	}
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Backend: "mongo"}, adapter.New())
	assert.ErrorContains(t, err, "unknown backend")
}
