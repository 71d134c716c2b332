// Package backends opens the store.Backend named by the configuration.
package backends

import (
	"context"
	"fmt"

	"taskdb/internal/adapter"
	"taskdb/internal/config"
	"taskdb/internal/store"
	"taskdb/internal/store/memory"
	"taskdb/internal/store/postgres"
	"taskdb/internal/store/redisstore"
	"taskdb/internal/store/sqlite"
)

// Names lists the supported cfg.Backend values.
var Names = []string{"memory", "sqlite", "postgres", "redis"}

// Open connects the configured backend. The codec is shared with the engine.
func Open(ctx context.Context, cfg config.Config, codec *adapter.Codec) (store.Backend, error) {
	var (
		b   store.Backend
		err error
	)
	table := cfg.TableName()
	switch cfg.Backend {
	case "memory":
		b = memory.New()
	case "sqlite", "":
		b, err = opened(sqlite.Open(ctx, sqlite.Options{
			Location: cfg.Location,
			Filename: cfg.Filename,
			Table:    table,
			Codec:    codec,
		}))
	case "postgres":
		b, err = opened(postgres.Open(ctx, postgres.Options{
			DSN:   cfg.PostgresDSN,
			Table: table,
			Codec: codec,
		}))
	case "redis":
		b, err = opened(redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			Table:    table,
			Codec:    codec,
		}))
	default:
		return nil, fmt.Errorf("unknown backend %q (want one of %v)", cfg.Backend, Names)
	}
	return b, err
}

// opened keeps a failed Open from leaking a typed nil into the interface.
func opened[B store.Backend](b B, err error) (store.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}
