// Package redisstore is a task-record backend over a shared Redis server.
//
// Each record is a hash of adapted values with null fields absent; a sorted
// set scored by an insertion counter tracks membership and tie order.
// Writes are applied immediately, so the backend never has pending work.
// Filtering and ordering happen client side over the whole table.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"taskdb/internal/adapter"
	"taskdb/internal/query"
	"taskdb/internal/record"
	"taskdb/internal/store"
)

const (
	DefaultPrefix = "taskdb"
	DefaultTable  = "tasks"
)

// Options selects the server and key namespace. When Client is set it is
// used as is and left open by Close.
type Options struct {
	Client   *redis.Client
	Addr     string
	Password string
	DB       int
	Prefix   string
	Table    string
	Codec    *adapter.Codec
}

// Backend stores records in Redis hashes.
type Backend struct {
	client   *redis.Client
	owned    bool
	idsKey   string
	seqKey   string
	recordNS string
	codec    *adapter.Codec
}

type stored struct {
	seq float64
	rec record.Record
}

// Open builds the client from opts and checks connectivity.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if opts.Codec == nil {
		opts.Codec = adapter.New()
	}
	b := &Backend{
		client:   opts.Client,
		idsKey:   fmt.Sprintf("%s:%s:ids", opts.Prefix, opts.Table),
		seqKey:   fmt.Sprintf("%s:%s:seq", opts.Prefix, opts.Table),
		recordNS: fmt.Sprintf("%s:%s:rec:", opts.Prefix, opts.Table),
		codec:    opts.Codec,
	}
	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		b.owned = true
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return b, nil
}

func (b *Backend) Name() string { return "redis" }

func (b *Backend) recordKey(id string) string {
	return b.recordNS + id
}

func (b *Backend) Add(ctx context.Context, r record.Record) error {
	id := r.ID()
	args := []any{id}
	for _, f := range record.Fields {
		v, err := b.codec.Encode(f, r[f])
		if err != nil {
			return err
		}
		if v != nil {
			args = append(args, string(f), v)
		}
	}
	added, err := addScript.Run(ctx, b.client, []string{b.recordKey(id), b.idsKey, b.seqKey}, args...).Int()
	if err != nil {
		return fmt.Errorf("insert %q: %w", id, err)
	}
	if added == 0 {
		return fmt.Errorf("%w: %q", store.ErrDuplicateID, id)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (record.Record, error) {
	raw, err := b.client.HGetAll(ctx, b.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	return b.decode(raw)
}

func (b *Backend) Update(ctx context.Context, id string, fields record.Record) error {
	var (
		sets  []any
		nulls []any
	)
	for _, f := range fields.Fields() {
		v, err := b.codec.Encode(f, fields[f])
		if err != nil {
			return err
		}
		if v == nil {
			nulls = append(nulls, string(f))
			continue
		}
		sets = append(sets, string(f), v)
	}
	args := append([]any{len(sets) / 2}, sets...)
	args = append(args, nulls...)
	ok, err := updateScript.Run(ctx, b.client, []string{b.recordKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("update %q: %w", id, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	return nil
}

func (b *Backend) Drop(ctx context.Context, id string) error {
	pipe := b.client.TxPipeline()
	del := pipe.Del(ctx, b.recordKey(id))
	pipe.ZRem(ctx, b.idsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %q", store.ErrNotFound, id)
	}
	return nil
}

func (b *Backend) DropMatching(ctx context.Context, f query.Filter) error {
	all, err := b.load(ctx)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	n := 0
	for _, s := range all {
		if !f.Match(s.rec) {
			continue
		}
		id := s.rec.ID()
		pipe.Del(ctx, b.recordKey(id))
		pipe.ZRem(ctx, b.idsKey, id)
		n++
	}
	if n == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete matching: %w", err)
	}
	return nil
}

func (b *Backend) Find(ctx context.Context, f query.Filter, fields []record.Field) ([]record.Record, error) {
	all, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []record.Record
	for _, s := range all {
		if !f.Match(s.rec) {
			continue
		}
		r := make(record.Record, len(fields))
		for _, field := range fields {
			r[field] = s.rec[field]
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *Backend) History(ctx context.Context) ([]string, error) {
	all, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.rec.ID()
	}
	return ids, nil
}

// load reads every record in history order.
func (b *Backend) load(ctx context.Context) ([]stored, error) {
	members, err := b.client.ZRangeWithScores(ctx, b.idsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, b.recordKey(fmt.Sprint(m.Member)))
	}
	if len(members) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("read records: %w", err)
		}
	}
	out := make([]stored, 0, len(members))
	for i, cmd := range cmds {
		raw := cmd.Val()
		if len(raw) == 0 {
			continue
		}
		rec, err := b.decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, stored{seq: members[i].Score, rec: rec})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, iok := out[i].rec.Time(record.FieldSubmitted)
		tj, jok := out[j].rec.Time(record.FieldSubmitted)
		switch {
		case iok != jok:
			return !iok
		case iok && !ti.Equal(tj):
			return ti.Before(tj)
		}
		return out[i].seq < out[j].seq
	})
	return out, nil
}

func (b *Backend) decode(raw map[string]string) (record.Record, error) {
	values := make([]any, len(record.Fields))
	for i, f := range record.Fields {
		var v any
		if s, ok := raw[string(f)]; ok {
			v = s
		}
		dv, err := b.codec.Decode(f, v)
		if err != nil {
			return nil, err
		}
		values[i] = dv
	}
	return record.FromOrderedValues(values, nil)
}

func (b *Backend) Pending() bool { return false }

func (b *Backend) Flush(context.Context) error { return nil }

func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	err := b.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

// KEYS: record hash, id set, sequence counter. ARGV: msg_id, field/value pairs.
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('ZADD', KEYS[2], seq, ARGV[1])
return 1
`)

// KEYS: record hash. ARGV: pair count, field/value pairs, then fields to clear.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local n = tonumber(ARGV[1])
if n > 0 then
  redis.call('HSET', KEYS[1], unpack(ARGV, 2, 1 + 2 * n))
end
for i = 2 + 2 * n, #ARGV do
  redis.call('HDEL', KEYS[1], ARGV[i])
end
return 1
`)
