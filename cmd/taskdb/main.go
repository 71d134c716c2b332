// Command taskdb inspects and prunes a task-record store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"taskdb/internal/adapter"
	"taskdb/internal/archive"
	"taskdb/internal/config"
	"taskdb/internal/query"
	"taskdb/internal/record"
	"taskdb/internal/store"
	"taskdb/internal/store/backends"
	"taskdb/internal/telemetry"
)

const usage = `usage: taskdb <command> [flags]

commands:
  history                     list msg_ids in submission order
  get <msg_id>                print one record
  find [-q JSON] [-fields a,b]  print matching records
  drop <msg_id>               delete one record
  drop-matching -q JSON       delete every matching record
  archive -q JSON             move matching records to the archive
  stats                       print record count and flush state
`

var errUsage = errors.New("bad usage")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "taskdb:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, args []string, stdout, stderr io.Writer) (err error) {
	if len(args) == 0 {
		return errUsage
	}
	logger := telemetry.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	codec := adapter.New()

	backend, err := backends.Open(ctx, cfg, codec)
	if err != nil {
		return err
	}
	eng := store.New(backend,
		store.WithCodec(codec),
		store.WithLogger(logger),
		store.WithFlushInterval(cfg.FlushInterval),
	)
	defer func() {
		err = errors.Join(err, eng.Close(context.WithoutCancel(ctx)))
	}()

	out := json.NewEncoder(stdout)
	out.SetIndent("", "  ")
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "history":
		ids, err := eng.GetHistory(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(stdout, id)
		}
		return nil

	case "get":
		if len(rest) != 1 {
			return errUsage
		}
		rec, err := eng.GetRecord(ctx, rest[0])
		if err != nil {
			return err
		}
		return out.Encode(codec.Export(rec))

	case "find":
		fs := flag.NewFlagSet("find", flag.ContinueOnError)
		fs.SetOutput(stderr)
		q := fs.String("q", "{}", "query as JSON")
		fields := fs.String("fields", "", "comma separated fields to return")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		expr, err := parseQuery(*q)
		if err != nil {
			return err
		}
		recs, err := eng.FindRecords(ctx, expr, splitFields(*fields)...)
		if err != nil {
			return err
		}
		exported := make([]map[string]any, len(recs))
		for i, r := range recs {
			exported[i] = codec.Export(r)
		}
		return out.Encode(exported)

	case "drop":
		if len(rest) != 1 {
			return errUsage
		}
		return eng.DropRecord(ctx, rest[0])

	case "drop-matching", "archive":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		fs.SetOutput(stderr)
		q := fs.String("q", "", "query as JSON (required)")
		if err := fs.Parse(rest); err != nil || *q == "" {
			return errUsage
		}
		expr, err := parseQuery(*q)
		if err != nil {
			return err
		}
		if cmd == "drop-matching" {
			return eng.DropMatchingRecords(ctx, expr)
		}
		a, err := archive.New(ctx, cfg, eng, logger)
		if err != nil {
			return err
		}
		res, err := a.Archive(ctx, expr)
		if err != nil {
			return err
		}
		return out.Encode(map[string]any{"location": res.Location, "records": res.Records})

	case "stats":
		st, err := eng.Stats(ctx)
		if err != nil {
			return err
		}
		return out.Encode(st)

	default:
		logger.Debug("unknown command", slog.String("command", cmd))
		return errUsage
	}
}

func parseQuery(s string) (query.Expression, error) {
	var expr query.Expression
	if err := json.Unmarshal([]byte(s), &expr); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidQuery, err)
	}
	return expr, nil
}

func splitFields(s string) []record.Field {
	var out []record.Field
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, record.Field(p))
		}
	}
	return out
}
