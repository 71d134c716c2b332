// Command hub runs the task-record store alongside an asynq worker pool whose
// tasks are recorded through the tracker, and serves the ops HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"taskdb/internal/adapter"
	"taskdb/internal/api"
	"taskdb/internal/config"
	"taskdb/internal/ratelimit"
	"taskdb/internal/store"
	"taskdb/internal/store/backends"
	"taskdb/internal/telemetry"
	"taskdb/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("hub stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()
	}
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
		// final flush; runs after the workers have drained
		err = errors.Join(err, eng.Close(context.WithoutCancel(ctx)))
	}()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	trk := tracker.New(eng, cfg.Session, logger)
	workers := tracker.NewServer(redisOpt, trk, tracker.ServerConfig{
		Concurrency: cfg.TrackerConcurrency,
		Queues:      cfg.TrackerQueues,
		Logger:      logger,
	})
	client := tracker.NewClient(redisOpt, eng, tracker.ClientOptions{ClientUUID: cfg.Session})
	defer client.Close()

	mux := asynq.NewServeMux()
	mux.HandleFunc("echo", echo)
	if err := workers.Start(mux); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer workers.Shutdown()

	ops := api.New(eng, client)
	if cfg.RateLimitCapacity > 0 {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		ops.WithLimiter(ratelimit.NewTokenBucket(rdb, cfg.RedisPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour))
	}
	httpServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           ops.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("hub started",
		slog.String("backend", backend.Name()),
		slog.String("table", cfg.TableName()),
		slog.String("session", cfg.Session),
		slog.String("addr", cfg.MetricsAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// echo returns its payload as the result content. It gives operators a task
// type to exercise the record lifecycle end to end.
func echo(ctx context.Context, t *asynq.Task) error {
	c := tracker.FromContext(ctx)
	if c == nil {
		return nil
	}
	fmt.Fprintf(c.Stdout(), "%s\n", t.Payload())
	c.SetResult(map[string]any{"echo": string(t.Payload())})
	return nil
}
