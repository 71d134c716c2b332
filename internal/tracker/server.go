package tracker

import (
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Server runs asynq workers with every task passing through the tracker.
type Server struct {
	server  *asynq.Server
	tracker *Tracker
}

type ServerConfig struct {
	Concurrency int
	// Queues are polled with equal priority; {"default"} when empty.
	Queues []string
	Logger *slog.Logger
}

func NewServer(redisOpt asynq.RedisConnOpt, t *Tracker, cfg ServerConfig) *Server {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := make(map[string]int, len(cfg.Queues))
	for _, q := range cfg.Queues {
		qs[q] = 1
	}
	if len(qs) == 0 {
		qs["default"] = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: con,
		Queues:      qs,
		Logger:      asynqLogger{logger.With("component", "asynq")},
	})
	return &Server{server: server, tracker: t}
}

// Start begins processing with mux wrapped in the tracker middleware. It
// does not block.
func (s *Server) Start(mux *asynq.ServeMux) error {
	if mux == nil {
		mux = asynq.NewServeMux()
	}
	return s.server.Start(s.tracker.Middleware(mux))
}

// Shutdown waits for in-flight tasks, then stops the workers.
func (s *Server) Shutdown() { s.server.Shutdown() }

// asynqLogger adapts slog to asynq's logger interface.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
