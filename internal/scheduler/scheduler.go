// Package scheduler makes buffered store mutations durable on a fixed interval.
//
// The scheduler owns only a ticker. Its ticks are consumed by the store
// engine's loop, which calls Run between record operations, so a flush never
// races a mutation.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"taskdb/internal/telemetry"
)

// DefaultInterval is the flush period used when none is configured.
const DefaultInterval = 2 * time.Second

// Flusher is a backend that may buffer mutations.
type Flusher interface {
	Pending() bool
	Flush(ctx context.Context) error
}

// Scheduler triggers periodic flushes of a Flusher.
type Scheduler struct {
	target   Flusher
	interval time.Duration
	name     string
	logger   *slog.Logger
	ticker   *time.Ticker
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the flush period. Non-positive values keep the default.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger used for flush failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithName labels metrics and log lines with the backend name.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// New builds a stopped scheduler for target.
func New(target Flusher, opts ...Option) *Scheduler {
	s := &Scheduler{
		target:   target,
		interval: DefaultInterval,
		name:     "unknown",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the flush period.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start arms the ticker. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.interval)
	}
}

// C delivers ticks while started; it is nil otherwise, which blocks forever
// in a select.
func (s *Scheduler) C() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.C
}

// Run performs one flush cycle. It does nothing unless the target holds
// buffered mutations. Failures are logged and returned; the next cycle
// retries with whatever is buffered by then.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.target.Pending() {
		telemetry.PendingFlush.WithLabelValues(s.name).Set(0)
		return nil
	}
	start := time.Now()
	err := s.target.Flush(ctx)
	telemetry.FlushDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.Flushes.WithLabelValues(s.name, "error").Inc()
		telemetry.PendingFlush.WithLabelValues(s.name).Set(1)
		s.logger.Error("flush failed, retrying next tick", "backend", s.name, "err", err, "interval", s.interval)
		return err
	}
	telemetry.Flushes.WithLabelValues(s.name, "ok").Inc()
	telemetry.PendingFlush.WithLabelValues(s.name).Set(0)
	s.logger.Debug("flushed", "backend", s.name, "took", time.Since(start))
	return nil
}

// Stop disarms the ticker and performs the final synchronous flush.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	return s.Run(ctx)
}
