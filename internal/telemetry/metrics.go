package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	StoreOperations = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskdb_operations_total", Help: "Record store operations by backend and operation"}, []string{"backend", "op"})
	StoreErrors     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskdb_operation_errors_total", Help: "Failed record store operations by error kind"}, []string{"backend", "op", "kind"})
	Flushes         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskdb_flushes_total", Help: "Flushes of buffered mutations by result"}, []string{"backend", "result"})
	FlushDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "taskdb_flush_duration_seconds", Help: "Time spent making buffered mutations durable", Buckets: prometheus.DefBuckets}, []string{"backend"})
	PendingFlush    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "taskdb_pending_flush", Help: "1 while the backend holds unflushed mutations"}, []string{"backend"})
	TrackedTasks    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskdb_tracked_tasks_total", Help: "Task lifecycle events recorded by the tracker"}, []string{"queue", "event"})
	ArchivedRecords = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskdb_archived_records_total", Help: "Records moved to the archive bucket"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			StoreOperations,
			StoreErrors,
			Flushes,
			FlushDuration,
			PendingFlush,
			TrackedTasks,
			ArchivedRecords,
		)
	})
	return promhttp.Handler()
}
