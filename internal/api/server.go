package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"taskdb/internal/adapter"
	"taskdb/internal/query"
	"taskdb/internal/ratelimit"
	"taskdb/internal/record"
	"taskdb/internal/store"
	"taskdb/internal/telemetry"
)

// Records is the store surface served over HTTP. *store.Engine satisfies it.
type Records interface {
	GetRecord(ctx context.Context, id string) (record.Record, error)
	DropRecord(ctx context.Context, id string) error
	DropMatchingRecords(ctx context.Context, expr query.Expression) error
	FindRecords(ctx context.Context, expr query.Expression, fields ...record.Field) ([]record.Record, error)
	GetHistory(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Resubmitter re-enqueues a recorded task. *tracker.Client satisfies it.
type Resubmitter interface {
	Resubmit(ctx context.Context, id string, options ...asynq.Option) (*asynq.TaskInfo, error)
}

// Limiter throttles destructive requests per caller. *ratelimit.TokenBucket
// satisfies it.
type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for inspecting and pruning the record store.
type Server struct {
	records  Records
	resubmit Resubmitter
	limiter  Limiter
	codec    *adapter.Codec
}

// New constructs the API server. resubmit may be nil, which disables the
// resubmit endpoint.
func New(records Records, resubmit Resubmitter) *Server {
	return &Server{records: records, resubmit: resubmit, codec: adapter.New()}
}

// WithLimiter guards drop and resubmit requests with l.
func (s *Server) WithLimiter(l Limiter) *Server {
	s.limiter = l
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/records", s.handleHistory)
	r.Post("/records/find", s.handleFind)
	r.Get("/records/{id}", s.handleGet)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/records/drop", s.handleDropMatching)
		r.Delete("/records/{id}", s.handleDrop)
		r.Post("/records/{id}/resubmit", s.handleResubmit)
	})
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-Client-ID")
		if key == "" {
			key, _, _ = net.SplitHostPort(r.RemoteAddr)
		}
		d, err := s.limiter.Take(r.Context(), key)
		if err != nil {
			http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(d.Remaining, 'f', 2, 64))
		if !d.Allowed {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type queryRequest struct {
	Query  query.Expression `json:"query"`
	Fields []record.Field   `json:"fields"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.records.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "store": st})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ids, err := s.records.GetHistory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg_ids": ids})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.codec.Export(rec))
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	recs, err := s.records.FindRecords(r.Context(), req.Query, req.Fields...)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, len(recs))
	for i, rec := range recs {
		out[i] = s.codec.Export(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	if err := s.records.DropRecord(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDropMatching(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Query) == 0 {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if err := s.records.DropMatchingRecords(r.Context(), req.Query); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	if s.resubmit == nil {
		http.Error(w, "resubmit requires a task queue", http.StatusNotImplemented)
		return
	}
	info, err := s.resubmit.Resubmit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"msg_id": info.ID, "queue": info.Queue})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidQuery),
		errors.Is(err, store.ErrUnsupportedNullComparison),
		errors.Is(err, store.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
