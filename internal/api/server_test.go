package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdb/internal/ratelimit"
	"taskdb/internal/record"
	"taskdb/internal/store"
	"taskdb/internal/store/memory"
)

type fakeResubmitter struct{ ids []string }

func (f *fakeResubmitter) Resubmit(_ context.Context, id string, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.ids = append(f.ids, id)
	return &asynq.TaskInfo{ID: "new-" + id, Queue: "default"}, nil
}

func newTestServer(t *testing.T, resubmit Resubmitter) (*httptest.Server, *store.Engine) {
	t.Helper()
	ctx := context.Background()
	eng := store.New(memory.New())
	t.Cleanup(func() { _ = eng.Close(ctx) })
	t0 := time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, eng.AddRecord(ctx, "m1", record.Record{record.FieldSubmitted: t0, record.FieldQueue: "a"}))
	require.NoError(t, eng.AddRecord(ctx, "m2", record.Record{record.FieldSubmitted: t0.Add(time.Second), record.FieldQueue: "b"}))

	srv := httptest.NewServer(New(eng, resubmit).Router())
	t.Cleanup(srv.Close)
	return srv, eng
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string      `json:"status"`
		Store  store.Stats `json:"store"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, store.Stats{Backend: "memory", Records: 2}, body.Store)
}

func TestMetricsMounted(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHistoryAndGet(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/records")
	require.NoError(t, err)
	var hist map[string][]string
	decode(t, resp, &hist)
	assert.Equal(t, []string{"m1", "m2"}, hist["msg_ids"])

	resp, err = http.Get(srv.URL + "/records/m2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rec map[string]any
	decode(t, resp, &rec)
	assert.Equal(t, "2014-01-01T00:00:01.000000", rec["submitted"])
	assert.Equal(t, "b", rec["queue"])

	resp, err = http.Get(srv.URL + "/records/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFind(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	body := `{"query":{"submitted":{"$gte":"2014-01-01T00:00:00.500000"}},"fields":["queue"]}`
	resp, err := http.Post(srv.URL+"/records/find", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Records []map[string]any `json:"records"`
	}
	decode(t, resp, &out)
	assert.Equal(t, []map[string]any{{"msg_id": "m2", "queue": "b"}}, out.Records)

	resp, err = http.Post(srv.URL+"/records/find", "application/json", strings.NewReader(`{"query":{"bogus":1}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/records/find", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDrop(t *testing.T) {
	srv, eng := newTestServer(t, nil)
	ctx := context.Background()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/records/m1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/records/drop", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "an empty query must not wipe the table")

	resp, err = http.Post(srv.URL+"/records/drop", "application/json", strings.NewReader(`{"query":{"queue":{"$in":["b"]}}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	hist, err := eng.GetHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestResubmit(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Post(srv.URL+"/records/m1/resubmit", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	fake := &fakeResubmitter{}
	srv, _ = newTestServer(t, fake)
	resp, err = http.Post(srv.URL+"/records/m1/resubmit", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	decode(t, resp, &out)
	assert.Equal(t, "new-m1", out["msg_id"])
	assert.Equal(t, []string{"m1"}, fake.ids)
}

type fakeLimiter struct {
	left int
	keys []string
}

func (f *fakeLimiter) Take(_ context.Context, key string) (ratelimit.Decision, error) {
	f.keys = append(f.keys, key)
	if f.left == 0 {
		return ratelimit.Decision{}, nil
	}
	f.left--
	return ratelimit.Decision{Allowed: true, Remaining: float64(f.left)}, nil
}

func TestRateLimitGuardsDestructiveRoutes(t *testing.T) {
	ctx := context.Background()
	eng := store.New(memory.New())
	t.Cleanup(func() { _ = eng.Close(ctx) })
	require.NoError(t, eng.AddRecord(ctx, "m1", record.Record{}))
	require.NoError(t, eng.AddRecord(ctx, "m2", record.Record{}))

	lim := &fakeLimiter{left: 1}
	srv := httptest.NewServer(New(eng, nil).WithLimiter(lim).Router())
	t.Cleanup(srv.Close)

	del := func(id string) *http.Response {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/records/"+id, nil)
		require.NoError(t, err)
		req.Header.Set("X-Client-ID", "ops")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := del("m1")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "0.00", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusTooManyRequests, del("m2").StatusCode)

	// reads are never throttled
	resp, err := http.Get(srv.URL + "/records/m2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"ops", "ops"}, lim.keys)
}
