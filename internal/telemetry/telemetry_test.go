package telemetry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("flush failed", "table", "tasks")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "flush failed", line["msg"])
	assert.Equal(t, "tasks", line["table"])

	buf.Reset()
	NewLogger(&buf, "bogus", "text").Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestHandlerServesCollectors(t *testing.T) {
	StoreOperations.WithLabelValues("memory", "add").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(StoreOperations.WithLabelValues("memory", "add")), 1.0)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	Handler()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskdb_operations_total")
}
