package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.MessagesHandled.WithLabelValues("executor", "ack").Inc()
	m.MessagesHandled.WithLabelValues("executor", "ack").Inc()
	m.DeadLetters.WithLabelValues("burn-fee").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesHandled.WithLabelValues("executor", "ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetters.WithLabelValues("burn-fee")))
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.TransfersExecuted.WithLabelValues("Distribute"))
	RecordTransfers("Distribute", 3, 1500)
	after := testutil.ToFloat64(DefaultMetrics.TransfersExecuted.WithLabelValues("Distribute"))
	assert.Equal(t, 3.0, after-before)

	RecordRPCLatency("sendTransaction", 0.2, errors.New("boom"))
	assert.GreaterOrEqual(t, testutil.ToFloat64(DefaultMetrics.RPCCallErrors.WithLabelValues("sendTransaction")), 1.0)
}

func TestHealth(t *testing.T) {
	h := NewHealth()
	h.Register("postgres", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.Register("rpc", func(context.Context) error { return errors.New("unreachable") })
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unreachable", body.Checks["rpc"])
	assert.Equal(t, "ok", body.Checks["postgres"])
}
