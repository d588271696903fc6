package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.QuotesTotal.Add(3)
	m.MalformedTotal.WithLabelValues("file").Inc()
	m.FanoutDropsTotal.WithLabelValues("redis").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.QuotesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MalformedTotal.WithLabelValues("file")))

	n, err := testutil.GatherAndCount(reg, "ohlc_quotes_total", "ohlc_fanout_drops_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A second registration on a fresh registry must not panic.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

func healthz(t *testing.T, h *HealthStatus) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthStatus_OnlyRequiredDependenciesCount(t *testing.T) {
	h := NewHealthStatus(5)

	code, body := healthz(t, h)
	assert.Equal(t, http.StatusOK, code, "file mode has no dependencies")
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, 5.0, body["window_minutes"])

	h.Require(true, true, true)
	h.SetFeedConnected(true)
	h.SetSQLiteOK(true)
	code, body = healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])

	h.SetRedisConnected(true)
	code, _ = healthz(t, h)
	assert.Equal(t, http.StatusOK, code)

	h.SetFeedConnected(false)
	h.SetRedisConnected(false)
	h.SetSQLiteOK(false)
	_, body = healthz(t, h)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestHealthStatus_SilentFeedIsDegraded(t *testing.T) {
	h := NewHealthStatus(1)
	h.Require(true, false, false)
	h.SetFeedConnected(true)

	h.SetLastQuoteTime(time.Now())
	code, body := healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["quote_stale"])

	h.SetLastQuoteTime(time.Now().Add(-2 * time.Minute))
	code, body = healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, true, body["quote_stale"])
}

func TestServer_ExposesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.BarsTotal.Inc()

	srv := NewServer(":0", NewHealthStatus(5), reg)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ohlc_bars_total 1")

	resp2, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
