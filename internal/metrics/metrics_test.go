package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheLookup(true)
		m.CacheEvicted("capacity", 2)
		m.CacheSize(1, 10)
		m.SchedulerState(1, 1)
		m.TaskWaited(time.Second)
		m.TaskFinished("completed")
		m.Attempt("render", "success")
		m.Delivery("primary")
		m.Alert("email", true)
		m.TokenValidation("valid")
		m.HTTPRequest("/download", http.StatusOK, time.Millisecond)
	})
	assert.Nil(t, m.Registry())
}

func TestCountersRecord(t *testing.T) {
	m := New()

	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.CacheEvicted("capacity", 3)
	m.CacheEvicted("expired", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CacheEvictions.WithLabelValues("capacity")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CacheEvictions.WithLabelValues("expired")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.Delivery("fallback")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `docdelivery_deliveries_total{outcome="fallback"} 1`)
}
