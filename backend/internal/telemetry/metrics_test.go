package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorders(t *testing.T) {
	m := New()

	m.RecordWritten("node", 3)
	m.RecordWritten("node", 2)
	m.RecordWritten("edge", 0)
	m.RecordSkipped("edge", 1)
	m.RecordIngested("github", "node", 4)
	m.ObserveOperation("store", time.Now(), nil)
	m.ObserveOperation("store", time.Now(), errors.New("boom"))

	assert.Equal(t, 5.0, testutil.ToFloat64(m.recordsWritten.WithLabelValues("node")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsSkipped.WithLabelValues("edge")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.recordsIngested.WithLabelValues("github", "node")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.operationDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWritten("node", 1)
		m.RecordSkipped("node", 1)
		m.RecordIngested("github", "node", 1)
		m.RecordRequest("GET", "/health", 200)
		m.ObserveOperation("store", time.Now(), nil)
	})
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordRequest("GET", "/health", http.StatusOK)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `layergraph_http_requests_total{method="GET",route="/health",status="200"} 1`), body)
}
