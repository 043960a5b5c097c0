package monitor

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/jobscheduler/internal/model"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ExecutionStarted("billing-sync")
	m.ExecutionStarted("billing-sync")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))

	m.ExecutionFinished("billing-sync", model.ExecutionStatusSuccess, 150*time.Millisecond)
	m.ExecutionFinished("billing-sync", model.ExecutionStatusCancelled, time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(m.inFlight))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("billing-sync", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("billing-sync", "cancelled")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	m.LockContention("billing-sync")
	m.RetryScheduled("billing-sync")
	m.RetryScheduled("billing-sync")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockContention.WithLabelValues("billing-sync")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("billing-sync")))

	// a second registration on the same registry must fail
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ExecutionFinished("reports", model.ExecutionStatusFailed, time.Second)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `jobscheduler_executions_total{job="reports",status="failed"} 1`))
	assert.Contains(t, string(body), "jobscheduler_execution_duration_seconds_bucket")
}
