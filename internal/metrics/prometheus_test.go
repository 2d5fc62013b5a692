package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IndependentInstances(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.SessionsStarted.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.SessionsStarted))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SessionsStarted))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.ActiveSessions.Set(3)
	m.WorkerExits.WithLabelValues("killed").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "streamrelay_active_sessions 3")
	assert.Contains(t, string(body), `streamrelay_worker_exits_total{outcome="killed"} 1`)
}
