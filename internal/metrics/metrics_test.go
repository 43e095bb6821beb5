package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRun(t *testing.T) {
	m := New()
	m.ObserveRun("partial_ready", 2*time.Second, 7, 2)
	m.ObserveRun("failed", time.Second, -1, -1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("partial_ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.readySkills))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.blockedSkills))
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.SourceFetchFailed("alpha")
	m.SourceFetchFailed("alpha")
	m.AnalysisCall("ok")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetchFailures.WithLabelValues("alpha")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `skillhub_source_fetch_failures_total{source="alpha"} 2`)
	assert.Contains(t, string(body), `skillhub_analysis_calls_total{outcome="ok"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRun("ready", time.Second, 1, 0)
	m.SourceFetchFailed("x")
	m.AnalysisCall("ok")
}
