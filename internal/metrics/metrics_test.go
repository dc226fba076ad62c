package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ispchecker/ispchecker/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.New()

	m.JobStarted()
	m.JobStarted()
	m.JobStopped(time.Second)
	m.JobFinished("completed")
	m.RateLimitDecision(true)
	m.RateLimitDecision(false)
	m.RateLimitDecision(false)
	m.SetRateLimitBuckets(3)

	n, err := testutil.GatherAndCount(m.Registry(), "ispchecker_ratelimit_decisions_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `ispchecker_jobs_running 1`)
	require.Contains(t, string(body), `ispchecker_ratelimit_buckets 3`)
	require.Contains(t, string(body), `ispchecker_jobs_total{status="completed"} 1`)
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()
	var m *metrics.Metrics
	require.NotPanics(t, func() {
		m.JobStarted()
		m.JobStopped(time.Second)
		m.JobFinished("failed")
		m.ProbeFailure("timeout")
		m.RateLimitDecision(true)
		m.SetRateLimitBuckets(1)
		m.RecordHTTPRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond)
	})
	require.Nil(t, m.Registry())
}
