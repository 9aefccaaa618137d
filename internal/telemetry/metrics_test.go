package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferbench/internal/backend"
	"inferbench/internal/backend/backendtest"
	"inferbench/internal/bench"
	"inferbench/internal/pricing"
	"inferbench/internal/prompt"
)

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func runWith(t *testing.T, m *Metrics, backends ...backend.Backend) *bench.Report {
	t.Helper()
	table := pricing.NewTable("2025-01-01", map[string]pricing.Backend{
		"paid": {Models: map[string]pricing.Entry{pricing.Wildcard: {InputPerMillion: 1, OutputPerMillion: 2}}},
	})
	r := bench.NewRunner(table, nil)
	r.Sleeper = noSleep{}
	r.Observer = m.Observer()
	report, err := r.Run(context.Background(), backends, bench.Settings{
		Iterations: 3, PromptSize: prompt.Short, MaxCost: 1, Timeout: time.Second,
	})
	require.NoError(t, err)
	return report
}

func TestObserver_RecordsRun(t *testing.T) {
	m := New()
	zero := time.Duration(0)
	paid := backendtest.New("paid",
		backendtest.Fail(backend.NewRateLimited("paid", "slow down", &zero)),
		backendtest.OK(200*time.Millisecond, 50),
	)
	broken := backendtest.New("broken", backendtest.Fail(backend.NewAPIError("broken", "boom", nil)))
	off := backendtest.Unavailable("off", "")

	report := runWith(t, m, paid, broken, off)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Samples.WithLabelValues("paid", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Samples.WithLabelValues("broken", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("paid", "rate_limited")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Attempts.WithLabelValues("paid", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Attempts.WithLabelValues("broken", "api_error")))

	assert.InDelta(t, report.Results[0].Metrics.TotalCost, testutil.ToFloat64(m.Cost.WithLabelValues("paid")), 1e-12)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendState.WithLabelValues("paid", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BackendState.WithLabelValues("paid", "measuring")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendState.WithLabelValues("broken", "all_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendState.WithLabelValues("off", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("completed")))

	assert.Equal(t, 1, testutil.CollectAndCount(m.CallLatency))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	runWith(t, m, backendtest.New("local"))

	path := filepath.Join(t.TempDir(), "inferbench.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `inferbench_samples_total{backend="local",outcome="success"} 3`)
	assert.Contains(t, string(data), "inferbench_call_latency_seconds_bucket")
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("GET", "/api/health", "200", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `inferbench_http_requests_total{method="GET",path="/api/health",status="200"} 1`))
}
