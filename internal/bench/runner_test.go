package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferbench/internal/backend"
	"inferbench/internal/backend/backendtest"
	"inferbench/internal/backend/ollama"
	"inferbench/internal/measure"
	"inferbench/internal/pricing"
	"inferbench/internal/prompt"
)

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func freeTable() *pricing.Table {
	return pricing.NewTable("2025-01-01", nil)
}

func paidTable(backendID string, outputPerMillion float64) *pricing.Table {
	return pricing.NewTable("2025-01-01", map[string]pricing.Backend{
		backendID: {Name: backendID, Models: map[string]pricing.Entry{
			pricing.Wildcard: {InputPerMillion: 0.1, OutputPerMillion: outputPerMillion},
		}},
	})
}

func newTestRunner(table *pricing.Table) *Runner {
	r := NewRunner(table, nil)
	r.Sleeper = noSleep{}
	return r
}

func settings(iterations int) Settings {
	return Settings{Iterations: iterations, PromptSize: prompt.Short, MaxCost: 1, Timeout: 5 * time.Second}
}

type recorder struct {
	NopObserver
	mu      sync.Mutex
	states  map[string][]State
	calls   []CallEvent
	samples int
	started bool
	done    *Report
}

func newRecorder() *recorder { return &recorder{states: make(map[string][]State)} }

func (r *recorder) RunStarted(string, Estimate) { r.started = true }

func (r *recorder) StateChanged(name string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[name] = append(r.states[name], s)
}

func (r *recorder) CallFinished(e CallEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, e)
}

func (r *recorder) SampleRecorded(string, measure.Sample) { r.samples++ }

func (r *recorder) RunFinished(rep *Report) { r.done = rep }

func TestRun_AvailableAndSkippedBackends(t *testing.T) {
	a := backendtest.New("a",
		backendtest.OK(100*time.Millisecond, 50),
		backendtest.OK(120*time.Millisecond, 50),
		backendtest.OK(140*time.Millisecond, 50),
	)
	b := backendtest.Unavailable("b", "set B_API_KEY")
	rec := newRecorder()

	r := newTestRunner(freeTable())
	r.Observer = rec
	report, err := r.Run(context.Background(), []backend.Backend{a, b}, settings(3))
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, StatusCompleted, report.Status)
	assert.False(t, report.Interrupted)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Results, 2)

	ra := report.Results[0]
	assert.Equal(t, Completed, ra.State)
	require.NotNil(t, ra.Metrics)
	assert.Equal(t, 3, ra.Metrics.Runs)
	assert.Equal(t, 120*time.Millisecond, ra.Metrics.AvgLatency)
	assert.Equal(t, "a-model", ra.Model)

	rb := report.Results[1]
	assert.Equal(t, Skipped, rb.State)
	assert.Equal(t, "set B_API_KEY", rb.Remediation)
	assert.Nil(t, rb.Metrics)
	assert.Empty(t, b.Calls())

	assert.True(t, rec.started)
	assert.Same(t, report, rec.done)
	assert.Equal(t, 3, rec.samples)
	assert.Equal(t, []State{CheckingAvailability, Measuring, Completed}, rec.states["a"])
	assert.Equal(t, []State{CheckingAvailability, Skipped}, rec.states["b"])
}

func TestRun_BackendsRunSequentially(t *testing.T) {
	clock := &backendtest.Clock{}
	slow := backendtest.OK(20*time.Millisecond, 10)
	slow.Delay = 5 * time.Millisecond

	a := backendtest.New("a", slow)
	b := backendtest.New("b", slow)
	a.Clock, b.Clock = clock, clock

	s := settings(3)
	s.Warmup = 1
	report, err := newTestRunner(freeTable()).Run(context.Background(), []backend.Backend{a, b}, s)
	require.NoError(t, err)

	assert.Equal(t, 1, clock.MaxInFlight())
	assert.Equal(t, []string{"a", "a", "a", "a", "b", "b", "b", "b"}, clock.Order())
	for _, res := range report.Results {
		assert.Len(t, res.Samples, 3, "warm-up calls are not samples")
	}
}

func TestRun_WarmupExcludedFromMetrics(t *testing.T) {
	a := backendtest.New("a",
		backendtest.OK(5*time.Second, 50),
		backendtest.OK(100*time.Millisecond, 50),
	)
	s := settings(2)
	s.Warmup = 1

	report, err := newTestRunner(freeTable()).Run(context.Background(), []backend.Backend{a}, s)
	require.NoError(t, err)

	m := report.Results[0].Metrics
	require.NotNil(t, m)
	assert.Equal(t, 2, m.Runs)
	assert.Equal(t, 100*time.Millisecond, m.AvgLatency)
	assert.Len(t, a.Calls(), 3)
}

func TestRun_BudgetCapsIterations(t *testing.T) {
	a := backendtest.New("paid")
	s := settings(10)
	s.PromptSize = prompt.Long
	s.MaxCost = 0.25

	report, err := newTestRunner(paidTable("paid", 0.20)).Run(context.Background(), []backend.Backend{a}, s)
	require.NoError(t, err)

	res := report.Results[0]
	assert.InDelta(t, 0.0001, res.CostPerCall, 1e-12)
	assert.Equal(t, 10, res.ConfiguredIterations)
	assert.Equal(t, 5, res.Iterations)
	assert.Len(t, a.Calls(), 5)
	assert.Greater(t, report.TotalCost, 0.0)
}

func TestRun_MissingPriceWarns(t *testing.T) {
	a := backendtest.New("a")
	report, err := newTestRunner(freeTable()).Run(context.Background(), []backend.Backend{a}, settings(2))
	require.NoError(t, err)

	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "no pricing for a/a-model")
	assert.Equal(t, 2, report.Results[0].Iterations)
	assert.Zero(t, report.TotalCost)
}

func TestRun_AllFailed(t *testing.T) {
	a := backendtest.New("a", backendtest.Fail(backend.NewAPIError("a", "boom", nil)))
	b := backendtest.Unavailable("b", "")

	report, err := newTestRunner(freeTable()).Run(context.Background(), []backend.Backend{a, b}, settings(2))
	require.NoError(t, err)

	assert.Equal(t, StatusAllBackendsFailed, report.Status)
	assert.ErrorIs(t, report.Err(), ErrAllBackendsFailed)

	res := report.Results[0]
	assert.Equal(t, AllFailed, res.State)
	assert.Nil(t, res.Metrics)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "api_error", res.Failures[0].Kind)
	assert.Equal(t, "boom", res.Failures[0].Message)
}

func TestRun_OnlySkippedIsAllFailed(t *testing.T) {
	report, err := newTestRunner(freeTable()).Run(context.Background(),
		[]backend.Backend{backendtest.Unavailable("a", "")}, settings(1))
	require.NoError(t, err)
	assert.ErrorIs(t, report.Err(), ErrAllBackendsFailed)
}

func TestRun_RetriesRateLimit(t *testing.T) {
	zero := time.Duration(0)
	a := backendtest.New("a",
		backendtest.Fail(backend.NewRateLimited("a", "slow down", &zero)),
		backendtest.OK(100*time.Millisecond, 50),
	)
	rec := newRecorder()
	r := newTestRunner(freeTable())
	r.Observer = rec

	report, err := r.Run(context.Background(), []backend.Backend{a}, settings(1))
	require.NoError(t, err)

	sample := report.Results[0].Samples[0]
	assert.True(t, sample.OK())
	assert.Equal(t, 2, sample.Attempts)

	require.Len(t, rec.calls, 2)
	assert.Equal(t, backend.KindRateLimited, rec.calls[0].Kind)
	assert.True(t, rec.calls[0].Retry)
	assert.NoError(t, rec.calls[1].Err)
}

func TestRun_TimeoutKeepsPartialOutOfMetrics(t *testing.T) {
	partial := measure.Timing{TimeToPrompt: time.Millisecond, TotalLatency: 30 * time.Second, OutputTokens: 2}
	r := newTestRunner(freeTable())
	r.Policy.TimeoutAttempts = 1
	a := backendtest.New("a",
		backendtest.OK(100*time.Millisecond, 50),
		backendtest.Fail(backend.NewTimeout("a", 30*time.Second, &partial)),
	)

	report, err := r.Run(context.Background(), []backend.Backend{a}, settings(2))
	require.NoError(t, err)

	res := report.Results[0]
	require.Len(t, res.Samples, 2)
	assert.True(t, res.Samples[1].Partial)
	assert.Equal(t, 2, res.Samples[1].OutputTokens)
	assert.Equal(t, 1, res.Metrics.Runs)
	assert.Equal(t, 1, res.Metrics.Failures)
	assert.Equal(t, 100*time.Millisecond, res.Metrics.AvgLatency)
}

type cancelAfterSamples struct {
	NopObserver
	after  int
	seen   int
	cancel context.CancelFunc
}

func (c *cancelAfterSamples) SampleRecorded(string, measure.Sample) {
	c.seen++
	if c.seen == c.after {
		c.cancel()
	}
}

func TestRun_InterruptKeepsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := backendtest.New("a")
	b := backendtest.New("b")
	r := newTestRunner(freeTable())
	r.Observer = &cancelAfterSamples{after: 2, cancel: cancel}

	report, err := r.Run(ctx, []backend.Backend{a, b}, settings(5))
	require.NoError(t, err)

	assert.True(t, report.Interrupted)
	require.Len(t, report.Results, 1, "backends that never started are absent")
	assert.Len(t, report.Results[0].Samples, 2)
	assert.Equal(t, Completed, report.Results[0].State)
	assert.Empty(t, b.Calls())
}

func TestRun_InterruptBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := backendtest.New("a")
	report, err := newTestRunner(freeTable()).Run(ctx, []backend.Backend{a}, settings(3))
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Empty(t, report.Results)
	assert.Empty(t, a.Calls())
}

func TestRun_PacesRequests(t *testing.T) {
	a := backendtest.New("a", backendtest.OK(time.Millisecond, 5))
	s := settings(3)
	s.RequestsPerMinute = 1200 // one call per 50ms

	_, err := newTestRunner(freeTable()).Run(context.Background(), []backend.Backend{a}, s)
	require.NoError(t, err)

	calls := a.Calls()
	require.Len(t, calls, 3)
	assert.GreaterOrEqual(t, calls[2].Start.Sub(calls[0].Start), 90*time.Millisecond)
}

func TestRun_ModelLoadReportedOnce(t *testing.T) {
	download := 4 * time.Second
	first := backendtest.OK(3*time.Second, 50)
	first.Response.ModelLoad = &measure.ModelLoadEvent{LoadDuration: 2 * time.Second}
	second := backendtest.OK(100*time.Millisecond, 50)
	second.Response.ModelLoad = &measure.ModelLoadEvent{LoadDuration: 10 * time.Millisecond}

	a := backendtest.New("local", first, second)
	a.PrepareLoad = &measure.ModelLoadEvent{DownloadDuration: &download}
	s := settings(2)
	s.Warmup = 1

	report, err := newTestRunner(freeTable()).Run(context.Background(), []backend.Backend{a}, s)
	require.NoError(t, err)

	assert.Equal(t, 1, a.Prepared())
	load := report.Results[0].Metrics.ModelLoad
	require.NotNil(t, load)
	assert.Equal(t, 2*time.Second, load.LoadDuration)
	require.NotNil(t, load.DownloadDuration)
	assert.Equal(t, download, *load.DownloadDuration)
}

// coldOllama serves an Ollama API whose first generate request of any kind
// pays a cold model load.
func coldOllama(t *testing.T, load time.Duration) string {
	t.Helper()
	var mu sync.Mutex
	loaded := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprintf(w, `{"models":[{"name":%q}]}`, ollama.DefaultModel)
		case "/api/generate":
			var req struct {
				Prompt string `json:"prompt"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			mu.Lock()
			cold := !loaded
			loaded = true
			mu.Unlock()
			var loadNanos int64
			if cold {
				time.Sleep(load)
				loadNanos = load.Nanoseconds()
			}
			if req.Prompt == "" {
				fmt.Fprintf(w, `{"response":"","done":true,"load_duration":%d}`+"\n", loadNanos)
				return
			}
			fmt.Fprintln(w, `{"response":"Hello","done":false}`)
			fmt.Fprintf(w, `{"response":"","done":true,"prompt_eval_count":12,"eval_count":40,"load_duration":%d}`+"\n", loadNanos)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRun_ModelLoadKeptOutOfSamplesWithoutWarmup(t *testing.T) {
	const load = 300 * time.Millisecond
	local := ollama.New(ollama.Config{ID: "local", BaseURL: coldOllama(t, load)})
	s := settings(3)
	s.Warmup = 0

	report, err := newTestRunner(freeTable()).Run(context.Background(), []backend.Backend{local}, s)
	require.NoError(t, err)

	res := report.Results[0]
	require.Equal(t, Completed, res.State)
	require.NotNil(t, res.Metrics)
	require.NotNil(t, res.Metrics.ModelLoad)
	assert.Equal(t, load, res.Metrics.ModelLoad.LoadDuration)
	assert.Nil(t, res.Metrics.ModelLoad.DownloadDuration)

	require.Len(t, res.Samples, 3)
	for _, sample := range res.Samples {
		assert.Less(t, sample.TotalLatency, load-100*time.Millisecond, "iteration %d", sample.Iteration)
	}
	assert.Less(t, res.Metrics.P95Latency, load-100*time.Millisecond)
}

func TestRun_PreparedLoadWinsOverObserved(t *testing.T) {
	step := backendtest.OK(100*time.Millisecond, 50)
	step.Response.ModelLoad = &measure.ModelLoadEvent{LoadDuration: 20 * time.Millisecond}
	a := backendtest.New("local", step)
	a.PrepareLoad = &measure.ModelLoadEvent{LoadDuration: 2 * time.Second}

	report, err := newTestRunner(freeTable()).Run(context.Background(), []backend.Backend{a}, settings(2))
	require.NoError(t, err)

	load := report.Results[0].Metrics.ModelLoad
	require.NotNil(t, load)
	assert.Equal(t, 2*time.Second, load.LoadDuration)
}

func TestRun_ChecksAvailabilityOnce(t *testing.T) {
	a := backendtest.New("a")
	b := backendtest.Unavailable("b", "set B_API_KEY")

	_, err := newTestRunner(freeTable()).Run(context.Background(), []backend.Backend{a, b}, settings(2))
	require.NoError(t, err)
	assert.Equal(t, 1, a.AvailabilityChecks())
	assert.Equal(t, 1, b.AvailabilityChecks())
}

func TestRunPlan_ReusesEstimate(t *testing.T) {
	a := backendtest.New("disc", backendtest.OK(100*time.Millisecond, 50))
	a.Model = ""
	a.Discovered = "gpt-paid"
	off := backendtest.Unavailable("off", "set OFF_KEY")
	table := pricing.NewTable("2025-01-01", map[string]pricing.Backend{
		"disc": {Models: map[string]pricing.Entry{"gpt-paid": {OutputPerMillion: 1e6}}},
	})
	backends := []backend.Backend{a, off}
	s := settings(5)

	est := EstimateCost(context.Background(), table, backends, s)
	require.Len(t, est.Backends, 1)
	require.Equal(t, 1, est.Backends[0].Iterations)

	report, err := newTestRunner(table).RunPlan(context.Background(), backends, s, est)
	require.NoError(t, err)

	res := report.Results[0]
	assert.Equal(t, "gpt-paid", res.Model)
	assert.Equal(t, "gpt-paid", a.PreparedModel())
	assert.Equal(t, est.Backends[0].Iterations, res.Iterations)
	assert.Len(t, a.Calls(), est.Backends[0].Iterations)
	assert.InDelta(t, est.Backends[0].CostPerCall, res.CostPerCall, 1e-12)
	assert.Equal(t, Skipped, report.Results[1].State)

	assert.Equal(t, 1, a.AvailabilityChecks())
	assert.Equal(t, 1, off.AvailabilityChecks())
}

func TestRunPlan_ResolvesModelLeftOpenByEstimate(t *testing.T) {
	a := backendtest.New("disc", backendtest.OK(100*time.Millisecond, 50))
	a.Model = ""
	a.Discovered = "gpt-paid"
	a.ResolveErr = backend.NewAPIError("disc", "models endpoint down", nil)
	table := pricing.NewTable("2025-01-01", map[string]pricing.Backend{
		"disc": {Models: map[string]pricing.Entry{"gpt-paid": {OutputPerMillion: 1e6}}},
	})
	backends := []backend.Backend{a}
	s := settings(5)

	est := EstimateCost(context.Background(), table, backends, s)
	require.Len(t, est.Backends, 1)
	require.True(t, est.Backends[0].Unresolved)

	a.ResolveErr = nil
	report, err := newTestRunner(table).RunPlan(context.Background(), backends, s, est)
	require.NoError(t, err)

	res := report.Results[0]
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, "gpt-paid", res.Model)
	assert.Equal(t, 1, res.Iterations, "the budget cap applies once the price is known")
	assert.Len(t, a.Calls(), 1)
}

func TestRunPlan_UnresolvableModelFails(t *testing.T) {
	a := backendtest.New("disc")
	a.Model = ""
	a.ResolveErr = backend.NewAPIError("disc", "models endpoint down", nil)
	backends := []backend.Backend{a}
	s := settings(2)

	est := EstimateCost(context.Background(), freeTable(), backends, s)
	report, err := newTestRunner(freeTable()).RunPlan(context.Background(), backends, s, est)
	require.NoError(t, err)

	res := report.Results[0]
	assert.Equal(t, AllFailed, res.State)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "models endpoint down", res.Failures[0].Message)
	assert.Empty(t, a.Calls())
	assert.Equal(t, 0, a.Prepared())
}

func TestRun_PrepareFailure(t *testing.T) {
	a := backendtest.New("local")
	a.PrepareErr = backend.NewAPIError("local", "pull failed", nil)

	report, err := newTestRunner(freeTable()).Run(context.Background(), []backend.Backend{a}, settings(2))
	require.NoError(t, err)

	res := report.Results[0]
	assert.Equal(t, AllFailed, res.State)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "pull failed", res.Failures[0].Message)
	assert.Empty(t, a.Calls())
}

func TestRun_ConfigurationErrors(t *testing.T) {
	r := newTestRunner(freeTable())

	_, err := r.Run(context.Background(), nil, settings(1))
	assert.ErrorIs(t, err, ErrNoBackends)

	_, err = r.Run(context.Background(), []backend.Backend{backendtest.New("a")}, settings(0))
	assert.ErrorContains(t, err, "iterations")

	s := settings(1)
	s.PromptSize = "huge"
	_, err = r.Run(context.Background(), []backend.Backend{backendtest.New("a")}, s)
	assert.Error(t, err)
}
