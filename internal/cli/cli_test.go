package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferbench/internal/backend"
	"inferbench/internal/backend/backendtest"
	"inferbench/internal/bench"
	"inferbench/internal/config"
	"inferbench/internal/logging"
)

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

const testPricing = `
as_of: "2025-06"
backends:
  paid:
    name: Paid Cloud
    models:
      paid-model:
        input_per_million: 1
        output_per_million: 2
`

type harness struct {
	app     *App
	out     *bytes.Buffer
	errOut  *bytes.Buffer
	pricing string
}

func newHarness(t *testing.T, backends ...backend.Backend) *harness {
	t.Helper()
	pricingPath := filepath.Join(t.TempDir(), "prices.yaml")
	require.NoError(t, os.WriteFile(pricingPath, []byte(testPricing), 0o600))

	h := &harness{out: &bytes.Buffer{}, errOut: &bytes.Buffer{}, pricing: pricingPath}
	h.app = &App{
		In:         strings.NewReader(""),
		Out:        h.out,
		Err:        h.errOut,
		IsTerminal: func() bool { return false },
		Registry: func(*config.Config, *http.Client, *logging.Logger) *backend.Registry {
			return backend.NewRegistry(backends...)
		},
		Sleeper: noSleep{},
	}
	return h
}

func (h *harness) run(args ...string) int {
	return h.runContext(context.Background(), args...)
}

func (h *harness) runContext(ctx context.Context, args ...string) int {
	return h.app.Run(ctx, append(args, "--pricing", h.pricing, "--log-level", "error"))
}

func local(steps ...backendtest.Step) *backendtest.Backend {
	if len(steps) == 0 {
		steps = []backendtest.Step{backendtest.OK(100*time.Millisecond, 50)}
	}
	return backendtest.New("local", steps...)
}

func paid() *backendtest.Backend {
	b := backendtest.New("paid", backendtest.OK(200*time.Millisecond, 50))
	b.Model = "paid-model"
	return b
}

func TestBenchmark_FreeRunNeedsNoConfirmation(t *testing.T) {
	fake := local()
	h := newHarness(t, fake)

	code := h.run("benchmark", "-b", "local", "-i", "2", "-o", "json")
	require.Equal(t, ExitOK, code, h.errOut.String())

	var r bench.Report
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &r))
	assert.Equal(t, bench.StatusCompleted, r.Status)
	require.Len(t, r.Results, 1)
	assert.Equal(t, "local", r.Results[0].Backend)
	assert.Equal(t, 2, r.Results[0].Iterations)
	assert.Len(t, fake.Calls(), 2)
	assert.NotContains(t, h.errOut.String(), "Proceed?")
}

func TestBenchmark_PaidRunRefusedWithoutTerminal(t *testing.T) {
	fake := paid()
	h := newHarness(t, fake)

	code := h.run("benchmark", "-b", "paid")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, h.errOut.String(), "--yes")
	assert.Contains(t, h.errOut.String(), bench.EstimateDisclaimer)
	assert.Empty(t, fake.Calls(), "no call is made before consent")
	assert.Empty(t, h.out.String())
}

func TestBenchmark_DiscoveredPaidModelNeedsConsent(t *testing.T) {
	fake := paid()
	fake.Model = ""
	fake.Discovered = "paid-model"
	h := newHarness(t, fake)

	code := h.run("benchmark", "-b", "paid")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, h.errOut.String(), "--yes")
	assert.Empty(t, fake.Calls())
}

func TestBenchmark_UnresolvedModelNeedsConsent(t *testing.T) {
	fake := local()
	fake.Model = ""
	fake.ResolveErr = backend.NewAPIError("local", "models endpoint down", nil)
	h := newHarness(t, fake)

	code := h.run("benchmark", "-b", "local")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, h.errOut.String(), "(unknown model)")
	assert.Contains(t, h.errOut.String(), "models endpoint down")
	assert.Empty(t, fake.Calls())
}

func TestBenchmark_YesRunsThePlanOnce(t *testing.T) {
	fake := paid()
	fake.Model = ""
	fake.Discovered = "paid-model"
	h := newHarness(t, fake)

	code := h.run("benchmark", "-b", "paid", "--yes", "-o", "json")
	require.Equal(t, ExitOK, code, h.errOut.String())

	var r bench.Report
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &r))
	require.Len(t, r.Results, 1)
	assert.Equal(t, "paid-model", r.Results[0].Model)
	assert.Equal(t, "paid-model", fake.PreparedModel())
	assert.Equal(t, 1, fake.AvailabilityChecks())
}

func TestBenchmark_PaidRunConfirmation(t *testing.T) {
	for _, tc := range []struct {
		answer string
		want   int
		calls  int
	}{
		{answer: "y\n", want: ExitOK, calls: 1},
		{answer: "YES\n", want: ExitOK, calls: 1},
		{answer: "n\n", want: ExitError, calls: 0},
		{answer: "\n", want: ExitError, calls: 0},
		{answer: "", want: ExitError, calls: 0},
	} {
		t.Run(strings.TrimSpace(tc.answer), func(t *testing.T) {
			fake := paid()
			h := newHarness(t, fake)
			h.app.In = strings.NewReader(tc.answer)
			h.app.IsTerminal = func() bool { return true }

			code := h.run("benchmark", "-b", "paid", "-o", "json")
			assert.Equal(t, tc.want, code, h.errOut.String())
			assert.Len(t, fake.Calls(), tc.calls)
			assert.Contains(t, h.errOut.String(), "Proceed? [y/N]")
			if tc.want == ExitError {
				assert.Contains(t, h.errOut.String(), "Aborted.")
			}
		})
	}
}

func TestBenchmark_YesSkipsPrompt(t *testing.T) {
	fake := paid()
	h := newHarness(t, fake)

	code := h.run("benchmark", "-b", "paid", "--yes", "-o", "json")
	require.Equal(t, ExitOK, code, h.errOut.String())
	assert.Len(t, fake.Calls(), 1)
	assert.NotContains(t, h.errOut.String(), "Proceed?")
}

func TestBenchmark_AllFailedExitCode(t *testing.T) {
	h := newHarness(t, local(backendtest.Fail(backend.NewAPIError("local", "boom", nil))))

	code := h.run("benchmark", "-b", "local", "-o", "json")
	assert.Equal(t, ExitAllFailed, code)
	assert.Contains(t, h.errOut.String(), bench.ErrAllBackendsFailed.Error())

	var r bench.Report
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &r), "the report still prints")
	assert.Equal(t, bench.StatusAllBackendsFailed, r.Status)
}

func TestBenchmark_WritesReportAndMetricsFiles(t *testing.T) {
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "report.json")
	metricsPath := filepath.Join(dir, "bench.prom")
	h := newHarness(t, local())

	code := h.run("benchmark", "-b", "local", "--out", reportPath, "--metrics-file", metricsPath)
	require.Equal(t, ExitOK, code, h.errOut.String())

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var r bench.Report
	require.NoError(t, json.Unmarshal(data, &r), "the file format follows the extension")
	assert.Len(t, r.Results, 1)

	metrics, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "inferbench_samples_total")

	assert.Contains(t, h.out.String(), "local", "stdout still gets the table")
}

func TestBenchmark_InterruptedExitCode(t *testing.T) {
	fake := local()
	h := newHarness(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := h.runContext(ctx, "benchmark", "-b", "local", "-o", "json")
	assert.Equal(t, ExitInterrupted, code)
	assert.Empty(t, fake.Calls())

	var r bench.Report
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &r))
	assert.True(t, r.Interrupted)
}

func TestBenchmark_InvalidInput(t *testing.T) {
	for name, tc := range map[string]struct {
		args []string
		want string
	}{
		"zero iterations": {[]string{"-i", "0"}, "iterations must be at least 1"},
		"negative cost":   {[]string{"--max-cost", "-1"}, "max cost must not be negative"},
		"unknown size":    {[]string{"-s", "huge"}, "unknown prompt size"},
		"unknown format":  {[]string{"-o", "xml"}, "unknown output format"},
		"unknown backend": {[]string{"-b", "nope"}, "unknown backend(s): nope"},
		"positional args": {[]string{"extra"}, "unknown command"},
	} {
		t.Run(name, func(t *testing.T) {
			fake := local()
			h := newHarness(t, fake)
			code := h.run(append([]string{"benchmark"}, tc.args...)...)
			assert.Equal(t, ExitError, code)
			assert.Contains(t, h.errOut.String(), tc.want)
			assert.Empty(t, fake.Calls())
		})
	}
}

func TestBenchmark_NothingConfigured(t *testing.T) {
	h := newHarness(t, backendtest.Unavailable("groq", "set GROQ_API_KEY"))

	code := h.run("benchmark")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, h.errOut.String(), "no backends selected")
}

func TestList(t *testing.T) {
	h := newHarness(t, local(), backendtest.Unavailable("groq", "set GROQ_API_KEY"))

	code := h.run("list", "-o", "json")
	require.Equal(t, ExitOK, code, h.errOut.String())

	var infos []backendInfo
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "local", infos[0].Name)
	assert.True(t, infos[0].Available)
	assert.Empty(t, infos[0].Remediation)
	assert.Equal(t, "groq", infos[1].Name)
	assert.False(t, infos[1].Available)
	assert.Equal(t, "set GROQ_API_KEY", infos[1].Remediation)

	h.out.Reset()
	require.Equal(t, ExitOK, h.run("list"))
	assert.Contains(t, h.out.String(), "set GROQ_API_KEY")
}

func TestPricing(t *testing.T) {
	h := newHarness(t)

	code := h.run("pricing", "-o", "json")
	require.Equal(t, ExitOK, code, h.errOut.String())

	var doc struct {
		AsOf   string `json:"as_of"`
		Prices []struct {
			Backend          string  `json:"backend"`
			Model            string  `json:"model"`
			OutputPerMillion float64 `json:"output_per_million"`
		} `json:"prices"`
	}
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &doc))
	assert.NotEmpty(t, doc.AsOf)

	var found bool
	for _, p := range doc.Prices {
		if p.Backend == "paid" && p.Model == "paid-model" {
			found = true
			assert.Equal(t, 2.0, p.OutputPerMillion)
		}
	}
	assert.True(t, found, "the pricing file is merged over the defaults")

	h.out.Reset()
	require.Equal(t, ExitOK, h.run("pricing", "-o", "markdown"))
	assert.Contains(t, h.out.String(), "| paid | paid-model |")
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, ExitError, h.run("frobnicate"))
	assert.Contains(t, h.errOut.String(), "unknown command")
}
