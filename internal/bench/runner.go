// Package bench orchestrates a benchmark run: it walks the selected backends
// one at a time, warms them up, measures them under the retry policy and the
// cost budget, and assembles the Report.
package bench

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"inferbench/internal/backend"
	"inferbench/internal/logging"
	"inferbench/internal/measure"
	"inferbench/internal/pricing"
	"inferbench/internal/prompt"
	"inferbench/internal/retry"
	"inferbench/internal/stats"
)

// DefaultTimeout bounds one iteration, retries and waits included.
const DefaultTimeout = 30 * time.Second

// Runner benchmarks backends strictly sequentially. At most one inference
// call is in flight at any time.
type Runner struct {
	Pricing  *pricing.Table
	Policy   retry.Policy
	Sleeper  retry.Sleeper
	Observer Observer
	Logger   *logging.Logger

	// Now is the wall clock used for report timestamps.
	Now func() time.Time
}

// NewRunner returns a Runner with the default retry policy.
func NewRunner(table *pricing.Table, logger *logging.Logger) *Runner {
	return &Runner{
		Pricing: table,
		Policy:  retry.Default(),
		Sleeper: retry.RealSleeper{},
		Logger:  logger,
		Now:     time.Now,
	}
}

// Validate checks settings that would make a run meaningless.
func (s Settings) Validate() error {
	if s.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", s.Iterations)
	}
	if s.Warmup < 0 {
		return fmt.Errorf("warmup must not be negative, got %d", s.Warmup)
	}
	if s.MaxCost < 0 {
		return fmt.Errorf("max cost must not be negative, got %.4f", s.MaxCost)
	}
	if s.RequestsPerMinute < 0 {
		return fmt.Errorf("requests per minute must not be negative, got %.1f", s.RequestsPerMinute)
	}
	if _, err := prompt.ParseSize(string(s.PromptSize)); err != nil {
		return err
	}
	return nil
}

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.PromptSize == "" {
		s.PromptSize = prompt.Short
	}
	return s
}

// Run benchmarks backends in order and returns the report. The error is
// non-nil only for configuration problems; a run where nothing succeeded
// returns a report whose Err is ErrAllBackendsFailed.
//
// Cancelling ctx stops the run after the in-flight call finishes. The
// report then holds the results gathered so far and Interrupted is set.
func (r *Runner) Run(ctx context.Context, backends []backend.Backend, s Settings) (*Report, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	s = s.withDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return r.run(ctx, backends, s, EstimateCost(ctx, r.Pricing, backends, s))
}

// RunPlan is Run with an estimate the caller has already shown and had
// accepted. Availability, models and iteration counts come from plan, so
// the run spends what the estimate said.
func (r *Runner) RunPlan(ctx context.Context, backends []backend.Backend, s Settings, plan Estimate) (*Report, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	s = s.withDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return r.run(ctx, backends, s, plan)
}

func (r *Runner) run(ctx context.Context, backends []backend.Backend, s Settings, plan Estimate) (*Report, error) {
	obs := r.observer()
	p := prompt.Get(s.PromptSize)
	report := &Report{
		RunID:       uuid.NewString(),
		StartedAt:   r.now(),
		Settings:    s,
		Prompt:      p,
		PricingAsOf: r.Pricing.AsOf(),
	}
	log := r.logger().WithContext(&logging.LogContext{RunID: report.RunID, Operation: "benchmark"})

	planned := make(map[string]BackendEstimate, len(plan.Backends))
	for _, be := range plan.Backends {
		planned[be.Backend] = be
	}
	unavailable := make(map[string]bool, len(plan.Unavailable))
	for _, name := range plan.Unavailable {
		unavailable[name] = true
	}

	report.EstimatedCost = plan.Total + plan.WarmupTotal
	obs.RunStarted(report.RunID, plan)
	log.Info("Starting benchmark of %d backend(s): %d iteration(s), %d warm-up, %s prompt",
		len(backends), s.Iterations, s.Warmup, p.Name)

	for _, b := range backends {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		be, available := planned[b.Name()], !unavailable[b.Name()]
		if _, ok := planned[b.Name()]; !ok && available {
			// Not in the plan: check and plan it now.
			if available = b.IsAvailable(ctx); available {
				be = estimateBackend(ctx, r.Pricing, b, p, s)
			}
		}
		res, interrupted := r.runBackend(ctx, log, obs, b, be, available, p, s)
		if res != nil {
			report.Results = append(report.Results, *res)
			report.Warnings = append(report.Warnings, res.Warnings...)
			obs.BackendFinished(*res)
		}
		if interrupted {
			report.Interrupted = true
			break
		}
	}

	report.finish(r.now())
	if report.Interrupted {
		log.Warn("Benchmark interrupted; reporting %d partial result(s)", len(report.Results))
	}
	if report.Status == StatusAllBackendsFailed {
		log.Error("All backends failed or were skipped")
	} else {
		log.Info("Benchmark finished in %s, total cost $%.6f", report.Elapsed.Round(time.Millisecond), report.TotalCost)
	}
	obs.RunFinished(report)
	return report, nil
}

// runBackend takes one backend through its lifecycle following its planned
// estimate. It returns a nil result when interrupted before any measured
// sample exists.
func (r *Runner) runBackend(ctx context.Context, log *logging.ContextLogger, obs Observer, b backend.Backend, plan BackendEstimate, available bool, p prompt.Prompt, s Settings) (*Result, bool) {
	name := b.Name()
	start := r.now()
	res := &Result{
		Backend:              name,
		DisplayName:          backend.DisplayName(b),
		ConfiguredIterations: s.Iterations,
	}
	defer func() { res.Elapsed = r.now().Sub(start) }()

	obs.StateChanged(name, CheckingAvailability)
	if !available {
		res.State = Skipped
		res.SkipReason = "not configured"
		res.Remediation = backend.Remediation(b)
		msg := fmt.Sprintf("Skipping %s: not configured", res.DisplayName)
		if res.Remediation != "" {
			msg += " (" + res.Remediation + ")"
		}
		log.With(name, "").Info("%s", msg)
		obs.StateChanged(name, Skipped)
		return res, false
	}

	fail := func(model string, err error, what string) (*Result, bool) {
		if ctx.Err() != nil {
			return nil, true
		}
		res.Model = model
		res.State = AllFailed
		res.Failures = []measure.Reason{backend.ReasonOf(err)}
		log.With(name, model).Error("%s failed: %v", what, err)
		obs.StateChanged(name, AllFailed)
		return res, false
	}

	if plan.Unresolved {
		model, err := backend.ResolveModel(ctx, b)
		if err != nil {
			return fail("", err, "Resolving model")
		}
		plan = planBackend(r.Pricing, b, model, p, s)
		log.With(name, model).Warn("Model resolved only at run time; its cost was not in the estimate, budget cap $%.4f applies", s.MaxCost)
	}
	model := plan.Model
	res.Model = model
	blog := log.With(name, model)

	var loads loadTracker
	if prep, ok := b.(backend.Preparer); ok {
		ev, err := prep.Prepare(ctx, model)
		if err != nil {
			return fail(model, err, "Preparing model")
		}
		loads.prepared = ev
	}

	price, _ := r.Pricing.Resolve(name, model)
	if plan.Warning != "" {
		res.Warnings = append(res.Warnings, plan.Warning)
		blog.Warn("%s", plan.Warning)
	}
	res.CostPerCall = plan.CostPerCall
	res.Iterations = plan.Iterations
	if res.Iterations < s.Iterations {
		blog.Info("Budget $%.4f limits %s to %d of %d iteration(s) ($%.6f per call)",
			s.MaxCost, res.DisplayName, res.Iterations, s.Iterations, res.CostPerCall)
	}

	pace := newPacer(s.RequestsPerMinute)
	req := backend.Request{Prompt: p.Text, MaxTokens: p.MaxTokens(), Model: model}
	infer := func(callCtx context.Context) (backend.Response, error) {
		return b.Infer(callCtx, req)
	}

	if s.Warmup > 0 {
		obs.StateChanged(name, WarmingUp)
		warm := retry.Executor{Sleeper: r.Sleeper, Timeout: s.Timeout}
		for i := 1; i <= s.Warmup; i++ {
			if err := pace.wait(ctx); err != nil {
				return nil, true
			}
			began := time.Now()
			out := warm.Do(ctx, name, infer)
			loads.observe(out.Response.ModelLoad)
			obs.CallFinished(CallEvent{
				Backend: name, Model: model, Warmup: true, Iteration: i, Attempt: 1,
				Elapsed: time.Since(began), Err: out.Err, Kind: kindOf(out.Err),
			})
			if out.Err != nil {
				blog.Warn("Warm-up %d/%d failed: %v", i, s.Warmup, out.Err)
			} else {
				blog.Debug("Warm-up %d/%d done in %s", i, s.Warmup, out.Response.TotalLatency)
			}
			if ctx.Err() != nil {
				return nil, true
			}
		}
	}

	obs.StateChanged(name, Measuring)
	interrupted := false
	for i := 1; i <= res.Iterations; i++ {
		if err := pace.wait(ctx); err != nil {
			interrupted = true
			break
		}
		iteration := i
		exec := retry.Executor{
			Policy:  r.Policy,
			Sleeper: r.Sleeper,
			Timeout: s.Timeout,
			OnAttempt: func(a retry.Attempt) {
				obs.CallFinished(CallEvent{
					Backend: name, Model: model, Iteration: iteration, Attempt: a.Number,
					Elapsed: a.Elapsed, Err: a.Err, Kind: kindOf(a.Err),
					Retry: a.Decision.Retry, Delay: a.Decision.Delay,
				})
				if a.Err != nil && a.Decision.Retry && ctx.Err() == nil {
					blog.Warn("Iteration %d attempt %d failed (%v); retrying in %s",
						iteration, a.Number, a.Err, a.Decision.Delay)
				}
			},
		}
		out := exec.Do(ctx, name, infer)
		sample := toSample(iteration, out)
		if out.Err == nil {
			loads.observe(out.Response.ModelLoad)
			blog.Debug("Iteration %d/%d: latency %s, %d output tokens",
				iteration, res.Iterations, sample.TotalLatency, sample.OutputTokens)
		} else {
			blog.Error("Iteration %d/%d failed after %d attempt(s): %v",
				iteration, res.Iterations, out.Attempts, out.Err)
		}
		res.Samples = append(res.Samples, sample)
		obs.SampleRecorded(name, sample)
		if ctx.Err() != nil {
			interrupted = true
			break
		}
	}
	if interrupted && len(res.Samples) == 0 {
		return nil, true
	}

	conclude(res, price, loads.event(), blog)
	obs.StateChanged(name, res.State)
	return res, interrupted
}

func conclude(res *Result, price pricing.Entry, load *measure.ModelLoadEvent, log *logging.ContextLogger) {
	res.Failures = measure.Failures(res.Samples)
	if len(measure.Successes(res.Samples)) == 0 {
		res.State = AllFailed
		log.Error("All %d iteration(s) failed: %s", len(res.Samples), measure.Summarize(res.Failures))
		return
	}
	m := stats.Aggregate(res.Samples, price)
	m.ModelLoad = load
	res.Metrics = &m
	res.State = Completed
	log.Info("Completed %d/%d iteration(s): avg latency %s, avg TTFT %s, %.1f tok/s",
		m.Runs, len(res.Samples), m.AvgLatency.Round(time.Millisecond),
		m.AvgTTFT.Round(time.Millisecond), m.AvgThroughput)
}

func toSample(iteration int, out retry.Result) measure.Sample {
	if out.Err == nil {
		return measure.NewSuccess(iteration, out.Attempts, out.Response.Timing)
	}
	var partial *measure.Timing
	if be, ok := backend.AsError(out.Err); ok {
		partial = be.Partial
	}
	return measure.NewFailure(iteration, out.Attempts, backend.ReasonOf(out.Err), partial)
}

func kindOf(err error) backend.Kind {
	if err == nil {
		return ""
	}
	return backend.KindOf(err)
}

// loadTracker keeps the model load a backend reports, once. What Prepare
// measured wins over what a later call reports.
type loadTracker struct {
	prepared *measure.ModelLoadEvent
	observed *measure.ModelLoadEvent
}

func (t *loadTracker) observe(ev *measure.ModelLoadEvent) {
	if t.observed == nil && ev != nil {
		t.observed = ev
	}
}

func (t *loadTracker) event() *measure.ModelLoadEvent {
	return t.prepared.Merge(t.observed)
}

// pacer spaces calls to stay under a provider's request rate.
type pacer struct {
	limiter *rate.Limiter
}

func newPacer(requestsPerMinute float64) pacer {
	if requestsPerMinute <= 0 {
		return pacer{}
	}
	return pacer{limiter: rate.NewLimiter(rate.Limit(requestsPerMinute/60), 1)}
}

func (p pacer) wait(ctx context.Context) error {
	if p.limiter == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}

func (r *Runner) observer() Observer {
	if r.Observer == nil {
		return NopObserver{}
	}
	return r.Observer
}

func (r *Runner) logger() *logging.Logger {
	if r.Logger == nil {
		return logging.Nop()
	}
	return r.Logger
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
