package bench

import (
	"time"

	"inferbench/internal/measure"
	"inferbench/internal/prompt"
	"inferbench/internal/stats"
)

// Settings are the run parameters.
type Settings struct {
	Iterations        int           `json:"iterations" yaml:"iterations"`
	Warmup            int           `json:"warmup" yaml:"warmup"`
	PromptSize        prompt.Size   `json:"prompt_size" yaml:"prompt-size"`
	MaxCost           float64       `json:"max_cost" yaml:"max-cost"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	RequestsPerMinute float64       `json:"requests_per_minute,omitempty" yaml:"requests-per-minute,omitempty"`
}

// Result is the outcome of benchmarking one backend.
type Result struct {
	Backend     string `json:"backend" yaml:"backend"`
	DisplayName string `json:"display_name" yaml:"display-name"`
	Model       string `json:"model,omitempty" yaml:"model,omitempty"`
	State       State  `json:"state" yaml:"state"`

	// SkipReason and Remediation are set for skipped backends.
	SkipReason  string `json:"skip_reason,omitempty" yaml:"skip-reason,omitempty"`
	Remediation string `json:"remediation,omitempty" yaml:"remediation,omitempty"`

	ConfiguredIterations int     `json:"configured_iterations" yaml:"configured-iterations"`
	Iterations           int     `json:"iterations" yaml:"iterations"`
	CostPerCall          float64 `json:"cost_per_call" yaml:"cost-per-call"`

	Samples  []measure.Sample `json:"samples,omitempty" yaml:"samples,omitempty"`
	Failures []measure.Reason `json:"failures,omitempty" yaml:"failures,omitempty"`

	// Metrics is set only for completed backends.
	Metrics *stats.Metrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	Warnings []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Elapsed  time.Duration `json:"elapsed" yaml:"elapsed"`
}

// OK reports whether the backend produced at least one successful sample.
func (r Result) OK() bool {
	return r.State == Completed && r.Metrics != nil && r.Metrics.Runs > 0
}

// Report is the full output of a run. Renderers consume nothing else.
type Report struct {
	RunID       string        `json:"run_id" yaml:"run-id"`
	StartedAt   time.Time     `json:"started_at" yaml:"started-at"`
	FinishedAt  time.Time     `json:"finished_at" yaml:"finished-at"`
	Elapsed     time.Duration `json:"elapsed" yaml:"elapsed"`
	Settings    Settings      `json:"settings" yaml:"settings"`
	Prompt      prompt.Prompt `json:"prompt" yaml:"prompt"`
	PricingAsOf string        `json:"pricing_as_of" yaml:"pricing-as-of"`

	Results       []Result `json:"results" yaml:"results"`
	TotalCost     float64  `json:"total_cost" yaml:"total-cost"`
	EstimatedCost float64  `json:"estimated_cost" yaml:"estimated-cost"`

	Status      Status   `json:"status" yaml:"status"`
	Interrupted bool     `json:"interrupted" yaml:"interrupted"`
	Warnings    []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Err returns ErrAllBackendsFailed when the run produced no usable data.
func (r *Report) Err() error {
	if r.Status == StatusAllBackendsFailed {
		return ErrAllBackendsFailed
	}
	return nil
}

func (r *Report) finish(now time.Time) {
	r.FinishedAt = now
	r.Elapsed = now.Sub(r.StartedAt)
	r.Status = StatusAllBackendsFailed
	r.TotalCost = 0
	for _, res := range r.Results {
		if res.OK() {
			r.Status = StatusCompleted
			r.TotalCost += res.Metrics.TotalCost
		}
	}
}
