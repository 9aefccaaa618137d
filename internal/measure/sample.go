package measure

import (
	"fmt"
	"strings"
	"time"
)

// Timing is the raw measurement of one inference call.
//
// TimeToPrompt runs from call start until the request is fully written.
// TimeToFirstToken runs from that point until the first non-empty output
// chunk; it is only meaningful when FirstTokenSeen is true.
// TotalLatency runs from call start to completion.
type Timing struct {
	TimeToPrompt     time.Duration `json:"time_to_prompt" yaml:"time-to-prompt"`
	TimeToFirstToken time.Duration `json:"time_to_first_token" yaml:"time-to-first-token"`
	FirstTokenSeen   bool          `json:"first_token_seen" yaml:"first-token-seen"`
	TotalLatency     time.Duration `json:"total_latency" yaml:"total-latency"`
	InputTokens      int           `json:"input_tokens" yaml:"input-tokens"`
	OutputTokens     int           `json:"output_tokens" yaml:"output-tokens"`
}

// Normalize enforces the timing invariants: no negative values and
// TimeToPrompt + TimeToFirstToken never exceeding TotalLatency.
func (t Timing) Normalize() Timing {
	if t.TimeToPrompt < 0 {
		t.TimeToPrompt = 0
	}
	if t.TotalLatency < 0 {
		t.TotalLatency = 0
	}
	if t.TimeToPrompt > t.TotalLatency {
		t.TimeToPrompt = t.TotalLatency
	}
	if t.InputTokens < 0 {
		t.InputTokens = 0
	}
	if t.OutputTokens < 0 {
		t.OutputTokens = 0
	}
	if !t.FirstTokenSeen {
		t.TimeToFirstToken = 0
		return t
	}
	if t.TimeToFirstToken < 0 {
		t.TimeToFirstToken = 0
	}
	if limit := t.TotalLatency - t.TimeToPrompt; t.TimeToFirstToken > limit {
		t.TimeToFirstToken = limit
	}
	return t
}

// Throughput returns output tokens per second of total latency.
func (t Timing) Throughput() float64 {
	if t.OutputTokens == 0 || t.TotalLatency <= 0 {
		return 0
	}
	return float64(t.OutputTokens) / t.TotalLatency.Seconds()
}

// Outcome is the terminal state of one measured iteration.
type Outcome string

const (
	Success Outcome = "success"
	Failed  Outcome = "failed"
)

// Reason describes why an iteration failed. Kind is one of the backend
// error kinds ("timeout", "rate_limited", "api_error", "not_configured").
type Reason struct {
	Kind    string `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
}

func (r Reason) String() string {
	if r.Message == "" {
		return r.Kind
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// Summarize collapses repeated reasons into one line, keeping first-seen
// order: "timeout: no response within 30s (x2); api_error: boom".
func Summarize(reasons []Reason) string {
	counts := make(map[string]int)
	var order []string
	for _, r := range reasons {
		key := r.String()
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}
	parts := make([]string, 0, len(order))
	for _, key := range order {
		if n := counts[key]; n > 1 {
			parts = append(parts, fmt.Sprintf("%s (x%d)", key, n))
		} else {
			parts = append(parts, key)
		}
	}
	return strings.Join(parts, "; ")
}

// Sample is one measured iteration: a success, or a failure that exhausted
// its retries. Failed samples may carry partial timing (Partial is true)
// but never contribute to aggregates.
type Sample struct {
	Iteration int     `json:"iteration" yaml:"iteration"`
	Attempts  int     `json:"attempts" yaml:"attempts"`
	Outcome   Outcome `json:"outcome" yaml:"outcome"`
	Reason    *Reason `json:"reason,omitempty" yaml:"reason,omitempty"`
	Partial   bool    `json:"partial,omitempty" yaml:"partial,omitempty"`
	Timing    `yaml:",inline"`
}

// NewSuccess builds a successful sample.
func NewSuccess(iteration, attempts int, t Timing) Sample {
	return Sample{
		Iteration: iteration,
		Attempts:  attempts,
		Outcome:   Success,
		Timing:    t.Normalize(),
	}
}

// NewFailure builds a failed sample. partial may be nil.
func NewFailure(iteration, attempts int, reason Reason, partial *Timing) Sample {
	s := Sample{
		Iteration: iteration,
		Attempts:  attempts,
		Outcome:   Failed,
		Reason:    &reason,
	}
	if partial != nil {
		s.Timing = partial.Normalize()
		s.Partial = true
	}
	return s
}

// OK reports whether the sample counts toward aggregates.
func (s Sample) OK() bool {
	return s.Outcome == Success
}

// Successes returns the successful subset, preserving order.
func Successes(samples []Sample) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.OK() {
			out = append(out, s)
		}
	}
	return out
}

// Failures returns the failure reasons in execution order.
func Failures(samples []Sample) []Reason {
	var out []Reason
	for _, s := range samples {
		if !s.OK() && s.Reason != nil {
			out = append(out, *s.Reason)
		}
	}
	return out
}

// ModelLoadEvent is the one-time cost of getting a local model ready. It is
// reported next to, never inside, the sample-derived metrics.
type ModelLoadEvent struct {
	DownloadDuration *time.Duration `json:"download_duration,omitempty" yaml:"download-duration,omitempty"`
	LoadDuration     time.Duration  `json:"load_duration" yaml:"load-duration"`
}

// Merge fills fields missing from e with those from other.
func (e *ModelLoadEvent) Merge(other *ModelLoadEvent) *ModelLoadEvent {
	if e == nil {
		return other
	}
	if other == nil {
		return e
	}
	merged := *e
	if merged.DownloadDuration == nil {
		merged.DownloadDuration = other.DownloadDuration
	}
	if merged.LoadDuration == 0 {
		merged.LoadDuration = other.LoadDuration
	}
	return &merged
}
