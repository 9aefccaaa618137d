// Package stats reduces benchmark samples into summary metrics.
package stats

import (
	"math"
	"sort"
	"time"

	"inferbench/internal/measure"
	"inferbench/internal/pricing"
)

// Metrics summarizes the successful samples of one backend.
type Metrics struct {
	Runs     int `json:"runs" yaml:"runs"`
	Failures int `json:"failures" yaml:"failures"`

	AvgTimeToPrompt time.Duration `json:"avg_time_to_prompt" yaml:"avg-time-to-prompt"`

	// TTFT figures only consider samples where a first token was observed.
	AvgTTFT time.Duration `json:"avg_ttft" yaml:"avg-ttft"`
	P50TTFT time.Duration `json:"p50_ttft" yaml:"p50-ttft"`
	P95TTFT time.Duration `json:"p95_ttft" yaml:"p95-ttft"`

	AvgLatency time.Duration `json:"avg_latency" yaml:"avg-latency"`
	P50Latency time.Duration `json:"p50_latency" yaml:"p50-latency"`
	P95Latency time.Duration `json:"p95_latency" yaml:"p95-latency"`

	AvgThroughput float64 `json:"avg_throughput" yaml:"avg-throughput"`

	InputTokens  int     `json:"input_tokens" yaml:"input-tokens"`
	OutputTokens int     `json:"output_tokens" yaml:"output-tokens"`
	TotalCost    float64 `json:"total_cost" yaml:"total-cost"`

	// ModelLoad is attached by the orchestrator; Aggregate never sets it.
	ModelLoad *measure.ModelLoadEvent `json:"model_load,omitempty" yaml:"model-load,omitempty"`
}

// Aggregate computes metrics over the successful subset of samples. It is
// pure: the same input always yields the same Metrics.
func Aggregate(samples []measure.Sample, price pricing.Entry) Metrics {
	ok := measure.Successes(samples)
	m := Metrics{
		Runs:     len(ok),
		Failures: len(samples) - len(ok),
	}
	if len(ok) == 0 {
		return m
	}

	latencies := make([]time.Duration, 0, len(ok))
	ttfts := make([]time.Duration, 0, len(ok))
	var prompt time.Duration
	var throughput float64

	for _, s := range ok {
		latencies = append(latencies, s.TotalLatency)
		if s.FirstTokenSeen {
			ttfts = append(ttfts, s.TimeToFirstToken)
		}
		prompt += s.TimeToPrompt
		throughput += s.Throughput()
		m.InputTokens += s.InputTokens
		m.OutputTokens += s.OutputTokens
		m.TotalCost += price.Cost(s.InputTokens, s.OutputTokens)
	}

	n := time.Duration(len(ok))
	m.AvgTimeToPrompt = prompt / n
	m.AvgThroughput = throughput / float64(len(ok))

	m.AvgLatency = Mean(latencies)
	m.P50Latency = Percentile(latencies, 50)
	m.P95Latency = Percentile(latencies, 95)

	m.AvgTTFT = Mean(ttfts)
	m.P50TTFT = Percentile(ttfts, 50)
	m.P95TTFT = Percentile(ttfts, 95)
	return m
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range values {
		sum += v
	}
	return sum / time.Duration(len(values))
}

// Percentile returns the nearest-rank p-th percentile: the value at index
// ceil(p/100*n)-1 of the sorted input, clamped to the valid range. The input
// is not modified. An empty slice yields 0.
func Percentile(values []time.Duration, p float64) time.Duration {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}
