package telemetry

import (
	"inferbench/internal/bench"
	"inferbench/internal/measure"
)

var states = []bench.State{
	bench.NotStarted,
	bench.CheckingAvailability,
	bench.Skipped,
	bench.WarmingUp,
	bench.Measuring,
	bench.Completed,
	bench.AllFailed,
}

// Observer feeds orchestrator events into the collectors.
func (m *Metrics) Observer() bench.Observer {
	return observer{m: m}
}

type observer struct {
	bench.NopObserver
	m *Metrics
}

func (o observer) StateChanged(backendName string, current bench.State) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		o.m.BackendState.WithLabelValues(backendName, string(s)).Set(v)
	}
}

func (o observer) CallFinished(e bench.CallEvent) {
	kind := "success"
	if e.Err != nil {
		kind = string(e.Kind)
	}
	o.m.Attempts.WithLabelValues(e.Backend, kind).Inc()
}

func (o observer) SampleRecorded(backendName string, s measure.Sample) {
	o.m.Samples.WithLabelValues(backendName, string(s.Outcome)).Inc()
	if !s.OK() {
		return
	}
	o.m.CallLatency.WithLabelValues(backendName).Observe(s.TotalLatency.Seconds())
	if s.FirstTokenSeen {
		o.m.TTFT.WithLabelValues(backendName).Observe(s.TimeToFirstToken.Seconds())
	}
}

func (o observer) BackendFinished(r bench.Result) {
	if r.Metrics != nil {
		o.m.Cost.WithLabelValues(r.Backend).Add(r.Metrics.TotalCost)
	}
}

func (o observer) RunFinished(r *bench.Report) {
	status := string(r.Status)
	if r.Interrupted {
		status = "interrupted"
	}
	o.m.Runs.WithLabelValues(status).Inc()
}
