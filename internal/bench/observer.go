package bench

import (
	"time"

	"inferbench/internal/backend"
	"inferbench/internal/measure"
)

// CallEvent describes one finished inference attempt.
type CallEvent struct {
	Backend   string
	Model     string
	Warmup    bool
	Iteration int
	Attempt   int
	Elapsed   time.Duration

	// Err is nil on success. Retry and Delay say what happens next.
	Err   error
	Kind  backend.Kind
	Retry bool
	Delay time.Duration
}

// Observer receives progress from a run. Calls arrive from the run's
// goroutine, one at a time.
type Observer interface {
	RunStarted(runID string, plan Estimate)
	StateChanged(backendName string, state State)
	CallFinished(e CallEvent)
	SampleRecorded(backendName string, s measure.Sample)
	BackendFinished(r Result)
	RunFinished(r *Report)
}

// NopObserver ignores every event. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) RunStarted(string, Estimate) {}
func (NopObserver) StateChanged(string, State) {}
func (NopObserver) CallFinished(CallEvent) {}
func (NopObserver) SampleRecorded(string, measure.Sample) {}
func (NopObserver) BackendFinished(Result) {}
func (NopObserver) RunFinished(*Report) {}

// Observers fans events out in order.
type Observers []Observer

func (o Observers) RunStarted(runID string, plan Estimate) {
	for _, x := range o {
		x.RunStarted(runID, plan)
	}
}

func (o Observers) StateChanged(name string, s State) {
	for _, x := range o {
		x.StateChanged(name, s)
	}
}

func (o Observers) CallFinished(e CallEvent) {
	for _, x := range o {
		x.CallFinished(e)
	}
}

func (o Observers) SampleRecorded(name string, s measure.Sample) {
	for _, x := range o {
		x.SampleRecorded(name, s)
	}
}

func (o Observers) BackendFinished(r Result) {
	for _, x := range o {
		x.BackendFinished(r)
	}
}

func (o Observers) RunFinished(r *Report) {
	for _, x := range o {
		x.RunFinished(r)
	}
}
