package server

import (
	"fmt"
	"sync"
	"time"

	"inferbench/internal/bench"
	"inferbench/internal/measure"
)

// ProgressTracker turns run events into throttled progress updates for one
// job. State changes are published immediately; call completions at most
// once per interval.
type ProgressTracker struct {
	jobID    string
	interval time.Duration
	publish  func(ProgressUpdate)
	now      func() time.Time

	mu            sync.RWMutex
	startTime     time.Time
	lastBroadcast time.Time
	planned       int
	done          int
	plannedBy     map[string]int
	finishedCalls int
	backend       string
	state         bench.State
	step          string
}

// NewProgressTracker returns a tracker that hands updates to publish.
func NewProgressTracker(jobID string, interval time.Duration, publish func(ProgressUpdate)) *ProgressTracker {
	return &ProgressTracker{
		jobID:     jobID,
		interval:  interval,
		publish:   publish,
		now:       time.Now,
		startTime: time.Now(),
		plannedBy: make(map[string]int),
	}
}

func (pt *ProgressTracker) RunStarted(_ string, plan bench.Estimate) {
	pt.mu.Lock()
	pt.startTime = pt.now()
	pt.planned = plan.Calls()
	for _, b := range plan.Backends {
		pt.plannedBy[b.Backend] = b.Iterations + b.Warmups
	}
	pt.step = fmt.Sprintf("Planned %d call(s) across %d backend(s)", pt.planned, len(plan.Backends))
	pt.mu.Unlock()

	pt.emit(true)
}

func (pt *ProgressTracker) StateChanged(backendName string, state bench.State) {
	pt.mu.Lock()
	pt.backend = backendName
	pt.state = state
	pt.step = describeState(backendName, state)
	pt.mu.Unlock()

	pt.emit(true)
}

func (pt *ProgressTracker) CallFinished(e bench.CallEvent) {
	if e.Retry {
		return
	}
	pt.mu.Lock()
	pt.done++
	if e.Warmup {
		pt.step = fmt.Sprintf("%s: warm-up call %d finished", e.Backend, e.Iteration)
	} else {
		pt.step = fmt.Sprintf("%s: iteration %d finished", e.Backend, e.Iteration)
	}
	pt.mu.Unlock()

	pt.emit(false)
}

func (pt *ProgressTracker) SampleRecorded(string, measure.Sample) {}

// BackendFinished accounts for planned calls a backend never made, such as
// after a failed model preparation.
func (pt *ProgressTracker) BackendFinished(r bench.Result) {
	pt.mu.Lock()
	pt.finishedCalls += pt.plannedBy[r.Backend]
	if pt.done < pt.finishedCalls {
		pt.done = pt.finishedCalls
	}
	pt.mu.Unlock()
}

func (pt *ProgressTracker) RunFinished(*bench.Report) {}

// GetProgress returns the current progress information
func (pt *ProgressTracker) GetProgress() ProgressUpdate {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.progressLocked()
}

func (pt *ProgressTracker) progressLocked() ProgressUpdate {
	elapsed := pt.now().Sub(pt.startTime).Seconds()

	var progress, remaining float64
	if pt.planned > 0 {
		done := pt.done
		if done > pt.planned {
			done = pt.planned
		}
		progress = float64(done) / float64(pt.planned) * 100
		if done > 0 {
			remaining = elapsed / float64(done) * float64(pt.planned-done)
		}
	}

	return ProgressUpdate{
		JobID:                  pt.jobID,
		Status:                 JobRunning,
		Backend:                pt.backend,
		State:                  pt.state,
		CallsDone:              pt.done,
		CallsPlanned:           pt.planned,
		Progress:               progress,
		ElapsedTime:            elapsed,
		EstimatedTimeRemaining: remaining,
		CurrentStep:            pt.step,
	}
}

func (pt *ProgressTracker) emit(force bool) {
	pt.mu.Lock()
	now := pt.now()
	if !force && now.Sub(pt.lastBroadcast) < pt.interval {
		pt.mu.Unlock()
		return
	}
	pt.lastBroadcast = now
	update := pt.progressLocked()
	pt.mu.Unlock()

	if pt.publish != nil {
		pt.publish(update)
	}
}

func describeState(backendName string, state bench.State) string {
	switch state {
	case bench.CheckingAvailability:
		return fmt.Sprintf("Checking %s", backendName)
	case bench.Skipped:
		return fmt.Sprintf("Skipped %s (not configured)", backendName)
	case bench.WarmingUp:
		return fmt.Sprintf("Warming up %s", backendName)
	case bench.Measuring:
		return fmt.Sprintf("Measuring %s", backendName)
	case bench.Completed:
		return fmt.Sprintf("Finished %s", backendName)
	case bench.AllFailed:
		return fmt.Sprintf("All calls to %s failed", backendName)
	default:
		return fmt.Sprintf("Testing %s", backendName)
	}
}
