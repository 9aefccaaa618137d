// Package backendtest provides a scriptable Backend for tests.
package backendtest

import (
	"context"
	"sync"
	"time"

	"inferbench/internal/backend"
	"inferbench/internal/measure"
)

// Step is one scripted Infer outcome. When Err is nil, Response is returned.
// Delay blocks the call (respecting ctx) before it completes.
type Step struct {
	Response backend.Response
	Err      error
	Delay    time.Duration
}

// OK returns a successful step with the given latency and output tokens.
func OK(latency time.Duration, outputTokens int) Step {
	return Step{Response: backend.Response{Timing: measure.Timing{
		TimeToPrompt:     latency / 10,
		TimeToFirstToken: latency / 5,
		FirstTokenSeen:   outputTokens > 0,
		TotalLatency:     latency,
		InputTokens:      15,
		OutputTokens:     outputTokens,
	}}}
}

// Fail returns a failing step.
func Fail(err error) Step {
	return Step{Err: err}
}

// Call records one Infer invocation.
type Call struct {
	Request backend.Request
	Start   time.Time
	End     time.Time
}

// Backend is a fake backend.Backend. The zero value is unavailable; use New.
// Once the script runs out, the last step repeats.
type Backend struct {
	ID          string
	Display     string
	Model       string
	Available   bool
	Remedy      string
	PrepareLoad *measure.ModelLoadEvent
	PrepareErr  error

	// Discovered is the model the endpoint reports when Model is empty.
	// ResolveErr makes model discovery fail.
	Discovered string
	ResolveErr error

	// Clock receives every call start and end, so tests can assert that
	// calls across fakes never overlap.
	Clock *Clock

	mu            sync.Mutex
	script        []Step
	calls         []Call
	prepared      int
	preparedModel string
	checks        int
}

// New returns an available fake with the given script.
func New(id string, steps ...Step) *Backend {
	return &Backend{ID: id, Model: id + "-model", Available: true, script: steps}
}

// Unavailable returns a fake that reports itself as not configured.
func Unavailable(id, remedy string) *Backend {
	return &Backend{ID: id, Model: id + "-model", Remedy: remedy}
}

func (b *Backend) Name() string        { return b.ID }
func (b *Backend) Remediation() string { return b.Remedy }

func (b *Backend) DefaultModel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Model
}

// IsAvailable counts the check and returns Available.
func (b *Backend) IsAvailable(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checks++
	return b.Available
}

// ResolveModel returns Model, adopting Discovered first when Model is empty.
func (b *Backend) ResolveModel(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ResolveErr != nil {
		return "", b.ResolveErr
	}
	if b.Model == "" {
		b.Model = b.Discovered
	}
	return b.Model, nil
}

func (b *Backend) DisplayName() string {
	if b.Display != "" {
		return b.Display
	}
	return b.ID
}

// Prepare records the call and returns PrepareLoad, or PrepareErr if set.
func (b *Backend) Prepare(_ context.Context, model string) (*measure.ModelLoadEvent, error) {
	b.mu.Lock()
	b.prepared++
	b.preparedModel = model
	b.mu.Unlock()
	if b.PrepareErr != nil {
		return nil, b.PrepareErr
	}
	return b.PrepareLoad, nil
}

// Infer plays the next scripted step.
func (b *Backend) Infer(ctx context.Context, req backend.Request) (backend.Response, error) {
	start := time.Now()
	b.Clock.enter(b.ID)
	defer b.Clock.leave(b.ID)

	b.mu.Lock()
	idx := len(b.calls)
	b.calls = append(b.calls, Call{Request: req, Start: start})
	var step Step
	switch {
	case len(b.script) == 0:
		step = OK(100*time.Millisecond, 50)
	case idx < len(b.script):
		step = b.script[idx]
	default:
		step = b.script[len(b.script)-1]
	}
	b.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			b.finish(idx)
			return backend.Response{}, backend.NewTimeout(b.ID, step.Delay, nil)
		}
	}
	b.finish(idx)
	if step.Err != nil {
		return backend.Response{}, step.Err
	}
	return step.Response, nil
}

func (b *Backend) finish(idx int) {
	b.mu.Lock()
	b.calls[idx].End = time.Now()
	b.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// Prepared returns how many times Prepare was called.
func (b *Backend) Prepared() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prepared
}

// PreparedModel returns the model passed to the last Prepare call.
func (b *Backend) PreparedModel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preparedModel
}

// AvailabilityChecks returns how many times IsAvailable was called.
func (b *Backend) AvailabilityChecks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checks
}

// Clock tracks in-flight calls across fakes. A nil Clock records nothing.
type Clock struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	order       []string
}

func (c *Clock) enter(id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	c.order = append(c.order, id)
}

func (c *Clock) leave(string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
}

// MaxInFlight is the highest number of concurrent calls observed.
func (c *Clock) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInFlight
}

// Order lists backend names in call start order.
func (c *Clock) Order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}
