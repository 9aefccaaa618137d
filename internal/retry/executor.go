package retry

import (
	"context"
	"errors"
	"time"

	"inferbench/internal/backend"
)

// Sleeper waits between attempts. Sleep returns ctx.Err() if ctx ends first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps on the wall clock.
type RealSleeper struct{}

func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Func performs one attempt.
type Func func(ctx context.Context) (backend.Response, error)

// Attempt describes one finished attempt, passed to Executor.OnAttempt.
type Attempt struct {
	Number   int
	Err      error
	Decision Decision
	Elapsed  time.Duration
}

// Result is the terminal outcome of an iteration.
type Result struct {
	Response backend.Response
	Attempts int
	Err      error
}

// Executor runs one iteration under a Policy and an overall wall-clock
// budget covering every attempt and every wait.
type Executor struct {
	Policy  Policy
	Sleeper Sleeper
	Timeout time.Duration

	// OnAttempt, if set, is called after every attempt.
	OnAttempt func(Attempt)
}

// Do runs call until it succeeds or the policy gives up.
//
// Calls run on a context detached from ctx's cancellation so an interrupt
// never cuts an in-flight request short; only Timeout bounds them. Once ctx
// is cancelled no further attempt is started and the last failure is final.
func (e Executor) Do(ctx context.Context, backendName string, call Func) Result {
	sleeper := e.Sleeper
	if sleeper == nil {
		sleeper = RealSleeper{}
	}

	callCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if e.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(callCtx, e.Timeout)
	}
	defer cancel()

	var res Result
	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err := call(callCtx)
		res.Attempts = attempt
		if err == nil {
			res.Response = resp
			res.Err = nil
			e.notify(Attempt{Number: attempt, Elapsed: time.Since(start)})
			return res
		}

		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.Err = e.timeoutError(backendName, err)
			e.notify(Attempt{Number: attempt, Err: res.Err, Elapsed: time.Since(start)})
			return res
		}

		decision := e.Policy.Decide(attempt, err)
		res.Err = err
		e.notify(Attempt{Number: attempt, Err: err, Decision: decision, Elapsed: time.Since(start)})
		if !decision.Retry || ctx.Err() != nil {
			return res
		}

		if err := e.sleep(ctx, callCtx, sleeper, decision.Delay); err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				res.Err = e.timeoutError(backendName, res.Err)
			}
			return res
		}
	}
}

// sleep waits d, ending early on the call deadline or on an interrupt of ctx.
func (e Executor) sleep(ctx, callCtx context.Context, sleeper Sleeper, d time.Duration) error {
	sleepCtx, cancel := context.WithCancel(callCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return sleeper.Sleep(sleepCtx, d)
}

// timeoutError converts the last failure into a terminal timeout, keeping any
// partial timing the adapter captured.
func (e Executor) timeoutError(backendName string, last error) error {
	if be, ok := backend.AsError(last); ok && be.Kind == backend.KindTimeout {
		return be
	}
	te := backend.NewTimeout(backendName, e.Timeout, nil)
	te.Err = last
	return te
}

func (e Executor) notify(a Attempt) {
	if e.OnAttempt != nil {
		e.OnAttempt(a)
	}
}
