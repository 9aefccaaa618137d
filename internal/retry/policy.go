// Package retry decides whether a failed inference call is attempted again
// and how long to wait first.
package retry

import (
	"time"

	"inferbench/internal/backend"
)

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy holds per-kind attempt limits. Attempts count every call made for
// one iteration, including the first.
type Policy struct {
	TimeoutAttempts    int
	RateLimitAttempts  int
	RetryAfterAttempts int
	InitialBackoff     time.Duration
	BackoffMultiplier  float64
	MaxBackoff         time.Duration
}

// Default returns the standard policy: timeouts retried up to 3 attempts with
// no delay; rate limits with a server-advertised wait retried once after that
// wait; other rate limits retried up to 3 attempts with 1s, 2s backoff.
func Default() Policy {
	return Policy{
		TimeoutAttempts:    3,
		RateLimitAttempts:  3,
		RetryAfterAttempts: 2,
		InitialBackoff:     time.Second,
		BackoffMultiplier:  2,
		MaxBackoff:         30 * time.Second,
	}
}

// Decide returns what to do after attempt (1-based) failed with err. It is a
// pure function of its inputs. The limit applied is that of the most recent
// failure's kind, so a timeout after a rate limit still gets up to
// TimeoutAttempts in total.
func (p Policy) Decide(attempt int, err error) Decision {
	if err == nil {
		return Decision{}
	}
	be, ok := backend.AsError(err)
	if !ok {
		return Decision{}
	}

	switch be.Kind {
	case backend.KindTimeout:
		return Decision{Retry: attempt < p.TimeoutAttempts}

	case backend.KindRateLimited:
		if be.RetryAfter != nil {
			delay := *be.RetryAfter
			if delay < 0 {
				delay = 0
			}
			return Decision{Retry: attempt < p.RetryAfterAttempts, Delay: delay}
		}
		if attempt >= p.RateLimitAttempts {
			return Decision{}
		}
		return Decision{Retry: true, Delay: p.backoff(attempt)}

	default:
		return Decision{}
	}
}

// backoff is InitialBackoff * Multiplier^(attempt-1), capped at MaxBackoff.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffMultiplier)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
