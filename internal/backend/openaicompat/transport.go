package openaicompat

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

type callStateKey struct{}

// callState collects what the HTTP layer sees during one Infer call.
type callState struct {
	start time.Time

	mu         sync.Mutex
	wroteAfter time.Duration
	retryAfter *time.Duration
}

func withCallState(ctx context.Context, s *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, s)
}

func callStateFrom(ctx context.Context) *callState {
	s, _ := ctx.Value(callStateKey{}).(*callState)
	return s
}

func (s *callState) markWrote(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wroteAfter == 0 {
		s.wroteAfter = d
	}
}

func (s *callState) wrote() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wroteAfter
}

func (s *callState) setRetryAfter(d time.Duration) {
	s.mu.Lock()
	s.retryAfter = &d
	s.mu.Unlock()
}

func (s *callState) retryAfterValue() *time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryAfter
}

// transport adds fixed headers and records Retry-After on 429 responses.
type transport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if state := callStateFrom(req.Context()); state != nil {
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				state.setRetryAfter(d)
			}
		}
	}
	return resp, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
