package server

import (
	"time"

	"inferbench/internal/bench"
	"inferbench/internal/prompt"
)

// BenchmarkRequest is the payload of POST /api/estimate and
// POST /api/benchmarks. Unset fields take the server's configured defaults.
type BenchmarkRequest struct {
	// Backends is "all" or a comma-separated list of backend names.
	Backends          string   `json:"backends"`
	Iterations        int      `json:"iterations,omitempty" binding:"omitempty,min=1"`
	Warmup            *int     `json:"warmup,omitempty" binding:"omitempty,min=0"`
	PromptSize        string   `json:"prompt_size,omitempty"`
	MaxCost           *float64 `json:"max_cost,omitempty" binding:"omitempty,min=0"`
	TimeoutSeconds    float64  `json:"timeout_seconds,omitempty" binding:"omitempty,gt=0"`
	RequestsPerMinute float64  `json:"requests_per_minute,omitempty" binding:"omitempty,min=0"`

	// AcceptCost must be true to start a run whose estimate is above zero.
	AcceptCost bool `json:"accept_cost"`
}

// Settings overlays the request on defaults and validates the result.
func (r BenchmarkRequest) Settings(defaults bench.Settings) (bench.Settings, error) {
	s := defaults
	if r.Iterations != 0 {
		s.Iterations = r.Iterations
	}
	if r.Warmup != nil {
		s.Warmup = *r.Warmup
	}
	if r.PromptSize != "" {
		size, err := prompt.ParseSize(r.PromptSize)
		if err != nil {
			return bench.Settings{}, err
		}
		s.PromptSize = size
	}
	if r.MaxCost != nil {
		s.MaxCost = *r.MaxCost
	}
	if r.TimeoutSeconds > 0 {
		s.Timeout = time.Duration(r.TimeoutSeconds * float64(time.Second))
	}
	if r.RequestsPerMinute > 0 {
		s.RequestsPerMinute = r.RequestsPerMinute
	}
	if err := s.Validate(); err != nil {
		return bench.Settings{}, err
	}
	return s, nil
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"` // seconds
	Backends  int       `json:"backends"`
	Available int       `json:"available"`
	Queued    int       `json:"queued_jobs"`
	Running   int       `json:"running_jobs"`
}

// BackendInfo describes one registered backend.
type BackendInfo struct {
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	DefaultModel string `json:"default_model"`
	Available    bool   `json:"available"`
	Remediation  string `json:"remediation,omitempty"`
}

// BackendsResponse lists registered backends in registration order.
type BackendsResponse struct {
	Backends []BackendInfo `json:"backends"`
	Count    int           `json:"count"`
}

// EstimateResponse is the projected spend of a request.
type EstimateResponse struct {
	Settings             bench.Settings `json:"settings"`
	Estimate             bench.Estimate `json:"estimate"`
	Calls                int            `json:"calls"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	Disclaimer           string         `json:"disclaimer"`
}

// SubmitResponse is returned when a benchmark job is queued.
type SubmitResponse struct {
	JobID    string         `json:"job_id"`
	Status   JobStatus      `json:"status"`
	Estimate bench.Estimate `json:"estimate"`
	Position int            `json:"queue_position"`
}

// JobsResponse lists known jobs, newest first.
type JobsResponse struct {
	Jobs  []Job `json:"jobs"`
	Count int   `json:"count"`
}
