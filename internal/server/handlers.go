package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"inferbench/internal/backend"
	"inferbench/internal/bench"
	"inferbench/internal/logging"
)

func (s *Server) handleHealth(c *gin.Context) {
	queued, running := s.jobs.Counts()
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).Seconds(),
		Backends:  len(s.opts.Registry.Names()),
		Available: len(s.opts.Registry.Available(c.Request.Context())),
		Queued:    queued,
		Running:   running,
	})
}

func (s *Server) handleListBackends(c *gin.Context) {
	ctx := c.Request.Context()
	infos := make([]BackendInfo, 0, len(s.opts.Registry.Names()))
	for _, b := range s.opts.Registry.Backends() {
		info := BackendInfo{
			Name:         b.Name(),
			DisplayName:  backend.DisplayName(b),
			DefaultModel: b.DefaultModel(),
			Available:    b.IsAvailable(ctx),
		}
		if !info.Available {
			info.Remediation = backend.Remediation(b)
		}
		infos = append(infos, info)
	}
	c.JSON(http.StatusOK, BackendsResponse{Backends: infos, Count: len(infos)})
}

func (s *Server) handlePricing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"as_of":  s.opts.Pricing.AsOf(),
		"prices": s.opts.Pricing.Rows(),
	})
}

func (s *Server) handleEstimate(c *gin.Context) {
	backends, settings, ok := s.bindPlan(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.estimate(c, backends, settings))
}

// handleSubmit queues a benchmark. A run that can cost money is refused
// with 409 and the estimate unless the request sets accept_cost.
func (s *Server) handleSubmit(c *gin.Context) {
	backends, settings, ok := s.bindPlan(c)
	if !ok {
		return
	}
	est := s.estimate(c, backends, settings)
	if est.RequiresConfirmation && !c.GetBool("accept_cost") {
		c.JSON(http.StatusConflict, gin.H{
			"error":    http.StatusText(http.StatusConflict),
			"message":  "this run may incur charges; resubmit with accept_cost set to true",
			"code":     http.StatusConflict,
			"estimate": est,
		})
		return
	}

	job, ahead, err := s.jobs.Submit(backends, settings, est.Estimate)
	if err != nil {
		s.respondJobError(c, err)
		return
	}
	s.logger.InfoWithContext(&logging.LogContext{JobID: job.ID, Operation: "submit"},
		"Benchmark queued, estimated ceiling $%.6f", est.Estimate.Total+est.Estimate.WarmupTotal)

	c.Header("Location", "/api/jobs/"+job.ID)
	c.JSON(http.StatusAccepted, SubmitResponse{
		JobID:    job.ID,
		Status:   job.Status,
		Estimate: job.Estimate,
		Position: ahead,
	})
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs := s.jobs.List()
	c.JSON(http.StatusOK, JobsResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, ok := s.jobs.Get(c.Param("id"))
	if !ok {
		s.respondJobError(c, ErrJobNotFound)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.jobs.Cancel(id); err != nil {
		s.respondJobError(c, err)
		return
	}
	job, _ := s.jobs.Get(id)
	c.JSON(http.StatusAccepted, job)
}

// bindPlan decodes a BenchmarkRequest and resolves its backends and
// settings, writing a 400 response on failure.
func (s *Server) bindPlan(c *gin.Context) ([]backend.Backend, bench.Settings, bool) {
	var req BenchmarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, bench.Settings{}, false
		}
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return nil, bench.Settings{}, false
	}
	c.Set("accept_cost", req.AcceptCost)

	settings, err := req.Settings(s.opts.Defaults)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return nil, bench.Settings{}, false
	}
	backends, err := s.opts.Registry.Select(c.Request.Context(), req.Backends)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return nil, bench.Settings{}, false
	}
	if len(backends) == 0 {
		respondError(c, http.StatusBadRequest, bench.ErrNoBackends.Error())
		return nil, bench.Settings{}, false
	}
	return backends, settings, true
}

func (s *Server) estimate(c *gin.Context, backends []backend.Backend, settings bench.Settings) EstimateResponse {
	est := bench.EstimateCost(c.Request.Context(), s.opts.Pricing, backends, settings)
	return EstimateResponse{
		Settings:             settings,
		Estimate:             est,
		Calls:                est.Calls(),
		RequiresConfirmation: est.RequiresConfirmation(),
		Disclaimer:           bench.EstimateDisclaimer,
	}
}
