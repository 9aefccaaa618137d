// Package server exposes the benchmark orchestrator over HTTP. Benchmarks
// are submitted as jobs, executed one at a time, and streamed to clients
// over websockets or server-sent events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"inferbench/internal/backend"
	"inferbench/internal/bench"
	"inferbench/internal/config"
	"inferbench/internal/logging"
	"inferbench/internal/pricing"
	"inferbench/internal/retry"
	"inferbench/internal/telemetry"
)

const defaultShutdownTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	Config   config.ServerConfig
	Registry *backend.Registry
	Pricing  *pricing.Table
	Defaults bench.Settings
	Metrics  *telemetry.Metrics
	Logger   *logging.Logger

	// Sleeper replaces real retry sleeps; tests set it.
	Sleeper retry.Sleeper

	ProgressInterval time.Duration
	QueueSize        int
	ShutdownTimeout  time.Duration
}

// Server is the HTTP front end.
type Server struct {
	opts     Options
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	jobs     *JobManager
	router   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time
}

// New builds the router and job manager. Call Run to serve, or Start plus
// Handler to embed the server elsewhere.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Registry == nil {
		opts.Registry = backend.NewRegistry()
	}
	if opts.Pricing == nil {
		opts.Pricing = pricing.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	cors := DefaultCORSConfig(opts.Config.CORSOrigins)
	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || cors.allows(origin)
			},
		},
	}
	s.jobs = NewJobManager(s.runBenchmark, JobManagerOptions{
		QueueSize:        opts.QueueSize,
		ProgressInterval: opts.ProgressInterval,
		Logger:           opts.Logger,
	})
	s.setupRouter(cors)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Jobs returns the job manager.
func (s *Server) Jobs() *JobManager {
	return s.jobs
}

// Start launches the job worker. It stops when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.jobs.Start(ctx)
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully: the listener stops, a running job is interrupted after
// its in-flight call, and queued jobs are cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Config.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	s.Start(jobsCtx)

	// WriteTimeout is left unset so progress streams stay open.
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	stopJobs()
	shutdownErr := srv.Shutdown(shutdownCtx)
	select {
	case <-s.jobs.Done():
	case <-shutdownCtx.Done():
		s.logger.Warn("Running job did not stop within %s", s.opts.ShutdownTimeout)
	}
	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	s.logger.Info("Server exited gracefully")
	return nil
}

func (s *Server) setupRouter(cors CORSConfig) {
	router := gin.New()

	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.recoveryMiddleware())
	router.Use(s.securityHeadersMiddleware())
	router.Use(s.corsMiddleware(cors))
	router.Use(s.loggingMiddleware())
	router.Use(s.errorHandlingMiddleware())

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/backends", s.handleListBackends)
		api.GET("/pricing", s.handlePricing)

		api.GET("/jobs", s.handleListJobs)
		api.GET("/jobs/:id", s.handleGetJob)
		api.GET("/jobs/:id/ws", s.handleJobSocket)
		api.GET("/jobs/:id/stream", s.handleJobStream)

		writes := api.Group("")
		writes.Use(s.bodySizeLimitMiddleware(maxBodyBytes))
		writes.Use(s.requestValidationMiddleware())
		writes.POST("/estimate", s.handleEstimate)
		writes.POST("/benchmarks", s.handleSubmit)
		writes.POST("/jobs/:id/cancel", s.handleCancelJob)
	}

	router.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "The requested endpoint does not exist")
	})

	s.router = router
}

func (s *Server) runBenchmark(ctx context.Context, backends []backend.Backend, settings bench.Settings, plan bench.Estimate, obs bench.Observer) (*bench.Report, error) {
	runner := bench.NewRunner(s.opts.Pricing, s.logger)
	if s.opts.Sleeper != nil {
		runner.Sleeper = s.opts.Sleeper
	}
	observers := bench.Observers{obs}
	if s.metrics != nil {
		observers = append(observers, s.metrics.Observer())
	}
	runner.Observer = observers
	return runner.RunPlan(ctx, backends, settings, plan)
}
