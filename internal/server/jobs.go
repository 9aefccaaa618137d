package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"inferbench/internal/backend"
	"inferbench/internal/bench"
	"inferbench/internal/logging"
)

// JobStatus is the lifecycle state of a benchmark job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job will not change again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrQueueFull   = errors.New("job queue is full; try again later")
)

const (
	defaultQueueSize        = 16
	defaultProgressInterval = time.Second
	defaultRetention        = time.Hour
	cleanupInterval         = 10 * time.Minute
	listenerBuffer          = 32
)

// Job is a queued or executed benchmark run. Values returned by the
// JobManager are snapshots.
type Job struct {
	ID         string         `json:"id"`
	Status     JobStatus      `json:"status"`
	Progress   float64        `json:"progress"` // 0-100
	Message    string         `json:"message"`
	Backends   []string       `json:"backends"`
	Settings   bench.Settings `json:"settings"`
	Estimate   bench.Estimate `json:"estimate"`
	Report     *bench.Report  `json:"report,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`

	targets []backend.Backend
	cancel  context.CancelFunc
}

func (j *Job) snapshot() Job {
	cp := *j
	cp.Backends = append([]string(nil), j.Backends...)
	cp.targets = nil
	cp.cancel = nil
	return cp
}

func (j Job) duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// RunFunc executes one benchmark under the estimate the job was accepted
// with, reporting progress to obs.
type RunFunc func(ctx context.Context, backends []backend.Backend, s bench.Settings, plan bench.Estimate, obs bench.Observer) (*bench.Report, error)

// JobManager queues benchmark jobs and executes them one at a time on a
// single worker, so at most one inference call is in flight process-wide.
type JobManager struct {
	run              RunFunc
	logger           *logging.Logger
	progressInterval time.Duration
	retention        time.Duration

	mu        sync.RWMutex
	jobs      map[string]*Job
	listeners map[string][]chan Message
	queue     chan string
	done      chan struct{}
	started   bool
}

// JobManagerOptions tunes a JobManager. Zero values select defaults.
type JobManagerOptions struct {
	QueueSize        int
	ProgressInterval time.Duration
	Retention        time.Duration
	Logger           *logging.Logger
}

// NewJobManager returns a manager that executes jobs with run once Start
// has been called.
func NewJobManager(run RunFunc, opts JobManagerOptions) *JobManager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &JobManager{
		run:              run,
		logger:           opts.Logger,
		progressInterval: opts.ProgressInterval,
		retention:        opts.Retention,
		jobs:             make(map[string]*Job),
		listeners:        make(map[string][]chan Message),
		queue:            make(chan string, opts.QueueSize),
		done:             make(chan struct{}),
	}
}

// Start launches the worker and the cleanup loop. Both stop when ctx is
// cancelled; a running job is interrupted and queued jobs are cancelled.
func (jm *JobManager) Start(ctx context.Context) {
	jm.mu.Lock()
	if jm.started {
		jm.mu.Unlock()
		return
	}
	jm.started = true
	jm.mu.Unlock()

	go jm.work(ctx)
	go jm.janitor(ctx)
}

// Done is closed once the worker has stopped.
func (jm *JobManager) Done() <-chan struct{} {
	return jm.done
}

// Submit queues a run and returns the queued job and the number of jobs
// ahead of it.
func (jm *JobManager) Submit(backends []backend.Backend, s bench.Settings, estimate bench.Estimate) (Job, int, error) {
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name()
	}
	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		Status:    JobQueued,
		Message:   "Waiting for the worker",
		Backends:  names,
		Settings:  s,
		Estimate:  estimate,
		CreatedAt: now,
		UpdatedAt: now,
		targets:   backends,
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	ahead := 0
	for _, j := range jm.jobs {
		if j.Status == JobQueued || j.Status == JobRunning {
			ahead++
		}
	}
	select {
	case jm.queue <- job.ID:
	default:
		return Job{}, 0, ErrQueueFull
	}
	jm.jobs[job.ID] = job

	jm.logger.InfoWithContext(&logging.LogContext{JobID: job.ID, Operation: "submit"},
		"Job queued for %d backend(s), %d job(s) ahead", len(names), ahead)
	return job.snapshot(), ahead, nil
}

// Get returns a snapshot of the job.
func (jm *JobManager) Get(id string) (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.snapshot(), true
}

// List returns snapshots of all known jobs, newest first.
func (jm *JobManager) List() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, job.snapshot())
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Counts returns the number of queued and running jobs.
func (jm *JobManager) Counts() (queued, running int) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	for _, job := range jm.jobs {
		switch job.Status {
		case JobQueued:
			queued++
		case JobRunning:
			running++
		}
	}
	return queued, running
}

// Cancel stops a job. A queued job is cancelled at once; a running job stops
// after its in-flight call and keeps the partial report.
func (jm *JobManager) Cancel(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	switch {
	case job.Status.Terminal():
		return ErrJobFinished
	case job.Status == JobQueued:
		jm.finishLocked(job, JobCancelled, "Cancelled before start", nil, "")
	default:
		job.Message = "Cancelling after the in-flight call"
		job.UpdatedAt = time.Now()
		if job.cancel != nil {
			job.cancel()
		}
		jm.broadcastLocked(id, jm.statusMessage(job))
	}
	jm.logger.InfoWithContext(&logging.LogContext{JobID: id, Operation: "cancel"}, "Job cancellation requested")
	return nil
}

// Subscribe streams the job's messages. The channel starts with the current
// status and is closed after the terminal message. For a finished job it
// holds only that terminal message. Call the returned func to stop early.
func (jm *JobManager) Subscribe(id string) (<-chan Message, func(), error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, nil, ErrJobNotFound
	}
	ch := make(chan Message, listenerBuffer)
	if job.Status.Terminal() {
		ch <- finalMessage(job.snapshot())
		close(ch)
		return ch, func() {}, nil
	}
	ch <- jm.statusMessage(job)
	jm.listeners[id] = append(jm.listeners[id], ch)
	return ch, func() { jm.unsubscribe(id, ch) }, nil
}

func (jm *JobManager) unsubscribe(id string, ch chan Message) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	listeners := jm.listeners[id]
	for i, l := range listeners {
		if l == ch {
			jm.listeners[id] = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			break
		}
	}
	if len(jm.listeners[id]) == 0 {
		delete(jm.listeners, id)
	}
}

// CleanupOldJobs forgets finished jobs older than maxAge and returns how
// many were removed.
func (jm *JobManager) CleanupOldJobs(maxAge time.Duration) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, job := range jm.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(jm.jobs, id)
			removed++
		}
	}
	return removed
}

func (jm *JobManager) work(ctx context.Context) {
	defer close(jm.done)
	for {
		select {
		case <-ctx.Done():
			jm.cancelQueued("Server shutting down")
			return
		case id := <-jm.queue:
			jm.execute(ctx, id)
		}
	}
}

func (jm *JobManager) janitor(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := jm.CleanupOldJobs(jm.retention); n > 0 {
				jm.logger.Debug("Removed %d finished job(s)", n)
			}
		}
	}
}

func (jm *JobManager) execute(ctx context.Context, id string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	job, ok := jm.begin(id, cancel)
	if !ok {
		return
	}
	log := jm.logger.WithContext(&logging.LogContext{JobID: id, Operation: "benchmark"})
	log.Info("Job started")

	tracker := NewProgressTracker(id, jm.progressInterval, jm.publishProgress)
	report, err := jm.run(jobCtx, job.targets, job.Settings, job.Estimate, tracker)

	jm.mu.Lock()
	defer jm.mu.Unlock()
	current, ok := jm.jobs[id]
	if !ok {
		return
	}
	switch {
	case err != nil:
		log.Error("Job failed: %v", err)
		jm.finishLocked(current, JobFailed, "Benchmark could not start", nil, err.Error())
	case report.Interrupted:
		msg := "Cancelled"
		if ctx.Err() != nil {
			msg = "Server shutting down"
		}
		log.Warn("Job interrupted with %d partial result(s)", len(report.Results))
		jm.finishLocked(current, JobCancelled, msg, report, "")
	case report.Err() != nil:
		log.Error("Job finished without successful results")
		jm.finishLocked(current, JobFailed, "All backends failed or were skipped", report, report.Err().Error())
	default:
		log.Info("Job completed, total cost $%.6f", report.TotalCost)
		jm.finishLocked(current, JobCompleted, "Benchmark completed", report, "")
	}
}

// begin moves a queued job to running. It returns false when the job was
// cancelled or removed while queued.
func (jm *JobManager) begin(id string, cancel context.CancelFunc) (Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok || job.Status != JobQueued {
		return Job{}, false
	}
	now := time.Now()
	job.Status = JobRunning
	job.Message = "Starting benchmark"
	job.StartedAt = &now
	job.UpdatedAt = now
	job.cancel = cancel
	jm.broadcastLocked(id, jm.statusMessage(job))

	snap := job.snapshot()
	snap.targets = job.targets
	return snap, true
}

func (jm *JobManager) cancelQueued(message string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for _, job := range jm.jobs {
		if job.Status == JobQueued {
			jm.finishLocked(job, JobCancelled, message, nil, "")
		}
	}
}

func (jm *JobManager) finishLocked(job *Job, status JobStatus, message string, report *bench.Report, errMsg string) {
	now := time.Now()
	job.Status = status
	job.Message = message
	job.Report = report
	job.Error = errMsg
	job.FinishedAt = &now
	job.UpdatedAt = now
	job.cancel = nil
	job.targets = nil
	if status == JobCompleted {
		job.Progress = 100
	}
	jm.broadcastLocked(job.ID, finalMessage(job.snapshot()))
}

func (jm *JobManager) publishProgress(update ProgressUpdate) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[update.JobID]
	if !ok || job.Status != JobRunning {
		return
	}
	job.Progress = update.Progress
	if update.CurrentStep != "" {
		job.Message = update.CurrentStep
	}
	job.UpdatedAt = time.Now()
	update.Status = job.Status
	jm.broadcastLocked(job.ID, newMessage(MessageTypeProgress, job.ID, update))
}

func (jm *JobManager) statusMessage(job *Job) Message {
	return newMessage(MessageTypeStatus, job.ID, StatusUpdate{
		JobID:     job.ID,
		Status:    job.Status,
		Message:   job.Message,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	})
}

// broadcastLocked sends msg to every listener without blocking. A listener
// that is full misses progress updates but always receives the terminal
// message, after which it is closed.
func (jm *JobManager) broadcastLocked(id string, msg Message) {
	listeners := jm.listeners[id]
	for _, ch := range listeners {
		select {
		case ch <- msg:
			continue
		default:
		}
		if !msg.Terminal() {
			jm.logger.WarnWithContext(&logging.LogContext{JobID: id}, "Listener full, skipping %s update", msg.Type)
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- msg:
		default:
		}
	}
	if msg.Terminal() {
		for _, ch := range listeners {
			close(ch)
		}
		delete(jm.listeners, id)
	}
}
