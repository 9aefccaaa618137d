package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferbench/internal/backend"
	"inferbench/internal/backend/backendtest"
	"inferbench/internal/bench"
)

func completedReport() *bench.Report {
	return &bench.Report{RunID: "r", Status: bench.StatusCompleted, TotalCost: 0.5}
}

func startManager(t *testing.T, run RunFunc, opts JobManagerOptions) (*JobManager, context.CancelFunc) {
	t.Helper()
	jm := NewJobManager(run, opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	jm.Start(ctx)
	return jm, cancel
}

func submit(t *testing.T, jm *JobManager) Job {
	t.Helper()
	job, _, err := jm.Submit([]backend.Backend{backendtest.New("a")}, bench.Settings{Iterations: 1}, bench.Estimate{})
	require.NoError(t, err)
	return job
}

func waitStatus(t *testing.T, jm *JobManager, id string, want JobStatus) Job {
	t.Helper()
	require.Eventually(t, func() bool {
		j, ok := jm.Get(id)
		return ok && j.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	j, _ := jm.Get(id)
	return j
}

func TestJobManager_RunsOneAtATime(t *testing.T) {
	var inFlight, maxInFlight, runs int32
	run := func(ctx context.Context, _ []backend.Backend, _ bench.Settings, _ bench.Estimate, _ bench.Observer) (*bench.Report, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&runs, 1)
		return completedReport(), nil
	}
	jm, _ := startManager(t, run, JobManagerOptions{})

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, submit(t, jm).ID)
	}
	for _, id := range ids {
		job := waitStatus(t, jm, id, JobCompleted)
		assert.Equal(t, 100.0, job.Progress)
		require.NotNil(t, job.Report)
		assert.NotNil(t, job.StartedAt)
		assert.NotNil(t, job.FinishedAt)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Equal(t, int32(3), atomic.LoadInt32(&runs))
	assert.Len(t, jm.List(), 3)
}

func TestJobManager_SubmitReportsQueuePosition(t *testing.T) {
	jm := NewJobManager(nil, JobManagerOptions{})

	_, ahead, err := jm.Submit(nil, bench.Settings{}, bench.Estimate{})
	require.NoError(t, err)
	assert.Equal(t, 0, ahead)

	_, ahead, err = jm.Submit(nil, bench.Settings{}, bench.Estimate{})
	require.NoError(t, err)
	assert.Equal(t, 1, ahead)

	queued, running := jm.Counts()
	assert.Equal(t, 2, queued)
	assert.Equal(t, 0, running)
}

func TestJobManager_QueueFull(t *testing.T) {
	jm := NewJobManager(nil, JobManagerOptions{QueueSize: 1})

	_, _, err := jm.Submit(nil, bench.Settings{}, bench.Estimate{})
	require.NoError(t, err)
	_, _, err = jm.Submit(nil, bench.Settings{}, bench.Estimate{})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, jm.List(), 1)
}

func TestJobManager_CancelQueued(t *testing.T) {
	release := make(chan struct{})
	var runs int32
	run := func(ctx context.Context, _ []backend.Backend, _ bench.Settings, _ bench.Estimate, _ bench.Observer) (*bench.Report, error) {
		atomic.AddInt32(&runs, 1)
		<-release
		return completedReport(), nil
	}
	jm, _ := startManager(t, run, JobManagerOptions{})

	first := submit(t, jm)
	waitStatus(t, jm, first.ID, JobRunning)
	second := submit(t, jm)

	require.NoError(t, jm.Cancel(second.ID))
	job, _ := jm.Get(second.ID)
	assert.Equal(t, JobCancelled, job.Status)
	assert.Nil(t, job.Report)

	close(release)
	waitStatus(t, jm, first.ID, JobCompleted)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs), "a cancelled queued job never runs")

	assert.ErrorIs(t, jm.Cancel(second.ID), ErrJobFinished)
	assert.ErrorIs(t, jm.Cancel("missing"), ErrJobNotFound)
}

func TestJobManager_CancelRunningKeepsPartialReport(t *testing.T) {
	run := func(ctx context.Context, _ []backend.Backend, _ bench.Settings, _ bench.Estimate, _ bench.Observer) (*bench.Report, error) {
		<-ctx.Done()
		return &bench.Report{RunID: "partial", Interrupted: true, Results: []bench.Result{{Backend: "a"}}}, nil
	}
	jm, _ := startManager(t, run, JobManagerOptions{})

	job := submit(t, jm)
	waitStatus(t, jm, job.ID, JobRunning)
	require.NoError(t, jm.Cancel(job.ID))

	done := waitStatus(t, jm, job.ID, JobCancelled)
	require.NotNil(t, done.Report)
	assert.Equal(t, "partial", done.Report.RunID)
	assert.Equal(t, "Cancelled", done.Message)
}

func TestJobManager_Failures(t *testing.T) {
	t.Run("run error", func(t *testing.T) {
		run := func(context.Context, []backend.Backend, bench.Settings, bench.Estimate, bench.Observer) (*bench.Report, error) {
			return nil, errors.New("iterations must be at least 1, got 0")
		}
		jm, _ := startManager(t, run, JobManagerOptions{})
		job := waitStatus(t, jm, submit(t, jm).ID, JobFailed)
		assert.Contains(t, job.Error, "iterations must be at least 1")
		assert.Nil(t, job.Report)
	})

	t.Run("all backends failed", func(t *testing.T) {
		run := func(context.Context, []backend.Backend, bench.Settings, bench.Estimate, bench.Observer) (*bench.Report, error) {
			return &bench.Report{Status: bench.StatusAllBackendsFailed}, nil
		}
		jm, _ := startManager(t, run, JobManagerOptions{})
		job := waitStatus(t, jm, submit(t, jm).ID, JobFailed)
		assert.Equal(t, bench.ErrAllBackendsFailed.Error(), job.Error)
		assert.NotNil(t, job.Report)
	})
}

func TestJobManager_Subscribe(t *testing.T) {
	release := make(chan struct{})
	run := func(_ context.Context, _ []backend.Backend, _ bench.Settings, _ bench.Estimate, obs bench.Observer) (*bench.Report, error) {
		<-release
		obs.StateChanged("a", bench.Measuring)
		return completedReport(), nil
	}
	jm, _ := startManager(t, run, JobManagerOptions{ProgressInterval: time.Millisecond})

	job := submit(t, jm)
	waitStatus(t, jm, job.ID, JobRunning)

	updates, stop, err := jm.Subscribe(job.ID)
	require.NoError(t, err)
	defer stop()
	close(release)

	var types []string
	for msg := range updates {
		types = append(types, msg.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, MessageTypeStatus, types[0])
	assert.Contains(t, types, MessageTypeProgress)
	assert.Equal(t, MessageTypeComplete, types[len(types)-1])

	// A finished job replays only its terminal message.
	updates, _, err = jm.Subscribe(job.ID)
	require.NoError(t, err)
	msg, ok := <-updates
	require.True(t, ok)
	assert.Equal(t, MessageTypeComplete, msg.Type)
	completion, isCompletion := msg.Data.(CompletionMessage)
	require.True(t, isCompletion)
	assert.Equal(t, JobCompleted, completion.Status)
	_, ok = <-updates
	assert.False(t, ok)

	_, _, err = jm.Subscribe("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobManager_UnsubscribeClosesChannel(t *testing.T) {
	jm := NewJobManager(nil, JobManagerOptions{})
	job := submit(t, jm)

	updates, stop, err := jm.Subscribe(job.ID)
	require.NoError(t, err)
	<-updates
	stop()
	_, ok := <-updates
	assert.False(t, ok)
}

func TestJobManager_ShutdownCancelsQueued(t *testing.T) {
	// The worker may pick the job up before it sees the cancellation, in
	// which case the run is interrupted at once.
	jm := NewJobManager(func(context.Context, []backend.Backend, bench.Settings, bench.Estimate, bench.Observer) (*bench.Report, error) {
		return &bench.Report{Interrupted: true}, nil
	}, JobManagerOptions{})
	job := submit(t, jm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jm.Start(ctx)

	select {
	case <-jm.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	got, _ := jm.Get(job.ID)
	assert.Equal(t, JobCancelled, got.Status)
	assert.Equal(t, "Server shutting down", got.Message)
}

func TestJobManager_CleanupOldJobs(t *testing.T) {
	jm, _ := startManager(t, func(context.Context, []backend.Backend, bench.Settings, bench.Estimate, bench.Observer) (*bench.Report, error) {
		return completedReport(), nil
	}, JobManagerOptions{})

	finished := submit(t, jm)
	waitStatus(t, jm, finished.ID, JobCompleted)

	assert.Equal(t, 0, jm.CleanupOldJobs(time.Hour))
	assert.Equal(t, 1, jm.CleanupOldJobs(-time.Second))
	_, ok := jm.Get(finished.ID)
	assert.False(t, ok)
}
