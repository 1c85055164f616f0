package reference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rehabmotion/platform/internal/capture"
	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// JobStatus is the lifecycle of a processing job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one asynchronous reference extraction. Snapshot copies are handed
// out; the runner owns the live value.
type Job struct {
	ID        types.ID                `json:"id"`
	Status    JobStatus               `json:"status"`
	Progress  int                     `json:"progress"`
	Movement  *pose.ReferenceMovement `json:"movement,omitempty"`
	Error     string                  `json:"error,omitempty"`
	ErrorCode string                  `json:"errorCode,omitempty"`
	CreatedAt time.Time               `json:"createdAt"`
	UpdatedAt time.Time               `json:"updatedAt"`

	src capture.RecordedVideoSource
}

// closer is implemented by sources holding remote resources.
type closer interface {
	Close(ctx context.Context) error
}

// RunnerConfig holds job runner configuration
type RunnerConfig struct {
	Workers    int
	BufferSize int
	// Retention is how long finished jobs stay queryable
	Retention time.Duration
}

// DefaultRunnerConfig returns default configuration
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:    2,
		BufferSize: 32,
		Retention:  time.Hour,
	}
}

// Runner processes reference videos on a worker pool. Each job owns its
// source, so seeks within one video stay sequential while different videos
// proceed in parallel.
type Runner struct {
	processor *Processor
	config    RunnerConfig
	logger    *slog.Logger

	mu   sync.RWMutex
	jobs map[types.ID]*Job

	jobCh   chan *Job
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a job runner
func NewRunner(processor *Processor, config RunnerConfig, logger *slog.Logger) *Runner {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		processor: processor,
		config:    config,
		logger:    logger,
		jobs:      make(map[types.ID]*Job),
		jobCh:     make(chan *Job, config.BufferSize),
	}
}

// Start starts the workers
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	return nil
}

// Stop cancels in-flight jobs, waits for the workers and fails every job
// still queued.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner not started")
	}
	r.started = false
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	for {
		select {
		case job := <-r.jobCh:
			r.release(job)
			r.fail(job, context.Canceled)
		default:
			return nil
		}
	}
}

// Submit queues src for processing and returns a snapshot of the new job.
func (r *Runner) Submit(src capture.RecordedVideoSource) (Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        types.NewID(),
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
		src:       src,
	}

	// Queued under the lock so Stop cannot miss the job while draining.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return Job{}, fmt.Errorf("reference runner stopped")
	}
	select {
	case r.jobCh <- job:
		r.jobs[job.ID] = job
		return *job, nil
	default:
		return Job{}, fmt.Errorf("reference job queue full")
	}
}

// Get returns a snapshot of the job.
func (r *Runner) Get(id types.ID) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.jobCh:
			r.run(ctx, job)
			r.evictExpired()
		}
	}
}

func (r *Runner) run(ctx context.Context, job *Job) {
	r.update(job, func(j *Job) { j.Status = JobRunning })

	movement, err := r.processor.Process(ctx, job.src, func(percent int) {
		r.update(job, func(j *Job) { j.Progress = percent })
	})
	r.release(job)

	if err != nil {
		r.fail(job, err)
		return
	}
	r.update(job, func(j *Job) {
		j.Status = JobCompleted
		j.Movement = movement
	})
}

// release closes the job's source if it holds remote resources.
func (r *Runner) release(job *Job) {
	r.mu.Lock()
	src := job.src
	job.src = nil
	r.mu.Unlock()

	if c, ok := src.(closer); ok {
		if err := c.Close(context.Background()); err != nil {
			r.logger.Warn("failed to release reference video", "job_id", job.ID, "error", err)
		}
	}
}

func (r *Runner) fail(job *Job, err error) {
	r.update(job, func(j *Job) {
		j.Status = JobFailed
		j.Error = err.Error()
		j.ErrorCode = errorCode(err)
	})
}

func (r *Runner) update(job *Job, fn func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(job)
	job.UpdatedAt = time.Now().UTC()
}

func (r *Runner) evictExpired() {
	if r.config.Retention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-r.config.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, job := range r.jobs {
		finished := job.Status == JobCompleted || job.Status == JobFailed
		if finished && job.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
		}
	}
}

func errorCode(err error) string {
	if errors.Is(err, context.Canceled) {
		return "CANCELLED"
	}
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}
