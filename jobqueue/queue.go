package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alabobai/capability-runtime/core"
	"github.com/alabobai/capability-runtime/resilience"
)

// Handler executes one job attempt and returns its result payload.
type Handler func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// Queue is the coarse-grained image/video job queue: independent of the
// Task Runner, with its own persistence, backoff, and single-writer
// reconcile discipline (spec §4.6).
type Queue struct {
	store    Store
	handlers map[JobType]Handler
	config   Config
	logger   core.Logger

	processing chan struct{}
}

// New builds a Queue. Call Start to hydrate the store and register
// handlers with RegisterHandler before the first KickQueue.
func New(store Store, config Config) *Queue {
	q := &Queue{
		store:      store,
		handlers:   make(map[JobType]Handler),
		config:     config,
		logger:     &core.NoOpLogger{},
		processing: make(chan struct{}, 1),
	}
	q.processing <- struct{}{}
	return q
}

// SetLogger installs a logger, tagging it with the jobqueue component when supported.
func (q *Queue) SetLogger(logger core.Logger) {
	if logger == nil {
		q.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		q.logger = cal.WithComponent("runtime/jobqueue")
		return
	}
	q.logger = logger
	q.store.SetLogger(logger)
}

// RegisterHandler installs the handler for jobType. Call before Start.
func (q *Queue) RegisterHandler(jobType JobType, handler Handler) {
	q.handlers[jobType] = handler
}

// Start hydrates the store and starts its writer goroutine, if any.
func (q *Queue) Start(ctx context.Context) error {
	q.store.Hydrate()
	return q.store.Start(ctx)
}

// Stop halts the underlying store.
func (q *Queue) Stop() {
	q.store.Stop()
}

// SubmitJob enqueues a new job and returns it.
func (q *Queue) SubmitJob(jobType JobType, payload map[string]interface{}) (*Job, error) {
	if _, ok := q.handlers[jobType]; !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", jobType)
	}
	now := time.Now()
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Status:      StatusQueued,
		Attempt:     0,
		MaxAttempts: q.config.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.store.Put(job)
	return job, nil
}

// GetJob returns the job with id, if present.
func (q *Queue) GetJob(id string) (*Job, bool) {
	return q.store.Get(id)
}

// KickQueue runs one reconcile pass over every runnable job, processing
// them sequentially. A pass already in flight causes this call to no-op.
func (q *Queue) KickQueue() {
	select {
	case <-q.processing:
	default:
		return
	}
	defer func() { q.processing <- struct{}{} }()

	now := time.Now()
	for _, job := range collectRunnableJobs(q.store.All(), now) {
		q.processJob(job)
	}
}

func collectRunnableJobs(jobs []*Job, now time.Time) []*Job {
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		switch j.Status {
		case StatusQueued:
			out = append(out, j)
		case StatusRetrying:
			if j.NextRunAt == nil || !j.NextRunAt.After(now) {
				out = append(out, j)
			}
		}
	}
	sortByCreatedAtAsc(out)
	return out
}

func sortByCreatedAtAsc(jobs []*Job) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && jobs[k].CreatedAt.Before(jobs[k-1].CreatedAt); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}

func (q *Queue) processJob(job *Job) {
	handler, ok := q.handlers[job.Type]
	if !ok {
		job.Status = StatusFailed
		job.LastError = fmt.Sprintf("no handler registered for job type %q", job.Type)
		job.UpdatedAt = time.Now()
		q.store.Put(job)
		return
	}

	job.Status = StatusRunning
	job.Attempt++
	job.UpdatedAt = time.Now()
	q.store.Put(job)

	ctx, cancel := context.WithTimeout(context.Background(), q.config.ExecutionTimeout)
	defer cancel()

	result, err := handler(ctx, job.Payload)
	now := time.Now()

	if err != nil {
		q.handleJobFailure(job, err, now)
		return
	}

	if job.Type == JobTypeVideo && !job.hasHadWarmupRetry() {
		job.Status = StatusRetrying
		job.LastError = warmupMessage
		job.WarmupDone = true
		next := now
		job.NextRunAt = &next
		job.UpdatedAt = now
		q.store.Put(job)
		q.logger.Info("video job forced through warmup retry", map[string]interface{}{"jobId": job.ID})
		return
	}

	job.Status = StatusSucceeded
	job.Result = result
	job.LastError = ""
	job.UpdatedAt = now
	q.store.Put(job)
}

func (q *Queue) handleJobFailure(job *Job, err error, now time.Time) {
	job.LastError = err.Error()

	transient := resilience.IsTransient(errors.New(job.LastError))
	if transient && job.Attempt < job.MaxAttempts {
		job.Status = StatusRetrying
		delay := backoff(job.Attempt+1, q.config.RetryBaseMs, q.config.RetryMaxMs)
		next := now.Add(delay)
		job.NextRunAt = &next
		job.UpdatedAt = now
		q.store.Put(job)
		return
	}

	job.Status = StatusFailed
	job.UpdatedAt = now
	q.store.Put(job)
}
