package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alabobai/capability-runtime/core"
	"github.com/alabobai/capability-runtime/resilience"
	"github.com/alabobai/capability-runtime/retriever"
)

// Verifier classifies a completed run's step outputs. Implemented by
// package verifier; declared here so runner depends on no concrete type.
type Verifier interface {
	Verify(run *TaskRun) VerificationSummary
}

const waitPollInterval = 250 * time.Millisecond
const waitDefaultTimeout = 25 * time.Second

// Runner owns the TaskRun table and the watchdog-driven reconcile loop that
// advances every runnable run one tick at a time.
type Runner struct {
	retriever  *retriever.Retriever
	store      *Store
	dispatch   *DispatchClient
	localTable *LocalDispatchTable
	verifier   Verifier
	origin     string
	config     Config
	logger     core.Logger

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker

	processing chanGuard
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// chanGuard is a single-slot non-blocking mutex used to skip a reconcile
// tick if the previous one is still running, rather than queuing ticks up.
type chanGuard chan struct{}

func newChanGuard() chanGuard {
	c := make(chanGuard, 1)
	c <- struct{}{}
	return c
}

func (c chanGuard) tryAcquire() bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func (c chanGuard) release() {
	c <- struct{}{}
}

// New builds a Runner. Call Start to hydrate the store and begin the
// watchdog loop.
func New(ret *retriever.Retriever, store *Store, dispatch *DispatchClient, localTable *LocalDispatchTable, ver Verifier, origin string, config Config) *Runner {
	return &Runner{
		retriever:  ret,
		store:      store,
		dispatch:   dispatch,
		localTable: localTable,
		verifier:   ver,
		origin:     origin,
		config:     config,
		logger:     &core.NoOpLogger{},
		breakers:   make(map[string]*resilience.CircuitBreaker),
		processing: newChanGuard(),
	}
}

// SetLogger installs a logger, tagging it with the runner component when supported.
func (r *Runner) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("runtime/runner")
		return
	}
	r.logger = logger
}

// Start hydrates the store, starts its writer goroutine, and launches the
// watchdog ticker.
func (r *Runner) Start(ctx context.Context) error {
	r.store.Hydrate()
	if err := r.store.Start(ctx); err != nil {
		return err
	}

	watchdogCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.watchdogLoop(watchdogCtx)
	return nil
}

// Stop halts the watchdog loop and the underlying store.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.store.Stop()
}

func (r *Runner) watchdogLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick runs one reconcile pass: demote stale runs, then advance every
// runnable run to the next blocking point. Safe to call concurrently with
// the watchdog loop; a tick already in flight causes this call to no-op.
func (r *Runner) Tick() {
	if !r.processing.tryAcquire() {
		return
	}
	defer r.processing.release()

	now := time.Now()
	runs := r.store.All()

	for _, run := range runs {
		if run.State == StateRunning && run.HeartbeatAt != nil && now.Sub(*run.HeartbeatAt) > r.config.RunStale {
			r.demoteStale(run, now)
		}
	}

	runnable := collectRunnable(r.store.All(), now)
	for _, run := range runnable {
		r.advanceRun(run)
	}
}

func (r *Runner) demoteStale(run *TaskRun, now time.Time) {
	run.Attempt++
	run.State = StateRetrying
	delay := backoff(run.Attempt, r.config.RetryBaseMs, r.config.RetryMaxMs)
	next := now.Add(delay)
	run.NextAttemptAt = &next
	run.LastError = "heartbeat stale: run did not make progress within the watchdog window"
	run.Diagnostics.Degraded = true
	run.Diagnostics.Notes = append(run.Diagnostics.Notes, run.LastError)
	run.UpdatedAt = now
	r.store.Put(run)
	r.store.AppendEvent(Event{Type: "watchdog.stale.run", RunID: run.ID, State: run.State, Attempt: run.Attempt, Checkpoint: run.Checkpoint.NextStep})
	r.logger.Warn("run demoted for stale heartbeat", map[string]interface{}{"runId": run.ID, "attempt": run.Attempt})
}

func collectRunnable(runs []*TaskRun, now time.Time) []*TaskRun {
	out := make([]*TaskRun, 0, len(runs))
	for _, run := range runs {
		switch run.State {
		case StatePlanned:
			out = append(out, run)
		case StateRetrying:
			if run.NextAttemptAt == nil || !run.NextAttemptAt.After(now) {
				out = append(out, run)
			}
		}
	}
	sortByCreatedAtAsc(out)
	return out
}

func sortByCreatedAtAsc(runs []*TaskRun) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].CreatedAt.Before(runs[j-1].CreatedAt); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
}

// Submit retrieves a plan for task and creates a TaskRun, immediately
// failing it if the retriever produced no plan (spec §4.1.2, §4.4.2).
func (r *Runner) Submit(task string, taskContext map[string]interface{}, dryRun bool, origin string, limit int) (*TaskRun, error) {
	result := r.retriever.Retrieve(task, taskContext, limit)
	now := time.Now()

	run := &TaskRun{
		ID:                  uuid.NewString(),
		Task:                task,
		Context:             taskContext,
		DryRun:              dryRun,
		Attempt:             1,
		MaxAttempts:         r.config.MaxAttempts,
		CreatedAt:           now,
		UpdatedAt:           now,
		Intent:              result.Intent,
		MatchedCapabilities: result.Matches,
		Plan:                result.Plan,
		Origin:              origin,
		Checkpoint:          Checkpoint{NextStep: 1, UpdatedAt: now},
	}

	if len(run.Plan) == 0 {
		run.State = StateFailed
		run.LastError = "No suitable capability matched the task."
		run.Diagnostics.Failures = append(run.Diagnostics.Failures, run.LastError)
		run.CompletedAt = &now
	} else {
		run.State = StatePlanned
	}

	r.store.Put(run)
	r.store.AppendEvent(Event{Type: "run.created", RunID: run.ID, State: run.State, Attempt: run.Attempt, Checkpoint: run.Checkpoint.NextStep})
	return run, nil
}

// GetRun returns the run with id, if present.
func (r *Runner) GetRun(id string) (*TaskRun, bool) {
	return r.store.Get(id)
}

// ListRuns returns up to limit runs, newest first. A limit below 1 uses 20;
// a limit above 200 is capped at 200.
func (r *Runner) ListRuns(limit int) []*TaskRun {
	if limit < 1 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	all := r.store.All()
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// PauseRun sets pauseRequested; if the run is currently planned or
// retrying it is moved straight to blocked (spec §4.4.8). Idempotent.
func (r *Runner) PauseRun(id string) (*TaskRun, error) {
	run, ok := r.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	run.PauseRequested = true
	if run.State == StatePlanned || run.State == StateRetrying {
		run.State = StateBlocked
	}
	run.UpdatedAt = time.Now()
	r.store.Put(run)
	r.store.AppendEvent(Event{Type: "run.paused", RunID: run.ID, State: run.State, Attempt: run.Attempt, Checkpoint: run.Checkpoint.NextStep})
	return run, nil
}

// ResumeRun clears pauseRequested; a blocked run is moved to retrying with
// nextAttemptAt=now so the next watchdog tick picks it back up (spec §4.4.8).
// origin is recorded for audit purposes only.
func (r *Runner) ResumeRun(id, origin string) (*TaskRun, error) {
	run, ok := r.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	run.PauseRequested = false
	if run.State == StateBlocked {
		run.State = StateRetrying
		now := time.Now()
		run.NextAttemptAt = &now
	}
	run.UpdatedAt = time.Now()
	r.store.Put(run)
	r.store.AppendEvent(Event{Type: "run.resumed", RunID: run.ID, State: run.State, Attempt: run.Attempt, Checkpoint: run.Checkpoint.NextStep})
	return run, nil
}

// RetryRun clears pauseRequested, moves the run to retrying with
// attempt=min(attempt+1,maxAttempts), rewinds checkpoint.nextStep to the
// first failing step (or leaves it as-is if nothing failed), clears
// lastError, and sets nextAttemptAt=now (spec §4.4.8). origin is recorded
// for audit purposes only.
func (r *Runner) RetryRun(id, origin string) (*TaskRun, error) {
	run, ok := r.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("run not found: %s", id)
	}

	run.PauseRequested = false
	run.State = StateRetrying
	if run.Attempt+1 < run.MaxAttempts {
		run.Attempt++
	} else {
		run.Attempt = run.MaxAttempts
	}
	if failing := run.firstFailingStep(); failing > 0 {
		run.Checkpoint.NextStep = failing
		run.Checkpoint.UpdatedAt = time.Now()
	}
	run.LastError = ""
	run.CompletedAt = nil
	now := time.Now()
	run.NextAttemptAt = &now
	run.UpdatedAt = now
	r.store.Put(run)
	r.store.AppendEvent(Event{Type: "run.retry.requested", RunID: run.ID, State: run.State, Attempt: run.Attempt, Checkpoint: run.Checkpoint.NextStep})
	return run, nil
}

// WaitForRun polls the store until run id reaches a terminal state
// (succeeded, failed, blocked) or timeout elapses.
func (r *Runner) WaitForRun(ctx context.Context, id string, timeout time.Duration) (*TaskRun, error) {
	if timeout <= 0 {
		timeout = waitDefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		run, ok := r.store.Get(id)
		if !ok {
			return nil, fmt.Errorf("run not found: %s", id)
		}
		if isTerminal(run.State) {
			return run, nil
		}
		if time.Now().After(deadline) {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

func isTerminal(s RunState) bool {
	return s == StateSucceeded || s == StateFailed || s == StateBlocked
}
