package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alabobai/capability-runtime/resilience"
	"github.com/alabobai/capability-runtime/retriever"
)

// verificationBlockedNote is appended to Diagnostics.Failures whenever the
// Verifier blocks an otherwise-completed run (spec §4.5 Scenario E).
const verificationBlockedNote = "verification-blocked: output failed quality gate(s)"

// advanceRun moves run forward as far as it can go within one reconcile
// tick: through every remaining plan step until it blocks, fails, retries,
// or completes (spec §4.4.3).
func (r *Runner) advanceRun(run *TaskRun) {
	now := time.Now()

	if run.PauseRequested {
		run.State = StateBlocked
		run.UpdatedAt = now
		r.store.Put(run)
		return
	}

	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.State = StateRunning
	run.UpdatedAt = now

	if run.DryRun {
		r.synthesizeDryRun(run, now)
		return
	}

	for run.Checkpoint.NextStep <= len(run.Plan) {
		if run.PauseRequested {
			run.State = StateBlocked
			run.UpdatedAt = time.Now()
			r.store.Put(run)
			return
		}

		step := run.Plan[run.Checkpoint.NextStep-1]
		heartbeat := time.Now()
		run.HeartbeatAt = &heartbeat
		r.store.Put(run)

		result := r.dispatchStep(context.Background(), run, step)
		run.setStepResult(result)

		if result.OK {
			run.Checkpoint.NextStep++
			run.Checkpoint.UpdatedAt = time.Now()
			run.UpdatedAt = run.Checkpoint.UpdatedAt
			r.store.Put(run)
			r.store.AppendEvent(Event{Type: "run.step.succeeded", RunID: run.ID, State: run.State, Attempt: run.Attempt, Checkpoint: run.Checkpoint.NextStep})
			continue
		}

		r.handleStepFailure(run, result)
		return
	}

	r.completeRun(run)
}

func (r *Runner) handleStepFailure(run *TaskRun, result ExecutionStepResult) {
	now := time.Now()
	run.LastError = result.Error
	run.Diagnostics.Degraded = true
	run.Diagnostics.Failures = append(run.Diagnostics.Failures, fmt.Sprintf("step %d (%s): %s", result.Step, result.CapabilityID, result.Error))

	transient := resilience.IsTransient(errors.New(result.Error))
	if transient && run.Attempt < run.MaxAttempts {
		run.Attempt++
		run.State = StateRetrying
		delay := backoff(run.Attempt, r.config.RetryBaseMs, r.config.RetryMaxMs)
		next := now.Add(delay)
		run.NextAttemptAt = &next
		run.UpdatedAt = now
		r.store.Put(run)
		r.store.AppendEvent(Event{Type: "run.retry.scheduled", RunID: run.ID, State: run.State, Attempt: run.Attempt, Checkpoint: run.Checkpoint.NextStep})
		return
	}

	run.State = StateFailed
	run.CompletedAt = &now
	run.UpdatedAt = now
	if r.verifier != nil {
		run.Verification = r.verifier.Verify(run)
	}
	r.store.Put(run)
	r.store.AppendEvent(Event{Type: "run.failed", RunID: run.ID, State: run.State, Attempt: run.Attempt, Checkpoint: run.Checkpoint.NextStep})
}

func (r *Runner) completeRun(run *TaskRun) {
	now := time.Now()
	if r.verifier != nil {
		run.Verification = r.verifier.Verify(run)
	}

	if run.Verification.Blocked {
		run.State = StateBlocked
		run.Diagnostics.Degraded = true
		run.Diagnostics.Failures = append(run.Diagnostics.Failures, verificationBlockedNote)
	} else {
		run.State = StateSucceeded
	}
	run.CompletedAt = &now
	run.UpdatedAt = now
	r.store.Put(run)

	eventType := "run.completed"
	if run.State == StateBlocked {
		eventType = "run.blocked"
	}
	r.store.AppendEvent(Event{Type: eventType, RunID: run.ID, State: run.State, Attempt: run.Attempt, Checkpoint: run.Checkpoint.NextStep})
}

// synthesizeDryRun fabricates a successful result for every remaining step
// in one pass, without making any outbound calls (spec §4.4.4).
func (r *Runner) synthesizeDryRun(run *TaskRun, now time.Time) {
	for _, step := range run.Plan {
		run.setStepResult(ExecutionStepResult{
			Step:         step.Step,
			CapabilityID: step.CapabilityID,
			OK:           true,
			Status:       200,
			Route:        step.Route,
			Method:       step.Method,
			Data:         map[string]interface{}{"dryRun": true, "payload": step.Payload},
		})
	}
	run.Checkpoint.NextStep = len(run.Plan) + 1
	run.Checkpoint.UpdatedAt = now
	run.UpdatedAt = now
	r.completeRun(run)
}

// dispatchStep performs one plan step's outbound call, enforcing the step
// timeout, routing through the reliability kernel's bounded retry-with-
// circuit-breaker wrapper, and falling back to the in-process dispatch
// table on network failure or 404 (spec §4.3, §4.4.3 steps 2-4). The
// kernel-level retry (2 attempts, 220ms-2200ms backoff) is a distinct,
// finer-grained layer from the Task Runner's own attempt/backoff bookkeeping
// in handleStepFailure — a step only reaches the Task Runner's retry path
// once the kernel's own bounded retry is exhausted.
func (r *Runner) dispatchStep(ctx context.Context, run *TaskRun, step retriever.PlanStep) ExecutionStepResult {
	stepCtx, cancel := context.WithTimeout(ctx, r.config.StepTimeout)
	defer cancel()

	cb := r.circuitFor(step.CapabilityID)

	var primary DispatchResult
	cbErr := resilience.RetryWithCircuitBreaker(stepCtx, resilience.DefaultRetryConfig(), cb, func() error {
		primary = r.dispatch.Call(stepCtx, r.origin, step.Route, step.Method, step.Payload)
		return primary.Err
	})

	if cbErr == nil {
		return ExecutionStepResult{Step: step.Step, CapabilityID: step.CapabilityID, OK: true, Status: primary.StatusCode, Route: step.Route, Method: step.Method, Data: primary.Data}
	}

	if stepCtx.Err() == context.DeadlineExceeded {
		return ExecutionStepResult{Step: step.Step, CapabilityID: step.CapabilityID, OK: false, Route: step.Route, Method: step.Method, Error: fmt.Sprintf("step timeout after %dms", r.config.StepTimeout.Milliseconds())}
	}

	if resilience.IsCircuitOpen(cbErr) {
		return ExecutionStepResult{Step: step.Step, CapabilityID: step.CapabilityID, OK: false, Route: step.Route, Method: step.Method, Error: cbErr.Error()}
	}

	if shouldFallbackLocal(primary) {
		if handler, ok := r.localTable.Resolve(step.Route); ok {
			localResult, localErr := handler(stepCtx, step.Payload)
			if localErr == nil {
				return ExecutionStepResult{Step: step.Step, CapabilityID: step.CapabilityID, OK: true, Status: localResult.StatusCode, Route: step.Route, Method: step.Method, Data: localResult.Data}
			}
		}

		if step.CapabilityID == "research.search" {
			secondary := r.dispatch.Call(stepCtx, r.origin, "/proxy/search", "POST", translateToProxySearch(step.Payload))
			if secondary.Err == nil {
				return ExecutionStepResult{Step: step.Step, CapabilityID: step.CapabilityID, OK: true, Status: secondary.StatusCode, Route: "/proxy/search", Method: step.Method, Data: secondary.Data}
			}
		}
	}

	return ExecutionStepResult{Step: step.Step, CapabilityID: step.CapabilityID, OK: false, Status: primary.StatusCode, Route: step.Route, Method: step.Method, Error: cbErr.Error()}
}

// shouldFallbackLocal reports whether a primary dispatch failure is a
// network error or a 404, the two conditions the in-process fallback
// handles (spec §4.4.3 step 3).
func shouldFallbackLocal(primary DispatchResult) bool {
	return primary.StatusCode == 0 || primary.StatusCode == 404
}

// translateToProxySearch reshapes a research.search payload for the
// proxy.search secondary fallback route.
func translateToProxySearch(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// circuitFor returns the capability's circuit breaker, creating it lazily
// through the resilience factory (which wires in logging and, when
// available, telemetry) on first use.
func (r *Runner) circuitFor(capabilityID string) *resilience.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()

	if cb, ok := r.breakers[capabilityID]; ok {
		return cb
	}

	cb, err := resilience.CreateCircuitBreaker(capabilityID, resilience.ResilienceDependencies{Logger: r.logger})
	if err != nil {
		cb, _ = resilience.NewCircuitBreaker(resilience.DefaultConfig())
	}
	r.breakers[capabilityID] = cb
	return cb
}
