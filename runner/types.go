// Package runner owns the TaskRun state machine: a watchdog-driven
// reconcile loop that advances plans step by step, checkpoints progress,
// retries transient failures with backoff, and persists every mutation.
package runner

import (
	"time"

	"github.com/alabobai/capability-runtime/retriever"
)

// RunState is one of the six states in the TaskRun lifecycle (spec §4.4.1).
type RunState string

const (
	StatePlanned   RunState = "planned"
	StateRunning   RunState = "running"
	StateBlocked   RunState = "blocked"
	StateRetrying  RunState = "retrying"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
)

const (
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 5
	DefaultMaxAttempts = 3
)

// ExecutionStepResult records the outcome of dispatching one PlanStep.
type ExecutionStepResult struct {
	Step         int                    `json:"step"`
	CapabilityID string                 `json:"capabilityId"`
	OK           bool                   `json:"ok"`
	Status       int                    `json:"status"`
	Route        string                 `json:"route"`
	Method       string                 `json:"method"`
	Data         interface{}            `json:"data,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Execution is the run's accumulated step history.
type Execution struct {
	DryRun bool                  `json:"dryRun"`
	Steps  []ExecutionStepResult `json:"steps"`
}

// Diagnostics accumulates non-fatal warnings observed while advancing a run.
type Diagnostics struct {
	Degraded bool     `json:"degraded"`
	Notes    []string `json:"notes"`
	Failures []string `json:"failures"`
}

// VerificationCheck is one domain-specific validator's verdict.
type VerificationCheck struct {
	CapabilityID string `json:"capabilityId"`
	Domain       string `json:"domain"`
	OK           bool   `json:"ok"`
	Message      string `json:"message"`
	Remediation  string `json:"remediation,omitempty"`
}

// VerificationSummary is the Verifier's aggregate output for a run.
type VerificationSummary struct {
	Verified   bool                `json:"verified"`
	Blocked    bool                `json:"blocked"`
	Confidence float64             `json:"confidence"`
	Summary    string              `json:"summary"`
	Checks     []VerificationCheck `json:"checks"`
	Passed     int                 `json:"passed"`
	Failed     int                 `json:"failed"`
	// Status is the six-grade classification: ok, partial, degraded,
	// no-match, blocked, or error.
	Status string `json:"status,omitempty"`
}

// Checkpoint is the monotonically advancing watermark for a run.
type Checkpoint struct {
	NextStep  int       `json:"nextStep"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskRun is the central persisted entity owned by the runner.
type TaskRun struct {
	ID      string                 `json:"id"`
	Task    string                 `json:"task"`
	Context map[string]interface{} `json:"context,omitempty"`
	DryRun  bool                   `json:"dryRun"`

	State       RunState `json:"state"`
	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"maxAttempts"`

	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	HeartbeatAt   *time.Time `json:"heartbeatAt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`

	PauseRequested bool   `json:"pauseRequested"`
	LastError      string `json:"lastError,omitempty"`

	Intent               retriever.TaskIntent       `json:"intent"`
	MatchedCapabilities   []retriever.CapabilityMatch `json:"matchedCapabilities"`
	Plan                 []retriever.PlanStep        `json:"plan"`

	Execution     Execution            `json:"execution"`
	Diagnostics   Diagnostics          `json:"diagnostics"`
	Verification  VerificationSummary  `json:"verification"`
	Checkpoint    Checkpoint           `json:"checkpoint"`
	Origin        string               `json:"origin,omitempty"`
}

// resultForStep returns the existing result for step k, if any.
func (r *TaskRun) resultForStep(step int) (*ExecutionStepResult, int) {
	for i := range r.Execution.Steps {
		if r.Execution.Steps[i].Step == step {
			return &r.Execution.Steps[i], i
		}
	}
	return nil, -1
}

// setStepResult replaces any prior result for the same step and keeps
// Execution.Steps sorted ascending by step (spec §3 invariant).
func (r *TaskRun) setStepResult(result ExecutionStepResult) {
	if _, idx := r.resultForStep(result.Step); idx >= 0 {
		r.Execution.Steps[idx] = result
	} else {
		r.Execution.Steps = append(r.Execution.Steps, result)
	}
	sortSteps(r.Execution.Steps)
}

func sortSteps(steps []ExecutionStepResult) {
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j].Step < steps[j-1].Step; j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
}

// firstFailingStep returns the step index of the first result with OK=false,
// or 0 if every recorded result is ok (meaning no explicit failing step).
func (r *TaskRun) firstFailingStep() int {
	for _, s := range r.Execution.Steps {
		if !s.OK {
			return s.Step
		}
	}
	return 0
}

// clone returns a deep copy of r. The store hands clones out to callers
// outside the runner's own reconcile goroutine (HTTP handlers, the
// debounced writer) so that a run being mutated in place by advanceRun
// can't be observed mid-mutation by a concurrent reader (spec §5).
func (r *TaskRun) clone() *TaskRun {
	if r == nil {
		return nil
	}
	c := *r

	if r.Context != nil {
		c.Context = make(map[string]interface{}, len(r.Context))
		for k, v := range r.Context {
			c.Context[k] = v
		}
	}
	c.MatchedCapabilities = append([]retriever.CapabilityMatch(nil), r.MatchedCapabilities...)
	c.Plan = append([]retriever.PlanStep(nil), r.Plan...)
	c.Execution.Steps = append([]ExecutionStepResult(nil), r.Execution.Steps...)
	c.Diagnostics.Notes = append([]string(nil), r.Diagnostics.Notes...)
	c.Diagnostics.Failures = append([]string(nil), r.Diagnostics.Failures...)
	c.Verification.Checks = append([]VerificationCheck(nil), r.Verification.Checks...)

	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.HeartbeatAt != nil {
		t := *r.HeartbeatAt
		c.HeartbeatAt = &t
	}
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}
