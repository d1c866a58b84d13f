package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alabobai/capability-runtime/core"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows all calls through and counts consecutive failures.
	StateClosed CircuitState = iota
	// StateOpen rejects every call until resetTimeout has elapsed since opening.
	StateOpen
	// StateHalfOpen allows calls through one at a time to probe recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker events for monitoring.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier reports whether an error should count toward the circuit's
// consecutive-failure count. Errors a caller caused (bad config, not-found,
// cancellation) don't count against an upstream's health.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure failures, not caller errors.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) {
		return false
	}
	if core.IsNotFound(err) {
		return false
	}
	if core.IsStateError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig configures a single named circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this breaker in logs, metrics and the open-circuit error.
	Name string

	// FailureThreshold is the number of consecutive counted failures in the
	// closed state before the circuit opens. Default 3.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before allowing a
	// half-open probe. Default 20s.
	ResetTimeout time.Duration

	// HalfOpenSuccessThreshold is the number of consecutive half-open
	// successes required to close the circuit again. Default 2.
	HalfOpenSuccessThreshold int

	// ErrorClassifier decides which errors count as failures.
	ErrorClassifier ErrorClassifier

	Logger  core.Logger
	Metrics MetricsCollector
}

// DefaultConfig returns the circuit breaker defaults used by the Reliability Kernel.
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:                     "default",
		FailureThreshold:         3,
		ResetTimeout:             20 * time.Second,
		HalfOpenSuccessThreshold: 2,
		ErrorClassifier:          DefaultErrorClassifier,
		Logger:                   &core.NoOpLogger{},
		Metrics:                  &noopMetrics{},
	}
}

// CircuitBreaker is a process-wide, per-upstream-name breaker: closed state
// counts consecutive failures, open state refuses calls until resetTimeout
// elapses, half-open state admits one probe at a time and needs
// HalfOpenSuccessThreshold consecutive successes to close again. Any
// half-open failure reopens the circuit immediately.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                 sync.Mutex
	state              CircuitState
	openedAt           time.Time
	consecutiveFails   int
	halfOpenSuccesses  int
	halfOpenInFlight   bool
	listeners          []func(name string, from, to CircuitState)

	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// NewCircuitBreaker builds a circuit breaker from config, filling in defaults
// for any zero-valued fields.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Name == "" {
		return nil, errors.New("circuit breaker name is required")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 20 * time.Second
	}
	if config.HalfOpenSuccessThreshold <= 0 {
		config.HalfOpenSuccessThreshold = 2
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}

	config.Logger.Info("circuit breaker created", map[string]interface{}{
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"reset_timeout_ms":  config.ResetTimeout.Milliseconds(),
	})

	return cb, nil
}

// SetLogger installs a logger, tagging it with the resilience component when
// the logger supports it.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("runtime/resilience")
		return
	}
	cb.config.Logger = logger
}

// CanUseCircuit reports whether a call is currently allowed, performing the
// open -> half-open transition as a side effect when resetTimeout has
// elapsed. A caller that gets true must follow up with RecordSuccess or
// RecordFailure exactly once.
func (cb *CircuitBreaker) CanUseCircuit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.canUseCircuitLocked()
}

func (cb *CircuitBreaker) canUseCircuitLocked() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		// Only one probe in flight at a time.
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transitionLocked(StateHalfOpen)
			cb.halfOpenInFlight = true
			return true
		}
		return false
	default:
		return false
	}
}

// Execute runs fn under circuit breaker protection. If the circuit refuses
// the call, a wrapped core.ErrCircuitBreakerOpen is returned without
// invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout is Execute with an optional per-call timeout. fn keeps
// running after a timeout fires (its result is recorded when it eventually
// returns); the caller only sees ctx.Err().
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if !cb.CanUseCircuit() {
		cb.rejectedExecutions.Add(1)
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return fmt.Errorf("circuit-open:%s: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	cb.totalExecutions.Add(1)

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				cb.config.Logger.Error("circuit breaker caught panic", map[string]interface{}{
					"name":  cb.config.Name,
					"panic": fmt.Sprintf("%v", r),
					"stack": string(stack),
				})
				done <- fmt.Errorf("panic in circuit breaker %s: %v", cb.config.Name, r)
				return
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.complete(err)
		return err
	case <-ctx.Done():
		go func() {
			err := <-done
			cb.complete(err)
		}()
		return ctx.Err()
	}
}

func (cb *CircuitBreaker) complete(err error) {
	if err == nil || !cb.config.ErrorClassifier(err) {
		cb.recordSuccess()
		return
	}
	cb.recordFailure()
}

// RecordSuccess reports a successful call to a circuit the caller obtained
// permission for via CanUseCircuit. Exposed for callers that drive their own
// call execution rather than going through Execute.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.recordSuccess()
}

// RecordFailure reports a failed call. See RecordSuccess.
func (cb *CircuitBreaker) RecordFailure() {
	cb.recordFailure()
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.config.Metrics.RecordSuccess(cb.config.Name)

	switch cb.state {
	case StateClosed:
		cb.consecutiveFails = 0
	case StateHalfOpen:
		cb.halfOpenInFlight = false
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenSuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.config.Metrics.RecordFailure(cb.config.Name, "infrastructure_error")

	switch cb.state {
	case StateClosed:
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.halfOpenInFlight = false
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked changes state. Caller must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState

	switch newState {
	case StateOpen:
		cb.openedAt = time.Now()
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = false
	case StateHalfOpen:
		cb.halfOpenSuccesses = 0
	case StateClosed:
		cb.consecutiveFails = 0
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = false
	}

	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name,
		"from": oldState.String(),
		"to":   newState.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}

// AddStateChangeListener registers a callback invoked (in its own goroutine)
// whenever the circuit transitions.
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// GetState returns the current state as a string ("closed", "open", "half-open").
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// GetMetrics returns a snapshot of counters useful for a health/debug endpoint.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	m := map[string]interface{}{
		"name":                cb.config.Name,
		"state":               cb.state.String(),
		"consecutive_fails":   cb.consecutiveFails,
		"total_executions":    cb.totalExecutions.Load(),
		"rejected_executions": cb.rejectedExecutions.Load(),
	}
	if cb.state == StateOpen {
		m["opened_at"] = cb.openedAt
		m["reset_in_ms"] = cb.config.ResetTimeout.Milliseconds() - time.Since(cb.openedAt).Milliseconds()
	}
	if cb.state == StateHalfOpen {
		m["half_open_successes"] = cb.halfOpenSuccesses
	}
	return m
}

// Reset forces the circuit back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState := cb.state
	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.halfOpenSuccesses = 0
	cb.halfOpenInFlight = false
	cb.totalExecutions.Store(0)
	cb.rejectedExecutions.Store(0)
	cb.config.Logger.Info("circuit breaker reset", map[string]interface{}{
		"name":           cb.config.Name,
		"previous_state": oldState.String(),
	})
}

// CanExecute is an alias for CanUseCircuit, present because the
// core.CircuitBreaker interface names the method this way.
func (cb *CircuitBreaker) CanExecute() bool {
	return cb.CanUseCircuit()
}

// CircuitBreaker implements core.CircuitBreaker so callers that depend on
// the framework interface (rather than this concrete type) can swap in an
// alternate implementation without touching call sites.
var _ core.CircuitBreaker = (*CircuitBreaker)(nil)
