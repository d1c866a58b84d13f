package resilience

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alabobai/capability-runtime/core"
)

// RetryConfig configures bounded retry-with-backoff.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig mirrors runWithReliability's defaults: 2 attempts,
// 220ms base delay doubling up to a 2200ms cap.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  220 * time.Millisecond,
		MaxDelay:      2200 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// transientMarkers is the lowercase substring set that marks an error
// message as transient. "circuit-open:" is deliberately absent — a refused
// circuit call is never retried, it fails fast.
var transientMarkers = []string{
	"timeout", "timed out", "429", "502", "503", "504",
	"network", "fetch", "econnreset", "temporar",
}

// IsTransient classifies an error by its message, matching the runner and
// job queue's shared transient-error taxonomy. It intentionally does not
// match a bare digit "5" anywhere in the message — an earlier draft of this
// predicate did that and it misclassified unrelated errors (any message
// mentioning, say, a count of 5 retries) as transient. Kept narrow on
// purpose; see DESIGN.md.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsCircuitOpen(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsCircuitOpen reports whether err is (or wraps) a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "circuit-open:")
}

// Retry runs fn up to config.MaxAttempts times with exponential backoff
// between attempts, stopping early on success or context cancellation. A
// circuit-open error is returned at once, without further attempts.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if IsCircuitOpen(lastErr) {
			return lastErr
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker wraps fn so every attempt first checks the
// breaker; an open circuit fails the attempt immediately rather than
// invoking fn, and Retry returns that circuit-open error without retrying.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanUseCircuit() {
			return fmt.Errorf("circuit-open:%s: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
		}

		err := fn()
		if err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}

// RetryExecutor bundles a RetryConfig with logging/telemetry hooks for
// callers that want a reusable, dependency-injected retry helper rather than
// calling the package-level Retry function directly.
type RetryExecutor struct {
	config           *RetryConfig
	logger           core.Logger
	telemetryEnabled bool
}

// NewRetryExecutor builds a RetryExecutor. A nil config uses DefaultRetryConfig.
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryExecutor{
		config: config,
		logger: &core.NoOpLogger{},
	}
}

// SetLogger installs a logger, tagging it with the resilience component when supported.
func (r *RetryExecutor) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("runtime/resilience")
		return
	}
	r.logger = logger
}

// Do runs fn under this executor's configured retry policy, logging the
// outcome. When telemetry is enabled it routes through RetryWithTelemetry so
// attempt/backoff/outcome counters are emitted.
func (r *RetryExecutor) Do(ctx context.Context, operation string, fn func() error) error {
	if r.telemetryEnabled {
		err := RetryWithTelemetry(ctx, operation, r.config, fn)
		r.logOutcome(operation, err)
		return err
	}
	err := Retry(ctx, r.config, fn)
	r.logOutcome(operation, err)
	return err
}

func (r *RetryExecutor) logOutcome(operation string, err error) {
	if err == nil {
		r.logger.Debug("retry succeeded", map[string]interface{}{"operation": operation})
		return
	}
	r.logger.Warn("retry exhausted", map[string]interface{}{"operation": operation, "error": err.Error()})
}
