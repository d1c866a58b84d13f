package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:                     "test-upstream",
		FailureThreshold:         3,
		ResetTimeout:             20 * time.Millisecond,
		HalfOpenSuccessThreshold: 2,
	})
	require.NoError(t, err)
	return cb
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()
	failing := func() error { return errors.New("boom") }

	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, failing)
		assert.Error(t, err)
		assert.Equal(t, "closed", cb.GetState())
	}

	err := cb.Execute(ctx, failing)
	assert.Error(t, err)
	assert.Equal(t, "open", cb.GetState())
}

func TestCircuitBreaker_RejectsWhileOpen(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	}
	require.Equal(t, "open", cb.GetState())

	calls := 0
	err := cb.Execute(ctx, func() error { calls++; return nil })
	assert.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, 0, calls, "fn must not run while circuit is open")
}

func TestCircuitBreaker_HalfOpenClosesAfterThreshold(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	}
	require.Equal(t, "open", cb.GetState())

	time.Sleep(25 * time.Millisecond)

	err := cb.Execute(ctx, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "half-open", cb.GetState())

	err = cb.Execute(ctx, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	}
	time.Sleep(25 * time.Millisecond)

	err := cb.Execute(ctx, func() error { return errors.New("still failing") })
	require.Error(t, err)
	assert.Equal(t, "open", cb.GetState())
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	require.Equal(t, "closed", cb.GetState())

	_ = cb.Execute(ctx, func() error { return nil })

	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	assert.Equal(t, "closed", cb.GetState(), "the earlier success should have reset the streak")
}

func TestCircuitBreaker_ClassifierExcludesCallerErrors(t *testing.T) {
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "classified",
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		ErrorClassifier:  DefaultErrorClassifier,
	})
	require.NoError(t, err)

	ctx := context.Background()
	callErr := cb.Execute(ctx, func() error { return context.Canceled })
	assert.Equal(t, context.Canceled, callErr)
	assert.Equal(t, "closed", cb.GetState(), "a caller-cancelled call must not count as a circuit failure")
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	}
	require.Equal(t, "open", cb.GetState())

	cb.Reset()
	assert.Equal(t, "closed", cb.GetState())
}
