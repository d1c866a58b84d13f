package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsWithoutRetryingOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	cfg := &RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2, JitterEnabled: false}
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errors.New("upstream 503")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_ContextCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffFactor: 2}
	err := Retry(ctx, cfg, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls, 2)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", errors.New("request timeout"), true},
		{"429", errors.New("upstream returned 429"), true},
		{"503", errors.New("503 service unavailable"), true},
		{"network", errors.New("network is unreachable"), true},
		{"temporar", errors.New("temporarily unavailable"), true},
		{"circuit open is not transient", errors.New("circuit-open:media.image.generate"), false},
		{"plain not found", errors.New("capability not found"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestRetryWithCircuitBreaker_FailsFastWhenOpen(t *testing.T) {
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "rwcb",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})
	require.NoError(t, err)
	cb.RecordFailure()
	require.Equal(t, "open", cb.GetState())

	calls := 0
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	callErr := RetryWithCircuitBreaker(context.Background(), cfg, cb, func() error {
		calls++
		return nil
	})
	assert.Error(t, callErr)
	assert.True(t, IsCircuitOpen(callErr))
}
