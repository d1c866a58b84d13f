package jobqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "jobs.json"), 10*time.Millisecond)
	cfg := DefaultConfig()
	cfg.RetryBaseMs = 5
	cfg.RetryMaxMs = 20
	return New(store, cfg)
}

func TestSubmitJob_RequiresRegisteredHandler(t *testing.T) {
	q := buildQueue(t)
	_, err := q.SubmitJob(JobTypeImage, map[string]interface{}{"prompt": "a cat"})
	require.Error(t, err)
}

func TestImageJob_SucceedsOnFirstAttempt(t *testing.T) {
	q := buildQueue(t)
	q.RegisterHandler(JobTypeImage, func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"url": "https://example.com/a.png"}, nil
	})

	job, err := q.SubmitJob(JobTypeImage, map[string]interface{}{"prompt": "a cat"})
	require.NoError(t, err)

	q.KickQueue()

	got, ok := q.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempt)
}

func TestVideoJob_ForcedThroughOneWarmupRetry(t *testing.T) {
	q := buildQueue(t)
	q.RegisterHandler(JobTypeVideo, func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"videoUrl": "https://example.com/a.mp4"}, nil
	})

	job, err := q.SubmitJob(JobTypeVideo, map[string]interface{}{"prompt": "a sunset"})
	require.NoError(t, err)

	q.KickQueue()
	got, _ := q.GetJob(job.ID)
	require.Equal(t, StatusRetrying, got.Status)
	assert.Equal(t, warmupMessage, got.LastError)
	assert.Equal(t, 1, got.Attempt)

	q.KickQueue()
	got, _ = q.GetJob(job.ID)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempt)
}

func TestVideoJob_StillForcedThroughWarmupAfterTransientFailure(t *testing.T) {
	q := buildQueue(t)
	attempt := 0
	q.RegisterHandler(JobTypeVideo, func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		attempt++
		if attempt == 1 {
			return nil, errors.New("upstream returned 503")
		}
		return map[string]interface{}{"videoUrl": "https://example.com/a.mp4"}, nil
	})

	job, err := q.SubmitJob(JobTypeVideo, map[string]interface{}{"prompt": "a sunset"})
	require.NoError(t, err)
	job.MaxAttempts = 3

	// First attempt fails transiently; Attempt climbs to 1 without ever
	// succeeding, so the warmup retry must not be considered consumed yet.
	q.KickQueue()
	got, _ := q.GetJob(job.ID)
	require.Equal(t, StatusRetrying, got.Status)
	require.False(t, got.WarmupDone)

	time.Sleep(15 * time.Millisecond)

	// Second attempt succeeds on Attempt=2, which previously satisfied the
	// old Attempt>1 warmup check and would have skipped the forced retry.
	q.KickQueue()
	got, _ = q.GetJob(job.ID)
	assert.Equal(t, StatusRetrying, got.Status)
	assert.Equal(t, warmupMessage, got.LastError)
	assert.True(t, got.WarmupDone)

	q.KickQueue()
	got, _ = q.GetJob(job.ID)
	assert.Equal(t, StatusSucceeded, got.Status)
}

func TestJob_TransientFailureRetriesThenFails(t *testing.T) {
	q := buildQueue(t)
	calls := 0
	q.RegisterHandler(JobTypeImage, func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return nil, errors.New("upstream returned 503")
	})

	job, err := q.SubmitJob(JobTypeImage, nil)
	require.NoError(t, err)
	job.MaxAttempts = 2

	q.KickQueue()
	got, _ := q.GetJob(job.ID)
	require.Equal(t, StatusRetrying, got.Status)

	time.Sleep(15 * time.Millisecond)
	q.KickQueue()
	got, _ = q.GetJob(job.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, calls)
}
