package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alabobai/capability-runtime/catalog"
	"github.com/alabobai/capability-runtime/retriever"
	"github.com/alabobai/capability-runtime/verifier"
)

func buildRunner(t *testing.T, origin string) *Runner {
	t.Helper()
	caps := []catalog.Capability{
		{ID: "chat.general", Name: "General Chat", Description: "General assistant", Domain: catalog.DomainChat, Route: "/chat", Method: "POST", Tags: []string{"chat"}},
		{ID: "media.image.generate", Name: "Image Generator", Description: "Generates images", Domain: catalog.DomainMedia, Route: "/media/image", Method: "POST", Tags: []string{"image", "generate"}, Triggers: []string{"generate an image"}},
	}
	cat, err := catalog.New(caps)
	require.NoError(t, err)

	ret := retriever.New(cat)
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "runs.json"), filepath.Join(dir, "runs.jsonl"), 400, 10*time.Millisecond)
	dispatch := NewDispatchClient(2 * time.Second)
	local := NewLocalDispatchTable()
	ver := verifier.New()

	cfg := DefaultConfig()
	cfg.WatchdogInterval = 20 * time.Millisecond
	cfg.RetryBaseMs = 5
	cfg.RetryMaxMs = 20
	cfg.RunStale = time.Hour

	return New(ret, store, dispatch, local, ver, origin, cfg)
}

func TestSubmit_EmptyTaskFailsImmediately(t *testing.T) {
	r := buildRunner(t, "http://example.invalid")
	run, err := r.Submit("   ", nil, false, "test", 0)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, run.State)
	assert.Contains(t, run.LastError, "No suitable capability")
}

func TestSubmit_DryRunSynthesizesAndCompletes(t *testing.T) {
	r := buildRunner(t, "http://example.invalid")
	run, err := r.Submit("generate an image of a sunset", nil, true, "test", 0)
	require.NoError(t, err)
	require.Equal(t, StatePlanned, run.State)

	r.advanceRun(run)

	assert.Equal(t, StateSucceeded, run.State)
	assert.True(t, run.Diagnostics.Degraded == false || run.Verification.Blocked == false)
	require.Len(t, run.Execution.Steps, len(run.Plan))
	for _, s := range run.Execution.Steps {
		assert.True(t, s.OK)
	}
}

func TestTick_AdvancesPlannedRunToSucceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"content": "here is a thoughtful answer to your question"})
	}))
	defer server.Close()

	r := buildRunner(t, server.URL)
	run, err := r.Submit("talk to me about go", nil, false, "test", 0)
	require.NoError(t, err)
	require.Equal(t, StatePlanned, run.State)

	r.Tick()

	got, ok := r.GetRun(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, got.State)
	assert.True(t, got.Verification.Verified)
}

func TestTick_SingleTransientFailureAbsorbedByKernelRetry(t *testing.T) {
	// The reliability kernel's own bounded retry (2 attempts) absorbs a
	// single transient failure before the Task Runner ever sees it, so one
	// Tick is enough to reach succeeded without the run ever going retrying.
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"content": "recovered response content here"})
	}))
	defer server.Close()

	r := buildRunner(t, server.URL)
	run, err := r.Submit("talk to me please", nil, false, "test", 0)
	require.NoError(t, err)

	r.Tick()

	got, _ := r.GetRun(run.ID)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, 1, got.Attempt)
}

func TestTick_TransientFailureExhaustsKernelRetryThenTaskRunnerRetries(t *testing.T) {
	// Two straight failures exhaust the kernel's own 2-attempt retry, so the
	// failure surfaces to the Task Runner's coarser attempt/backoff.
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"content": "recovered response content here"})
	}))
	defer server.Close()

	r := buildRunner(t, server.URL)
	run, err := r.Submit("talk to me please", nil, false, "test", 0)
	require.NoError(t, err)

	r.Tick()
	got, _ := r.GetRun(run.ID)
	require.Equal(t, StateRetrying, got.State)
	require.Equal(t, 2, got.Attempt)

	time.Sleep(30 * time.Millisecond)
	r.Tick()

	got, _ = r.GetRun(run.ID)
	assert.Equal(t, StateSucceeded, got.State)
}

func TestTick_ExhaustsRetriesAndFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r := buildRunner(t, server.URL)
	run, err := r.Submit("talk to me", nil, false, "test", 0)
	require.NoError(t, err)
	run.MaxAttempts = 2

	for i := 0; i < 10; i++ {
		r.Tick()
		time.Sleep(15 * time.Millisecond)
		got, _ := r.GetRun(run.ID)
		if got.State == StateFailed {
			// The exact failure text depends on whether the capability's
			// circuit breaker tripped open before the Task Runner's own
			// attempts were exhausted (spec §4.3); either way it must be
			// a recorded, non-empty failure.
			assert.NotEmpty(t, got.LastError)
			assert.NotEmpty(t, got.Diagnostics.Failures)
			return
		}
	}
	t.Fatal("run never reached failed state")
}

func TestPauseResumeRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"content": "a sufficiently long chat response"})
	}))
	defer server.Close()

	r := buildRunner(t, server.URL)
	run, err := r.Submit("talk to me", nil, false, "test", 0)
	require.NoError(t, err)

	paused, err := r.PauseRun(run.ID)
	require.NoError(t, err)
	assert.True(t, paused.PauseRequested)
	assert.Equal(t, StateBlocked, paused.State)

	resumed, err := r.ResumeRun(run.ID, "test")
	require.NoError(t, err)
	assert.False(t, resumed.PauseRequested)
	assert.Equal(t, StateRetrying, resumed.State)

	r.Tick()
	got, _ := r.GetRun(run.ID)
	assert.Equal(t, StateSucceeded, got.State)
}

func TestRetryRun_RewindsToFirstFailingStep(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r := buildRunner(t, server.URL)
	run, err := r.Submit("talk to me", nil, false, "test", 0)
	require.NoError(t, err)
	run.MaxAttempts = 1
	r.Tick()

	got, _ := r.GetRun(run.ID)
	require.Equal(t, StateFailed, got.State)

	retried, err := r.RetryRun(run.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, retried.State)
	assert.Equal(t, "", retried.LastError)
	assert.Equal(t, 1, retried.Checkpoint.NextStep)
}

func TestTick_VerificationBlockRecordsDiagnosticFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"url": "not a url"})
	}))
	defer server.Close()

	r := buildRunner(t, server.URL)
	run, err := r.Submit("generate an image of a sunset", nil, false, "test", 0)
	require.NoError(t, err)

	r.Tick()

	got, ok := r.GetRun(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateBlocked, got.State)
	assert.True(t, got.Verification.Blocked)
	assert.True(t, got.Diagnostics.Degraded)
	assert.Contains(t, got.Diagnostics.Failures, "verification-blocked: output failed quality gate(s)")
}

func TestWaitForRun_ReturnsOnTerminalState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"content": "a sufficiently long chat response"})
	}))
	defer server.Close()

	r := buildRunner(t, server.URL)
	run, err := r.Submit("talk to me", nil, false, "test", 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Tick()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := r.WaitForRun(ctx, run.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
}

func TestListRuns_ClampsLimit(t *testing.T) {
	r := buildRunner(t, "http://example.invalid")
	for i := 0; i < 3; i++ {
		_, err := r.Submit("talk to me", nil, false, "test", 0)
		require.NoError(t, err)
	}
	runs := r.ListRuns(0)
	assert.Len(t, runs, 3)
}
