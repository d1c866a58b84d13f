package runner

import (
	"os"
	"strconv"
	"time"

	"github.com/alabobai/capability-runtime/core"
)

// Config holds the Task Runner's tunables (spec §6).
type Config struct {
	WatchdogInterval time.Duration
	RunStale         time.Duration
	MaxAttempts      int
	RetryBaseMs      int64
	RetryMaxMs       int64
	StepTimeout      time.Duration
	MaxPersistedRuns int
	PersistDebounce  time.Duration
	StorePath        string
	EventsPath       string
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig() Config {
	return Config{
		WatchdogInterval: 5000 * time.Millisecond,
		RunStale:         30000 * time.Millisecond,
		MaxAttempts:      DefaultMaxAttempts,
		RetryBaseMs:      1500,
		RetryMaxMs:       30000,
		StepTimeout:      60000 * time.Millisecond,
		MaxPersistedRuns: 400,
		PersistDebounce:  80 * time.Millisecond,
		StorePath:        "/tmp/alabobai-task-runs.json",
		EventsPath:       "/tmp/alabobai-task-runs.jsonl",
	}
}

// LoadConfigFromEnv overlays DefaultConfig with any set environment
// variables named in core/constants.go.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.WatchdogInterval = envDurationMs(core.EnvTaskWatchdogIntervalMs, cfg.WatchdogInterval)
	cfg.RunStale = envDurationMs(core.EnvTaskRunStaleMs, cfg.RunStale)
	cfg.MaxAttempts = envInt(core.EnvTaskMaxAttempts, cfg.MaxAttempts)
	cfg.RetryBaseMs = envInt64(core.EnvTaskRetryBaseMs, cfg.RetryBaseMs)
	cfg.RetryMaxMs = envInt64(core.EnvTaskRetryMaxMs, cfg.RetryMaxMs)
	cfg.StepTimeout = envDurationMs(core.EnvTaskStepTimeoutMs, cfg.StepTimeout)
	cfg.MaxPersistedRuns = envInt(core.EnvTaskMaxPersistedRuns, cfg.MaxPersistedRuns)
	cfg.PersistDebounce = envDurationMs(core.EnvTaskPersistDebounceMs, cfg.PersistDebounce)
	cfg.StorePath = envString(core.EnvTaskRuntimeStorePath, cfg.StorePath)
	cfg.EventsPath = envString(core.EnvTaskRuntimeEventsPath, cfg.EventsPath)

	if cfg.MaxAttempts < MinMaxAttempts {
		cfg.MaxAttempts = MinMaxAttempts
	}
	if cfg.MaxAttempts > MaxMaxAttempts {
		cfg.MaxAttempts = MaxMaxAttempts
	}
	return cfg
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(name string, fallback int64) int64 {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationMs(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
