package jobqueue

import (
	"os"
	"strconv"
	"time"

	"github.com/alabobai/capability-runtime/core"
)

// Config holds the Job Queue's tunables (spec §6).
type Config struct {
	RetryBaseMs      int64
	RetryMaxMs       int64
	MaxAttempts      int
	ExecutionTimeout time.Duration
	StorePath        string
}

func DefaultConfig() Config {
	return Config{
		RetryBaseMs:      1200,
		RetryMaxMs:       15000,
		MaxAttempts:      DefaultMaxAttempts,
		ExecutionTimeout: 90000 * time.Millisecond,
		StorePath:        "/tmp/alabobai-job-queue.json",
	}
}

// LoadConfigFromEnv overlays DefaultConfig with any set environment
// variables named in core/constants.go.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseMs = envInt64(core.EnvJobRetryBaseMs, cfg.RetryBaseMs)
	cfg.RetryMaxMs = envInt64(core.EnvJobRetryMaxMs, cfg.RetryMaxMs)
	cfg.MaxAttempts = envInt(core.EnvJobMaxAttempts, cfg.MaxAttempts)
	cfg.ExecutionTimeout = envDurationMs(core.EnvJobExecutionTimeoutMs, cfg.ExecutionTimeout)
	cfg.StorePath = envString(core.EnvJobQueueStorePath, cfg.StorePath)

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

// backoff implements spec §4.4.6, shared shape with the task runner's.
func backoff(attempt int, baseMs, maxMs int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delayMs := baseMs << uint(shift)
	if delayMs > maxMs || delayMs < 0 {
		delayMs = maxMs
	}
	return time.Duration(delayMs) * time.Millisecond
}
