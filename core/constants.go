package core

// Environment variable names for the Task Runner's tunables (spec §6).
// All are unsigned integers expressed in milliseconds unless noted.
const (
	EnvTaskWatchdogIntervalMs = "TASK_WATCHDOG_INTERVAL_MS" // default 5000
	EnvTaskRunStaleMs         = "TASK_RUN_STALE_MS"          // default 30000
	EnvTaskMaxAttempts        = "TASK_MAX_ATTEMPTS"          // default 3
	EnvTaskRetryBaseMs        = "TASK_RETRY_BASE_MS"         // default 1500
	EnvTaskRetryMaxMs         = "TASK_RETRY_MAX_MS"          // default 30000
	EnvTaskStepTimeoutMs      = "TASK_STEP_TIMEOUT_MS"       // default 60000
	EnvTaskMaxPersistedRuns   = "TASK_MAX_PERSISTED_RUNS"    // default 400
	EnvTaskPersistDebounceMs  = "TASK_PERSIST_DEBOUNCE_MS"   // default 80

	EnvTaskRuntimeStorePath  = "TASK_RUNTIME_STORE_PATH"  // default /tmp/alabobai-task-runs.json
	EnvTaskRuntimeEventsPath = "TASK_RUNTIME_EVENTS_PATH" // default /tmp/alabobai-task-runs.jsonl
)

// Environment variable names for the Job Queue's tunables (spec §6).
const (
	EnvJobRetryBaseMs        = "JOB_RETRY_BASE_MS"        // default 1200
	EnvJobRetryMaxMs         = "JOB_RETRY_MAX_MS"         // default 15000
	EnvJobMaxAttempts        = "JOB_MAX_ATTEMPTS"         // default 3
	EnvJobExecutionTimeoutMs = "JOB_EXECUTION_TIMEOUT_MS" // default 90000
	EnvJobQueueStorePath     = "JOB_QUEUE_STORE_PATH"     // default /tmp/alabobai-job-queue.json
)

// Environment variables governing ambient concerns, following the same
// naming convention as the tunables above.
const (
	EnvCapabilityManifestPath = "CAPABILITY_MANIFEST_PATH" // default ./capabilities.yaml
	EnvDevMode                = "RUNTIME_DEV_MODE"
	EnvTelemetryEnabled       = "GOMIND_TELEMETRY_ENABLED"
)
