// Package jobqueue implements the coarse-grained image/video job queue,
// independent of the Task Runner but sharing its retry/backoff taxonomy
// (spec §4.6).
package jobqueue

import "time"

// JobType is the kind of coarse-grained work a Job represents.
type JobType string

const (
	JobTypeImage JobType = "image"
	JobTypeVideo JobType = "video"
)

// JobStatus is one of the five states in a Job's lifecycle.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusRetrying  JobStatus = "retrying"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

const (
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 5
	DefaultMaxAttempts = 3

	// warmupMessage marks the forced single retry every first successful
	// video job is put through before being finally accepted (spec §4.6, §9).
	warmupMessage = "Warmup retry for video job stabilization"
)

// Job is one whole-job unit of coarse-grained work.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Payload     map[string]interface{} `json:"payload"`
	Status      JobStatus              `json:"status"`
	Attempt     int                    `json:"attempt"`
	MaxAttempts int                    `json:"maxAttempts"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`

	LastError string                 `json:"lastError,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`

	// WarmupDone records that this video job already consumed its one-time
	// forced warmup retry. Tracked separately from Attempt, since Attempt
	// also climbs on ordinary transient-failure retries (spec §4.6): a video
	// job whose first attempt fails transiently and whose second attempt
	// then succeeds must still be forced through the warmup retry.
	WarmupDone bool `json:"warmupDone,omitempty"`
}

// hasHadWarmupRetry reports whether job already went through the one-time
// video warmup retry, so it isn't forced through it again.
func (j *Job) hasHadWarmupRetry() bool {
	return j.WarmupDone
}
