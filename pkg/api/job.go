package api

import (
	"encoding/json"
	"time"
)

// JobType identifies what a worker should do with a job.
type JobType string

const (
	// JobExecuteStep runs one RunStep attempt.
	JobExecuteStep JobType = "execute_step"
)

// Dedupe carries the keys a worker uses to detect duplicate deliveries.
type Dedupe struct {
	InputHash      string `json:"input_hash"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Job is the envelope consumed by workers.
type Job struct {
	ID      string          `json:"job_id"`
	Type    JobType         `json:"job_type"`
	RunID   string          `json:"run_id"`
	StepID  string          `json:"step_id"`
	StepKey string          `json:"step_key"`
	Attempt int             `json:"attempt"`
	Policy  PolicySnapshot  `json:"policy_snapshot"`
	Inputs  json.RawMessage `json:"inputs"`
	Dedupe  Dedupe          `json:"dedupe"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	// NotBefore is the earliest time the job may run. Zero means now.
	NotBefore time.Time `json:"not_before,omitempty"`
}
