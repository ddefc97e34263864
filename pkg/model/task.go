package model

import "time"

// Task is one concrete attempt to execute a Job on a Runner. A Job may
// own many Tasks over time (one per attempt), but at most one may be
// RUNNING at any instant.
type Task struct {
	ID      string `json:"id"`
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`

	// RunnerID is empty until the task is leased.
	RunnerID string `json:"runner_id,omitempty"`

	Status Status `json:"status"`

	// Cause carries failure metadata, e.g. CauseRunnerLost for tasks
	// reclaimed by the lease-expiry sweep.
	Cause string `json:"cause,omitempty"`

	// TokenDigest is the SHA-256 digest of the current lease token.
	// The raw token is only ever returned in the lease response.
	TokenDigest string `json:"-"`

	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Started        *time.Time `json:"started,omitempty"`
	Stopped        *time.Time `json:"stopped,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	// Steps is populated on detail reads.
	Steps []Step `json:"steps,omitempty"`
}

// Failure causes recorded on Task.Cause.
const (
	CauseRunnerLost       = "runner lost"
	CauseRetriesExhausted = "retries exhausted"
)
