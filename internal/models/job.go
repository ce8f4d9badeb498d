package models

import (
	"time"
)

// JobState enumerates the lifecycle states persisted in Postgres.
// Observed transitions are always a subsequence of
// waiting -> active -> {completed, failed}.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Terminal reports whether a state admits no further transitions.
func Terminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// Job represents one requested operation against the remote system.
type Job struct {
	ID             string         `json:"jobId"`
	Type           string         `json:"type"`
	OwnerID        string         `json:"userId"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey *string        `json:"idempotencyKey,omitempty"`
	State          string         `json:"state"`
	Progress       int            `json:"progress"`
	Result         map[string]any `json:"result,omitempty"`
	FailedReason   *string        `json:"failedReason,omitempty"`
	RetryOf        *string        `json:"retryOf,omitempty"`
	RetryCount     int            `json:"retryCount"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// QueueStats is derived queue state, maintained incrementally on every
// transition rather than recounted.
type QueueStats struct {
	Waiting     int `json:"waiting"`
	Active      int `json:"active"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Delayed     int `json:"delayed"`
	Prioritized int `json:"prioritized"`
}

// ActiveJob is the dashboard view of one in-flight job.
type ActiveJob struct {
	UserID string `json:"userId"`
	JobID  string `json:"jobId"`
	Type   string `json:"type"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
