package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Job states
const (
	StateScheduled = "scheduled"
	StatePending   = "pending"
	StateActive    = "active"
	StateRetrying  = "retrying"
	StateDead      = "dead"
)

// Backoff strategies
const (
	BackoffNone        = "none"
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrNotActive = errors.New("job is not active")
)

// Priority orders ready jobs: lower TimestampMs first, then lower Sequence.
// Two submissions in the same millisecond therefore run in the order of
// their per-millisecond sequence numbers.
type Priority struct {
	TimestampMs int64 `json:"timestamp_ms"`
	Sequence    int64 `json:"sequence"`
}

// Less reports whether p runs before o.
func (p Priority) Less(o Priority) bool {
	if p.TimestampMs != o.TimestampMs {
		return p.TimestampMs < o.TimestampMs
	}
	return p.Sequence < o.Sequence
}

// Score is the single-number form of the ordering, -(ms*1000 + seq).
// A higher score runs earlier. It is only exact while Sequence < 1000.
func (p Priority) Score() int64 {
	return -(p.TimestampMs*1000 + p.Sequence)
}

// Job is a unit of work held by the queue.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Name           string          `json:"name"`
	State          string          `json:"state"`
	Payload        json.RawMessage `json:"payload"`
	Priority       *Priority       `json:"priority,omitempty"`
	Attempt        int             `json:"attempt"`
	MaxRetries     int             `json:"max_retries"`
	RetryBackoff   string          `json:"retry_backoff"`
	RetryBaseDelay int             `json:"retry_base_delay_ms"`
	RetryMaxDelay  int             `json:"retry_max_delay_ms"`
	WorkerID       string          `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
}

// EnqueueRequest describes a job to add. Delay and Priority are exclusive:
// a delayed job becomes ready at now+Delay and is ordered by that instant.
type EnqueueRequest struct {
	Queue          string
	Name           string
	Payload        json.RawMessage
	Priority       *Priority
	Delay          time.Duration
	MaxRetries     *int
	RetryBackoff   string
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// FailResult is the response from failing a job.
type FailResult struct {
	Status            string     `json:"status"` // "retrying" or "dead"
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	AttemptsRemaining int        `json:"attempts_remaining"`
}

// Stats are live job counts for one queue.
type Stats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retrying  int    `json:"retrying"`
	Dead      int    `json:"dead"`
}
