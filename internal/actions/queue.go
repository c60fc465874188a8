package actions

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the state of a queued work item.
type Status string

// Work item statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// QueueItem is one queued action execution for a stored submission.
// An item is claimable while status is pending and NextAttemptAt has passed.
// Retryable failures return to pending with a future NextAttemptAt; completed
// and failed are terminal.
type QueueItem struct {
	ID            uuid.UUID
	SubmissionID  uuid.UUID
	ActionID      uuid.UUID
	Status        Status
	Attempts      int
	MaxAttempts   int
	LastError     string
	NextAttemptAt time.Time
	ClaimedAt     *time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// QueueStats contains aggregate queue health counters.
type QueueStats struct {
	Pending          int64
	Processing       int64
	Completed        int64
	Failed           int64
	OldestPendingAge time.Duration
}

// LogStatus is the recorded outcome of an action execution.
type LogStatus string

// Log entry statuses.
const (
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
	LogStatusSkipped LogStatus = "skipped"
)

// LogEntry is the permanent audit record for a work item's terminal outcome.
// Immutable once written.
type LogEntry struct {
	ID           uuid.UUID
	ActionID     uuid.UUID
	SubmissionID uuid.UUID
	Status       LogStatus
	Response     json.RawMessage
	ExecutedAt   time.Time
}
