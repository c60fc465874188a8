// Package actions implements the asynchronous action-execution subsystem:
// a durable work queue, a worker pool, a module registry and the dispatch
// machinery that runs tenant-configured notification actions for stored
// submissions.
package actions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/formsink/formsink/internal/domain"
)

// Repository defines data access for the action queue and its context chain.
// All coordination between concurrent workers happens through the store:
// ClaimBatch is the only operation that requires atomicity across callers.
type Repository interface {
	// StoreSubmission inserts a submission and its queue items in one
	// transaction: if the submission insert fails, no work items exist.
	StoreSubmission(ctx context.Context, sub *domain.Submission, items []*QueueItem) error

	// Enqueue inserts work items for an already-committed submission.
	Enqueue(ctx context.Context, items []*QueueItem) error

	// ClaimBatch atomically selects up to limit claimable items, marks them
	// processing and returns them. Concurrent callers never receive the same
	// item, and no caller blocks on another caller's claim.
	ClaimBatch(ctx context.Context, limit int) ([]*QueueItem, error)

	// MarkCompleted transitions a claimed item to completed.
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// MarkForRetry counts a failed attempt and returns the item to the
	// claimable pool once nextAttemptAt elapses.
	MarkForRetry(ctx context.Context, id uuid.UUID, execErr error, nextAttemptAt time.Time) error

	// MarkFailed counts a failed attempt and transitions the item to the
	// terminal failed state.
	MarkFailed(ctx context.Context, id uuid.UUID, execErr error) error

	// ReleaseToPending returns a claimed item to pending without counting
	// an attempt. Used when the fault is the system's, not the action's.
	ReleaseToPending(ctx context.Context, id uuid.UUID) error

	// RecoverStuckProcessing returns items claimed longer than grace ago to
	// the claimable pool, so a worker crash never orphans an item.
	RecoverStuckProcessing(ctx context.Context, grace time.Duration) (int64, error)

	// DeleteTerminal removes terminal items older than the retention window.
	DeleteTerminal(ctx context.Context, status Status, olderThan time.Duration) (int64, error)

	// QueueStats returns aggregate queue health counters.
	QueueStats(ctx context.Context) (*QueueStats, error)

	// Execution context chain.
	GetAction(ctx context.Context, id uuid.UUID) (*domain.Action, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*domain.Submission, error)
	GetEndpoint(ctx context.Context, id uuid.UUID) (*domain.Endpoint, error)
	GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)

	// ListEnabledActions returns an endpoint's enabled actions ordered by
	// position, ties broken by insertion order.
	ListEnabledActions(ctx context.Context, endpointID uuid.UUID) ([]domain.Action, error)

	// Audit log.
	CreateLogEntry(ctx context.Context, entry *LogEntry) error
	ListLogByAction(ctx context.Context, actionID uuid.UUID, limit, offset int) ([]LogEntry, error)
}
