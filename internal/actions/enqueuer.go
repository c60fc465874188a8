package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/formsink/formsink/internal/domain"
)

// Waker is notified when new work items become claimable.
type Waker interface {
	Wake()
}

// Enqueuer fans a stored submission out into one pending work item per
// enabled action. Called by the ingestion path after the submission payload
// has been sorted and is ready to persist.
type Enqueuer struct {
	repo        Repository
	waker       Waker
	maxAttempts int
}

// NewEnqueuer creates an Enqueuer. waker may be nil. maxAttempts is the
// per-item attempt ceiling stamped onto new work items.
func NewEnqueuer(repo Repository, waker Waker, maxAttempts int) *Enqueuer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Enqueuer{repo: repo, waker: waker, maxAttempts: maxAttempts}
}

// StoreAndEnqueue persists the submission and its work items atomically:
// if the submission commit fails, no work items exist for it.
func (e *Enqueuer) StoreAndEnqueue(ctx context.Context, sub *domain.Submission, acts []domain.Action) ([]*QueueItem, error) {
	items := e.buildItems(sub.ID, acts)
	if err := e.repo.StoreSubmission(ctx, sub, items); err != nil {
		return nil, fmt.Errorf("store submission: %w", err)
	}
	e.notify(len(items))
	return items, nil
}

// Enqueue inserts work items for an already-committed submission. A failure
// here means notifications for the submission are lost, so it is logged
// loudly in addition to being returned.
func (e *Enqueuer) Enqueue(ctx context.Context, submissionID uuid.UUID, acts []domain.Action) ([]*QueueItem, error) {
	items := e.buildItems(submissionID, acts)
	if len(items) == 0 {
		return nil, nil
	}
	if err := e.repo.Enqueue(ctx, items); err != nil {
		slog.Error("failed to enqueue actions for committed submission",
			"submission_id", submissionID,
			"actions", len(items),
			"error", err,
		)
		return nil, fmt.Errorf("enqueue actions: %w", err)
	}
	e.notify(len(items))
	return items, nil
}

func (e *Enqueuer) buildItems(submissionID uuid.UUID, acts []domain.Action) []*QueueItem {
	now := time.Now()
	items := make([]*QueueItem, 0, len(acts))
	for _, a := range acts {
		if !a.Enabled {
			continue
		}
		items = append(items, &QueueItem{
			ID:            uuid.Must(uuid.NewV7()),
			SubmissionID:  submissionID,
			ActionID:      a.ID,
			Status:        StatusPending,
			MaxAttempts:   e.maxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	}
	return items
}

func (e *Enqueuer) notify(count int) {
	if count > 0 && e.waker != nil {
		e.waker.Wake()
	}
}
