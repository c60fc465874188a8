package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	NumWorkers   int
	BatchSize    int
	PollInterval time.Duration
	Retry        RetryPolicy
}

// DefaultWorkerConfig returns default worker pool configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		NumWorkers:   4,
		BatchSize:    20,
		PollInterval: 2 * time.Second,
		Retry:        DefaultRetryPolicy(),
	}
}

// Worker runs a fixed pool of poll loops that claim queued items and execute
// them through the dispatcher. Loops share no in-memory state about claimed
// items: the store's atomic claim is the only coordination point, so the
// pool extends to multiple processes without changes.
type Worker struct {
	config     WorkerConfig
	repo       Repository
	dispatcher *Dispatcher

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a worker pool.
func NewWorker(config WorkerConfig, repo Repository, dispatcher *Dispatcher) *Worker {
	return &Worker{
		config:     config,
		repo:       repo,
		dispatcher: dispatcher,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting action workers",
		"workers", w.config.NumWorkers,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("action workers stopped")
}

// Wake nudges the pool ahead of the next poll tick. Called by the enqueuer
// after inserting work items; safe from any goroutine, never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		case <-w.wake:
		}
		// Drain the queue before going back to sleep.
		for w.processBatch(ctx, workerID) {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			default:
			}
		}
	}
}

// processBatch claims and processes one batch. Returns true if a full batch
// was claimed, meaning more work is likely waiting.
func (w *Worker) processBatch(ctx context.Context, workerID int) bool {
	items, err := w.repo.ClaimBatch(ctx, w.config.BatchSize)
	if err != nil {
		slog.Error("failed to claim queue items", "worker", workerID, "error", err)
		return false
	}

	if len(items) == 0 {
		return false
	}

	slog.Debug("claimed queue items", "worker", workerID, "count", len(items))
	recordItemsClaimed(len(items))

	for _, item := range items {
		w.processItem(ctx, item)
	}

	return len(items) == w.config.BatchSize
}

// processItem runs one claimed item to a state transition. Failures are
// isolated per item: nothing here returns an error to the poll loop.
func (w *Worker) processItem(ctx context.Context, item *QueueItem) {
	start := time.Now()
	outcome := w.dispatcher.Dispatch(ctx, item)
	duration := time.Since(start)

	if outcome.Success {
		if err := w.repo.MarkCompleted(ctx, item.ID); err != nil {
			slog.Error("failed to mark completed", "item_id", item.ID, "error", err)
		}
		w.writeLog(ctx, item, LogStatusSuccess, outcome.Response)
		recordExecution(outcome.Module, "success")
		recordExecutionDuration(outcome.Module, duration)
		slog.Debug("action executed",
			"item_id", item.ID,
			"module", outcome.Module,
			"duration", duration,
		)
		return
	}

	if IsSystemError(outcome.Err) {
		// Not the action's fault. Release without consuming an attempt and
		// let the next poll cycle pick it up.
		slog.Error("system error during dispatch",
			"item_id", item.ID,
			"error", outcome.Err,
		)
		if err := w.repo.ReleaseToPending(ctx, item.ID); err != nil {
			slog.Error("failed to release item", "item_id", item.ID, "error", err)
		}
		recordExecution(outcome.Module, "system_error")
		return
	}

	attempts := item.Attempts + 1
	if attempts >= item.MaxAttempts {
		if err := w.repo.MarkFailed(ctx, item.ID, outcome.Err); err != nil {
			slog.Error("failed to mark failed", "item_id", item.ID, "error", err)
		}
		w.writeLog(ctx, item, logStatusFor(outcome.Err), failureResponse(outcome))
		recordExecution(outcome.Module, "failed")
		slog.Warn("action failed permanently",
			"item_id", item.ID,
			"module", outcome.Module,
			"attempts", attempts,
			"error", outcome.Err,
		)
		return
	}

	nextAttempt := time.Now().Add(w.config.Retry.NextDelay(attempts))
	if err := w.repo.MarkForRetry(ctx, item.ID, outcome.Err, nextAttempt); err != nil {
		slog.Error("failed to mark for retry", "item_id", item.ID, "error", err)
	}
	recordExecution(outcome.Module, "retry")
	slog.Info("action scheduled for retry",
		"item_id", item.ID,
		"module", outcome.Module,
		"attempt", attempts,
		"max_attempts", item.MaxAttempts,
		"next_attempt", nextAttempt,
		"error", outcome.Err,
	)
}

func (w *Worker) writeLog(ctx context.Context, item *QueueItem, status LogStatus, response json.RawMessage) {
	entry := &LogEntry{
		ID:           uuid.Must(uuid.NewV7()),
		ActionID:     item.ActionID,
		SubmissionID: item.SubmissionID,
		Status:       status,
		Response:     response,
	}
	if err := w.repo.CreateLogEntry(ctx, entry); err != nil {
		slog.Error("failed to write action log", "item_id", item.ID, "error", err)
	}
}

// logStatusFor maps a terminal failure to its audit status. An action whose
// module is not registered is recorded as skipped rather than failed.
func logStatusFor(err error) LogStatus {
	if errors.Is(err, ErrUnknownModule) {
		return LogStatusSkipped
	}
	return LogStatusFailed
}

func failureResponse(outcome *Outcome) json.RawMessage {
	if outcome.Response != nil {
		return outcome.Response
	}
	body, err := json.Marshal(map[string]string{"error": outcome.Err.Error()})
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"error":%q}`, "unserializable error"))
	}
	return body
}
