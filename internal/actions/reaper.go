package actions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReaperConfig contains retention sweep configuration. Completed items are
// kept briefly; failed items are kept longer to support postmortem debugging.
type ReaperConfig struct {
	Interval           time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	ProcessingGrace    time.Duration
}

// DefaultReaperConfig returns default retention configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:           1 * time.Hour,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
		ProcessingGrace:    5 * time.Minute,
	}
}

// Reaper periodically deletes terminal items past retention and returns
// items stuck in processing (a worker died mid-execution) to the claimable
// pool.
type Reaper struct {
	config ReaperConfig
	repo   Repository

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReaper creates a Reaper.
func NewReaper(config ReaperConfig, repo Repository) *Reaper {
	return &Reaper{
		config: config,
		repo:   repo,
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep goroutine.
func (r *Reaper) Start(ctx context.Context) {
	slog.Info("starting queue reaper",
		"interval", r.config.Interval,
		"completed_retention", r.config.CompletedRetention,
		"failed_retention", r.config.FailedRetention,
		"processing_grace", r.config.ProcessingGrace,
	)

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop gracefully stops the reaper.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	// Recover promptly after a restart instead of waiting a full interval.
	graceTicker := time.NewTicker(r.config.ProcessingGrace)
	defer graceTicker.Stop()
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-graceTicker.C:
			r.recoverStuck(ctx)
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Sweep runs one retention pass. Exported for operational tooling and tests.
func (r *Reaper) Sweep(ctx context.Context) {
	r.recoverStuck(ctx)
	r.sweep(ctx)
}

func (r *Reaper) recoverStuck(ctx context.Context) {
	recovered, err := r.repo.RecoverStuckProcessing(ctx, r.config.ProcessingGrace)
	if err != nil {
		slog.Error("failed to recover stuck items", "error", err)
		return
	}
	if recovered > 0 {
		slog.Warn("recovered stuck processing items", "count", recovered)
		recordItemsRecovered(recovered)
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	deleted, err := r.repo.DeleteTerminal(ctx, StatusCompleted, r.config.CompletedRetention)
	if err != nil {
		slog.Error("failed to delete completed items", "error", err)
	} else if deleted > 0 {
		slog.Debug("deleted completed items", "count", deleted)
		recordItemsReaped(string(StatusCompleted), deleted)
	}

	deleted, err = r.repo.DeleteTerminal(ctx, StatusFailed, r.config.FailedRetention)
	if err != nil {
		slog.Error("failed to delete failed items", "error", err)
	} else if deleted > 0 {
		slog.Debug("deleted failed items", "count", deleted)
		recordItemsReaped(string(StatusFailed), deleted)
	}
}
