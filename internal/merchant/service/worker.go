package service

import (
	"context"
	"log/slog"
	"time"
)

// PendingAllocator re-sends stalled alias allocations.
type PendingAllocator interface {
	RetryPendingAllocations(ctx context.Context) (int, error)
}

// RetryWorker periodically re-drives merchants stuck in
// WaitingAliasGeneration. Each sweep reuses the stored idempotency keys, so
// a reply that was lost the first time is replayed rather than reallocated.
type RetryWorker struct {
	allocations PendingAllocator
	interval    time.Duration
	logger      *slog.Logger
}

func NewRetryWorker(allocations PendingAllocator, interval time.Duration, logger *slog.Logger) *RetryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RetryWorker{allocations: allocations, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *RetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *RetryWorker) sweep(ctx context.Context) {
	approved, err := w.allocations.RetryPendingAllocations(ctx)
	if err != nil && ctx.Err() == nil {
		w.logger.WarnContext(ctx, "alias allocation retry sweep incomplete",
			"approved", approved,
			"error", err,
		)
		return
	}
	if approved > 0 {
		w.logger.InfoContext(ctx, "alias allocation retry sweep completed", "approved", approved)
	}
}
