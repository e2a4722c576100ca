package calllog

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes old call log entries.
type Pruner interface {
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// StartCleanupTicker runs a background goroutine that periodically removes
// entries older than maxDays. If maxDays is 0 no cleanup is performed. The
// goroutine stops when ctx is cancelled.
func StartCleanupTicker(ctx context.Context, store Pruner, maxDays int, interval time.Duration, logger *slog.Logger) {
	if maxDays <= 0 {
		return
	}
	logger = logger.With("subsystem", "calllog")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			prune(ctx, store, maxDays, logger)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func prune(ctx context.Context, store Pruner, maxDays int, logger *slog.Logger) {
	cutoff := time.Now().AddDate(0, 0, -maxDays)
	n, err := store.DeleteBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("call log retention cleanup failed", "error", err)
		}
		return
	}
	if n > 0 {
		logger.Info("call log retention cleanup", "deleted", n, "max_days", maxDays)
	}
}
