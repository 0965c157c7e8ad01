package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const expirySweepDeleteTimeout = 10 * time.Second

type expirySweeperStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// runExpirySweeper periodically purges expired secrets. Expiry is already
// enforced lazily at retrieval time; this is storage hygiene only, so any
// failure is logged and retried on the next tick.
func runExpirySweeper(
	ctx context.Context,
	logger *slog.Logger,
	store expirySweeperStore,
	interval time.Duration,
	now func() time.Time,
) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		logger.Error("expiry sweeper disabled: interval must be positive", "interval", interval)
		return
	}

	// Run once at startup so long-lived processes do not wait an entire tick
	// before purging expired rows.
	runExpirySweepOnce(ctx, logger, store, now)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runExpirySweepOnce(ctx, logger, store, now)
		}
	}
}

func runExpirySweepOnce(
	ctx context.Context,
	logger *slog.Logger,
	store expirySweeperStore,
	now func() time.Time,
) {
	if ctx.Err() != nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, expirySweepDeleteTimeout)
	defer cancel()

	deleted, err := store.DeleteExpired(cctx, now().UTC())
	if err != nil {
		// Shutdown/timeout cancellation is expected; avoid noisy logs.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Error("expiry sweep failed", "err", err)
		return
	}
	if deleted > 0 {
		logger.Info("expired secrets deleted", "count", deleted)
	}
}
