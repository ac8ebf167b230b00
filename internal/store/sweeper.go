package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often expired sessions are removed.
const DefaultSweepInterval = 24 * time.Hour

// Sweepable is anything that can drop its expired sessions.
type Sweepable interface {
	SweepExpired() (int, error)
}

// StartSweeper runs a background goroutine that periodically removes
// expired sessions until ctx is cancelled. The returned channel is closed
// once the goroutine has exited.
func StartSweeper(ctx context.Context, sessions Sweepable, interval time.Duration, logger *slog.Logger) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		logger.Info("Session sweeper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				sweepOnce(sessions, logger)
			case <-ctx.Done():
				logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func sweepOnce(sessions Sweepable, logger *slog.Logger) {
	removed, err := sessions.SweepExpired()
	if err != nil {
		logger.Error("Session sweep failed", "error", err)
		return
	}
	if removed > 0 {
		logger.Info("Expired sessions removed", "count", removed)
	}
}
