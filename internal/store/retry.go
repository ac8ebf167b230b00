package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	busyRetryAttempts = 3
	busyRetryBase     = 50 * time.Millisecond
)

// isSQLiteConflict reports SQLITE_BUSY or "database is locked" errors.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry runs op, retrying lock conflicts with exponential backoff
// (50ms, 100ms).
func withBusyRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for i := 0; i < busyRetryAttempts; i++ {
		err = op()
		if err == nil || !isSQLiteConflict(err) {
			return err
		}
		if i == busyRetryAttempts-1 {
			break
		}
		delay := busyRetryBase * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", what, busyRetryAttempts, err)
}
