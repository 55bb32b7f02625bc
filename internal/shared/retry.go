package shared

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RetryOnBusy retries fn with exponential backoff (100ms, then 200ms) when
// it fails with a SQLite busy/locked error, up to 3 attempts total.
func RetryOnBusy(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	const baseDelay = 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("sqlite busy, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}

// isSQLiteConflictError reports whether err is a SQLITE_BUSY or "database
// is locked" error, both of which warrant retrying the transaction.
func isSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
