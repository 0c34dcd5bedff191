package duck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	maxRetries        = 8
	initialRetryDelay = 50 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// isTransactionConflictError reports whether err is a DuckLake commit
// conflict that can be retried.
func isTransactionConflictError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Transaction conflict") ||
		strings.Contains(s, "Failed to commit DuckLake transaction") ||
		strings.Contains(s, "but another transaction has compacted it")
}

// retryOnConflict runs fn until it succeeds, fails with a non-conflict error,
// or the retry budget is spent.
func retryOnConflict(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryDelay
	b.MaxInterval = maxRetryDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info("operation succeeded after retries", "operation", operation, "attempts", attempt)
			}
			return struct{}{}, nil
		}
		if !isTransactionConflictError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Warn("transaction conflict detected, retrying", "operation", operation, "attempt", attempt, "max_attempts", maxRetries, "error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxRetries))
	if err != nil && attempt >= maxRetries && isTransactionConflictError(err) {
		return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
	}
	return err
}
