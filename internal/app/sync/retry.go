package sync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/harborline/catalog-sync/internal/domain/catalog"
)

// RetryPolicy bounds the exponential backoff applied to transient upstream
// and target failures. Non-retryable errors abort immediately.
type RetryPolicy struct {
	MaxAttempts uint64
	InitialWait time.Duration
	MaxWait     time.Duration
}

// retry runs op with exponential backoff until it succeeds, exhausts the
// attempt budget, returns a non-retryable error, or ctx is cancelled.
// onRetry is invoked before each wait so callers can count attempts.
func (p RetryPolicy) retry(ctx context.Context, op func() error, onRetry func(err error, wait time.Duration)) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.InitialWait
	expBackoff.MaxInterval = p.MaxWait
	expBackoff.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	wrapped := func() error {
		if err := op(); err != nil {
			if !catalog.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, p.MaxAttempts-1), ctx)
	return backoff.RetryNotify(wrapped, policy, onRetry)
}
