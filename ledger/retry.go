package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a unit of work is re-run after a transient
// storage failure (deadlock, serialization failure, busy database).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable classifies errors; nil means IsTransient.
	Retryable func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Retry runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. A retryable error that outlives the budget comes
// back as *RetriesExhaustedError. onRetry may be nil.
func Retry(ctx context.Context, name string, p RetryPolicy, op func(context.Context) error, onRetry func(err error, wait time.Duration)) error {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, p.backOff(ctx), onRetry)

	if err != nil && p.retryable(err) {
		return &RetriesExhaustedError{Op: name, Attempts: attempts, Err: err}
	}
	return err
}
