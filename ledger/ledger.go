/*
ledger.go - Entry point for every balance mutation

PURPOSE:
  Ledger wraps a Store with the retry policy, clock and logger. Domain
  services never open storage transactions themselves: they call Run with
  a closure and receive a *Unit that locks wallets, posts transactions and
  flushes them atomically.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: a debit that would take a balance below zero is rejected
  2. JOURNALED: a wallet's balance delta inside a unit equals the signed sum
     of the transactions appended for it in the same unit
  3. APPEND-ONLY: transactions are never updated or deleted
  4. ALL-OR-NOTHING: a failing closure rolls back every write of the unit

RETRIES:
  Transient storage failures (deadlock, serialization failure, busy
  database) re-run the whole closure with exponential backoff and jitter.
  Closures must therefore be safe to run more than once: reset any result
  captured from a previous attempt at the top of the closure.

SEE ALSO:
  - unit.go: Unit of work
  - store.go: Storage contract
  - retry.go: Backoff policy
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/ledger-engine/metrics"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store  Store
	retry  RetryPolicy
	clock  func() time.Time
	logger zerolog.Logger
}

type Option func(*Ledger)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) { l.retry = p }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		retry:  DefaultRetryPolicy(),
		clock:  time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reader gives read-only access outside a unit of work.
func (l *Ledger) Reader() Reader { return l.store }

// Now returns the ledger clock in UTC.
func (l *Ledger) Now() time.Time { return l.clock().UTC() }

func (l *Ledger) Logger() zerolog.Logger { return l.logger }

// Run executes fn as one atomic unit of work named op. Transient failures
// re-run fn; everything else is returned as is. Fatal errors are logged with
// their cause before returning.
func (l *Ledger) Run(ctx context.Context, op string, fn func(u *Unit) error) error {
	var committed []Transaction
	attempt := func(ctx context.Context) error {
		var u *Unit
		err := l.store.WithTx(ctx, func(tx Tx) error {
			u = newUnit(tx, l.Now())
			if err := fn(u); err != nil {
				return err
			}
			return u.Flush(ctx)
		})
		if err != nil {
			return err
		}
		committed = u.committed
		return nil
	}
	onRetry := func(err error, wait time.Duration) {
		metrics.RetriesTotal.WithLabelValues(op).Inc()
		l.logger.Warn().Err(err).Str("op", op).Dur("backoff", wait).Msg("transient storage failure, retrying unit")
	}

	err := Retry(ctx, op, l.retry, attempt, onRetry)
	switch {
	case err == nil:
		for _, t := range committed {
			metrics.TransactionsTotal.WithLabelValues(string(t.Currency), string(t.Kind)).Inc()
		}
	case IsRejection(err):
		metrics.RejectionsTotal.WithLabelValues(op, string(ReasonCodeOf(err))).Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		l.logger.Warn().Err(err).Str("op", op).Msg("unit abandoned by caller")
	default:
		metrics.FatalErrorsTotal.WithLabelValues(op).Inc()
		l.logger.WithLevel(zerolog.FatalLevel).Err(err).Str("op", op).Msg("unit of work failed")
	}
	return err
}
