package ledger

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// =============================================================================
// OPTIMISTIC RETRY
// =============================================================================

// RetryPolicy bounds how often a transaction is re-run after losing an
// optimistic race. fn is re-executed from scratch on every attempt, so it
// must not keep state across calls except through its return values.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetry is used by RunTx.
var DefaultRetry = RetryPolicy{Attempts: 5, BaseDelay: 2 * time.Millisecond}

// Run executes fn inside db.WithTx, retrying on ErrVersionConflict.
func (p RetryPolicy) Run(ctx context.Context, db TxStore, fn func(Store) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = db.WithTx(ctx, fn)
		if !errors.Is(last, ErrVersionConflict) {
			return last
		}
		if attempt == attempts {
			break
		}
		delay := p.BaseDelay * time.Duration(attempt)
		if p.BaseDelay > 0 {
			delay += time.Duration(rand.Int63n(int64(p.BaseDelay)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return &ContentionError{Attempts: attempts, Last: last}
}

// RunTx runs fn as one atomic business operation with DefaultRetry.
func RunTx(ctx context.Context, db TxStore, fn func(Store) error) error {
	return DefaultRetry.Run(ctx, db, fn)
}
