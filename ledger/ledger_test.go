package ledger_test

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/ledger/store"
)

// =============================================================================
// MONEY
// =============================================================================

func TestMoney_CheckedArithmetic(t *testing.T) {
	sum, err := ledger.AddMoney(100, 250)
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(350), sum)

	_, err = ledger.AddMoney(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ledger.ErrPriceOverflow)

	product, err := ledger.MulMoney(334, 3)
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(1002), product)

	_, err = ledger.MulMoney(math.MaxInt64/2, 3)
	assert.ErrorIs(t, err, ledger.ErrPriceOverflow)
}

func TestMoney_BpsAndCeilDiv(t *testing.T) {
	assert.Equal(t, ledger.Money(240), ledger.Bps(1200, 2000))
	assert.Equal(t, ledger.Money(16), ledger.Bps(334, 500))
	assert.Equal(t, ledger.Money(334), ledger.CeilDiv(1000, 3))
	assert.Equal(t, ledger.Money(250), ledger.CeilDiv(1000, 4))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrors_KindAndCode(t *testing.T) {
	wrapped := fmt.Errorf("purchase: %w", &ledger.InsufficientStockError{ProductID: "p", Available: 0, Requested: 1})

	assert.Equal(t, ledger.KindResource, ledger.KindOf(wrapped))
	assert.Equal(t, "insufficient_stock", ledger.Code(wrapped))
	assert.True(t, ledger.IsClientError(wrapped))

	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(fmt.Errorf("x: %w", ledger.ErrLoanNotFound)))
	assert.Equal(t, ledger.KindInternal, ledger.KindOf(fmt.Errorf("boom")))
	assert.True(t, ledger.IsRetryable(&ledger.ContentionError{Attempts: 5}))
}

func TestErrors_ReconciliationWinsOverCause(t *testing.T) {
	err := fmt.Errorf("%w: stock update failed: %w", ledger.ErrReconciliation, ledger.ErrNotFound)
	assert.Equal(t, ledger.KindReconciliation, ledger.KindOf(err))
}

// =============================================================================
// RECORDS AND RETRY
// =============================================================================

type counter struct {
	N int `json:"n"`
}

func TestRecords_TypedRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	key := ledger.KeyOf("counter", "a")

	require.NoError(t, ledger.Insert(ctx, s, key, counter{N: 1}))
	v, version, err := ledger.Load[counter](ctx, s, key, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v.N)
	assert.Equal(t, int64(1), version)

	require.NoError(t, ledger.Update(ctx, s, key, version, counter{N: 2}))
	err = ledger.Update(ctx, s, key, version, counter{N: 3})
	assert.ErrorIs(t, err, ledger.ErrVersionConflict)

	_, _, err = ledger.Load[counter](ctx, s, ledger.KeyOf("counter", "missing"), ledger.ErrStoreNotFound)
	assert.ErrorIs(t, err, ledger.ErrStoreNotFound)
	assert.Equal(t, "counter", key.Kind())
}

// conflictingStore fails the first n commits with a version conflict.
type conflictingStore struct {
	*store.Memory
	remaining int32
}

func (c *conflictingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if atomic.AddInt32(&c.remaining, -1) >= 0 {
		return ledger.ErrVersionConflict
	}
	return c.Memory.WithTx(ctx, fn)
}

func TestRetry_RecoversFromConflicts(t *testing.T) {
	db := &conflictingStore{Memory: store.NewMemory(), remaining: 2}
	policy := ledger.RetryPolicy{Attempts: 5, BaseDelay: time.Microsecond}

	err := policy.Run(context.Background(), db, func(s ledger.Store) error {
		return ledger.Insert(context.Background(), s, "k", counter{N: 1})
	})
	require.NoError(t, err)
}

func TestRetry_ExhaustedSurfacesContention(t *testing.T) {
	db := &conflictingStore{Memory: store.NewMemory(), remaining: 100}
	policy := ledger.RetryPolicy{Attempts: 3, BaseDelay: time.Microsecond}

	err := policy.Run(context.Background(), db, func(ledger.Store) error { return nil })

	assert.ErrorIs(t, err, ledger.ErrContention)
	var ce *ledger.ContentionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
}

func TestRetry_NonConflictErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := ledger.RunTx(context.Background(), store.NewMemory(), func(ledger.Store) error {
		calls++
		return ledger.ErrInvalidCart
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidCart)
	assert.Equal(t, 1, calls)
}
