package merchant_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/ledger/store"
	"github.com/sodap/settlement-engine/merchant"
)

func newRegistry(t *testing.T) (*merchant.Registry, *store.Memory) {
	t.Helper()
	clock := ledger.NewManualClock(time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC))
	return merchant.NewRegistry(clock, zap.NewNop()), store.NewMemory()
}

func TestRegistry_OwnerIsFirstAdmin(t *testing.T) {
	ctx := context.Background()
	r, s := newRegistry(t)

	st, err := r.RegisterStore(ctx, s, "shop", "alice", "Alice's")
	require.NoError(t, err)
	assert.True(t, st.IsActive)
	assert.Equal(t, merchant.RoleOwner, st.RoleOf("alice"))

	_, err = r.RegisterStore(ctx, s, "shop", "bob", "dup")
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)
}

func TestRegistry_AdminManagement(t *testing.T) {
	ctx := context.Background()
	r, s := newRegistry(t)
	_, err := r.RegisterStore(ctx, s, "shop", "alice", "Alice's")
	require.NoError(t, err)

	// GIVEN: a manager added by the owner
	_, err = r.AddAdmin(ctx, s, "shop", "alice", "mgr", merchant.RoleManager)
	require.NoError(t, err)

	// THEN: managers cannot add admins, duplicates are rejected
	_, err = r.AddAdmin(ctx, s, "shop", "mgr", "carol", merchant.RoleViewer)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = r.AddAdmin(ctx, s, "shop", "alice", "mgr", merchant.RoleViewer)
	assert.ErrorIs(t, err, ledger.ErrAdminAlreadyExists)

	// AND: the owner cannot be removed, unknown admins are reported
	_, err = r.RemoveAdmin(ctx, s, "shop", "alice", "alice")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = r.RemoveAdmin(ctx, s, "shop", "alice", "nobody")
	assert.ErrorIs(t, err, ledger.ErrAdminNotFound)

	st, err := r.RemoveAdmin(ctx, s, "shop", "alice", "mgr")
	require.NoError(t, err)
	assert.Equal(t, merchant.Role(""), st.RoleOf("mgr"))
}

func TestRegistry_ProductsAndStock(t *testing.T) {
	ctx := context.Background()
	r, s := newRegistry(t)
	_, err := r.RegisterStore(ctx, s, "shop", "alice", "Alice's")
	require.NoError(t, err)

	_, err = r.AddProduct(ctx, s, "alice", merchant.Product{ID: "p0", StoreID: "shop", Price: 0, Stock: 1})
	assert.ErrorIs(t, err, ledger.ErrInvalidPrice)
	_, err = r.AddProduct(ctx, s, "stranger", merchant.Product{ID: "p1", StoreID: "shop", Price: 100, Stock: 1})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	p, err := r.AddProduct(ctx, s, "alice", merchant.Product{ID: "p1", StoreID: "shop", Name: "Mug", Price: 100, Stock: 2})
	require.NoError(t, err)
	assert.True(t, p.IsActive)

	require.NoError(t, r.TakeStock(ctx, s, "shop", "p1", 2))
	err = r.TakeStock(ctx, s, "shop", "p1", 1)
	var stock *ledger.InsufficientStockError
	require.ErrorAs(t, err, &stock)
	assert.Equal(t, int64(0), stock.Available)

	restock := int64(5)
	p, err = r.UpdateProduct(ctx, s, "alice", "shop", "p1", merchant.ProductChange{Stock: &restock})
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Stock)

	products, err := r.ListProducts(ctx, s, "shop")
	require.NoError(t, err)
	assert.Len(t, products, 1)
}

func TestRegistry_InactiveStore(t *testing.T) {
	ctx := context.Background()
	r, s := newRegistry(t)
	_, err := r.RegisterStore(ctx, s, "shop", "alice", "Alice's")
	require.NoError(t, err)

	_, err = r.SetActive(ctx, s, "shop", "alice", false)
	require.NoError(t, err)

	_, _, err = r.ActiveStore(ctx, s, "shop")
	assert.ErrorIs(t, err, ledger.ErrStoreInactive)
	_, _, err = r.ActiveStore(ctx, s, "missing")
	assert.ErrorIs(t, err, ledger.ErrStoreNotFound)
}
