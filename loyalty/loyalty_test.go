package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/ledger/store"
	"github.com/sodap/settlement-engine/loyalty"
	"github.com/sodap/settlement-engine/merchant"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	ctx    context.Context
	clock  *ledger.ManualClock
	s      *store.Memory
	engine *loyalty.Engine
}

func program(store ledger.StoreID) loyalty.Program {
	return loyalty.Program{
		StoreID:              store,
		IsActive:             true,
		PointsPerUnit:        10,
		RedemptionRate:       100,
		WelcomeBonus:         50,
		ReferralBonus:        200,
		MinRedemption:        100,
		MaxRedemptionPercent: 50,
	}
}

func newFixture(t *testing.T, p loyalty.Program) *fixture {
	t.Helper()
	clock := ledger.NewManualClock(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	m := merchant.NewRegistry(clock, zap.NewNop())
	f := &fixture{
		ctx:    context.Background(),
		clock:  clock,
		s:      store.NewMemory(),
		engine: loyalty.NewEngine(loyalty.DefaultConfig(), m, clock, zap.NewNop()),
	}
	_, err := m.RegisterStore(f.ctx, f.s, p.StoreID, "owner", "shop")
	require.NoError(t, err)
	_, err = f.engine.CreateProgram(f.ctx, f.s, "owner", p)
	require.NoError(t, err)
	return f
}

func (f *fixture) account(t *testing.T, user ledger.UserID) *loyalty.Account {
	t.Helper()
	a, err := f.engine.GetAccount(f.ctx, f.s, "shop", user)
	require.NoError(t, err)
	require.True(t, a.Consistent(), "balance invariant broken: %+v", a)
	return a
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestLoyalty_EnsureAccountGrantsWelcomeOnce(t *testing.T) {
	f := newFixture(t, program("shop"))

	a, created, err := f.engine.EnsureAccount(f.ctx, f.s, "bob", "shop", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ledger.Points(50), a.AvailablePoints)
	assert.Len(t, a.ReferralCode, 8)

	_, created, err = f.engine.EnsureAccount(f.ctx, f.s, "bob", "shop", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ledger.Points(50), f.account(t, "bob").TotalPoints)
}

func TestLoyalty_EarnRejectsWelcomeType(t *testing.T) {
	// GIVEN: bob joined and received the 50 point welcome
	f := newFixture(t, program("shop"))
	_, _, err := f.engine.EnsureAccount(f.ctx, f.s, "bob", "shop", "")
	require.NoError(t, err)

	// WHEN: welcome points are requested again through Earn
	_, err = f.engine.Earn(f.ctx, f.s, "bob", "shop", 0, loyalty.PointWelcome, "again")

	// THEN: the request is refused and the balance is unchanged
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	a := f.account(t, "bob")
	assert.Equal(t, ledger.Points(50), a.TotalPoints)
	assert.Equal(t, ledger.Points(50), a.AvailablePoints)
}

func TestLoyalty_ReferralRewardsReferrer(t *testing.T) {
	f := newFixture(t, program("shop"))
	_, _, err := f.engine.EnsureAccount(f.ctx, f.s, "alice", "shop", "")
	require.NoError(t, err)

	_, _, err = f.engine.EnsureAccount(f.ctx, f.s, "bob", "shop", "alice")
	require.NoError(t, err)

	alice := f.account(t, "alice")
	assert.Equal(t, ledger.Points(250), alice.AvailablePoints)
	assert.Equal(t, 1, alice.TotalReferrals)
	assert.Equal(t, ledger.UserID("alice"), f.account(t, "bob").ReferredBy)
}

func TestLoyalty_InactiveProgram(t *testing.T) {
	p := program("shop")
	p.IsActive = false
	f := newFixture(t, p)

	_, err := f.engine.Earn(f.ctx, f.s, "bob", "shop", 1000, loyalty.PointPurchase, "r1")
	assert.ErrorIs(t, err, ledger.ErrProgramInactive)
}

// =============================================================================
// EARN / REDEEM
// =============================================================================

func TestLoyalty_EarnPurchaseAndTierChange(t *testing.T) {
	// GIVEN: 10 points per 100 spent, welcome bonus 50
	f := newFixture(t, program("shop"))

	// WHEN: bob spends 9500
	res, err := f.engine.Earn(f.ctx, f.s, "bob", "shop", 9500, loyalty.PointPurchase, "r1")
	require.NoError(t, err)

	// THEN: 950 points, and with the welcome bonus the total reaches silver
	assert.Equal(t, ledger.Points(950), res.Points)
	assert.True(t, res.TierChanged)
	assert.Equal(t, loyalty.TierSilver, res.Tier)
	assert.Equal(t, loyalty.TierBronze, res.PreviousTier)

	changes, err := f.s.Entries(f.ctx, ledger.EntryFilter{Types: []ledger.EntryType{ledger.EntryTierChanged}})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "silver", changes[0].Metadata["to"])
}

func TestLoyalty_TierMultiplier(t *testing.T) {
	p := program("shop")
	p.TierMultiplierEnabled = true
	p.WelcomeBonus = 1000
	f := newFixture(t, p)

	// silver earns 1.2x
	res, err := f.engine.Earn(f.ctx, f.s, "bob", "shop", 1000, loyalty.PointPurchase, "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(120), res.Points)
}

func TestLoyalty_RedeemBelowMinimum(t *testing.T) {
	// GIVEN: 50 available points, min_redemption 100
	f := newFixture(t, program("shop"))
	_, _, err := f.engine.EnsureAccount(f.ctx, f.s, "bob", "shop", "")
	require.NoError(t, err)

	// WHEN: redeeming all 50
	_, err = f.engine.Redeem(f.ctx, f.s, "bob", "shop", 50, 10_000, "r1")

	// THEN: BelowMinimum
	assert.ErrorIs(t, err, ledger.ErrBelowMinimum)
	assert.Equal(t, ledger.Points(50), f.account(t, "bob").AvailablePoints)
}

func TestLoyalty_RedeemChecks(t *testing.T) {
	f := newFixture(t, program("shop"))
	_, err := f.engine.Earn(f.ctx, f.s, "bob", "shop", 500, loyalty.PointBonus, "grant")
	require.NoError(t, err)

	_, err = f.engine.Redeem(f.ctx, f.s, "bob", "shop", 0, 1000, "r")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = f.engine.Redeem(f.ctx, f.s, "bob", "shop", 1000, 1000, "r")
	assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)

	// 400 points are worth 400; half of 600 is 300
	_, err = f.engine.Redeem(f.ctx, f.s, "bob", "shop", 400, 600, "r")
	assert.ErrorIs(t, err, ledger.ErrExceedsMaxPercent)

	value, err := f.engine.Redeem(f.ctx, f.s, "bob", "shop", 300, 600, "r")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(300), value)

	bob := f.account(t, "bob")
	assert.Equal(t, ledger.Points(250), bob.AvailablePoints)
	assert.Equal(t, ledger.Points(300), bob.RedeemedPoints)
}

// =============================================================================
// REFUND SUPPORT
// =============================================================================

func TestLoyalty_DeductClampsToAvailable(t *testing.T) {
	// GIVEN: bob earned 100 on a 1000 purchase then spent most of his points
	f := newFixture(t, program("shop"))
	_, err := f.engine.Earn(f.ctx, f.s, "bob", "shop", 1000, loyalty.PointPurchase, "r1")
	require.NoError(t, err)
	_, err = f.engine.Redeem(f.ctx, f.s, "bob", "shop", 120, 1000, "r2")
	require.NoError(t, err)

	// WHEN: the full purchase is refunded
	res, err := f.engine.Deduct(f.ctx, f.s, loyalty.DeductRequest{
		User: "bob", StoreID: "shop", EarnedPoints: 100, Refunded: 1000, Basis: 1000, ReferenceID: "r1",
	})

	// THEN: only the 30 available points are removed
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(100), res.Requested)
	assert.Equal(t, ledger.Points(30), res.Deducted)
	assert.Equal(t, ledger.Points(70), res.Shortfall)
	assert.Equal(t, ledger.Points(0), f.account(t, "bob").AvailablePoints)
}

func TestLoyalty_DeductIsProportional(t *testing.T) {
	f := newFixture(t, program("shop"))
	_, err := f.engine.Earn(f.ctx, f.s, "bob", "shop", 1200, loyalty.PointPurchase, "r1")
	require.NoError(t, err)

	res, err := f.engine.Deduct(f.ctx, f.s, loyalty.DeductRequest{
		User: "bob", StoreID: "shop", EarnedPoints: 120, Refunded: 200, Basis: 1200, ReferenceID: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(20), res.Deducted)
	assert.Equal(t, ledger.Points(150), f.account(t, "bob").AvailablePoints)
}

func TestLoyalty_RestoreRedeemed(t *testing.T) {
	f := newFixture(t, program("shop"))
	_, err := f.engine.Earn(f.ctx, f.s, "bob", "shop", 150, loyalty.PointBonus, "grant")
	require.NoError(t, err)
	_, err = f.engine.Redeem(f.ctx, f.s, "bob", "shop", 200, 1000, "r1")
	require.NoError(t, err)

	restored, err := f.engine.Restore(f.ctx, f.s, "bob", "shop", 200, "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(200), restored)

	bob := f.account(t, "bob")
	assert.Equal(t, ledger.Points(200), bob.AvailablePoints)
	assert.Equal(t, ledger.Points(0), bob.RedeemedPoints)
}

// =============================================================================
// GIFTS AND EXPIRY
// =============================================================================

func TestLoyalty_Gift(t *testing.T) {
	f := newFixture(t, program("shop"))
	_, err := f.engine.Earn(f.ctx, f.s, "alice", "shop", 450, loyalty.PointBonus, "grant")
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.Gift(f.ctx, f.s, "alice", "alice", "shop", 10, ""), ledger.ErrSelfGift)
	assert.ErrorIs(t, f.engine.Gift(f.ctx, f.s, "alice", "bob", "shop", 20_000, ""), ledger.ErrGiftLimitExceeded)
	assert.ErrorIs(t, f.engine.Gift(f.ctx, f.s, "alice", "bob", "shop", 501, ""), ledger.ErrInsufficientPoints)

	require.NoError(t, f.engine.Gift(f.ctx, f.s, "alice", "bob", "shop", 100, "happy birthday"))

	assert.Equal(t, ledger.Points(400), f.account(t, "alice").AvailablePoints)
	// welcome bonus plus the gift
	assert.Equal(t, ledger.Points(150), f.account(t, "bob").AvailablePoints)
}

func TestLoyalty_ExpirePoints(t *testing.T) {
	p := program("shop")
	p.PointExpiryDays = 30
	f := newFixture(t, p)
	_, _, err := f.engine.EnsureAccount(f.ctx, f.s, "bob", "shop", "")
	require.NoError(t, err)

	f.clock.Advance(20 * 24 * time.Hour)
	_, err = f.engine.Earn(f.ctx, f.s, "bob", "shop", 70, loyalty.PointBonus, "grant")
	require.NoError(t, err)

	// WHEN: 31 days after the welcome bonus
	f.clock.Advance(11 * 24 * time.Hour)
	expired, err := f.engine.ExpirePoints(f.ctx, f.s, "shop")

	// THEN: only the welcome lot expires
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(50), expired)
	bob := f.account(t, "bob")
	assert.Equal(t, ledger.Points(70), bob.AvailablePoints)
	assert.Equal(t, ledger.Points(50), bob.ExpiredPoints)
}
