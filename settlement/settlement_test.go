package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sodap/settlement-engine/bnpl"
	"github.com/sodap/settlement-engine/credit"
	"github.com/sodap/settlement-engine/escrow"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/ledger/store"
	"github.com/sodap/settlement-engine/loyalty"
	"github.com/sodap/settlement-engine/merchant"
	"github.com/sodap/settlement-engine/settlement"
	"github.com/sodap/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	ctx    context.Context
	clock  *ledger.ManualClock
	db     ledger.TxStore
	deps   settlement.Deps
	engine *settlement.Engine
}

func newFixture(t *testing.T, db ledger.TxStore, log *zap.Logger) *fixture {
	t.Helper()
	clock := ledger.NewManualClock(time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC))
	merchants := merchant.NewRegistry(clock, log)
	accounts := escrow.NewAccounts(merchants, clock, log)
	points := loyalty.NewEngine(loyalty.DefaultConfig(), merchants, clock, log)
	loans := bnpl.NewEngine(db, bnpl.DefaultConfig(), bnpl.Deps{
		Merchants: merchants,
		Escrow:    accounts,
		Loyalty:   points,
		Credit:    credit.NewBureau(credit.DefaultPolicy(), clock, log),
		Clock:     clock,
		Log:       log,
	})
	deps := settlement.Deps{Merchants: merchants, Escrow: accounts, Loyalty: points, Loans: loans, Clock: clock, Log: log}
	f := &fixture{ctx: context.Background(), clock: clock, db: db, deps: deps}
	f.engine = settlement.NewEngine(db, settlement.DefaultConfig(), deps)

	_, err := f.engine.RegisterStore(f.ctx, "shop", "owner", "Shop")
	require.NoError(t, err)
	f.tx(t, func(s ledger.Store) error {
		if _, err := merchants.AddAdmin(f.ctx, s, "shop", "owner", "mgr", merchant.RoleManager); err != nil {
			return err
		}
		if _, err := merchants.AddAdmin(f.ctx, s, "shop", "owner", "viewer", merchant.RoleViewer); err != nil {
			return err
		}
		for _, p := range []merchant.Product{
			{ID: "lamp", StoreID: "shop", Name: "Lamp", Price: 1200, Stock: 10},
			{ID: "mug", StoreID: "shop", Name: "Mug", Price: 100, Stock: 1},
		} {
			if _, err := merchants.AddProduct(f.ctx, s, "owner", p); err != nil {
				return err
			}
		}
		return nil
	})
	return f
}

func newMemoryFixture(t *testing.T) *fixture {
	return newFixture(t, store.NewMemory(), zap.NewNop())
}

func (f *fixture) tx(t *testing.T, fn func(ledger.Store) error) {
	t.Helper()
	require.NoError(t, f.db.WithTx(f.ctx, fn))
}

func (f *fixture) withProgram(t *testing.T) {
	t.Helper()
	f.tx(t, func(s ledger.Store) error {
		_, err := f.deps.Loyalty.CreateProgram(f.ctx, s, "owner", loyalty.Program{
			StoreID: "shop", IsActive: true, PointsPerUnit: 10, RedemptionRate: 100,
			MinRedemption: 100, MaxRedemptionPercent: 50,
		})
		return err
	})
}

func (f *fixture) grant(t *testing.T, user ledger.UserID, points int64) {
	t.Helper()
	f.tx(t, func(s ledger.Store) error {
		_, err := f.deps.Loyalty.Earn(f.ctx, s, user, "shop", points, loyalty.PointBonus, "grant")
		return err
	})
}

func (f *fixture) balance(t *testing.T) ledger.Money {
	t.Helper()
	bal, err := f.deps.Escrow.Balance(f.ctx, f.db, "shop")
	require.NoError(t, err)
	return bal
}

func (f *fixture) points(t *testing.T, user ledger.UserID) *loyalty.Account {
	t.Helper()
	a, err := f.deps.Loyalty.GetAccount(f.ctx, f.db, "shop", user)
	require.NoError(t, err)
	return a
}

func (f *fixture) stock(t *testing.T, id ledger.ProductID) int64 {
	t.Helper()
	p, _, err := f.deps.Merchants.GetProduct(f.ctx, f.db, "shop", id)
	require.NoError(t, err)
	return p.Stock
}

// checkInvariants asserts the ledger-wide invariants.
func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	report, err := f.engine.Reconcile(f.ctx, "shop")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Balance, ledger.Money(0))

	accounts, err := ledger.Scan[loyalty.Account](f.ctx, f.db, "loyalty/account/")
	require.NoError(t, err)
	for _, a := range accounts {
		assert.True(t, a.Consistent(), "loyalty account %s inconsistent", a.User)
	}

	loans, err := ledger.Scan[bnpl.Loan](f.ctx, f.db, "bnpl/loan/")
	require.NoError(t, err)
	for _, l := range loans {
		payments, err := f.deps.Loans.Payments(f.ctx, l.ID)
		require.NoError(t, err)
		var paid ledger.Money
		for _, p := range payments {
			paid += p.AmountPaid
		}
		assert.Equal(t, l.TotalAmount-l.Downpayment-paid, l.RemainingBalance, "loan %s", l.ID)
	}
}

func buy(buyer ledger.UserID, method settlement.PaymentMethod, product ledger.ProductID, qty int64) settlement.PurchaseRequest {
	return settlement.PurchaseRequest{
		Buyer:         buyer,
		StoreID:       "shop",
		ProductIDs:    []ledger.ProductID{product},
		Quantities:    []int64{qty},
		PaymentMethod: method,
		Term:          3,
	}
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchase_FullWithoutProgram(t *testing.T) {
	f := newMemoryFixture(t)

	res, err := f.engine.Purchase(f.ctx, buy("bob", settlement.PayFull, "lamp", 2))

	require.NoError(t, err)
	rc := res.Receipt
	assert.Equal(t, ledger.Money(2400), rc.Subtotal)
	assert.Equal(t, ledger.Money(2400), rc.TotalPaid)
	assert.Equal(t, ledger.Money(2400), rc.AmountCollected)
	assert.Equal(t, ledger.Points(0), rc.PointsEarned)
	assert.Nil(t, res.Earned)
	assert.Equal(t, ledger.Money(2400), f.balance(t))
	assert.Equal(t, int64(8), f.stock(t, "lamp"))
	f.checkInvariants(t)
}

func TestPurchase_RedeemsAndEarnsPoints(t *testing.T) {
	// GIVEN: bob holds 300 points
	f := newMemoryFixture(t)
	f.withProgram(t)
	f.grant(t, "bob", 300)

	// WHEN: buying a 1200 lamp with 300 points
	req := buy("bob", settlement.PayFull, "lamp", 1)
	req.PointsToUse = 300
	res, err := f.engine.Purchase(f.ctx, req)

	// THEN: 300 off, points earned on the 900 paid
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(300), res.Receipt.Discount)
	assert.Equal(t, ledger.Money(900), res.Receipt.TotalPaid)
	assert.Equal(t, ledger.Points(90), res.Receipt.PointsEarned)
	assert.Equal(t, ledger.Money(900), f.balance(t))
	assert.Equal(t, ledger.Points(90), f.points(t, "bob").AvailablePoints)
	f.checkInvariants(t)
}

func TestPurchase_CartValidation(t *testing.T) {
	f := newMemoryFixture(t)
	cases := []struct {
		name string
		req  settlement.PurchaseRequest
		want error
	}{
		{"empty", settlement.PurchaseRequest{Buyer: "bob", StoreID: "shop", PaymentMethod: settlement.PayFull}, ledger.ErrCartEmpty},
		{"length mismatch", settlement.PurchaseRequest{Buyer: "bob", StoreID: "shop", PaymentMethod: settlement.PayFull,
			ProductIDs: []ledger.ProductID{"lamp"}, Quantities: []int64{1, 2}}, ledger.ErrInvalidCart},
		{"zero quantity", buy("bob", settlement.PayFull, "lamp", 0), ledger.ErrInvalidCart},
		{"duplicate product", settlement.PurchaseRequest{Buyer: "bob", StoreID: "shop", PaymentMethod: settlement.PayFull,
			ProductIDs: []ledger.ProductID{"lamp", "lamp"}, Quantities: []int64{1, 1}}, ledger.ErrInvalidCart},
		{"unknown product", buy("bob", settlement.PayFull, "ghost", 1), ledger.ErrProductNotFound},
		{"not enough stock", buy("bob", settlement.PayFull, "lamp", 11), ledger.ErrInsufficientStock},
		{"bad method", buy("bob", "cash", "lamp", 1), ledger.ErrInvalidInput},
		{"bad term", func() settlement.PurchaseRequest {
			r := buy("bob", settlement.PayBNPL, "lamp", 1)
			r.Term = 5
			return r
		}(), ledger.ErrInvalidTerm},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Purchase(f.ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, ledger.KindOf(tc.want), ledger.KindOf(err))
		})
	}
	assert.Equal(t, ledger.Money(0), f.balance(t))
	assert.Equal(t, int64(10), f.stock(t, "lamp"))
}

func TestPurchase_InactiveStore(t *testing.T) {
	f := newMemoryFixture(t)
	f.tx(t, func(s ledger.Store) error {
		_, err := f.deps.Merchants.SetActive(f.ctx, s, "shop", "owner", false)
		return err
	})

	_, err := f.engine.Purchase(f.ctx, buy("bob", settlement.PayFull, "lamp", 1))
	assert.ErrorIs(t, err, ledger.ErrStoreInactive)
}

func TestPurchase_IdempotentReplay(t *testing.T) {
	f := newMemoryFixture(t)
	req := buy("bob", settlement.PayFull, "lamp", 1)
	req.IdempotencyKey = "checkout-1"

	first, err := f.engine.Purchase(f.ctx, req)
	require.NoError(t, err)
	second, err := f.engine.Purchase(f.ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Receipt.ID, second.Receipt.ID)
	assert.Equal(t, ledger.Money(1200), f.balance(t))
	assert.Equal(t, int64(9), f.stock(t, "lamp"))
}

func TestPurchase_ConcurrentLastUnit(t *testing.T) {
	// GIVEN: one mug left, priced 100
	f := newMemoryFixture(t)

	// WHEN: two buyers race for it
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, buyer := range []ledger.UserID{"bob", "carol"} {
		wg.Add(1)
		go func(i int, buyer ledger.UserID) {
			defer wg.Done()
			_, errs[i] = f.engine.Purchase(f.ctx, buy(buyer, settlement.PayFull, "mug", 1))
		}(i, buyer)
	}
	wg.Wait()

	// THEN: exactly one wins, the other sees the stock gone
	var ok, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ledger.ErrInsufficientStock):
			outOfStock++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, outOfStock)
	assert.Equal(t, int64(0), f.stock(t, "mug"))
	assert.Equal(t, ledger.Money(100), f.balance(t))
	f.checkInvariants(t)
}

func TestPurchase_BNPLOpensLoan(t *testing.T) {
	f := newMemoryFixture(t)

	res, err := f.engine.Purchase(f.ctx, buy("bob", settlement.PayBNPL, "lamp", 1))

	require.NoError(t, err)
	require.NotNil(t, res.Loan)
	assert.Equal(t, res.Loan.ID, res.Receipt.LoanID)
	assert.Equal(t, res.Receipt.ID, res.Loan.ReceiptRef)
	assert.Equal(t, ledger.Money(240), res.Receipt.AmountCollected)
	assert.Equal(t, ledger.Money(1200), res.Receipt.TotalPaid)
	assert.Equal(t, ledger.Money(320), res.Loan.InstallmentAmount)
	assert.Equal(t, ledger.Money(240), f.balance(t))
	f.checkInvariants(t)
}

// =============================================================================
// REFUND
// =============================================================================

func TestRefund_FullRoundTrip(t *testing.T) {
	// GIVEN: bob has a loyalty account and escrow holds 0
	f := newMemoryFixture(t)
	f.withProgram(t)
	f.grant(t, "bob", 150)
	before := f.points(t, "bob")

	// WHEN: purchase then refund
	req := buy("bob", settlement.PayFull, "lamp", 1)
	req.PointsToUse = 150
	res, err := f.engine.Purchase(f.ctx, req)
	require.NoError(t, err)
	rf, err := f.engine.Refund(f.ctx, res.Receipt.ID, "mgr")
	require.NoError(t, err)

	// THEN: escrow and points are back where they started
	assert.Equal(t, ledger.Money(1050), rf.Amount)
	assert.Equal(t, ledger.Points(105), rf.PointsDeducted)
	assert.Equal(t, ledger.Points(150), rf.PointsRestored)
	assert.Equal(t, ledger.Money(0), f.balance(t))
	after := f.points(t, "bob")
	assert.Equal(t, before.AvailablePoints, after.AvailablePoints)
	assert.Equal(t, before.RedeemedPoints, after.RedeemedPoints)
	f.checkInvariants(t)

	_, err = f.engine.Refund(f.ctx, res.Receipt.ID, "mgr")
	assert.ErrorIs(t, err, ledger.ErrAlreadyRefunded)
}

func TestRefund_ClawbackReachesRestoredPoints(t *testing.T) {
	// GIVEN: bob pays 100 of a lamp with points, earns 110, then spends them
	f := newMemoryFixture(t)
	f.withProgram(t)
	f.grant(t, "bob", 100)
	req := buy("bob", settlement.PayFull, "lamp", 1)
	req.PointsToUse = 100
	res, err := f.engine.Purchase(f.ctx, req)
	require.NoError(t, err)
	require.Equal(t, ledger.Points(110), res.Receipt.PointsEarned)
	f.tx(t, func(s ledger.Store) error {
		_, err := f.deps.Loyalty.Redeem(f.ctx, s, "bob", "shop", 110, 1000, "elsewhere")
		return err
	})
	require.Equal(t, ledger.Points(0), f.points(t, "bob").AvailablePoints)

	// WHEN: the lamp is refunded
	rf, err := f.engine.Refund(f.ctx, res.Receipt.ID, "mgr")

	// THEN: the restored 100 are clawed back and the rest is a shortfall
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(100), rf.PointsRestored)
	assert.Equal(t, ledger.Points(100), rf.PointsDeducted)
	assert.Equal(t, ledger.Points(10), rf.PointsShortfall)
	assert.Equal(t, ledger.Points(0), f.points(t, "bob").AvailablePoints)
	f.checkInvariants(t)
}

func TestRefund_BNPLOnlyDownpayment(t *testing.T) {
	// GIVEN: a 1200 BNPL purchase with a 200 downpayment and no installments
	f := newMemoryFixture(t)
	down := ledger.Money(200)
	req := buy("bob", settlement.PayBNPL, "lamp", 1)
	req.Downpayment = &down
	res, err := f.engine.Purchase(f.ctx, req)
	require.NoError(t, err)

	// WHEN: refunded
	rf, err := f.engine.Refund(f.ctx, res.Receipt.ID, "owner")

	// THEN: exactly 200 comes back and the loan is cancelled
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(200), rf.Amount)
	assert.Equal(t, ledger.Money(0), f.balance(t))
	loan, err := f.deps.Loans.Get(f.ctx, res.Receipt.LoanID)
	require.NoError(t, err)
	assert.Equal(t, bnpl.StatusCancelled, loan.Status)
	f.checkInvariants(t)
}

func TestRefund_BNPLIncludesInstallments(t *testing.T) {
	f := newMemoryFixture(t)
	down := ledger.Money(200)
	req := buy("bob", settlement.PayBNPL, "lamp", 1)
	req.Downpayment = &down
	res, err := f.engine.Purchase(f.ctx, req)
	require.NoError(t, err)
	_, err = f.deps.Loans.MakePayment(f.ctx, bnpl.PaymentRequest{LoanID: res.Receipt.LoanID, Borrower: "bob", Amount: 334})
	require.NoError(t, err)

	rf, err := f.engine.Refund(f.ctx, res.Receipt.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(534), rf.Amount)
}

func TestRefund_Authorization(t *testing.T) {
	f := newMemoryFixture(t)
	res, err := f.engine.Purchase(f.ctx, buy("bob", settlement.PayFull, "lamp", 1))
	require.NoError(t, err)

	_, err = f.engine.Refund(f.ctx, res.Receipt.ID, "viewer")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.engine.Refund(f.ctx, res.Receipt.ID, "bob")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.engine.Refund(f.ctx, "missing", "owner")
	assert.ErrorIs(t, err, ledger.ErrReceiptNotFound)
}

func TestRefund_DefaultedLoanNotRefundable(t *testing.T) {
	f := newMemoryFixture(t)
	res, err := f.engine.Purchase(f.ctx, buy("bob", settlement.PayBNPL, "lamp", 1))
	require.NoError(t, err)

	f.clock.AddMonths(2)
	_, err = f.deps.Loans.RefreshStatus(f.ctx)
	require.NoError(t, err)

	_, err = f.engine.Refund(f.ctx, res.Receipt.ID, "owner")
	assert.ErrorIs(t, err, ledger.ErrLoanNotRefundable)
	assert.Equal(t, ledger.Money(240), f.balance(t))
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcile_DetectsTamperedBalance(t *testing.T) {
	f := newMemoryFixture(t)
	_, err := f.engine.Purchase(f.ctx, buy("bob", settlement.PayFull, "lamp", 1))
	require.NoError(t, err)

	// GIVEN: the escrow record is rewritten without a journal entry
	f.tx(t, func(s ledger.Store) error {
		acct, version, err := ledger.Load[escrow.Account](f.ctx, s, escrow.Key("shop"), nil)
		if err != nil {
			return err
		}
		acct.Balance += 50
		return ledger.Update(f.ctx, s, escrow.Key("shop"), version, acct)
	})

	report, err := f.engine.Reconcile(f.ctx, "shop")

	assert.ErrorIs(t, err, ledger.ErrReconciliation)
	require.NotNil(t, report)
	assert.False(t, report.Balanced)
	assert.Equal(t, ledger.Money(1250), report.Balance)
	assert.Equal(t, ledger.Money(1200), report.JournalTotal)

	reports, err := f.engine.ReconcileAll(f.ctx)
	assert.ErrorIs(t, err, ledger.ErrReconciliation)
	assert.Len(t, reports, 1)
}

// =============================================================================
// SQLITE BACKEND
// =============================================================================

func TestSettlement_OnSQLite(t *testing.T) {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	f := newFixture(t, db, zaptest.NewLogger(t))
	f.withProgram(t)

	res, err := f.engine.Purchase(f.ctx, buy("bob", settlement.PayFull, "lamp", 1))
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(120), res.Receipt.PointsEarned)

	_, err = f.engine.Purchase(f.ctx, buy("carol", settlement.PayFull, "mug", 2))
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)

	_, err = f.engine.Refund(f.ctx, res.Receipt.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(0), f.balance(t))
	assert.Equal(t, ledger.Points(0), f.points(t, "bob").AvailablePoints)
	f.checkInvariants(t)
}
