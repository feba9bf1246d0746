package bnpl_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sodap/settlement-engine/bnpl"
	"github.com/sodap/settlement-engine/credit"
	"github.com/sodap/settlement-engine/escrow"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/ledger/store"
	"github.com/sodap/settlement-engine/loyalty"
	"github.com/sodap/settlement-engine/merchant"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	ctx     context.Context
	clock   *ledger.ManualClock
	db      *store.Memory
	deps    bnpl.Deps
	engine  *bnpl.Engine
	loyalty *loyalty.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := ledger.NewManualClock(time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	merchants := merchant.NewRegistry(clock, log)
	deps := bnpl.Deps{
		Merchants: merchants,
		Escrow:    escrow.NewAccounts(merchants, clock, log),
		Loyalty:   loyalty.NewEngine(loyalty.DefaultConfig(), merchants, clock, log),
		Credit:    credit.NewBureau(credit.DefaultPolicy(), clock, log),
		Clock:     clock,
		Log:       log,
	}
	f := &fixture{ctx: ctx, clock: clock, db: store.NewMemory(), deps: deps, loyalty: deps.Loyalty}
	f.engine = bnpl.NewEngine(f.db, bnpl.DefaultConfig(), deps)

	require.NoError(t, f.db.WithTx(ctx, func(s ledger.Store) error {
		if _, err := merchants.RegisterStore(ctx, s, "shop", "owner", "Shop"); err != nil {
			return err
		}
		if _, err := merchants.AddAdmin(ctx, s, "shop", "owner", "mgr", merchant.RoleManager); err != nil {
			return err
		}
		return deps.Escrow.Open(ctx, s, "shop")
	}))
	return f
}

func (f *fixture) withProgram(t *testing.T) {
	t.Helper()
	require.NoError(t, f.db.WithTx(f.ctx, func(s ledger.Store) error {
		_, err := f.loyalty.CreateProgram(f.ctx, s, "owner", loyalty.Program{
			StoreID: "shop", IsActive: true, PointsPerUnit: 10, RedemptionRate: 100, MaxRedemptionPercent: 50,
		})
		return err
	}))
}

func (f *fixture) open(t *testing.T, total, down ledger.Money, term int) *bnpl.Loan {
	t.Helper()
	loan, err := f.engine.CreateLoan(f.ctx, bnpl.OpenRequest{
		Borrower: "bob", StoreID: "shop", Total: total, Downpayment: down, Term: term, ReceiptRef: "rcpt-1",
	})
	require.NoError(t, err)
	return loan
}

func (f *fixture) pay(amount ledger.Money, loan *bnpl.Loan) (*bnpl.PaymentResult, error) {
	return f.engine.MakePayment(f.ctx, bnpl.PaymentRequest{LoanID: loan.ID, Borrower: "bob", Amount: amount})
}

func (f *fixture) escrowBalance(t *testing.T) ledger.Money {
	t.Helper()
	bal, err := f.deps.Escrow.Balance(f.ctx, f.db, "shop")
	require.NoError(t, err)
	return bal
}

// =============================================================================
// ORIGINATION
// =============================================================================

func TestBNPL_OpenComputesSchedule(t *testing.T) {
	f := newFixture(t)

	loan := f.open(t, 1200, 200, 3)

	assert.Equal(t, bnpl.StatusActive, loan.Status)
	assert.Equal(t, ledger.Money(1000), loan.RemainingBalance)
	assert.Equal(t, ledger.Money(334), loan.InstallmentAmount)
	assert.Equal(t, 3, loan.TotalPayments)
	assert.Equal(t, ledger.Money(16), loan.LateFee)
	assert.Equal(t, time.Date(2025, time.February, 15, 10, 0, 0, 0, time.UTC), loan.NextPaymentDue)
	assert.Equal(t, ledger.Money(200), f.escrowBalance(t))

	sc, err := f.deps.Credit.Get(f.ctx, f.db, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, sc.TotalLoans)
}

func TestBNPL_OpenValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		req  bnpl.OpenRequest
		want error
	}{
		{"bad term", bnpl.OpenRequest{Borrower: "bob", StoreID: "shop", Total: 1000, Term: 4}, ledger.ErrInvalidTerm},
		{"downpayment equals total", bnpl.OpenRequest{Borrower: "bob", StoreID: "shop", Total: 1000, Downpayment: 1000, Term: 3}, ledger.ErrInvalidDownpayment},
		{"negative downpayment", bnpl.OpenRequest{Borrower: "bob", StoreID: "shop", Total: 1000, Downpayment: -1, Term: 3}, ledger.ErrInvalidDownpayment},
		{"unknown store", bnpl.OpenRequest{Borrower: "bob", StoreID: "nope", Total: 1000, Term: 3}, ledger.ErrStoreNotFound},
		{"over credit limit", bnpl.OpenRequest{Borrower: "bob", StoreID: "shop", Total: 900_000, Term: 12}, ledger.ErrInsufficientCreditScore},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateLoan(f.ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, ledger.Money(0), f.escrowBalance(t))
}

// =============================================================================
// REPAYMENT
// =============================================================================

func TestBNPL_InstallmentsCompleteLoan(t *testing.T) {
	// GIVEN: total 1200, downpayment 200, term 3, an active loyalty program
	f := newFixture(t)
	f.withProgram(t)
	loan := f.open(t, 1200, 200, 3)

	// WHEN: two installments of 334
	for i := 0; i < 2; i++ {
		_, err := f.pay(334, loan)
		require.NoError(t, err)
	}
	current, err := f.engine.Get(f.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(332), current.RemainingBalance)

	// THEN: a final 332 completes it
	res, err := f.pay(332, loan)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, bnpl.StatusCompleted, res.Loan.Status)
	assert.Equal(t, 3, res.Loan.PaymentsMade)
	assert.Equal(t, ledger.Money(0), res.Loan.RemainingBalance)
	assert.Equal(t, ledger.Points(100), res.BonusPoints)
	assert.Equal(t, ledger.Money(1200), f.escrowBalance(t))

	payments, err := f.engine.Payments(f.ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, payments, 3)
	assert.Equal(t, 3, payments[2].PaymentNumber)

	_, err = f.pay(1, loan)
	assert.ErrorIs(t, err, ledger.ErrLoanAlreadyCompleted)
}

func TestBNPL_PayoffClosesSchedule(t *testing.T) {
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 6)

	res, err := f.pay(1000, loan)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Loan.TotalPayments)
	assert.Equal(t, ledger.Points(0), res.BonusPoints, "no program, no bonus")
}

func TestBNPL_PaymentMismatch(t *testing.T) {
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 3)

	_, err := f.pay(300, loan)

	var mismatch *ledger.PaymentMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, ledger.Money(334), mismatch.Expected)
	assert.Equal(t, ledger.Money(1000), mismatch.Payoff)
	assert.Equal(t, ledger.Money(200), f.escrowBalance(t))
}

func TestBNPL_PaymentReplayIsRejected(t *testing.T) {
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 3)
	req := bnpl.PaymentRequest{LoanID: loan.ID, Borrower: "bob", Amount: 334, PaymentNumber: 1, IdempotencyKey: "k1"}

	_, err := f.engine.MakePayment(f.ctx, req)
	require.NoError(t, err)

	// same key, next slot
	req.PaymentNumber = 2
	_, err = f.engine.MakePayment(f.ctx, req)
	assert.ErrorIs(t, err, ledger.ErrPaymentAlreadyApplied)

	// new key, used slot
	req.IdempotencyKey, req.PaymentNumber = "k2", 1
	_, err = f.engine.MakePayment(f.ctx, req)
	assert.ErrorIs(t, err, ledger.ErrPaymentAlreadyApplied)

	req.PaymentNumber = 3
	_, err = f.engine.MakePayment(f.ctx, req)
	assert.ErrorIs(t, err, ledger.ErrPaymentOutOfOrder)

	assert.Equal(t, ledger.Money(534), f.escrowBalance(t))
}

func TestBNPL_ConcurrentPaymentsForOneSlot(t *testing.T) {
	// GIVEN: a 1000 balance over 3 installments of 334
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 3)

	// WHEN: eight callers pay installment 1 at once, each with its own key
	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.MakePayment(f.ctx, bnpl.PaymentRequest{
				LoanID: loan.ID, Borrower: "bob", Amount: 334, PaymentNumber: 1,
				IdempotencyKey: fmt.Sprintf("slot1-%d", i),
			})
		}(i)
	}
	wg.Wait()

	// THEN: one payment lands, the rest are rejected or gave up on contention
	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		if !errors.Is(err, ledger.ErrContention) {
			assert.ErrorIs(t, err, ledger.ErrPaymentAlreadyApplied)
		}
	}
	assert.Equal(t, 1, ok)

	got, err := f.engine.Get(f.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PaymentsMade)
	assert.Equal(t, ledger.Money(666), got.RemainingBalance)
	assert.Equal(t, ledger.Money(534), f.escrowBalance(t))

	payments, err := f.engine.Payments(f.ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestBNPL_OnlyBorrowerPays(t *testing.T) {
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 3)

	_, err := f.engine.MakePayment(f.ctx, bnpl.PaymentRequest{LoanID: loan.ID, Borrower: "mallory", Amount: 334})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func TestBNPL_LatePaymentInGrace(t *testing.T) {
	// GIVEN: a loan two days past due
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 3)
	f.clock.AddMonths(1)
	f.clock.Advance(48 * time.Hour)

	// WHEN: paying the bare installment
	_, err := f.pay(334, loan)
	var mismatch *ledger.PaymentMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, ledger.Money(16), mismatch.LateFee)

	// THEN: installment plus late fee is accepted, back to active
	res, err := f.pay(350, loan)
	require.NoError(t, err)
	assert.True(t, res.Payment.WasLate)
	assert.Equal(t, ledger.Money(334), res.Payment.AmountPaid)
	assert.Equal(t, ledger.Money(16), res.Loan.LateFeesPaid)
	assert.Equal(t, bnpl.StatusActive, res.Loan.Status)
	assert.Equal(t, ledger.Money(666), res.Loan.RemainingBalance)

	sc, err := f.deps.Credit.Get(f.ctx, f.db, "bob")
	require.NoError(t, err)
	assert.Equal(t, 625, sc.Score)
}

func TestBNPL_PaymentAfterGraceDefaults(t *testing.T) {
	// GIVEN: a loan eight days past due, grace is seven
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 3)
	f.clock.AddMonths(1)
	f.clock.Advance(8 * 24 * time.Hour)

	// WHEN: the borrower tries to pay
	_, err := f.pay(350, loan)

	// THEN: rejected, but the default is committed
	assert.ErrorIs(t, err, ledger.ErrLoanDefaulted)
	current, err := f.engine.Get(f.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, bnpl.StatusDefaulted, current.Status)

	sc, err := f.deps.Credit.Get(f.ctx, f.db, "bob")
	require.NoError(t, err)
	assert.Equal(t, 550, sc.Score)
	assert.Equal(t, 1, sc.Defaults)

	_, err = f.pay(350, loan)
	assert.ErrorIs(t, err, ledger.ErrLoanDefaulted)
}

// =============================================================================
// SWEEP AND LIQUIDATION
// =============================================================================

func TestBNPL_RefreshStatus(t *testing.T) {
	f := newFixture(t)
	f.open(t, 1200, 200, 3)

	f.clock.AddMonths(1)
	f.clock.Advance(time.Hour)
	res, err := f.engine.RefreshStatus(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Grace)

	f.clock.Advance(7 * 24 * time.Hour)
	res, err = f.engine.RefreshStatus(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Defaulted)

	res, err = f.engine.RefreshStatus(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)
}

func TestBNPL_Liquidate(t *testing.T) {
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 3)
	_, err := f.pay(334, loan)
	require.NoError(t, err)

	_, err = f.engine.Liquidate(f.ctx, loan.ID, "mgr")
	assert.ErrorIs(t, err, ledger.ErrLoanNotDefaulted)

	// GIVEN: the second installment is never paid
	f.clock.AddMonths(2)
	f.clock.Advance(10 * 24 * time.Hour)

	_, err = f.engine.Liquidate(f.ctx, loan.ID, "bob")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	// WHEN: a manager liquidates
	liquidated, err := f.engine.Liquidate(f.ctx, loan.ID, "mgr")

	// THEN: the collected 534 goes to the owner
	require.NoError(t, err)
	assert.Equal(t, bnpl.StatusLiquidated, liquidated.Status)
	assert.Equal(t, ledger.Money(534), liquidated.LiquidatedAmount)
	assert.Equal(t, ledger.Money(0), f.escrowBalance(t))

	st, _, err := f.deps.Merchants.GetStore(f.ctx, f.db, "shop")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(534), st.Revenue)
}

func TestBNPL_LiquidateOnlyTakesHeldCollateral(t *testing.T) {
	// GIVEN: the owner already released the loan's 534, then carol paid 500
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 3)
	_, err := f.pay(334, loan)
	require.NoError(t, err)
	require.NoError(t, f.db.WithTx(f.ctx, func(s ledger.Store) error {
		if _, err := f.deps.Escrow.Release(f.ctx, s, "shop", "owner", 534); err != nil {
			return err
		}
		_, err := f.deps.Escrow.Deposit(f.ctx, s, "shop", "carol", 500, "rcpt-carol")
		return err
	}))
	f.clock.AddMonths(2)
	f.clock.Advance(10 * 24 * time.Hour)

	// WHEN: the defaulted loan is liquidated
	liquidated, err := f.engine.Liquidate(f.ctx, loan.ID, "mgr")

	// THEN: nothing is paid twice and carol's funds stay refundable
	require.NoError(t, err)
	assert.Equal(t, bnpl.StatusLiquidated, liquidated.Status)
	assert.Zero(t, liquidated.LiquidatedAmount)
	assert.Equal(t, ledger.Money(500), f.escrowBalance(t))

	st, _, err := f.deps.Merchants.GetStore(f.ctx, f.db, "shop")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(534), st.Revenue)

	require.NoError(t, f.db.WithTx(f.ctx, func(s ledger.Store) error {
		_, err := f.deps.Escrow.Refund(f.ctx, s, "shop", "carol", 500, "rcpt-carol")
		return err
	}))
}

func TestBNPL_CompletionFreesCollateral(t *testing.T) {
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 3)

	_, err := f.pay(1000, loan)
	require.NoError(t, err)

	acct, _, err := f.deps.Escrow.Get(f.ctx, f.db, "shop")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(1200), acct.Balance)
	assert.Zero(t, acct.Collateral)
}

func TestBNPL_CancelRules(t *testing.T) {
	f := newFixture(t)
	loan := f.open(t, 1200, 200, 3)

	err := f.db.WithTx(f.ctx, func(s ledger.Store) error {
		_, err := f.engine.Cancel(f.ctx, s, loan.ID)
		return err
	})
	require.NoError(t, err)

	err = f.db.WithTx(f.ctx, func(s ledger.Store) error {
		_, err := f.engine.Cancel(f.ctx, s, loan.ID)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyRefunded)

	_, err = f.pay(334, loan)
	assert.ErrorIs(t, err, ledger.ErrLoanCancelled)
}
