package bnpl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sodap/settlement-engine/credit"
	"github.com/sodap/settlement-engine/escrow"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/loyalty"
	"github.com/sodap/settlement-engine/merchant"
	"github.com/sodap/settlement-engine/metrics"
)

// Deps are the engines a loan touches.
type Deps struct {
	Merchants *merchant.Registry
	Escrow    *escrow.Accounts
	Loyalty   *loyalty.Engine
	Credit    *credit.Bureau
	Clock     ledger.Clock
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

// Engine manages loans. Methods taking a ledger.Store run inside the
// caller's transaction; the others open their own.
type Engine struct {
	db  ledger.TxStore
	cfg Config
	Deps
	log *zap.Logger
}

func NewEngine(db ledger.TxStore, cfg Config, deps Deps) *Engine {
	return &Engine{db: db, cfg: cfg, Deps: deps, log: deps.Log.Named("bnpl")}
}

func (e *Engine) Config() Config { return e.cfg }

// =============================================================================
// ORIGINATION
// =============================================================================

// CreateLoan opens a loan in its own transaction.
func (e *Engine) CreateLoan(ctx context.Context, req OpenRequest) (loan *Loan, err error) {
	defer func(start time.Time) { e.Metrics.Observe("bnpl.create_loan", start, err) }(time.Now())
	err = ledger.RunTx(ctx, e.db, func(s ledger.Store) error {
		var err error
		loan, err = e.Open(ctx, s, req)
		return err
	})
	return loan, err
}

// Open validates and opens a loan, depositing the downpayment into escrow.
func (e *Engine) Open(ctx context.Context, s ledger.Store, req OpenRequest) (*Loan, error) {
	if !e.cfg.ValidTerm(req.Term) {
		return nil, fmt.Errorf("term %d, allowed %v: %w", req.Term, e.cfg.Terms, ledger.ErrInvalidTerm)
	}
	if req.Borrower == "" {
		return nil, fmt.Errorf("borrower is required: %w", ledger.ErrInvalidInput)
	}
	if req.Total <= 0 {
		return nil, fmt.Errorf("loan total %d: %w", req.Total, ledger.ErrInvalidAmount)
	}
	if req.Downpayment < 0 || req.Downpayment >= req.Total {
		return nil, fmt.Errorf("downpayment %d of %d: %w", req.Downpayment, req.Total, ledger.ErrInvalidDownpayment)
	}
	if minimum := ledger.Bps(req.Total, e.cfg.MinDownpaymentBps); req.Downpayment < minimum {
		return nil, fmt.Errorf("downpayment %d below minimum %d: %w", req.Downpayment, minimum, ledger.ErrInvalidDownpayment)
	}
	if _, _, err := e.Merchants.ActiveStore(ctx, s, req.StoreID); err != nil {
		return nil, err
	}

	financed := req.Total - req.Downpayment
	if err := e.Credit.CheckEligible(ctx, s, req.Borrower, financed); err != nil {
		return nil, err
	}

	now := e.Clock.Now()
	installment := ledger.CeilDiv(financed, int64(req.Term))
	loan := &Loan{
		ID:                ledger.LoanID(uuid.NewString()),
		Borrower:          req.Borrower,
		StoreID:           req.StoreID,
		TotalAmount:       req.Total,
		Downpayment:       req.Downpayment,
		RemainingBalance:  financed,
		InstallmentAmount: installment,
		Term:              req.Term,
		Status:            StatusActive,
		CreatedAt:         now,
		NextPaymentDue:    now.AddDate(0, 1, 0),
		TotalPayments:     int(ledger.CeilDiv(financed, int64(installment))),
		LateFee:           ledger.Bps(installment, e.cfg.LateFeeBps),
		GracePeriodDays:   e.cfg.GracePeriodDays,
		ReceiptRef:        req.ReceiptRef,
		UpdatedAt:         now,
	}

	if _, err := e.Credit.Init(ctx, s, req.Borrower); err != nil {
		return nil, err
	}
	if _, err := e.Credit.RecordLoanOpened(ctx, s, req.Borrower); err != nil {
		return nil, err
	}
	if req.Downpayment > 0 {
		if _, err := e.Escrow.DepositCollateral(ctx, s, req.StoreID, req.Borrower, req.Downpayment, string(loan.ID)); err != nil {
			return nil, err
		}
	}
	if err := ledger.Insert(ctx, s, LoanKey(loan.ID), loan); err != nil {
		return nil, err
	}
	err := s.Append(ctx, ledger.Entry{
		Type:        ledger.EntryLoanOpened,
		Account:     AccountName(loan.ID),
		StoreID:     loan.StoreID,
		Subject:     loan.Borrower,
		Delta:       int64(financed),
		ReferenceID: string(req.ReceiptRef),
		Metadata: map[string]string{
			"term":        strconv.Itoa(req.Term),
			"installment": strconv.FormatInt(int64(installment), 10),
		},
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("loan opened",
		zap.String("loan", string(loan.ID)),
		zap.String("borrower", string(loan.Borrower)),
		zap.String("store", string(loan.StoreID)),
		zap.Int64("financed", int64(financed)),
		zap.Int("term", req.Term))
	return loan, nil
}

// =============================================================================
// REPAYMENT
// =============================================================================

// MakePayment applies one installment or a full payoff. A loan found past
// its grace period is moved to Defaulted, that change is committed, and the
// payment is rejected with ErrLoanDefaulted.
func (e *Engine) MakePayment(ctx context.Context, req PaymentRequest) (res *PaymentResult, err error) {
	defer func(start time.Time) { e.Metrics.Observe("bnpl.make_payment", start, err) }(time.Now())

	var defaulted bool
	err = ledger.RunTx(ctx, e.db, func(s ledger.Store) error {
		defaulted = false
		var err error
		res, defaulted, err = e.pay(ctx, s, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if defaulted {
		return nil, fmt.Errorf("loan %s: %w", req.LoanID, ledger.ErrLoanDefaulted)
	}
	return res, nil
}

func (e *Engine) pay(ctx context.Context, s ledger.Store, req PaymentRequest) (*PaymentResult, bool, error) {
	loan, version, err := e.load(ctx, s, req.LoanID)
	if err != nil {
		return nil, false, err
	}
	if loan.Borrower != req.Borrower {
		return nil, false, fmt.Errorf("%s is not the borrower of %s: %w", req.Borrower, loan.ID, ledger.ErrUnauthorized)
	}
	if err := checkPayable(loan); err != nil {
		return nil, false, err
	}

	idem := ""
	if req.IdempotencyKey != "" {
		idem = AccountName(loan.ID) + "/" + req.IdempotencyKey
		seen, err := s.Entries(ctx, ledger.EntryFilter{IdempotencyKey: idem, Limit: 1})
		if err != nil {
			return nil, false, err
		}
		if len(seen) > 0 {
			return nil, false, fmt.Errorf("key %s: %w", req.IdempotencyKey, ledger.ErrPaymentAlreadyApplied)
		}
	}
	if req.PaymentNumber != 0 {
		if req.PaymentNumber <= loan.PaymentsMade {
			return nil, false, fmt.Errorf("payment %d of loan %s: %w", req.PaymentNumber, loan.ID, ledger.ErrPaymentAlreadyApplied)
		}
		if req.PaymentNumber > loan.PaymentsMade+1 {
			return nil, false, fmt.Errorf("payment %d, next is %d: %w", req.PaymentNumber, loan.PaymentsMade+1, ledger.ErrPaymentOutOfOrder)
		}
	}

	version, err = e.advance(ctx, s, loan, version)
	if err != nil {
		return nil, false, err
	}
	if loan.Status == StatusDefaulted {
		return nil, true, nil
	}

	now := e.Clock.Now()
	late := now.After(loan.NextPaymentDue)
	var fee ledger.Money
	if late {
		fee = loan.LateFee
	}
	regular := min(loan.InstallmentAmount, loan.RemainingBalance) + fee
	payoff := loan.RemainingBalance + fee
	if req.Amount != regular && req.Amount != payoff {
		return nil, false, &ledger.PaymentMismatchError{
			LoanID: loan.ID, Got: req.Amount, Expected: regular, Payoff: payoff, LateFee: fee,
		}
	}
	principal := req.Amount - fee

	if _, err := e.Escrow.DepositCollateral(ctx, s, loan.StoreID, loan.Borrower, req.Amount, string(loan.ID)); err != nil {
		return nil, false, err
	}

	loan.RemainingBalance -= principal
	loan.PaymentsMade++
	loan.AmountPaid += principal
	loan.LateFeesPaid += fee
	loan.NextPaymentDue = loan.NextPaymentDue.AddDate(0, 1, 0)
	loan.Status = StatusActive
	loan.UpdatedAt = now

	payment := &Payment{
		LoanID:        loan.ID,
		PaymentNumber: loan.PaymentsMade,
		AmountPaid:    principal,
		LateFeePaid:   fee,
		PaymentDate:   now,
		WasLate:       late,
	}
	if err := ledger.Insert(ctx, s, PaymentKey(loan.ID, payment.PaymentNumber), payment); err != nil {
		if errors.Is(err, ledger.ErrAlreadyExists) {
			return nil, false, fmt.Errorf("payment %d of loan %s: %w", payment.PaymentNumber, loan.ID, ledger.ErrPaymentAlreadyApplied)
		}
		return nil, false, err
	}
	if _, err := e.Credit.RecordPayment(ctx, s, loan.Borrower, !late); err != nil {
		return nil, false, err
	}

	res := &PaymentResult{Loan: loan, Payment: payment}
	if loan.RemainingBalance == 0 {
		loan.Status = StatusCompleted
		// an early payoff closes the schedule at the payments actually made
		loan.TotalPayments = loan.PaymentsMade
		res.Completed = true
		if _, err := e.Escrow.FreeCollateral(ctx, s, loan.StoreID, loan.Collected()); err != nil {
			return nil, false, err
		}
		res.BonusPoints, err = e.completionBonus(ctx, s, loan)
		if err != nil {
			return nil, false, err
		}
	}
	if err := ledger.Update(ctx, s, LoanKey(loan.ID), version, loan); err != nil {
		return nil, false, err
	}

	entries := []ledger.Entry{{
		Type:           ledger.EntryLoanPayment,
		Account:        AccountName(loan.ID),
		StoreID:        loan.StoreID,
		Subject:        loan.Borrower,
		Delta:          -int64(principal),
		ReferenceID:    string(loan.ID),
		IdempotencyKey: idem,
		Metadata: map[string]string{
			"payment_number": strconv.Itoa(payment.PaymentNumber),
			"late_fee":       strconv.FormatInt(int64(fee), 10),
		},
		CreatedAt: now,
	}}
	if res.Completed {
		entries = append(entries, e.notice(loan, ledger.EntryLoanCompleted, now))
	}
	for _, entry := range entries {
		if err := s.Append(ctx, entry); err != nil {
			return nil, false, err
		}
	}

	e.log.Info("loan payment applied",
		zap.String("loan", string(loan.ID)),
		zap.Int("payment_number", payment.PaymentNumber),
		zap.Int64("principal", int64(principal)),
		zap.Int64("late_fee", int64(fee)),
		zap.Int64("remaining", int64(loan.RemainingBalance)),
		zap.Bool("completed", res.Completed))
	return res, false, nil
}

func checkPayable(loan *Loan) error {
	switch loan.Status {
	case StatusCompleted:
		return fmt.Errorf("loan %s: %w", loan.ID, ledger.ErrLoanAlreadyCompleted)
	case StatusDefaulted, StatusLiquidated:
		return fmt.Errorf("loan %s: %w", loan.ID, ledger.ErrLoanDefaulted)
	case StatusCancelled:
		return fmt.Errorf("loan %s: %w", loan.ID, ledger.ErrLoanCancelled)
	}
	return nil
}

// completionBonus awards loyalty points when the store runs an active program.
func (e *Engine) completionBonus(ctx context.Context, s ledger.Store, loan *Loan) (ledger.Points, error) {
	if e.cfg.CompletionBonusPoints == 0 || e.Loyalty == nil {
		return 0, nil
	}
	res, err := e.Loyalty.Earn(ctx, s, loan.Borrower, loan.StoreID, int64(e.cfg.CompletionBonusPoints), loyalty.PointBonus, string(loan.ID))
	if errors.Is(err, ledger.ErrProgramNotFound) || errors.Is(err, ledger.ErrProgramInactive) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return res.Points, nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// advance applies time-driven transitions to an open loan and returns the
// new record version.
func (e *Engine) advance(ctx context.Context, s ledger.Store, loan *Loan, version int64) (int64, error) {
	if !loan.Status.Open() {
		return version, nil
	}
	now := e.Clock.Now()
	var typ ledger.EntryType
	switch {
	case now.After(loan.graceEnds()):
		loan.Status = StatusDefaulted
		typ = ledger.EntryLoanDefaulted
		if _, err := e.Credit.RecordDefault(ctx, s, loan.Borrower); err != nil {
			return 0, err
		}
	case now.After(loan.NextPaymentDue) && loan.Status == StatusActive:
		loan.Status = StatusDefaultedGrace
		typ = ledger.EntryLoanGrace
	default:
		return version, nil
	}
	loan.UpdatedAt = now
	if err := ledger.Update(ctx, s, LoanKey(loan.ID), version, loan); err != nil {
		return 0, err
	}
	if err := s.Append(ctx, e.notice(loan, typ, now)); err != nil {
		return 0, err
	}
	e.log.Warn("loan status changed",
		zap.String("loan", string(loan.ID)),
		zap.String("status", string(loan.Status)),
		zap.Time("due", loan.NextPaymentDue))
	return version + 1, nil
}

// RefreshStatus sweeps every open loan, one transaction per loan.
func (e *Engine) RefreshStatus(ctx context.Context) (*SweepResult, error) {
	loans, err := ledger.Scan[Loan](ctx, e.db, ledger.KeyOf("bnpl", "loan", ""))
	if err != nil {
		return nil, err
	}
	res := &SweepResult{}
	for _, l := range loans {
		if !l.Status.Open() {
			continue
		}
		res.Checked++
		var status Status
		err := ledger.RunTx(ctx, e.db, func(s ledger.Store) error {
			loan, version, err := e.load(ctx, s, l.ID)
			if err != nil {
				return err
			}
			before := loan.Status
			if _, err := e.advance(ctx, s, loan, version); err != nil {
				return err
			}
			if loan.Status != before {
				status = loan.Status
			} else {
				status = ""
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("refresh loan %s: %w", l.ID, err)
		}
		switch status {
		case StatusDefaultedGrace:
			res.Grace++
		case StatusDefaulted:
			res.Defaulted++
		}
	}
	return res, nil
}

// =============================================================================
// LIQUIDATION AND CANCELLATION
// =============================================================================

// Liquidate releases a defaulted loan's collected funds still held as
// collateral to the store owner. Owner or Manager.
func (e *Engine) Liquidate(ctx context.Context, id ledger.LoanID, actor ledger.UserID) (loan *Loan, err error) {
	defer func(start time.Time) { e.Metrics.Observe("bnpl.liquidate", start, err) }(time.Now())
	err = ledger.RunTx(ctx, e.db, func(s ledger.Store) error {
		l, version, err := e.load(ctx, s, id)
		if err != nil {
			return err
		}
		if _, _, err := e.Merchants.Authorize(ctx, s, l.StoreID, actor, merchant.RoleManager); err != nil {
			return err
		}
		if version, err = e.advance(ctx, s, l, version); err != nil {
			return err
		}
		if l.Status != StatusDefaulted {
			return fmt.Errorf("loan %s is %s: %w", id, l.Status, ledger.ErrLoanNotDefaulted)
		}

		var amount ledger.Money
		if collected := l.Collected(); collected > 0 {
			if amount, err = e.Escrow.ReleaseCollateral(ctx, s, l.StoreID, collected, string(l.ID)); err != nil {
				return err
			}
		}

		now := e.Clock.Now()
		l.Status = StatusLiquidated
		l.LiquidatedAmount = amount
		l.UpdatedAt = now
		if err := ledger.Update(ctx, s, LoanKey(id), version, l); err != nil {
			return err
		}
		notice := e.notice(l, ledger.EntryLoanLiquidated, now)
		notice.Delta = int64(amount)
		if err := s.Append(ctx, notice); err != nil {
			return err
		}
		loan = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("loan liquidated", zap.String("loan", string(id)), zap.Int64("released", int64(loan.LiquidatedAmount)))
	return loan, nil
}

// Cancel closes a loan whose purchase is being refunded.
func (e *Engine) Cancel(ctx context.Context, s ledger.Store, id ledger.LoanID) (*Loan, error) {
	loan, version, err := e.load(ctx, s, id)
	if err != nil {
		return nil, err
	}
	switch loan.Status {
	case StatusDefaulted, StatusLiquidated:
		return nil, fmt.Errorf("loan %s is %s: %w", id, loan.Status, ledger.ErrLoanNotRefundable)
	case StatusCancelled:
		return nil, fmt.Errorf("loan %s: %w", id, ledger.ErrAlreadyRefunded)
	}
	if collected := loan.Collected(); collected > 0 {
		if _, err := e.Escrow.FreeCollateral(ctx, s, loan.StoreID, collected); err != nil {
			return nil, err
		}
	}
	now := e.Clock.Now()
	loan.Status = StatusCancelled
	loan.UpdatedAt = now
	if err := ledger.Update(ctx, s, LoanKey(id), version, loan); err != nil {
		return nil, err
	}
	if err := s.Append(ctx, e.notice(loan, ledger.EntryLoanCancelled, now)); err != nil {
		return nil, err
	}
	return loan, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Get(ctx context.Context, id ledger.LoanID) (*Loan, error) {
	loan, _, err := e.load(ctx, e.db, id)
	return loan, err
}

// Payments lists the loan's payments in order.
func (e *Engine) Payments(ctx context.Context, id ledger.LoanID) ([]Payment, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return ledger.Scan[Payment](ctx, e.db, ledger.KeyOf("bnpl", "payment", string(id), ""))
}

// LoansFor lists a borrower's loans.
func (e *Engine) LoansFor(ctx context.Context, borrower ledger.UserID) ([]Loan, error) {
	all, err := ledger.Scan[Loan](ctx, e.db, ledger.KeyOf("bnpl", "loan", ""))
	if err != nil {
		return nil, err
	}
	var out []Loan
	for _, l := range all {
		if l.Borrower == borrower {
			out = append(out, l)
		}
	}
	return out, nil
}

func (e *Engine) load(ctx context.Context, s ledger.Store, id ledger.LoanID) (*Loan, int64, error) {
	loan, version, err := ledger.Load[Loan](ctx, s, LoanKey(id), ledger.ErrLoanNotFound)
	if err != nil {
		return nil, 0, err
	}
	return &loan, version, nil
}

func (e *Engine) notice(loan *Loan, typ ledger.EntryType, now time.Time) ledger.Entry {
	return ledger.Entry{
		Type:        typ,
		Account:     AccountName(loan.ID),
		StoreID:     loan.StoreID,
		Subject:     loan.Borrower,
		ReferenceID: string(loan.ID),
		Metadata:    map[string]string{"status": string(loan.Status)},
		CreatedAt:   now,
	}
}
