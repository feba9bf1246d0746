/*
settlement.go - Purchase, refund and reconciliation

PURPOSE:
  Moves funds between buyer, store escrow and store owner while keeping
  stock, loyalty points and loans consistent with what actually moved.
  Every public operation is one ledger transaction wrapped in the bounded
  optimistic retry loop, so a purchase either fully happens or leaves no
  trace.

PURCHASE STEPS (one transaction):
  1. replay a known idempotency key
  2. validate store and cart, price it, check stock
  3. redeem loyalty points for a discount
  4. deposit the total (Full) or open a loan and deposit the downpayment (BNPL)
  5. take stock; a failure here after funds moved is a reconciliation error
  6. earn points on the amount collected
  7. write the receipt and the purchase journal entry

REFUND POLICY:
  Only collected money is refunded: Full refunds total_paid, BNPL refunds
  the downpayment plus installment principal paid so far and cancels the
  loan. Stock is not restored.

SEE ALSO:
  - bnpl/engine.go: loan origination
  - escrow/escrow.go: Audit used by Reconcile
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sodap/settlement-engine/bnpl"
	"github.com/sodap/settlement-engine/escrow"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/loyalty"
	"github.com/sodap/settlement-engine/merchant"
	"github.com/sodap/settlement-engine/metrics"
)

type Deps struct {
	Merchants *merchant.Registry
	Escrow    *escrow.Accounts
	Loyalty   *loyalty.Engine
	Loans     *bnpl.Engine
	Clock     ledger.Clock
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

type Engine struct {
	db  ledger.TxStore
	cfg Config
	Deps
	log *zap.Logger
}

func NewEngine(db ledger.TxStore, cfg Config, deps Deps) *Engine {
	return &Engine{db: db, cfg: cfg, Deps: deps, log: deps.Log.Named("settlement")}
}

func (e *Engine) Config() Config { return e.cfg }

// RegisterStore creates a store and its escrow together.
func (e *Engine) RegisterStore(ctx context.Context, id ledger.StoreID, owner ledger.UserID, name string) (st *merchant.Store, err error) {
	defer func(start time.Time) { e.Metrics.Observe("settlement.register_store", start, err) }(time.Now())
	err = ledger.RunTx(ctx, e.db, func(s ledger.Store) error {
		var err error
		if st, err = e.Merchants.RegisterStore(ctx, s, id, owner, name); err != nil {
			return err
		}
		return e.Escrow.Open(ctx, s, id)
	})
	return st, err
}

// =============================================================================
// PURCHASE
// =============================================================================

type line struct {
	product *merchant.Product
	qty     int64
}

// Purchase checks out a cart.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) (res *PurchaseResult, err error) {
	defer func(start time.Time) { e.Metrics.Observe("settlement.purchase", start, err) }(time.Now())
	err = ledger.RunTx(ctx, e.db, func(s ledger.Store) error {
		var err error
		res, err = e.purchase(ctx, s, req)
		return err
	})
	if err != nil {
		if ledger.KindOf(err) == ledger.KindReconciliation {
			e.log.Error("purchase left ledger inconsistent",
				zap.String("store", string(req.StoreID)),
				zap.String("buyer", string(req.Buyer)),
				zap.Error(err))
			e.Metrics.ReconciliationAlert(req.StoreID)
		}
		return nil, err
	}
	if !res.Replayed {
		e.log.Info("purchase settled",
			zap.String("receipt", string(res.Receipt.ID)),
			zap.String("store", string(req.StoreID)),
			zap.String("method", string(res.Receipt.PaymentMethod)),
			zap.Int64("total", int64(res.Receipt.TotalPaid)),
			zap.Int64("collected", int64(res.Receipt.AmountCollected)))
	}
	return res, nil
}

func (e *Engine) purchase(ctx context.Context, s ledger.Store, req PurchaseRequest) (*PurchaseResult, error) {
	if req.IdempotencyKey != "" {
		idx, _, found, err := ledger.Lookup[purchaseIndex](ctx, s, purchaseIndexKey(req.StoreID, req.Buyer, req.IdempotencyKey))
		if err != nil {
			return nil, err
		}
		if found {
			rc, err := e.receipt(ctx, s, idx.ReceiptID)
			if err != nil {
				return nil, err
			}
			return &PurchaseResult{Receipt: rc, Replayed: true}, nil
		}
	}

	if _, _, err := e.Merchants.ActiveStore(ctx, s, req.StoreID); err != nil {
		return nil, err
	}
	if !req.PaymentMethod.Valid() {
		return nil, fmt.Errorf("payment method %q: %w", req.PaymentMethod, ledger.ErrInvalidInput)
	}
	if req.PointsToUse < 0 {
		return nil, fmt.Errorf("points to use %d: %w", req.PointsToUse, ledger.ErrInvalidAmount)
	}
	lines, subtotal, err := e.price(ctx, s, req)
	if err != nil {
		return nil, err
	}

	now := e.Clock.Now()
	rc := &Receipt{
		ID:             ledger.ReceiptID(uuid.NewString()),
		StoreID:        req.StoreID,
		Buyer:          req.Buyer,
		ProductIDs:     req.ProductIDs,
		Quantities:     req.Quantities,
		Subtotal:       subtotal,
		PaymentMethod:  req.PaymentMethod,
		Timestamp:      now,
		IdempotencyKey: req.IdempotencyKey,
	}
	res := &PurchaseResult{Receipt: rc}

	// Loyalty is optional: a store without an active program skips it.
	_, progErr := e.Loyalty.ActiveProgram(ctx, s, req.StoreID)
	loyal := progErr == nil
	if progErr != nil && !errors.Is(progErr, ledger.ErrProgramNotFound) && !errors.Is(progErr, ledger.ErrProgramInactive) {
		return nil, progErr
	}
	if loyal {
		if _, _, err := e.Loyalty.EnsureAccount(ctx, s, req.Buyer, req.StoreID, req.ReferredBy); err != nil {
			return nil, err
		}
	}
	if req.PointsToUse > 0 {
		if !loyal {
			return nil, progErr
		}
		discount, err := e.Loyalty.Redeem(ctx, s, req.Buyer, req.StoreID, req.PointsToUse, subtotal, string(rc.ID))
		if err != nil {
			return nil, err
		}
		rc.Discount = min(discount, subtotal)
		rc.LoyaltyPointsUsed = req.PointsToUse
	}
	rc.TotalPaid = subtotal - rc.Discount

	switch req.PaymentMethod {
	case PayFull:
		if rc.TotalPaid > 0 {
			if _, err := e.Escrow.Deposit(ctx, s, req.StoreID, req.Buyer, rc.TotalPaid, string(rc.ID)); err != nil {
				return nil, err
			}
		}
		rc.AmountCollected = rc.TotalPaid
	case PayBNPL:
		down := ledger.Bps(rc.TotalPaid, e.cfg.DownpaymentBps)
		if req.Downpayment != nil {
			down = *req.Downpayment
		}
		loan, err := e.Loans.Open(ctx, s, bnpl.OpenRequest{
			Borrower:    req.Buyer,
			StoreID:     req.StoreID,
			Total:       rc.TotalPaid,
			Downpayment: down,
			Term:        req.Term,
			ReceiptRef:  rc.ID,
		})
		if err != nil {
			return nil, err
		}
		rc.LoanID = loan.ID
		rc.AmountCollected = down
		res.Loan = loan
	}

	for _, l := range lines {
		if err := e.Merchants.TakeStock(ctx, s, req.StoreID, l.product.ID, l.qty); err != nil {
			if ledger.IsRetryable(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: stock update for %s after funds moved: %w", ledger.ErrReconciliation, l.product.ID, err)
		}
	}

	if loyal && rc.AmountCollected > 0 {
		earned, err := e.Loyalty.Earn(ctx, s, req.Buyer, req.StoreID, int64(rc.AmountCollected), loyalty.PointPurchase, string(rc.ID))
		if err != nil {
			return nil, err
		}
		rc.PointsEarned = earned.Points
		res.Earned = earned
	}

	if err := ledger.Insert(ctx, s, ReceiptKey(rc.ID), rc); err != nil {
		return nil, err
	}
	var idem string
	if req.IdempotencyKey != "" {
		if err := ledger.Insert(ctx, s, purchaseIndexKey(req.StoreID, req.Buyer, req.IdempotencyKey), purchaseIndex{ReceiptID: rc.ID}); err != nil {
			return nil, err
		}
		idem = string(purchaseIndexKey(req.StoreID, req.Buyer, req.IdempotencyKey))
	}
	err = s.Append(ctx, ledger.Entry{
		Type:           ledger.EntryPurchase,
		Account:        "receipt/" + string(rc.ID),
		StoreID:        req.StoreID,
		Subject:        req.Buyer,
		Delta:          int64(rc.AmountCollected),
		ReferenceID:    string(rc.ID),
		IdempotencyKey: idem,
		Metadata:       map[string]string{"payment_method": string(rc.PaymentMethod)},
		CreatedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// price validates the cart and returns its lines and subtotal.
func (e *Engine) price(ctx context.Context, s ledger.Store, req PurchaseRequest) ([]line, ledger.Money, error) {
	if len(req.ProductIDs) == 0 {
		return nil, 0, ledger.ErrCartEmpty
	}
	if len(req.ProductIDs) != len(req.Quantities) {
		return nil, 0, fmt.Errorf("%d products, %d quantities: %w", len(req.ProductIDs), len(req.Quantities), ledger.ErrInvalidCart)
	}
	if len(req.ProductIDs) > e.cfg.MaxCartItems {
		return nil, 0, fmt.Errorf("%d items, max %d: %w", len(req.ProductIDs), e.cfg.MaxCartItems, ledger.ErrInvalidCart)
	}

	seen := make(map[ledger.ProductID]bool, len(req.ProductIDs))
	lines := make([]line, 0, len(req.ProductIDs))
	var subtotal ledger.Money
	for i, id := range req.ProductIDs {
		qty := req.Quantities[i]
		if qty <= 0 || seen[id] {
			return nil, 0, fmt.Errorf("line %d (%s x %d): %w", i, id, qty, ledger.ErrInvalidCart)
		}
		seen[id] = true

		p, _, err := e.Merchants.GetProduct(ctx, s, req.StoreID, id)
		if err != nil {
			return nil, 0, err
		}
		if !p.IsActive {
			return nil, 0, fmt.Errorf("product %s: %w", id, ledger.ErrProductInactive)
		}
		if p.Price <= 0 {
			return nil, 0, fmt.Errorf("product %s price %d: %w", id, p.Price, ledger.ErrInvalidPrice)
		}
		cost, err := ledger.MulMoney(p.Price, qty)
		if err != nil {
			return nil, 0, err
		}
		if subtotal, err = ledger.AddMoney(subtotal, cost); err != nil {
			return nil, 0, err
		}
		if p.Stock < qty {
			return nil, 0, &ledger.InsufficientStockError{ProductID: id, Available: p.Stock, Requested: qty}
		}
		lines = append(lines, line{product: p, qty: qty})
	}
	return lines, subtotal, nil
}

// =============================================================================
// REFUND
// =============================================================================

// Refund returns the money collected for a receipt to the buyer. Owner or
// Manager; at most once per receipt.
func (e *Engine) Refund(ctx context.Context, id ledger.ReceiptID, actor ledger.UserID) (rf *Refund, err error) {
	defer func(start time.Time) { e.Metrics.Observe("settlement.refund", start, err) }(time.Now())
	err = ledger.RunTx(ctx, e.db, func(s ledger.Store) error {
		var err error
		rf, err = e.refund(ctx, s, id, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("purchase refunded",
		zap.String("receipt", string(id)),
		zap.String("actor", string(actor)),
		zap.Int64("amount", int64(rf.Amount)),
		zap.Int64("points_deducted", int64(rf.PointsDeducted)))
	return rf, nil
}

func (e *Engine) refund(ctx context.Context, s ledger.Store, id ledger.ReceiptID, actor ledger.UserID) (*Refund, error) {
	rc, err := e.receipt(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if _, _, err := e.Merchants.Authorize(ctx, s, rc.StoreID, actor, merchant.RoleManager); err != nil {
		return nil, err
	}
	if _, found, err := s.Get(ctx, RefundKey(id)); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("receipt %s: %w", id, ledger.ErrAlreadyRefunded)
	}

	rf := &Refund{ReceiptID: id, Actor: actor, Timestamp: e.Clock.Now()}
	switch rc.PaymentMethod {
	case PayFull:
		rf.Amount = rc.TotalPaid
	case PayBNPL:
		loan, err := e.Loans.Cancel(ctx, s, rc.LoanID)
		if err != nil {
			return nil, err
		}
		rf.Amount = loan.Downpayment + loan.AmountPaid
	}

	if rf.Amount > 0 {
		if _, err := e.Escrow.Refund(ctx, s, rc.StoreID, rc.Buyer, rf.Amount, string(id)); err != nil {
			return nil, err
		}
	}
	// Restore before clawing back so the clawback can reach restored points.
	if rf.PointsRestored, err = e.Loyalty.Restore(ctx, s, rc.Buyer, rc.StoreID, rc.LoyaltyPointsUsed, string(id)); err != nil {
		return nil, err
	}
	deducted, err := e.Loyalty.Deduct(ctx, s, loyalty.DeductRequest{
		User:         rc.Buyer,
		StoreID:      rc.StoreID,
		EarnedPoints: rc.PointsEarned,
		Refunded:     rf.Amount,
		Basis:        rc.AmountCollected,
		ReferenceID:  string(id),
	})
	if err != nil {
		return nil, err
	}
	rf.PointsDeducted = deducted.Deducted
	rf.PointsShortfall = deducted.Shortfall

	if err := ledger.Insert(ctx, s, RefundKey(id), rf); err != nil {
		return nil, err
	}
	err = s.Append(ctx, ledger.Entry{
		Type:           ledger.EntryRefund,
		Account:        "receipt/" + string(id),
		StoreID:        rc.StoreID,
		Subject:        rc.Buyer,
		Delta:          -int64(rf.Amount),
		ReferenceID:    string(id),
		IdempotencyKey: string(RefundKey(id)),
		CreatedAt:      rf.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	return rf, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile audits one store's escrow against its journal. A mismatch is
// logged, counted and returned as ErrReconciliation along with the report.
func (e *Engine) Reconcile(ctx context.Context, store ledger.StoreID) (*escrow.AuditReport, error) {
	var report *escrow.AuditReport
	err := e.db.WithTx(ctx, func(s ledger.Store) error {
		var err error
		report, err = e.Escrow.Audit(ctx, s, store)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Metrics.EscrowBalance(store, report.Balance)
	if !report.Balanced {
		e.log.Error("escrow does not reconcile",
			zap.String("store", string(store)),
			zap.Int64("balance", int64(report.Balance)),
			zap.Int64("journal_total", int64(report.JournalTotal)))
		e.Metrics.ReconciliationAlert(store)
		return report, fmt.Errorf("store %s balance %d, journal %d: %w",
			store, report.Balance, report.JournalTotal, ledger.ErrReconciliation)
	}
	return report, nil
}

// ReconcileAll audits every store and joins the failures.
func (e *Engine) ReconcileAll(ctx context.Context) ([]escrow.AuditReport, error) {
	stores, err := e.Merchants.ListStores(ctx, e.db)
	if err != nil {
		return nil, err
	}
	var reports []escrow.AuditReport
	var errs []error
	for _, st := range stores {
		report, err := e.Reconcile(ctx, st.ID)
		if report != nil {
			reports = append(reports, *report)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Receipt(ctx context.Context, id ledger.ReceiptID) (*Receipt, error) {
	return e.receipt(ctx, e.db, id)
}

// RefundFor returns the refund of a receipt, or ErrNotFound.
func (e *Engine) RefundFor(ctx context.Context, id ledger.ReceiptID) (*Refund, error) {
	rf, _, err := ledger.Load[Refund](ctx, e.db, RefundKey(id), nil)
	if err != nil {
		return nil, err
	}
	return &rf, nil
}

// Receipts lists a store's receipts, optionally for one buyer.
func (e *Engine) Receipts(ctx context.Context, store ledger.StoreID, buyer ledger.UserID) ([]Receipt, error) {
	all, err := ledger.Scan[Receipt](ctx, e.db, "receipt/")
	if err != nil {
		return nil, err
	}
	var out []Receipt
	for _, rc := range all {
		if rc.StoreID == store && (buyer == "" || rc.Buyer == buyer) {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (e *Engine) receipt(ctx context.Context, s ledger.Store, id ledger.ReceiptID) (*Receipt, error) {
	rc, _, err := ledger.Load[Receipt](ctx, s, ReceiptKey(id), ledger.ErrReceiptNotFound)
	if err != nil {
		return nil, err
	}
	return &rc, nil
}
