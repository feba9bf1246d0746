/*
commerce.go - Loyalty, loan and purchase endpoints

ENDPOINTS:
  Loyalty:
    GET    /api/loyalty/programs                       List programs
    GET    /api/stores/{store}/loyalty/program         Program settings
    PUT    /api/stores/{store}/loyalty/program         Create or replace (owner)
    POST   /api/stores/{store}/loyalty/join            Open caller's account
    GET    /api/stores/{store}/loyalty/accounts/{user} Account (self or store admin)
    POST   /api/stores/{store}/loyalty/redeem          Redeem against an amount
    POST   /api/stores/{store}/loyalty/gift            Transfer points
    POST   /api/stores/{store}/loyalty/expire          Expire old lots (manager)

  Loans:
    GET    /api/loans                      Caller's loans
    POST   /api/loans                      Open a loan directly
    GET    /api/loans/{loan}               Loan (borrower or store admin)
    GET    /api/loans/{loan}/payments      Payment history
    POST   /api/loans/{loan}/payments      Pay an installment or pay off
    POST   /api/loans/{loan}/liquidate     Release collateral (manager)

  Purchases:
    POST   /api/purchases                  Settle a cart
    GET    /api/purchases/{receipt}        Receipt (buyer or store admin)
    POST   /api/purchases/{receipt}/refund Refund (manager)
    GET    /api/purchases/{receipt}/refund Refund record
    GET    /api/stores/{store}/purchases   Store receipts, ?buyer= filter

SEE ALSO:
  - handlers.go: error mapping and helpers
  - settlement/settlement.go: purchase and refund steps
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sodap/settlement-engine/bnpl"
	"github.com/sodap/settlement-engine/factory"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/loyalty"
	"github.com/sodap/settlement-engine/merchant"
	"github.com/sodap/settlement-engine/settlement"
)

// authorizeView allows the record's owner or any admin of store.
func (h *Handler) authorizeView(ctx context.Context, store ledger.StoreID, subject ledger.UserID) error {
	actor := Principal(ctx)
	if actor == subject {
		return nil
	}
	_, _, err := h.Merchants.Authorize(ctx, h.DB, store, actor, merchant.RoleViewer)
	return err
}

// =============================================================================
// LOYALTY
// =============================================================================

func (h *Handler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := h.Loyalty.ListPrograms(r.Context(), h.DB)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, programs)
}

func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	p, err := h.Loyalty.GetProgram(r.Context(), h.DB, storeParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Programs.ToJSON(*p))
}

// PutProgram accepts a program document; omitted fields take defaults.
func (h *Handler) PutProgram(w http.ResponseWriter, r *http.Request) {
	var doc factory.ProgramJSON
	if err := decode(r, &doc); err != nil {
		h.fail(w, r, err)
		return
	}
	store := storeParam(r)
	if doc.StoreID == "" {
		doc.StoreID = string(store)
	}
	if doc.StoreID != string(store) {
		h.fail(w, r, fmt.Errorf("program store %q does not match %q: %w", doc.StoreID, store, ledger.ErrInvalidInput))
		return
	}
	prog, err := h.Programs.FromJSON(doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	actor := Principal(r.Context())
	var saved *loyalty.Program
	err = h.tx(r.Context(), func(s ledger.Store) error {
		_, err := h.Loyalty.GetProgram(r.Context(), s, store)
		switch {
		case errors.Is(err, ledger.ErrProgramNotFound):
			saved, err = h.Loyalty.CreateProgram(r.Context(), s, actor, prog)
		case err == nil:
			saved, err = h.Loyalty.UpdateProgram(r.Context(), s, actor, prog)
		}
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Programs.ToJSON(*saved))
}

func (h *Handler) JoinProgram(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var (
		acct    *loyalty.Account
		created bool
	)
	err := h.tx(r.Context(), func(s ledger.Store) (err error) {
		acct, created, err = h.Loyalty.EnsureAccount(r.Context(), s, Principal(r.Context()), storeParam(r), req.ReferredBy)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, acct)
}

func (h *Handler) GetLoyaltyAccount(w http.ResponseWriter, r *http.Request) {
	store, user := storeParam(r), ledger.UserID(chi.URLParam(r, "user"))
	if err := h.authorizeView(r.Context(), store, user); err != nil {
		h.fail(w, r, err)
		return
	}
	acct, err := h.Loyalty.GetAccount(r.Context(), h.DB, store, user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var value ledger.Money
	err := h.tx(r.Context(), func(s ledger.Store) (err error) {
		value, err = h.Loyalty.Redeem(r.Context(), s, Principal(r.Context()), storeParam(r), req.Points, req.PurchaseAmount, "")
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RedeemResponse{Points: req.Points, Value: value})
}

func (h *Handler) GiftPoints(w http.ResponseWriter, r *http.Request) {
	var req GiftRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	store, sender := storeParam(r), Principal(r.Context())
	var acct *loyalty.Account
	err := h.tx(r.Context(), func(s ledger.Store) error {
		if err := h.Loyalty.Gift(r.Context(), s, sender, req.Recipient, store, req.Points, req.Message); err != nil {
			return err
		}
		var err error
		acct, err = h.Loyalty.GetAccount(r.Context(), s, store, sender)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) ExpirePoints(w http.ResponseWriter, r *http.Request) {
	store := storeParam(r)
	var expired ledger.Points
	err := h.tx(r.Context(), func(s ledger.Store) error {
		if _, _, err := h.Merchants.Authorize(r.Context(), s, store, Principal(r.Context()), merchant.RoleManager); err != nil {
			return err
		}
		var err error
		expired, err = h.Loyalty.ExpirePoints(r.Context(), s, store)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireResponse{StoreID: store, Expired: expired})
}

// =============================================================================
// LOANS
// =============================================================================

func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Loans.LoansFor(r.Context(), Principal(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if loans == nil {
		loans = []bnpl.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	loan, err := h.Loans.CreateLoan(r.Context(), bnpl.OpenRequest{
		Borrower:    Principal(r.Context()),
		StoreID:     req.StoreID,
		Total:       req.Total,
		Downpayment: req.Downpayment,
		Term:        req.Term,
		ReceiptRef:  req.ReceiptRef,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) viewableLoan(r *http.Request) (*bnpl.Loan, error) {
	loan, err := h.Loans.Get(r.Context(), ledger.LoanID(chi.URLParam(r, "loan")))
	if err != nil {
		return nil, err
	}
	if err := h.authorizeView(r.Context(), loan.StoreID, loan.Borrower); err != nil {
		return nil, err
	}
	return loan, nil
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.viewableLoan(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	loan, err := h.viewableLoan(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	payments, err := h.Loans.Payments(r.Context(), loan.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if payments == nil {
		payments = []bnpl.Payment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

func (h *Handler) MakePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Loans.MakePayment(r.Context(), bnpl.PaymentRequest{
		LoanID:         ledger.LoanID(chi.URLParam(r, "loan")),
		Borrower:       Principal(r.Context()),
		Amount:         req.Amount,
		PaymentNumber:  req.PaymentNumber,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) LiquidateLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Loans.Liquidate(r.Context(), ledger.LoanID(chi.URLParam(r, "loan")), Principal(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// =============================================================================
// PURCHASES AND REFUNDS
// =============================================================================

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Settlement.Purchase(r.Context(), settlement.PurchaseRequest{
		Buyer:          Principal(r.Context()),
		StoreID:        req.StoreID,
		ProductIDs:     req.ProductIDs,
		Quantities:     req.Quantities,
		PaymentMethod:  req.PaymentMethod,
		Term:           req.Term,
		PointsToUse:    req.PointsToUse,
		Downpayment:    req.Downpayment,
		IdempotencyKey: req.IdempotencyKey,
		ReferredBy:     req.ReferredBy,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	quote, err := h.display(r, res.Receipt.TotalPaid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, PurchaseResponse{PurchaseResult: res, Display: quote})
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	rc, err := h.Settlement.Receipt(r.Context(), ledger.ReceiptID(chi.URLParam(r, "receipt")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.authorizeView(r.Context(), rc.StoreID, rc.Buyer); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *Handler) RefundPurchase(w http.ResponseWriter, r *http.Request) {
	rf, err := h.Settlement.Refund(r.Context(), ledger.ReceiptID(chi.URLParam(r, "receipt")), Principal(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rf)
}

func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	id := ledger.ReceiptID(chi.URLParam(r, "receipt"))
	rc, err := h.Settlement.Receipt(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.authorizeView(r.Context(), rc.StoreID, rc.Buyer); err != nil {
		h.fail(w, r, err)
		return
	}
	rf, err := h.Settlement.RefundFor(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rf)
}

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	store := storeParam(r)
	if _, _, err := h.Merchants.Authorize(r.Context(), h.DB, store, Principal(r.Context()), merchant.RoleViewer); err != nil {
		h.fail(w, r, err)
		return
	}
	receipts, err := h.Settlement.Receipts(r.Context(), store, ledger.UserID(r.URL.Query().Get("buyer")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if receipts == nil {
		receipts = []settlement.Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}
