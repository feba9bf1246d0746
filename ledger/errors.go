/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engines wrap these sentinels with context using fmt.Errorf("...: %w").
  Every rejected operation maps to exactly one specific error so that a
  client can present an actionable message.

ERROR KINDS:
  Validation      rejected before any mutation, caller fixes input
  Resource        rejected before mutation, caller adjusts parameters
  Concurrency     transient, retried internally then surfaced as Contention
  State           terminal for the current call
  NotFound        referenced record is absent
  Reconciliation  ledger disagrees with itself, operator-visible alert

USAGE:
  if errors.Is(err, ledger.ErrInsufficientStock) { ... }
  switch ledger.KindOf(err) { case ledger.KindValidation: ... }

SEE ALSO:
  - api/handlers.go: maps kinds to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

// Validation errors.
var (
	ErrInvalidCart        = errors.New("invalid cart")
	ErrCartEmpty          = errors.New("cart is empty")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrPriceOverflow      = errors.New("price overflow")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidTerm        = errors.New("invalid loan term")
	ErrInvalidDownpayment = errors.New("invalid downpayment")
	ErrPaymentMismatch    = errors.New("payment amount does not match expected installment")
	ErrPaymentOutOfOrder  = errors.New("payment number out of order")
	ErrBelowMinimum       = errors.New("redemption below minimum")
	ErrExceedsMaxPercent  = errors.New("redemption exceeds maximum percent of purchase")
	ErrGiftLimitExceeded  = errors.New("gift exceeds maximum points")
	ErrSelfGift           = errors.New("cannot gift points to yourself")
	ErrInvalidRate        = errors.New("invalid exchange rate")
	ErrStaleRate          = errors.New("exchange rate is stale")
)

// Resource errors.
var (
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInsufficientPoints      = errors.New("insufficient points")
	ErrInsufficientCreditScore = errors.New("insufficient credit score")
)

// Concurrency errors.
var (
	// ErrVersionConflict is returned when optimistic locking detects a
	// concurrent write. Retried by RunTx.
	ErrVersionConflict = errors.New("version conflict")

	// ErrContention is returned when retries are exhausted.
	ErrContention = errors.New("contention: too many concurrent updates")
)

// State errors.
var (
	ErrAlreadyExists           = errors.New("already exists")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrLoanAlreadyCompleted    = errors.New("loan already completed")
	ErrLoanDefaulted           = errors.New("loan defaulted")
	ErrLoanNotDefaulted        = errors.New("loan is not defaulted")
	ErrLoanCancelled           = errors.New("loan cancelled")
	ErrLoanNotRefundable       = errors.New("loan cannot be refunded")
	ErrPaymentAlreadyApplied   = errors.New("payment already applied")
	ErrStoreInactive           = errors.New("store is inactive")
	ErrProductInactive         = errors.New("product is inactive")
	ErrProgramInactive         = errors.New("loyalty program is inactive")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrAdminAlreadyExists      = errors.New("admin already exists")
	ErrAlreadyRefunded         = errors.New("purchase already refunded")
)

// Not-found errors.
var (
	ErrNotFound        = errors.New("record not found")
	ErrStoreNotFound   = errors.New("store not found")
	ErrProductNotFound = errors.New("product not found")
	ErrAdminNotFound   = errors.New("admin not found")
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrLoanNotFound    = errors.New("loan not found")
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrProgramNotFound = errors.New("loyalty program not found")
	ErrAccountNotFound = errors.New("loyalty account not found")
)

// ErrReconciliation is returned when balances and the journal disagree, or
// when a step that must be atomic with fund movement fails.
var ErrReconciliation = errors.New("reconciliation failure")

// =============================================================================
// KINDS
// =============================================================================

// Kind classifies errors for callers.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindResource
	KindConcurrency
	KindState
	KindNotFound
	KindReconciliation
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindConcurrency:
		return "concurrency"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	case KindReconciliation:
		return "reconciliation"
	default:
		return "internal"
	}
}

type classified struct {
	err  error
	kind Kind
	code string
}

// Order matters: the first sentinel in the chain wins.
var catalog = []classified{
	{ErrReconciliation, KindReconciliation, "reconciliation"},

	{ErrInvalidCart, KindValidation, "invalid_cart"},
	{ErrCartEmpty, KindValidation, "cart_empty"},
	{ErrInvalidPrice, KindValidation, "invalid_price"},
	{ErrPriceOverflow, KindValidation, "price_overflow"},
	{ErrInvalidAmount, KindValidation, "invalid_amount"},
	{ErrInvalidInput, KindValidation, "invalid_input"},
	{ErrInvalidTerm, KindValidation, "invalid_term"},
	{ErrInvalidDownpayment, KindValidation, "invalid_downpayment"},
	{ErrPaymentMismatch, KindValidation, "payment_mismatch"},
	{ErrPaymentOutOfOrder, KindValidation, "payment_out_of_order"},
	{ErrBelowMinimum, KindValidation, "below_minimum"},
	{ErrExceedsMaxPercent, KindValidation, "exceeds_max_percent"},
	{ErrGiftLimitExceeded, KindValidation, "gift_limit_exceeded"},
	{ErrSelfGift, KindValidation, "self_gift"},
	{ErrInvalidRate, KindValidation, "invalid_rate"},
	{ErrStaleRate, KindValidation, "stale_rate"},

	{ErrInsufficientStock, KindResource, "insufficient_stock"},
	{ErrInsufficientFunds, KindResource, "insufficient_funds"},
	{ErrInsufficientPoints, KindResource, "insufficient_points"},
	{ErrInsufficientCreditScore, KindResource, "insufficient_credit_score"},

	{ErrVersionConflict, KindConcurrency, "version_conflict"},
	{ErrContention, KindConcurrency, "contention"},

	{ErrAlreadyExists, KindState, "already_exists"},
	{ErrDuplicateIdempotencyKey, KindState, "duplicate_idempotency_key"},
	{ErrLoanAlreadyCompleted, KindState, "loan_already_completed"},
	{ErrLoanDefaulted, KindState, "loan_defaulted"},
	{ErrLoanNotDefaulted, KindState, "loan_not_defaulted"},
	{ErrLoanCancelled, KindState, "loan_cancelled"},
	{ErrLoanNotRefundable, KindState, "loan_not_refundable"},
	{ErrPaymentAlreadyApplied, KindState, "payment_already_applied"},
	{ErrStoreInactive, KindState, "store_inactive"},
	{ErrProductInactive, KindState, "product_inactive"},
	{ErrProgramInactive, KindState, "program_inactive"},
	{ErrUnauthorized, KindState, "unauthorized"},
	{ErrAdminAlreadyExists, KindState, "admin_already_exists"},
	{ErrAlreadyRefunded, KindState, "already_refunded"},

	{ErrStoreNotFound, KindNotFound, "store_not_found"},
	{ErrProductNotFound, KindNotFound, "product_not_found"},
	{ErrAdminNotFound, KindNotFound, "admin_not_found"},
	{ErrEscrowNotFound, KindNotFound, "escrow_not_found"},
	{ErrLoanNotFound, KindNotFound, "loan_not_found"},
	{ErrReceiptNotFound, KindNotFound, "receipt_not_found"},
	{ErrProgramNotFound, KindNotFound, "program_not_found"},
	{ErrAccountNotFound, KindNotFound, "account_not_found"},
	{ErrNotFound, KindNotFound, "not_found"},
}

func lookup(err error) (classified, bool) {
	for _, c := range catalog {
		if errors.Is(err, c.err) {
			return c, true
		}
	}
	return classified{}, false
}

// KindOf returns the kind of err, KindInternal when unknown.
func KindOf(err error) Kind {
	if c, ok := lookup(err); ok {
		return c.kind
	}
	return KindInternal
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	if c, ok := lookup(err); ok {
		return c.code
	}
	return "internal"
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports an escrow shortfall.
type InsufficientFundsError struct {
	StoreID   StoreID
	Balance   Money
	Requested Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in escrow %s: balance %d, requested %d",
		e.StoreID, e.Balance, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InsufficientStockError reports a stock shortfall for one product.
type InsufficientStockError struct {
	ProductID ProductID
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InsufficientPointsError reports a points shortfall.
type InsufficientPointsError struct {
	User      UserID
	Available Points
	Requested Points
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points for %s: available %d, requested %d",
		e.User, e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// InsufficientCreditScoreError reports why a borrower is ineligible.
type InsufficientCreditScoreError struct {
	User      UserID
	Score     int
	MinScore  int
	Requested Money
	Limit     Money
}

func (e *InsufficientCreditScoreError) Error() string {
	return fmt.Sprintf("insufficient credit score for %s: score %d (min %d), requested %d, limit %d",
		e.User, e.Score, e.MinScore, e.Requested, e.Limit)
}

func (e *InsufficientCreditScoreError) Unwrap() error { return ErrInsufficientCreditScore }

// PaymentMismatchError reports the amounts a payment could have used.
type PaymentMismatchError struct {
	LoanID   LoanID
	Got      Money
	Expected Money
	Payoff   Money
	LateFee  Money
}

func (e *PaymentMismatchError) Error() string {
	return fmt.Sprintf("payment mismatch on loan %s: got %d, expected %d (payoff %d, late fee %d)",
		e.LoanID, e.Got, e.Expected, e.Payoff, e.LateFee)
}

func (e *PaymentMismatchError) Unwrap() error { return ErrPaymentMismatch }

// ContentionError is returned when optimistic retries are exhausted.
type ContentionError struct {
	Attempts int
	Last     error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ContentionError) Unwrap() error { return ErrContention }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrContention)
}

// IsClientError returns true if the error is due to caller input or state.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindResource, KindState, KindNotFound:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
