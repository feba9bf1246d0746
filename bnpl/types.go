/*
Package bnpl implements buy-now-pay-later installment loans.

PURPOSE:
  A loan is opened at checkout for the part of the total not covered by the
  downpayment. The borrower repays it in fixed monthly installments; late
  payments carry a flat late fee and a loan left unpaid past the grace
  period defaults. A defaulted loan can be liquidated, which releases the
  funds it brought into escrow to the store owner.

STATE MACHINE:
  Active ──due passes──► DefaultedGrace ──grace passes──► Defaulted ──► Liquidated
    │  ▲                        │
    │  └──────payment───────────┘
    ├──remaining reaches 0──► Completed
    └──purchase refunded────► Cancelled

  Completed, Defaulted (except for liquidation), Liquidated and Cancelled
  accept no payments.

FORMULAS:
  installment    = ceil((total - downpayment) / term)
  total_payments = ceil((total - downpayment) / installment)   (<= term)
  late_fee       = floor(installment * late_fee_bps / 10000)
  expected       = min(installment, remaining) + late_fee if late
  payoff         = remaining + late_fee if late

RECORD KEYS:
  bnpl/loan/{loan_id}
  bnpl/payment/{loan_id}/{payment_number:04d}
*/
package bnpl

import (
	"fmt"
	"slices"
	"time"

	"github.com/sodap/settlement-engine/ledger"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	GracePeriodDays       int           `yaml:"grace_period_days" json:"grace_period_days"`
	LateFeeBps            int64         `yaml:"late_fee_bps" json:"late_fee_bps"`
	MinDownpaymentBps     int64         `yaml:"min_downpayment_bps" json:"min_downpayment_bps"`
	CompletionBonusPoints ledger.Points `yaml:"completion_bonus_points" json:"completion_bonus_points"`
	Terms                 []int         `yaml:"terms" json:"terms"`
}

func DefaultConfig() Config {
	return Config{
		GracePeriodDays:       7,
		LateFeeBps:            500,
		MinDownpaymentBps:     0,
		CompletionBonusPoints: 100,
		Terms:                 []int{3, 6, 12},
	}
}

func (c Config) Validate() error {
	if c.GracePeriodDays < 0 {
		return fmt.Errorf("grace period %d days: %w", c.GracePeriodDays, ledger.ErrInvalidInput)
	}
	if c.LateFeeBps < 0 || c.LateFeeBps > 10_000 || c.MinDownpaymentBps < 0 || c.MinDownpaymentBps >= 10_000 {
		return fmt.Errorf("basis points out of range: %w", ledger.ErrInvalidInput)
	}
	if c.CompletionBonusPoints < 0 {
		return fmt.Errorf("completion bonus %d: %w", c.CompletionBonusPoints, ledger.ErrInvalidInput)
	}
	if len(c.Terms) == 0 {
		return fmt.Errorf("no loan terms configured: %w", ledger.ErrInvalidInput)
	}
	for _, t := range c.Terms {
		if t <= 0 {
			return fmt.Errorf("loan term %d: %w", t, ledger.ErrInvalidInput)
		}
	}
	return nil
}

func (c Config) ValidTerm(term int) bool { return slices.Contains(c.Terms, term) }

// =============================================================================
// LOANS AND PAYMENTS
// =============================================================================

type Status string

const (
	StatusActive         Status = "active"
	StatusCompleted      Status = "completed"
	StatusDefaultedGrace Status = "defaulted_grace"
	StatusDefaulted      Status = "defaulted"
	StatusLiquidated     Status = "liquidated"
	StatusCancelled      Status = "cancelled"
)

// Open reports whether the loan still accepts payments.
func (s Status) Open() bool { return s == StatusActive || s == StatusDefaultedGrace }

type Loan struct {
	ID                ledger.LoanID    `json:"loan_id"`
	Borrower          ledger.UserID    `json:"borrower"`
	StoreID           ledger.StoreID   `json:"store_id"`
	TotalAmount       ledger.Money     `json:"total_amount"`
	Downpayment       ledger.Money     `json:"downpayment"`
	RemainingBalance  ledger.Money     `json:"remaining_balance"`
	InstallmentAmount ledger.Money     `json:"installment_amount"`
	Term              int              `json:"term"`
	Status            Status           `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	NextPaymentDue    time.Time        `json:"next_payment_due"`
	PaymentsMade      int              `json:"payments_made"`
	TotalPayments     int              `json:"total_payments"`
	LateFee           ledger.Money     `json:"late_fee"`
	GracePeriodDays   int              `json:"grace_period_days"`
	ReceiptRef        ledger.ReceiptID `json:"purchase_receipt_ref,omitempty"`
	AmountPaid        ledger.Money     `json:"amount_paid"`
	LateFeesPaid      ledger.Money     `json:"late_fees_paid"`
	LiquidatedAmount  ledger.Money     `json:"liquidated_amount"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Collected is everything the loan brought into escrow.
func (l *Loan) Collected() ledger.Money {
	return l.Downpayment + l.AmountPaid + l.LateFeesPaid
}

// graceEnds is the last instant a late payment is still accepted.
func (l *Loan) graceEnds() time.Time {
	return l.NextPaymentDue.AddDate(0, 0, l.GracePeriodDays)
}

type Payment struct {
	LoanID        ledger.LoanID `json:"loan_id"`
	PaymentNumber int           `json:"payment_number"`
	AmountPaid    ledger.Money  `json:"amount_paid"`
	LateFeePaid   ledger.Money  `json:"late_fee_paid"`
	PaymentDate   time.Time     `json:"payment_date"`
	WasLate       bool          `json:"was_late"`
}

// OpenRequest opens a loan. Downpayment is the amount collected at checkout.
type OpenRequest struct {
	Borrower    ledger.UserID
	StoreID     ledger.StoreID
	Total       ledger.Money
	Downpayment ledger.Money
	Term        int
	ReceiptRef  ledger.ReceiptID
}

// PaymentRequest pays the next installment. PaymentNumber 0 means "next";
// an explicit number guards against replays.
type PaymentRequest struct {
	LoanID         ledger.LoanID
	Borrower       ledger.UserID
	Amount         ledger.Money
	PaymentNumber  int
	IdempotencyKey string
}

type PaymentResult struct {
	Loan        *Loan         `json:"loan"`
	Payment     *Payment      `json:"payment"`
	Completed   bool          `json:"completed"`
	BonusPoints ledger.Points `json:"bonus_points"`
}

// SweepResult counts status transitions made by RefreshStatus.
type SweepResult struct {
	Checked   int `json:"checked"`
	Grace     int `json:"grace"`
	Defaulted int `json:"defaulted"`
}

func LoanKey(id ledger.LoanID) ledger.Key { return ledger.KeyOf("bnpl", "loan", string(id)) }

func PaymentKey(id ledger.LoanID, n int) ledger.Key {
	return ledger.KeyOf("bnpl", "payment", string(id), fmt.Sprintf("%04d", n))
}

// AccountName is the journal account of a loan.
func AccountName(id ledger.LoanID) string { return "bnpl/" + string(id) }
