package settlement

import (
	"fmt"
	"time"

	"github.com/sodap/settlement-engine/bnpl"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/loyalty"
)

type PaymentMethod string

const (
	PayFull PaymentMethod = "full"
	PayBNPL PaymentMethod = "bnpl"
)

func (m PaymentMethod) Valid() bool { return m == PayFull || m == PayBNPL }

type Config struct {
	MaxCartItems   int   `yaml:"max_cart_items" json:"max_cart_items"`
	DownpaymentBps int64 `yaml:"downpayment_bps" json:"downpayment_bps"`
}

func DefaultConfig() Config {
	return Config{MaxCartItems: 10, DownpaymentBps: 2000}
}

func (c Config) Validate() error {
	if c.MaxCartItems <= 0 {
		return fmt.Errorf("max cart items %d: %w", c.MaxCartItems, ledger.ErrInvalidInput)
	}
	if c.DownpaymentBps < 0 || c.DownpaymentBps >= 10_000 {
		return fmt.Errorf("downpayment bps %d: %w", c.DownpaymentBps, ledger.ErrInvalidInput)
	}
	return nil
}

// Receipt is the immutable record of a purchase.
type Receipt struct {
	ID                ledger.ReceiptID   `json:"id"`
	StoreID           ledger.StoreID     `json:"store_id"`
	Buyer             ledger.UserID      `json:"buyer"`
	ProductIDs        []ledger.ProductID `json:"product_ids"`
	Quantities        []int64            `json:"quantities"`
	Subtotal          ledger.Money       `json:"subtotal"`
	Discount          ledger.Money       `json:"discount"`
	TotalPaid         ledger.Money       `json:"total_paid"`
	AmountCollected   ledger.Money       `json:"amount_collected"`
	PaymentMethod     PaymentMethod      `json:"payment_method"`
	LoanID            ledger.LoanID      `json:"loan_id,omitempty"`
	LoyaltyPointsUsed ledger.Points      `json:"loyalty_points_used"`
	PointsEarned      ledger.Points      `json:"points_earned"`
	Timestamp         time.Time          `json:"timestamp"`
	IdempotencyKey    string             `json:"idempotency_key,omitempty"`
}

// Refund records the single refund of a receipt.
type Refund struct {
	ReceiptID       ledger.ReceiptID `json:"receipt_id"`
	Amount          ledger.Money     `json:"amount"`
	PointsDeducted  ledger.Points    `json:"points_deducted"`
	PointsRestored  ledger.Points    `json:"points_restored"`
	// PointsShortfall is clawback that found no points left to take.
	PointsShortfall ledger.Points    `json:"points_shortfall,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	Actor           ledger.UserID    `json:"actor"`
}

type PurchaseRequest struct {
	Buyer          ledger.UserID
	StoreID        ledger.StoreID
	ProductIDs     []ledger.ProductID
	Quantities     []int64
	PaymentMethod  PaymentMethod
	Term           int
	PointsToUse    ledger.Points
	Downpayment    *ledger.Money // nil uses the configured ratio
	IdempotencyKey string
	ReferredBy     ledger.UserID
}

type PurchaseResult struct {
	Receipt  *Receipt            `json:"receipt"`
	Loan     *bnpl.Loan          `json:"loan,omitempty"`
	Earned   *loyalty.EarnResult `json:"loyalty,omitempty"`
	Replayed bool                `json:"replayed"`
}

type purchaseIndex struct {
	ReceiptID ledger.ReceiptID `json:"receipt_id"`
}

func ReceiptKey(id ledger.ReceiptID) ledger.Key { return ledger.KeyOf("receipt", string(id)) }

func RefundKey(id ledger.ReceiptID) ledger.Key { return ledger.KeyOf("refund", string(id)) }

func purchaseIndexKey(store ledger.StoreID, buyer ledger.UserID, key string) ledger.Key {
	return ledger.KeyOf("purchase-key", string(store), string(buyer), key)
}
