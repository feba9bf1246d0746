package ledger

import (
	"strings"
	"time"
)

// =============================================================================
// JOURNAL ENTRIES
// =============================================================================

// EntryType classifies a journal entry.
type EntryType string

const (
	EntryEscrowDeposit EntryType = "escrow_deposit"
	EntryEscrowRelease EntryType = "escrow_release"
	EntryEscrowRefund  EntryType = "escrow_refund"

	EntryPointsEarned   EntryType = "points_earned"
	EntryPointsRedeemed EntryType = "points_redeemed"
	EntryPointsGifted   EntryType = "points_gifted"
	EntryPointsReceived EntryType = "points_received"
	EntryPointsDeducted EntryType = "points_deducted"
	EntryPointsRestored EntryType = "points_restored"
	EntryPointsExpired  EntryType = "points_expired"
	EntryTierChanged    EntryType = "tier_changed"

	EntryCreditChanged EntryType = "credit_changed"

	EntryLoanOpened     EntryType = "loan_opened"
	EntryLoanPayment    EntryType = "loan_payment"
	EntryLoanGrace      EntryType = "loan_grace"
	EntryLoanDefaulted  EntryType = "loan_defaulted"
	EntryLoanCompleted  EntryType = "loan_completed"
	EntryLoanLiquidated EntryType = "loan_liquidated"
	EntryLoanCancelled  EntryType = "loan_cancelled"

	EntryPurchase EntryType = "purchase"
	EntryRefund   EntryType = "refund"
)

// Entry is one immutable journal line. Delta is Money for escrow accounts,
// Points for loyalty accounts and score points for credit accounts.
type Entry struct {
	ID             string            `json:"id"`
	Type           EntryType         `json:"type"`
	Account        string            `json:"account"`
	StoreID        StoreID           `json:"store_id,omitempty"`
	Subject        UserID            `json:"subject,omitempty"`
	Delta          int64             `json:"delta"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// EntryFilter selects journal entries. Zero fields match everything.
type EntryFilter struct {
	Account        string
	AccountPrefix  string
	StoreID        StoreID
	Subject        UserID
	ReferenceID    string
	IdempotencyKey string
	Types          []EntryType
	Limit          int
}

// Matches reports whether e satisfies the filter (Limit is ignored).
func (f EntryFilter) Matches(e Entry) bool {
	if f.Account != "" && e.Account != f.Account {
		return false
	}
	if f.AccountPrefix != "" && !strings.HasPrefix(e.Account, f.AccountPrefix) {
		return false
	}
	if f.StoreID != "" && e.StoreID != f.StoreID {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.ReferenceID != "" && e.ReferenceID != f.ReferenceID {
		return false
	}
	if f.IdempotencyKey != "" && e.IdempotencyKey != f.IdempotencyKey {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// SumDeltas totals the deltas of entries.
func SumDeltas(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Delta
	}
	return total
}
