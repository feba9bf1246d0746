/*
Package ledger defines the shared vocabulary of the settlement engine.

PURPOSE:
  Every engine (escrow, loyalty, credit, bnpl, settlement) reads and writes
  exclusively through the Store defined here. This package holds the
  identifiers, integer money/points types, the versioned record contract,
  the append-only journal, centralized errors, and the optimistic retry loop.

KEY CONCEPTS:
  Money:   int64 in the smallest currency unit. No floating point in state.
  Points:  int64 loyalty points.
  Key:     slash-separated record address ("escrow/store-1").
  Record:  JSON payload plus a version used for optimistic concurrency.
  Entry:   immutable journal line (audit, reconciliation, notifications).

SEE ALSO:
  - store.go: Store and TxStore contracts
  - journal.go: Journal entry types
  - retry.go: Bounded optimistic retry
  - ledger/store/memory.go, store/sqlite/sqlite.go: implementations
*/
package ledger

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	StoreID   string
	UserID    string
	ProductID string
	LoanID    string
	ReceiptID string
)

// =============================================================================
// MONEY AND POINTS
// =============================================================================

// Money is an amount in the smallest currency unit.
type Money int64

// Points is a loyalty point count.
type Points int64

// AddMoney returns a+b, or ErrPriceOverflow if the sum does not fit.
func AddMoney(a, b Money) (Money, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrPriceOverflow
	}
	return a + b, nil
}

// MulMoney returns price*qty, or ErrPriceOverflow if the product does not fit.
func MulMoney(price Money, qty int64) (Money, error) {
	if price == 0 || qty == 0 {
		return 0, nil
	}
	if price < 0 || qty < 0 {
		return 0, ErrInvalidAmount
	}
	if int64(price) > math.MaxInt64/qty {
		return 0, ErrPriceOverflow
	}
	return price * Money(qty), nil
}

// Bps returns floor(amount * bps / 10000) without overflowing on large amounts.
func Bps(amount Money, bps int64) Money {
	whole := int64(amount) / 10000
	rest := int64(amount) % 10000
	return Money(whole*bps + rest*bps/10000)
}

// CeilDiv returns ceil(a/b) for positive operands.
func CeilDiv(a Money, b int64) Money {
	return Money((int64(a) + b - 1) / b)
}

// =============================================================================
// RECORDS
// =============================================================================

// Key addresses a record. The first segment names the record kind.
type Key string

// KeyOf joins parts into a Key.
func KeyOf(parts ...string) Key {
	return Key(strings.Join(parts, "/"))
}

// Kind returns the first segment of the key.
func (k Key) Kind() string {
	s := string(k)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// Record is a versioned JSON document. Version starts at 1 on Create and
// increases by one on every successful PutIf.
type Record struct {
	Key       Key             `json:"key"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}
