/*
Package pricing converts integer ledger amounts for display.

The engine never fetches prices. A caller that wants an amount shown in
another currency supplies the rate, and the rate must be fresh unless it is
marked fixed. Results are display values only and never flow back into
ledger state.
*/
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sodap/settlement-engine/ledger"
)

const (
	// MaxRateAge is how old a floating rate may be.
	MaxRateAge = time.Hour

	// LamportDecimals scales ledger amounts to whole SOL.
	LamportDecimals int32 = 9
)

// Rate is the price of one Base unit in Quote.
type Rate struct {
	Base  string          `json:"base"`
	Quote string          `json:"quote"`
	Value decimal.Decimal `json:"value"`
	AsOf  time.Time       `json:"as_of"`
	Fixed bool            `json:"fixed"`
}

// ParseRate builds a Rate from its decimal string.
func ParseRate(base, quote, value string, asOf time.Time, fixed bool) (Rate, error) {
	v, err := decimal.NewFromString(value)
	if err != nil {
		return Rate{}, fmt.Errorf("rate %q: %w", value, ledger.ErrInvalidRate)
	}
	r := Rate{Base: base, Quote: quote, Value: v, AsOf: asOf, Fixed: fixed}
	if !r.Value.IsPositive() {
		return Rate{}, fmt.Errorf("rate %s: %w", value, ledger.ErrInvalidRate)
	}
	return r, nil
}

// Check fails when the rate is unusable at now.
func (r Rate) Check(now time.Time) error {
	if !r.Value.IsPositive() {
		return fmt.Errorf("rate %s: %w", r.Value, ledger.ErrInvalidRate)
	}
	if !r.Fixed && now.Sub(r.AsOf) > MaxRateAge {
		return fmt.Errorf("%s/%s rate from %s: %w", r.Base, r.Quote, r.AsOf.Format(time.RFC3339), ledger.ErrStaleRate)
	}
	return nil
}

// Convert turns amount, expressed in units of 10^-unitDecimals, into the
// quote currency rounded to quoteDecimals places.
func Convert(amount ledger.Money, unitDecimals int32, r Rate, quoteDecimals int32) decimal.Decimal {
	return decimal.New(int64(amount), -unitDecimals).Mul(r.Value).Round(quoteDecimals)
}

// Quote is a display conversion attached to API responses.
type Quote struct {
	Amount   ledger.Money `json:"amount"`
	Currency string       `json:"currency"`
	Value    string       `json:"value"`
	Rate     string       `json:"rate"`
	AsOf     time.Time    `json:"as_of"`
}

// Display checks the rate and converts amount for presentation.
func Display(amount ledger.Money, unitDecimals int32, r Rate, quoteDecimals int32, now time.Time) (*Quote, error) {
	if err := r.Check(now); err != nil {
		return nil, err
	}
	return &Quote{
		Amount:   amount,
		Currency: r.Quote,
		Value:    Convert(amount, unitDecimals, r, quoteDecimals).StringFixed(quoteDecimals),
		Rate:     r.Value.String(),
		AsOf:     r.AsOf,
	}, nil
}
