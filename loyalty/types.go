/*
Package loyalty implements per-store loyalty programs and point accounts.

PURPOSE:
  Points are earned on purchases, referrals, welcome and bonus grants, and
  redeemed for a discount at checkout. They can be gifted between users of
  the same store, clawed back proportionally when a purchase is refunded,
  and expire after the program's expiry window.

INVARIANTS (every account, after every operation):
  available_points == total_points - redeemed_points - expired_points
  available_points >= 0

FORMULAS:
  purchase points  = floor(amount * points_per_unit / unit_amount) [* tier multiplier]
  redemption value = floor(points * unit_amount / redemption_rate)
  max discount     = floor(purchase_amount * max_redemption_percent / 100)

TIERS:
  Bronze below Silver threshold, then Silver, Gold, Platinum by cumulative
  total_points. tier_progress is points above the current tier's floor,
  0 at Platinum. Thresholds are configuration.

RECORD KEYS:
  loyalty/program/{store_id}
  loyalty/account/{store_id}/{user}

SEE ALSO:
  - engine.go: operations
  - factory/policy.go: program JSON and tier configuration
*/
package loyalty

import (
	"fmt"
	"time"

	"github.com/sodap/settlement-engine/ledger"
)

// =============================================================================
// TIERS AND POINT TYPES
// =============================================================================

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

type PointType string

const (
	PointPurchase PointType = "purchase"
	PointReferral PointType = "referral"
	PointBonus    PointType = "bonus"
	PointWelcome  PointType = "welcome"
)

func (p PointType) Valid() bool {
	switch p {
	case PointPurchase, PointReferral, PointBonus, PointWelcome:
		return true
	}
	return false
}

// Thresholds are the cumulative total_points at which each tier starts.
type Thresholds struct {
	Silver   ledger.Points `yaml:"silver" json:"silver"`
	Gold     ledger.Points `yaml:"gold" json:"gold"`
	Platinum ledger.Points `yaml:"platinum" json:"platinum"`
}

// Multipliers are tier earning multipliers in percent (100 = 1.0x).
type Multipliers struct {
	Bronze   int64 `yaml:"bronze" json:"bronze"`
	Silver   int64 `yaml:"silver" json:"silver"`
	Gold     int64 `yaml:"gold" json:"gold"`
	Platinum int64 `yaml:"platinum" json:"platinum"`
}

func (m Multipliers) For(t Tier) int64 {
	switch t {
	case TierSilver:
		return m.Silver
	case TierGold:
		return m.Gold
	case TierPlatinum:
		return m.Platinum
	}
	return m.Bronze
}

// Config is engine-wide loyalty configuration.
type Config struct {
	UnitAmount    ledger.Money  `yaml:"unit_amount" json:"unit_amount"`
	Tiers         Thresholds    `yaml:"tiers" json:"tiers"`
	Multipliers   Multipliers   `yaml:"multipliers" json:"multipliers"`
	MaxGiftPoints ledger.Points `yaml:"max_gift_points" json:"max_gift_points"`
}

func DefaultConfig() Config {
	return Config{
		UnitAmount:    100,
		Tiers:         Thresholds{Silver: 1000, Gold: 5000, Platinum: 15000},
		Multipliers:   Multipliers{Bronze: 100, Silver: 120, Gold: 150, Platinum: 200},
		MaxGiftPoints: 10000,
	}
}

func (c Config) Validate() error {
	if c.UnitAmount <= 0 {
		return fmt.Errorf("unit amount %d: %w", c.UnitAmount, ledger.ErrInvalidInput)
	}
	if !(0 < c.Tiers.Silver && c.Tiers.Silver < c.Tiers.Gold && c.Tiers.Gold < c.Tiers.Platinum) {
		return fmt.Errorf("tier thresholds must be strictly increasing: %w", ledger.ErrInvalidInput)
	}
	if c.Multipliers.Bronze <= 0 || c.Multipliers.Silver <= 0 || c.Multipliers.Gold <= 0 || c.Multipliers.Platinum <= 0 {
		return fmt.Errorf("tier multipliers must be positive: %w", ledger.ErrInvalidInput)
	}
	if c.MaxGiftPoints <= 0 {
		return fmt.Errorf("max gift points %d: %w", c.MaxGiftPoints, ledger.ErrInvalidInput)
	}
	return nil
}

// TierFor returns the tier for cumulative points and the progress above
// that tier's floor.
func (c Config) TierFor(total ledger.Points) (Tier, ledger.Points) {
	switch {
	case total >= c.Tiers.Platinum:
		return TierPlatinum, 0
	case total >= c.Tiers.Gold:
		return TierGold, total - c.Tiers.Gold
	case total >= c.Tiers.Silver:
		return TierSilver, total - c.Tiers.Silver
	default:
		return TierBronze, total
	}
}

// =============================================================================
// PROGRAM AND ACCOUNT
// =============================================================================

type Program struct {
	StoreID               ledger.StoreID `json:"store_id"`
	IsActive              bool           `json:"is_active"`
	PointsPerUnit         int64          `json:"points_per_unit"`
	RedemptionRate        int64          `json:"redemption_rate"`
	WelcomeBonus          ledger.Points  `json:"welcome_bonus"`
	ReferralBonus         ledger.Points  `json:"referral_bonus"`
	MinRedemption         ledger.Points  `json:"min_redemption"`
	MaxRedemptionPercent  int64          `json:"max_redemption_percent"`
	PointExpiryDays       int            `json:"point_expiry_days"`
	TierMultiplierEnabled bool           `json:"tier_multiplier_enabled"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

func (p Program) Validate() error {
	switch {
	case p.PointsPerUnit <= 0:
		return fmt.Errorf("points per unit %d: %w", p.PointsPerUnit, ledger.ErrInvalidInput)
	case p.RedemptionRate <= 0:
		return fmt.Errorf("redemption rate %d: %w", p.RedemptionRate, ledger.ErrInvalidInput)
	case p.WelcomeBonus < 0 || p.ReferralBonus < 0 || p.MinRedemption < 0:
		return fmt.Errorf("bonuses and minimum must be non-negative: %w", ledger.ErrInvalidInput)
	case p.MaxRedemptionPercent <= 0 || p.MaxRedemptionPercent > 100:
		return fmt.Errorf("max redemption percent %d: %w", p.MaxRedemptionPercent, ledger.ErrInvalidInput)
	case p.PointExpiryDays < 0:
		return fmt.Errorf("point expiry days %d: %w", p.PointExpiryDays, ledger.ErrInvalidInput)
	}
	return nil
}

// Lot is one grant of points, consumed oldest first.
type Lot struct {
	Points    ledger.Points `json:"points"`
	Remaining ledger.Points `json:"remaining"`
	EarnedAt  time.Time     `json:"earned_at"`
}

type Account struct {
	User            ledger.UserID  `json:"user"`
	StoreID         ledger.StoreID `json:"store_id"`
	TotalPoints     ledger.Points  `json:"total_points"`
	AvailablePoints ledger.Points  `json:"available_points"`
	RedeemedPoints  ledger.Points  `json:"redeemed_points"`
	ExpiredPoints   ledger.Points  `json:"expired_points"`
	Tier            Tier           `json:"tier"`
	TierProgress    ledger.Points  `json:"tier_progress"`
	ReferralCode    string         `json:"referral_code"`
	ReferredBy      ledger.UserID  `json:"referred_by,omitempty"`
	TotalReferrals  int            `json:"total_referrals"`
	Lots            []Lot          `json:"lots,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivity    time.Time      `json:"last_activity"`
}

// Consistent reports whether the balance invariant holds.
func (a *Account) Consistent() bool {
	return a.AvailablePoints >= 0 &&
		a.AvailablePoints == a.TotalPoints-a.RedeemedPoints-a.ExpiredPoints
}

// consume removes n points from lots, oldest first.
func (a *Account) consume(n ledger.Points) {
	for i := range a.Lots {
		if n == 0 {
			break
		}
		take := a.Lots[i].Remaining
		if take > n {
			take = n
		}
		a.Lots[i].Remaining -= take
		n -= take
	}
	kept := a.Lots[:0]
	for _, l := range a.Lots {
		if l.Remaining > 0 {
			kept = append(kept, l)
		}
	}
	a.Lots = kept
}

func (a *Account) grant(n ledger.Points, at time.Time) {
	if n > 0 {
		a.Lots = append(a.Lots, Lot{Points: n, Remaining: n, EarnedAt: at})
	}
}

// EarnResult is returned by Earn and carries the tier-change notification.
type EarnResult struct {
	Points       ledger.Points `json:"points"`
	Tier         Tier          `json:"tier"`
	PreviousTier Tier          `json:"previous_tier"`
	TierChanged  bool          `json:"tier_changed"`
}

// DeductResult reports a refund clawback.
type DeductResult struct {
	Requested ledger.Points `json:"requested"`
	Deducted  ledger.Points `json:"deducted"`
	Shortfall ledger.Points `json:"shortfall"`
}

func ProgramKey(store ledger.StoreID) ledger.Key {
	return ledger.KeyOf("loyalty", "program", string(store))
}

func AccountKey(store ledger.StoreID, user ledger.UserID) ledger.Key {
	return ledger.KeyOf("loyalty", "account", string(store), string(user))
}

// AccountName is the journal account for a user's points at a store.
func AccountName(store ledger.StoreID, user ledger.UserID) string {
	return "loyalty/" + string(store) + "/" + string(user)
}
