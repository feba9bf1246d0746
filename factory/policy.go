/*
Package factory converts loyalty-program JSON and the engine policy file
into Go configuration.

PURPOSE:
  Store owners define loyalty programs as JSON documents (admin UI, API
  payloads, seed files). Operators tune engine-wide policy (tier
  thresholds, credit scoring, BNPL terms, cart limits) in one YAML file.
  The factory applies defaults and validates both.

PROGRAM JSON SCHEMA:
  {
    "store_id": "coffee-shop",
    "is_active": true,
    "points_per_unit": 10,
    "redemption_rate": 100,
    "welcome_bonus": 500,
    "referral_bonus": 200,
    "min_redemption": 100,
    "max_redemption_percent": 50,
    "point_expiry_days": 365,
    "tier_multiplier_enabled": true
  }

  Omitted fields take the defaults below; is_active defaults to true.

USAGE:
  f := factory.NewProgramFactory()
  program, err := f.ParseProgram(factory.StandardProgramJSON("coffee-shop"))

SEE ALSO:
  - factory/engine_policy.go: YAML engine policy
  - loyalty/types.go: Program
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/loyalty"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProgramJSON is the JSON representation of a loyalty program.
type ProgramJSON struct {
	StoreID               string `json:"store_id"`
	IsActive              *bool  `json:"is_active,omitempty"`
	PointsPerUnit         *int64 `json:"points_per_unit,omitempty"`
	RedemptionRate        *int64 `json:"redemption_rate,omitempty"`
	WelcomeBonus          *int64 `json:"welcome_bonus,omitempty"`
	ReferralBonus         *int64 `json:"referral_bonus,omitempty"`
	MinRedemption         *int64 `json:"min_redemption,omitempty"`
	MaxRedemptionPercent  *int64 `json:"max_redemption_percent,omitempty"`
	PointExpiryDays       *int   `json:"point_expiry_days,omitempty"`
	TierMultiplierEnabled bool   `json:"tier_multiplier_enabled,omitempty"`
}

// Program defaults.
const (
	DefaultPointsPerUnit        = 10
	DefaultRedemptionRate       = 100
	DefaultWelcomeBonus         = 500
	DefaultReferralBonus        = 200
	DefaultMinRedemption        = 100
	DefaultMaxRedemptionPercent = 50
)

// =============================================================================
// PROGRAM FACTORY
// =============================================================================

// ProgramFactory converts program JSON to loyalty.Program.
type ProgramFactory struct{}

func NewProgramFactory() *ProgramFactory {
	return &ProgramFactory{}
}

// ParseProgram parses and validates a program document.
func (f *ProgramFactory) ParseProgram(jsonStr string) (loyalty.Program, error) {
	var pj ProgramJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return loyalty.Program{}, fmt.Errorf("parse program JSON: %v: %w", err, ledger.ErrInvalidInput)
	}
	return f.FromJSON(pj)
}

// FromJSON applies defaults and validates.
func (f *ProgramFactory) FromJSON(pj ProgramJSON) (loyalty.Program, error) {
	if pj.StoreID == "" {
		return loyalty.Program{}, fmt.Errorf("program store_id is required: %w", ledger.ErrInvalidInput)
	}
	p := loyalty.Program{
		StoreID:               ledger.StoreID(pj.StoreID),
		IsActive:              orDefault(pj.IsActive, true),
		PointsPerUnit:         orDefault(pj.PointsPerUnit, DefaultPointsPerUnit),
		RedemptionRate:        orDefault(pj.RedemptionRate, DefaultRedemptionRate),
		WelcomeBonus:          ledger.Points(orDefault(pj.WelcomeBonus, DefaultWelcomeBonus)),
		ReferralBonus:         ledger.Points(orDefault(pj.ReferralBonus, DefaultReferralBonus)),
		MinRedemption:         ledger.Points(orDefault(pj.MinRedemption, DefaultMinRedemption)),
		MaxRedemptionPercent:  orDefault(pj.MaxRedemptionPercent, DefaultMaxRedemptionPercent),
		PointExpiryDays:       orDefault(pj.PointExpiryDays, 0),
		TierMultiplierEnabled: pj.TierMultiplierEnabled,
	}
	if err := p.Validate(); err != nil {
		return loyalty.Program{}, err
	}
	return p, nil
}

// ToJSON converts a program back to its document form.
func (f *ProgramFactory) ToJSON(p loyalty.Program) ProgramJSON {
	welcome, referral, minimum := int64(p.WelcomeBonus), int64(p.ReferralBonus), int64(p.MinRedemption)
	return ProgramJSON{
		StoreID:               string(p.StoreID),
		IsActive:              &p.IsActive,
		PointsPerUnit:         &p.PointsPerUnit,
		RedemptionRate:        &p.RedemptionRate,
		WelcomeBonus:          &welcome,
		ReferralBonus:         &referral,
		MinRedemption:         &minimum,
		MaxRedemptionPercent:  &p.MaxRedemptionPercent,
		PointExpiryDays:       &p.PointExpiryDays,
		TierMultiplierEnabled: p.TierMultiplierEnabled,
	}
}

func orDefault[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

// =============================================================================
// PRESET PROGRAMS
// =============================================================================

// StandardProgramJSON is a program using every default.
func StandardProgramJSON(store ledger.StoreID) string {
	return fmt.Sprintf(`{"store_id": %q}`, store)
}

// TieredProgramJSON enables tier multipliers and yearly expiry.
func TieredProgramJSON(store ledger.StoreID, pointsPerUnit int64) string {
	return fmt.Sprintf(`{
		"store_id": %q,
		"points_per_unit": %d,
		"point_expiry_days": 365,
		"tier_multiplier_enabled": true
	}`, store, pointsPerUnit)
}

// NoWelcomeProgramJSON grants no welcome or referral bonus.
func NoWelcomeProgramJSON(store ledger.StoreID) string {
	return fmt.Sprintf(`{"store_id": %q, "welcome_bonus": 0, "referral_bonus": 0}`, store)
}
