/*
Package credit tracks a bounded credit score per user.

PURPOSE:
  One CreditScore per user across all stores. It starts at the policy
  default and moves only in response to loan outcomes reported by the BNPL
  engine. The score always stays within [MinScore, MaxScore].

ELIGIBILITY:
  A borrower may finance `requested` when
    score >= MinEligibleScore  AND  requested <= MaxLoanAmount * score / MaxScore
  Both thresholds are configuration (see factory/policy.go).
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sodap/settlement-engine/ledger"
)

// Policy configures scoring. Policy files are decoded over DefaultPolicy.
type Policy struct {
	DefaultScore     int          `yaml:"default_score" json:"default_score"`
	MinScore         int          `yaml:"min_score" json:"min_score"`
	MaxScore         int          `yaml:"max_score" json:"max_score"`
	MinEligibleScore int          `yaml:"min_eligible_score" json:"min_eligible_score"`
	OnTimeDelta      int          `yaml:"on_time_delta" json:"on_time_delta"`
	LatePenalty      int          `yaml:"late_penalty" json:"late_penalty"`
	DefaultPenalty   int          `yaml:"default_penalty" json:"default_penalty"`
	MaxLoanAmount    ledger.Money `yaml:"max_loan_amount" json:"max_loan_amount"`
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultScore:     650,
		MinScore:         300,
		MaxScore:         850,
		MinEligibleScore: 600,
		OnTimeDelta:      10,
		LatePenalty:      25,
		DefaultPenalty:   100,
		MaxLoanAmount:    1_000_000,
	}
}

// Validate checks the policy is internally consistent.
func (p Policy) Validate() error {
	if p.MinScore < 0 || p.MinScore >= p.MaxScore {
		return fmt.Errorf("credit score bounds [%d,%d]: %w", p.MinScore, p.MaxScore, ledger.ErrInvalidInput)
	}
	if p.DefaultScore < p.MinScore || p.DefaultScore > p.MaxScore {
		return fmt.Errorf("default score %d outside bounds: %w", p.DefaultScore, ledger.ErrInvalidInput)
	}
	if p.OnTimeDelta < 0 || p.LatePenalty < 0 || p.DefaultPenalty < 0 || p.MaxLoanAmount <= 0 {
		return fmt.Errorf("credit deltas must be non-negative and max loan positive: %w", ledger.ErrInvalidInput)
	}
	return nil
}

type Score struct {
	User               ledger.UserID `json:"user"`
	Score              int           `json:"score"`
	TotalLoans         int           `json:"total_loans"`
	SuccessfulPayments int           `json:"successful_payments"`
	LatePayments       int           `json:"late_payments"`
	Defaults           int           `json:"defaults"`
	LastUpdated        time.Time     `json:"last_updated"`
}

func Key(user ledger.UserID) ledger.Key { return ledger.KeyOf("credit", string(user)) }

// Bureau reads and adjusts scores inside the caller's transaction.
type Bureau struct {
	policy Policy
	clock  ledger.Clock
	log    *zap.Logger
}

func NewBureau(policy Policy, clock ledger.Clock, log *zap.Logger) *Bureau {
	return &Bureau{policy: policy, clock: clock, log: log.Named("credit")}
}

func (b *Bureau) Policy() Policy { return b.policy }

// Init creates the score at the default if absent.
func (b *Bureau) Init(ctx context.Context, s ledger.Store, user ledger.UserID) (*Score, error) {
	sc, _, err := b.load(ctx, s, user)
	return sc, err
}

// Get returns the stored score, or an unsaved default when absent.
func (b *Bureau) Get(ctx context.Context, s ledger.Store, user ledger.UserID) (*Score, error) {
	sc, _, found, err := ledger.Lookup[Score](ctx, s, Key(user))
	if err != nil {
		return nil, err
	}
	if !found {
		return &Score{User: user, Score: b.policy.DefaultScore}, nil
	}
	return &sc, nil
}

func (b *Bureau) load(ctx context.Context, s ledger.Store, user ledger.UserID) (*Score, int64, error) {
	sc, version, found, err := ledger.Lookup[Score](ctx, s, Key(user))
	if err != nil {
		return nil, 0, err
	}
	if found {
		return &sc, version, nil
	}
	fresh := Score{User: user, Score: b.policy.DefaultScore, LastUpdated: b.clock.Now()}
	if err := ledger.Insert(ctx, s, Key(user), fresh); err != nil {
		return nil, 0, err
	}
	return &fresh, 1, nil
}

// RecordLoanOpened counts a new loan.
func (b *Bureau) RecordLoanOpened(ctx context.Context, s ledger.Store, user ledger.UserID) (*Score, error) {
	return b.adjust(ctx, s, user, "loan_opened", func(sc *Score) int {
		sc.TotalLoans++
		return 0
	})
}

// RecordPayment nudges the score up when onTime, down otherwise.
func (b *Bureau) RecordPayment(ctx context.Context, s ledger.Store, user ledger.UserID, onTime bool) (*Score, error) {
	if onTime {
		return b.adjust(ctx, s, user, "payment_on_time", func(sc *Score) int {
			sc.SuccessfulPayments++
			return b.policy.OnTimeDelta
		})
	}
	return b.adjust(ctx, s, user, "payment_late", func(sc *Score) int {
		sc.LatePayments++
		return -b.policy.LatePenalty
	})
}

// RecordDefault applies the default penalty.
func (b *Bureau) RecordDefault(ctx context.Context, s ledger.Store, user ledger.UserID) (*Score, error) {
	return b.adjust(ctx, s, user, "default", func(sc *Score) int {
		sc.Defaults++
		return -b.policy.DefaultPenalty
	})
}

func (b *Bureau) adjust(ctx context.Context, s ledger.Store, user ledger.UserID, reason string, fn func(*Score) int) (*Score, error) {
	sc, version, err := b.load(ctx, s, user)
	if err != nil {
		return nil, err
	}
	before := sc.Score
	sc.Score = b.clamp(sc.Score + fn(sc))
	sc.LastUpdated = b.clock.Now()
	if err := ledger.Update(ctx, s, Key(user), version, sc); err != nil {
		return nil, err
	}
	err = s.Append(ctx, ledger.Entry{
		Type:      ledger.EntryCreditChanged,
		Account:   "credit/" + string(user),
		Subject:   user,
		Delta:     int64(sc.Score - before),
		Metadata:  map[string]string{"reason": reason, "score": strconv.Itoa(sc.Score)},
		CreatedAt: sc.LastUpdated,
	})
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (b *Bureau) clamp(score int) int {
	if score < b.policy.MinScore {
		return b.policy.MinScore
	}
	if score > b.policy.MaxScore {
		return b.policy.MaxScore
	}
	return score
}

// Limit returns the largest amount a user with score may finance.
func (b *Bureau) Limit(score int) ledger.Money {
	ceiling, top := int64(b.policy.MaxLoanAmount), int64(b.policy.MaxScore)
	q, r := ceiling/top, ceiling%top
	return ledger.Money(q*int64(score) + r*int64(score)/top)
}

// IsEligible reports whether user may finance requested.
func (b *Bureau) IsEligible(ctx context.Context, s ledger.Store, user ledger.UserID, requested ledger.Money) (bool, error) {
	err := b.CheckEligible(ctx, s, user, requested)
	if err == nil {
		return true, nil
	}
	var ineligible *ledger.InsufficientCreditScoreError
	if errors.As(err, &ineligible) {
		return false, nil
	}
	return false, err
}

// CheckEligible is IsEligible returning the reason on rejection.
func (b *Bureau) CheckEligible(ctx context.Context, s ledger.Store, user ledger.UserID, requested ledger.Money) error {
	sc, err := b.Get(ctx, s, user)
	if err != nil {
		return err
	}
	limit := b.Limit(sc.Score)
	if sc.Score < b.policy.MinEligibleScore || requested > limit {
		return &ledger.InsufficientCreditScoreError{
			User:      user,
			Score:     sc.Score,
			MinScore:  b.policy.MinEligibleScore,
			Requested: requested,
			Limit:     limit,
		}
	}
	return nil
}
