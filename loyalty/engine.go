package loyalty

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/merchant"
)

// Engine runs loyalty operations inside the caller's transaction.
type Engine struct {
	cfg       Config
	merchants *merchant.Registry
	clock     ledger.Clock
	log       *zap.Logger
}

func NewEngine(cfg Config, merchants *merchant.Registry, clock ledger.Clock, log *zap.Logger) *Engine {
	return &Engine{cfg: cfg, merchants: merchants, clock: clock, log: log.Named("loyalty")}
}

func (e *Engine) Config() Config { return e.cfg }

// =============================================================================
// PROGRAMS
// =============================================================================

// CreateProgram registers the store's program. Store owner only.
func (e *Engine) CreateProgram(ctx context.Context, s ledger.Store, actor ledger.UserID, p Program) (*Program, error) {
	if _, _, err := e.merchants.Authorize(ctx, s, p.StoreID, actor, merchant.RoleOwner); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := ledger.Insert(ctx, s, ProgramKey(p.StoreID), p); err != nil {
		return nil, err
	}
	e.log.Info("loyalty program created", zap.String("store", string(p.StoreID)))
	return &p, nil
}

// UpdateProgram replaces the program settings. Store owner only.
func (e *Engine) UpdateProgram(ctx context.Context, s ledger.Store, actor ledger.UserID, p Program) (*Program, error) {
	if _, _, err := e.merchants.Authorize(ctx, s, p.StoreID, actor, merchant.RoleOwner); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	current, version, err := ledger.Load[Program](ctx, s, ProgramKey(p.StoreID), ledger.ErrProgramNotFound)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = e.clock.Now()
	if err := ledger.Update(ctx, s, ProgramKey(p.StoreID), version, p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (e *Engine) GetProgram(ctx context.Context, s ledger.Store, store ledger.StoreID) (*Program, error) {
	p, _, err := ledger.Load[Program](ctx, s, ProgramKey(store), ledger.ErrProgramNotFound)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ActiveProgram returns the program or ErrProgramNotFound / ErrProgramInactive.
func (e *Engine) ActiveProgram(ctx context.Context, s ledger.Store, store ledger.StoreID) (*Program, error) {
	p, err := e.GetProgram(ctx, s, store)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, fmt.Errorf("store %s: %w", store, ledger.ErrProgramInactive)
	}
	return p, nil
}

func (e *Engine) ListPrograms(ctx context.Context, s ledger.Store) ([]Program, error) {
	return ledger.Scan[Program](ctx, s, ledger.KeyOf("loyalty", "program", ""))
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (e *Engine) GetAccount(ctx context.Context, s ledger.Store, store ledger.StoreID, user ledger.UserID) (*Account, error) {
	a, _, err := ledger.Load[Account](ctx, s, AccountKey(store, user), ledger.ErrAccountNotFound)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// EnsureAccount creates the account with the welcome bonus on first call.
// Later calls return the existing account unchanged. A referrer holding an
// account at the same store earns the referral bonus.
func (e *Engine) EnsureAccount(ctx context.Context, s ledger.Store, user ledger.UserID, store ledger.StoreID, referredBy ledger.UserID) (*Account, bool, error) {
	existing, _, found, err := ledger.Lookup[Account](ctx, s, AccountKey(store, user))
	if err != nil {
		return nil, false, err
	}
	if found {
		return &existing, false, nil
	}
	prog, err := e.ActiveProgram(ctx, s, store)
	if err != nil {
		return nil, false, err
	}

	now := e.clock.Now()
	acct := &Account{
		User:         user,
		StoreID:      store,
		Tier:         TierBronze,
		ReferralCode: referralCode(),
		CreatedAt:    now,
		LastActivity: now,
	}

	var referrer *Account
	var referrerVersion int64
	if referredBy != "" && referredBy != user {
		r, version, ok, err := ledger.Lookup[Account](ctx, s, AccountKey(store, referredBy))
		if err != nil {
			return nil, false, err
		}
		if ok {
			acct.ReferredBy = referredBy
			referrer, referrerVersion = &r, version
		}
	}

	var notes []ledger.Entry
	if prog.WelcomeBonus > 0 {
		notes = e.credit(acct, prog.WelcomeBonus, PointWelcome, "", now)
	}
	if err := ledger.Insert(ctx, s, AccountKey(store, user), acct); err != nil {
		return nil, false, err
	}
	if err := appendAll(ctx, s, notes); err != nil {
		return nil, false, err
	}

	if referrer != nil {
		referrer.TotalReferrals++
		notes := e.credit(referrer, prog.ReferralBonus, PointReferral, string(user), now)
		if err := ledger.Update(ctx, s, AccountKey(store, referredBy), referrerVersion, referrer); err != nil {
			return nil, false, err
		}
		if err := appendAll(ctx, s, notes); err != nil {
			return nil, false, err
		}
	}

	e.log.Info("loyalty account created",
		zap.String("store", string(store)),
		zap.String("user", string(user)),
		zap.Int64("welcome_bonus", int64(prog.WelcomeBonus)))
	return acct, true, nil
}

// credit adds n earned points, recomputes the tier and returns the journal
// entries describing the change.
func (e *Engine) credit(a *Account, n ledger.Points, typ PointType, ref string, now time.Time) []ledger.Entry {
	if n <= 0 {
		return nil
	}
	before := a.Tier
	a.TotalPoints += n
	a.AvailablePoints += n
	a.grant(n, now)
	a.LastActivity = now
	a.Tier, a.TierProgress = e.cfg.TierFor(a.TotalPoints)

	entries := []ledger.Entry{{
		Type:        ledger.EntryPointsEarned,
		Account:     AccountName(a.StoreID, a.User),
		StoreID:     a.StoreID,
		Subject:     a.User,
		Delta:       int64(n),
		ReferenceID: ref,
		Metadata:    map[string]string{"point_type": string(typ)},
		CreatedAt:   now,
	}}
	if a.Tier != before {
		entries = append(entries, e.tierNotice(a, before, now))
	}
	return entries
}

func (e *Engine) tierNotice(a *Account, before Tier, now time.Time) ledger.Entry {
	e.log.Info("loyalty tier changed",
		zap.String("store", string(a.StoreID)),
		zap.String("user", string(a.User)),
		zap.String("from", string(before)),
		zap.String("to", string(a.Tier)))
	return ledger.Entry{
		Type:      ledger.EntryTierChanged,
		Account:   AccountName(a.StoreID, a.User),
		StoreID:   a.StoreID,
		Subject:   a.User,
		Metadata:  map[string]string{"from": string(before), "to": string(a.Tier)},
		CreatedAt: now,
	}
}

// =============================================================================
// EARN / REDEEM
// =============================================================================

// Earn awards points. For PointBonus, amount is the point count; for
// PointPurchase it is the purchase amount in the smallest unit.
func (e *Engine) Earn(ctx context.Context, s ledger.Store, user ledger.UserID, store ledger.StoreID, amount int64, typ PointType, ref string) (*EarnResult, error) {
	// Welcome points are granted once, by EnsureAccount.
	if !typ.Valid() || typ == PointWelcome {
		return nil, fmt.Errorf("point type %q: %w", typ, ledger.ErrInvalidInput)
	}
	if amount < 0 {
		return nil, fmt.Errorf("earn amount %d: %w", amount, ledger.ErrInvalidAmount)
	}
	prog, err := e.ActiveProgram(ctx, s, store)
	if err != nil {
		return nil, err
	}
	if _, _, err := e.EnsureAccount(ctx, s, user, store, ""); err != nil {
		return nil, err
	}
	acct, version, err := ledger.Load[Account](ctx, s, AccountKey(store, user), ledger.ErrAccountNotFound)
	if err != nil {
		return nil, err
	}

	var points ledger.Points
	switch typ {
	case PointPurchase:
		points, err = e.PurchasePoints(prog, acct.Tier, ledger.Money(amount))
		if err != nil {
			return nil, err
		}
	case PointReferral:
		points = prog.ReferralBonus
	case PointBonus:
		points = ledger.Points(amount)
	}

	res := &EarnResult{Points: points, Tier: acct.Tier, PreviousTier: acct.Tier}
	if points == 0 {
		return res, nil
	}
	notes := e.credit(&acct, points, typ, ref, e.clock.Now())
	if err := ledger.Update(ctx, s, AccountKey(store, user), version, acct); err != nil {
		return nil, err
	}
	if err := appendAll(ctx, s, notes); err != nil {
		return nil, err
	}
	res.Tier = acct.Tier
	res.TierChanged = res.Tier != res.PreviousTier
	return res, nil
}

// PurchasePoints computes points earned on a purchase amount.
func (e *Engine) PurchasePoints(prog *Program, tier Tier, amount ledger.Money) (ledger.Points, error) {
	pts, err := mulDiv(int64(amount), prog.PointsPerUnit, int64(e.cfg.UnitAmount))
	if err != nil {
		return 0, err
	}
	if prog.TierMultiplierEnabled {
		pts, err = mulDiv(pts, e.cfg.Multipliers.For(tier), 100)
		if err != nil {
			return 0, err
		}
	}
	return ledger.Points(pts), nil
}

// RedemptionValue converts points into a discount amount.
func (e *Engine) RedemptionValue(prog *Program, points ledger.Points) (ledger.Money, error) {
	v, err := mulDiv(int64(points), int64(e.cfg.UnitAmount), prog.RedemptionRate)
	return ledger.Money(v), err
}

// Redeem spends points against a purchase and returns the discount value.
func (e *Engine) Redeem(ctx context.Context, s ledger.Store, user ledger.UserID, store ledger.StoreID, points ledger.Points, purchaseAmount ledger.Money, ref string) (ledger.Money, error) {
	if points <= 0 {
		return 0, fmt.Errorf("redeem %d points: %w", points, ledger.ErrInvalidAmount)
	}
	prog, err := e.ActiveProgram(ctx, s, store)
	if err != nil {
		return 0, err
	}
	acct, version, err := ledger.Load[Account](ctx, s, AccountKey(store, user), ledger.ErrAccountNotFound)
	if err != nil {
		return 0, err
	}

	if points > acct.AvailablePoints {
		return 0, &ledger.InsufficientPointsError{User: user, Available: acct.AvailablePoints, Requested: points}
	}
	if points < prog.MinRedemption {
		return 0, fmt.Errorf("%d points, minimum %d: %w", points, prog.MinRedemption, ledger.ErrBelowMinimum)
	}
	value, err := e.RedemptionValue(prog, points)
	if err != nil {
		return 0, err
	}
	ceiling, err := mulDiv(int64(purchaseAmount), prog.MaxRedemptionPercent, 100)
	if err != nil {
		return 0, err
	}
	if int64(value) > ceiling {
		return 0, fmt.Errorf("value %d over %d%% of %d: %w", value, prog.MaxRedemptionPercent, purchaseAmount, ledger.ErrExceedsMaxPercent)
	}

	now := e.clock.Now()
	acct.AvailablePoints -= points
	acct.RedeemedPoints += points
	acct.consume(points)
	acct.LastActivity = now
	if err := ledger.Update(ctx, s, AccountKey(store, user), version, acct); err != nil {
		return 0, err
	}
	err = s.Append(ctx, ledger.Entry{
		Type:        ledger.EntryPointsRedeemed,
		Account:     AccountName(store, user),
		StoreID:     store,
		Subject:     user,
		Delta:       -int64(points),
		ReferenceID: ref,
		Metadata:    map[string]string{"value": strconv.FormatInt(int64(value), 10)},
		CreatedAt:   now,
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// =============================================================================
// REFUND SUPPORT
// =============================================================================

// DeductRequest claws back points earned on a purchase that is refunded.
// Points removed = floor(EarnedPoints * min(Refunded, Basis) / Basis).
type DeductRequest struct {
	User         ledger.UserID
	StoreID      ledger.StoreID
	EarnedPoints ledger.Points
	Refunded     ledger.Money
	Basis        ledger.Money
	ReferenceID  string
}

// Deduct removes points proportionally to the refunded amount. It never
// drives available points below zero: the shortfall is logged instead.
func (e *Engine) Deduct(ctx context.Context, s ledger.Store, req DeductRequest) (*DeductResult, error) {
	res := &DeductResult{}
	if req.EarnedPoints <= 0 || req.Refunded <= 0 || req.Basis <= 0 {
		return res, nil
	}
	refunded := req.Refunded
	if refunded > req.Basis {
		refunded = req.Basis
	}
	want, err := mulDiv(int64(req.EarnedPoints), int64(refunded), int64(req.Basis))
	if err != nil {
		return nil, err
	}
	res.Requested = ledger.Points(want)

	acct, version, found, err := ledger.Lookup[Account](ctx, s, AccountKey(req.StoreID, req.User))
	if err != nil {
		return nil, err
	}
	if !found {
		res.Shortfall = res.Requested
		e.log.Warn("points clawback skipped: no account",
			zap.String("store", string(req.StoreID)), zap.String("user", string(req.User)))
		return res, nil
	}

	res.Deducted = res.Requested
	if res.Deducted > acct.AvailablePoints {
		res.Deducted = acct.AvailablePoints
	}
	res.Shortfall = res.Requested - res.Deducted
	if res.Shortfall > 0 {
		e.log.Warn("points clawback shortfall",
			zap.String("store", string(req.StoreID)),
			zap.String("user", string(req.User)),
			zap.Int64("requested", int64(res.Requested)),
			zap.Int64("shortfall", int64(res.Shortfall)),
			zap.String("reference", req.ReferenceID))
	}
	if res.Deducted == 0 {
		return res, nil
	}

	now := e.clock.Now()
	before := acct.Tier
	acct.TotalPoints -= res.Deducted
	acct.AvailablePoints -= res.Deducted
	acct.consume(res.Deducted)
	acct.LastActivity = now
	acct.Tier, acct.TierProgress = e.cfg.TierFor(acct.TotalPoints)
	if err := ledger.Update(ctx, s, AccountKey(req.StoreID, req.User), version, acct); err != nil {
		return nil, err
	}
	notes := []ledger.Entry{{
		Type:        ledger.EntryPointsDeducted,
		Account:     AccountName(req.StoreID, req.User),
		StoreID:     req.StoreID,
		Subject:     req.User,
		Delta:       -int64(res.Deducted),
		ReferenceID: req.ReferenceID,
		CreatedAt:   now,
	}}
	if acct.Tier != before {
		notes = append(notes, e.tierNotice(&acct, before, now))
	}
	return res, appendAll(ctx, s, notes)
}

// Restore returns previously redeemed points, used when the purchase they
// discounted is refunded.
func (e *Engine) Restore(ctx context.Context, s ledger.Store, user ledger.UserID, store ledger.StoreID, points ledger.Points, ref string) (ledger.Points, error) {
	if points <= 0 {
		return 0, nil
	}
	acct, version, err := ledger.Load[Account](ctx, s, AccountKey(store, user), ledger.ErrAccountNotFound)
	if err != nil {
		return 0, err
	}
	if points > acct.RedeemedPoints {
		points = acct.RedeemedPoints
	}
	if points == 0 {
		return 0, nil
	}
	now := e.clock.Now()
	acct.RedeemedPoints -= points
	acct.AvailablePoints += points
	acct.grant(points, now)
	acct.LastActivity = now
	if err := ledger.Update(ctx, s, AccountKey(store, user), version, acct); err != nil {
		return 0, err
	}
	return points, s.Append(ctx, ledger.Entry{
		Type:        ledger.EntryPointsRestored,
		Account:     AccountName(store, user),
		StoreID:     store,
		Subject:     user,
		Delta:       int64(points),
		ReferenceID: ref,
		CreatedAt:   now,
	})
}

// =============================================================================
// GIFTS
// =============================================================================

// Gift moves points from sender to recipient in the caller's transaction.
func (e *Engine) Gift(ctx context.Context, s ledger.Store, sender, recipient ledger.UserID, store ledger.StoreID, points ledger.Points, message string) error {
	if sender == recipient {
		return ledger.ErrSelfGift
	}
	if points <= 0 {
		return fmt.Errorf("gift %d points: %w", points, ledger.ErrInvalidAmount)
	}
	if points > e.cfg.MaxGiftPoints {
		return fmt.Errorf("gift %d points, max %d: %w", points, e.cfg.MaxGiftPoints, ledger.ErrGiftLimitExceeded)
	}
	if _, err := e.ActiveProgram(ctx, s, store); err != nil {
		return err
	}
	from, fromVersion, err := ledger.Load[Account](ctx, s, AccountKey(store, sender), ledger.ErrAccountNotFound)
	if err != nil {
		return err
	}
	if points > from.AvailablePoints {
		return &ledger.InsufficientPointsError{User: sender, Available: from.AvailablePoints, Requested: points}
	}
	if _, _, err := e.EnsureAccount(ctx, s, recipient, store, ""); err != nil {
		return err
	}
	to, toVersion, err := ledger.Load[Account](ctx, s, AccountKey(store, recipient), ledger.ErrAccountNotFound)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	from.AvailablePoints -= points
	from.RedeemedPoints += points
	from.consume(points)
	from.LastActivity = now

	before := to.Tier
	to.TotalPoints += points
	to.AvailablePoints += points
	to.grant(points, now)
	to.LastActivity = now
	to.Tier, to.TierProgress = e.cfg.TierFor(to.TotalPoints)

	if err := ledger.Update(ctx, s, AccountKey(store, sender), fromVersion, from); err != nil {
		return err
	}
	if err := ledger.Update(ctx, s, AccountKey(store, recipient), toVersion, to); err != nil {
		return err
	}

	meta := map[string]string{"message": message}
	notes := []ledger.Entry{
		{Type: ledger.EntryPointsGifted, Account: AccountName(store, sender), StoreID: store, Subject: sender,
			Delta: -int64(points), ReferenceID: string(recipient), Metadata: meta, CreatedAt: now},
		{Type: ledger.EntryPointsReceived, Account: AccountName(store, recipient), StoreID: store, Subject: recipient,
			Delta: int64(points), ReferenceID: string(sender), Metadata: meta, CreatedAt: now},
	}
	if to.Tier != before {
		notes = append(notes, e.tierNotice(&to, before, now))
	}
	return appendAll(ctx, s, notes)
}

// =============================================================================
// EXPIRY
// =============================================================================

// ExpirePoints expires lots older than the program's expiry window and
// returns the number of points expired.
func (e *Engine) ExpirePoints(ctx context.Context, s ledger.Store, store ledger.StoreID) (ledger.Points, error) {
	prog, err := e.GetProgram(ctx, s, store)
	if err != nil {
		return 0, err
	}
	if prog.PointExpiryDays == 0 {
		return 0, nil
	}
	now := e.clock.Now()
	cutoff := now.AddDate(0, 0, -prog.PointExpiryDays)

	recs, err := s.List(ctx, ledger.KeyOf("loyalty", "account", string(store), ""))
	if err != nil {
		return 0, err
	}
	var total ledger.Points
	for _, rec := range recs {
		acct, version, err := ledger.Load[Account](ctx, s, rec.Key, ledger.ErrAccountNotFound)
		if err != nil {
			return 0, err
		}
		var expired ledger.Points
		kept := acct.Lots[:0]
		for _, lot := range acct.Lots {
			if !lot.EarnedAt.After(cutoff) {
				expired += lot.Remaining
				continue
			}
			kept = append(kept, lot)
		}
		if expired == 0 {
			continue
		}
		acct.Lots = kept
		acct.ExpiredPoints += expired
		acct.AvailablePoints -= expired
		if err := ledger.Update(ctx, s, rec.Key, version, acct); err != nil {
			return 0, err
		}
		err = s.Append(ctx, ledger.Entry{
			Type:      ledger.EntryPointsExpired,
			Account:   AccountName(store, acct.User),
			StoreID:   store,
			Subject:   acct.User,
			Delta:     -int64(expired),
			CreatedAt: now,
		})
		if err != nil {
			return 0, err
		}
		total += expired
	}
	if total > 0 {
		e.log.Info("loyalty points expired", zap.String("store", string(store)), zap.Int64("points", int64(total)))
	}
	return total, nil
}

// =============================================================================
// HELPERS
// =============================================================================

var maxInt64 = decimal.NewFromInt(math.MaxInt64)

// mulDiv returns floor(a*b/c) for non-negative operands without overflow.
func mulDiv(a, b, c int64) (int64, error) {
	if c <= 0 || a < 0 || b < 0 {
		return 0, ledger.ErrInvalidAmount
	}
	q, _ := decimal.NewFromInt(a).Mul(decimal.NewFromInt(b)).QuoRem(decimal.NewFromInt(c), 0)
	if q.GreaterThan(maxInt64) {
		return 0, ledger.ErrPriceOverflow
	}
	return q.IntPart(), nil
}

func referralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func appendAll(ctx context.Context, s ledger.Store, entries []ledger.Entry) error {
	var errs []error
	for _, e := range entries {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
