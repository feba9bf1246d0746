/*
Package escrow holds the per-store custodial balance.

PURPOSE:
  Funds collected at checkout and through loan installments sit in the
  store's escrow until the owner releases them or a refund returns them to
  the buyer. Only this package mutates the balance.

INVARIANTS:
  - balance >= 0 after every operation; a violating call fails with
    InsufficientFundsError and writes nothing
  - 0 <= collateral <= balance; collateral is the part of the balance
    collected by loans that are still open or defaulted. Debits draw free
    funds first, so collateral only shrinks once free funds are gone
  - every mutation appends one journal entry on account "escrow/{store}",
    so the balance always equals the sum of that account's deltas

SEE ALSO:
  - settlement/settlement.go: deposits and refunds
  - bnpl/engine.go: installment deposits and liquidation
*/
package escrow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/merchant"
)

// Account is one store's escrow. Collateral is loan money held against
// liquidation.
type Account struct {
	StoreID    ledger.StoreID `json:"store_id"`
	Balance    ledger.Money   `json:"balance"`
	Collateral ledger.Money   `json:"collateral"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// AuditReport compares the stored balance with a replay of the journal.
type AuditReport struct {
	StoreID      ledger.StoreID `json:"store_id"`
	Balance      ledger.Money   `json:"balance"`
	Collateral   ledger.Money   `json:"collateral"`
	JournalTotal ledger.Money   `json:"journal_total"`
	Entries      int            `json:"entries"`
	Balanced     bool           `json:"balanced"`
	CheckedAt    time.Time      `json:"checked_at"`
}

func Key(store ledger.StoreID) ledger.Key { return ledger.KeyOf("escrow", string(store)) }

// AccountName is the journal account of a store escrow.
func AccountName(store ledger.StoreID) string { return "escrow/" + string(store) }

// Accounts performs escrow operations inside the caller's transaction.
type Accounts struct {
	merchants *merchant.Registry
	clock     ledger.Clock
	log       *zap.Logger
}

func NewAccounts(merchants *merchant.Registry, clock ledger.Clock, log *zap.Logger) *Accounts {
	return &Accounts{merchants: merchants, clock: clock, log: log.Named("escrow")}
}

// Open creates a zero-balance escrow for a store.
func (a *Accounts) Open(ctx context.Context, s ledger.Store, store ledger.StoreID) error {
	return ledger.Insert(ctx, s, Key(store), Account{StoreID: store, UpdatedAt: a.clock.Now()})
}

// Get returns the escrow account.
func (a *Accounts) Get(ctx context.Context, s ledger.Store, store ledger.StoreID) (*Account, int64, error) {
	acct, version, err := ledger.Load[Account](ctx, s, Key(store), ledger.ErrEscrowNotFound)
	if err != nil {
		return nil, 0, err
	}
	return &acct, version, nil
}

// Balance returns the current balance.
func (a *Accounts) Balance(ctx context.Context, s ledger.Store, store ledger.StoreID) (ledger.Money, error) {
	acct, _, err := a.Get(ctx, s, store)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Deposit adds amount and returns the new balance.
func (a *Accounts) Deposit(ctx context.Context, s ledger.Store, store ledger.StoreID, from ledger.UserID, amount ledger.Money, ref string) (ledger.Money, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit %d: %w", amount, ledger.ErrInvalidAmount)
	}
	return a.apply(ctx, s, store, ledger.EntryEscrowDeposit, from, amount, 0, ref)
}

// DepositCollateral adds loan money and holds it until the loan settles.
func (a *Accounts) DepositCollateral(ctx context.Context, s ledger.Store, store ledger.StoreID, from ledger.UserID, amount ledger.Money, ref string) (ledger.Money, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit %d: %w", amount, ledger.ErrInvalidAmount)
	}
	return a.apply(ctx, s, store, ledger.EntryEscrowDeposit, from, amount, amount, ref)
}

// FreeCollateral stops holding up to amount of collateral and returns how
// much was freed. The balance is unchanged and nothing is journaled.
func (a *Accounts) FreeCollateral(ctx context.Context, s ledger.Store, store ledger.StoreID, amount ledger.Money) (ledger.Money, error) {
	acct, version, err := a.Get(ctx, s, store)
	if err != nil {
		return 0, err
	}
	freed := min(max(amount, 0), acct.Collateral)
	if freed == 0 {
		return 0, nil
	}
	acct.Collateral -= freed
	acct.UpdatedAt = a.clock.Now()
	if err := ledger.Update(ctx, s, Key(store), version, acct); err != nil {
		return 0, err
	}
	return freed, nil
}

// Release pays amount to the store owner. Owner role only.
func (a *Accounts) Release(ctx context.Context, s ledger.Store, store ledger.StoreID, actor ledger.UserID, amount ledger.Money) (ledger.Money, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("release %d: %w", amount, ledger.ErrInvalidAmount)
	}
	st, _, err := a.merchants.Authorize(ctx, s, store, actor, merchant.RoleOwner)
	if err != nil {
		return 0, err
	}
	return a.payOwner(ctx, s, st.ID, st.Owner, amount, "release")
}

// ReleaseCollateral pays up to limit of held collateral to the store owner
// without an actor check and returns the amount paid. Used when a defaulted
// loan is liquidated.
func (a *Accounts) ReleaseCollateral(ctx context.Context, s ledger.Store, store ledger.StoreID, limit ledger.Money, ref string) (ledger.Money, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("release %d: %w", limit, ledger.ErrInvalidAmount)
	}
	st, _, err := a.merchants.GetStore(ctx, s, store)
	if err != nil {
		return 0, err
	}
	acct, _, err := a.Get(ctx, s, store)
	if err != nil {
		return 0, err
	}
	amount := min(limit, acct.Collateral)
	if amount == 0 {
		return 0, nil
	}
	if _, err := a.payOwnerHeld(ctx, s, st.ID, st.Owner, amount, -amount, ref); err != nil {
		return 0, err
	}
	return amount, nil
}

func (a *Accounts) payOwner(ctx context.Context, s ledger.Store, store ledger.StoreID, owner ledger.UserID, amount ledger.Money, ref string) (ledger.Money, error) {
	return a.payOwnerHeld(ctx, s, store, owner, amount, 0, ref)
}

func (a *Accounts) payOwnerHeld(ctx context.Context, s ledger.Store, store ledger.StoreID, owner ledger.UserID, amount, held ledger.Money, ref string) (ledger.Money, error) {
	balance, err := a.apply(ctx, s, store, ledger.EntryEscrowRelease, owner, -amount, held, ref)
	if err != nil {
		return 0, err
	}
	if err := a.merchants.AddRevenue(ctx, s, store, amount); err != nil {
		return 0, err
	}
	return balance, nil
}

// Refund returns amount to buyer.
func (a *Accounts) Refund(ctx context.Context, s ledger.Store, store ledger.StoreID, buyer ledger.UserID, amount ledger.Money, ref string) (ledger.Money, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("refund %d: %w", amount, ledger.ErrInvalidAmount)
	}
	return a.apply(ctx, s, store, ledger.EntryEscrowRefund, buyer, -amount, 0, ref)
}

// apply moves the balance by delta and the held collateral by held.
func (a *Accounts) apply(ctx context.Context, s ledger.Store, store ledger.StoreID, typ ledger.EntryType, subject ledger.UserID, delta, held ledger.Money, ref string) (ledger.Money, error) {
	acct, version, err := a.Get(ctx, s, store)
	if err != nil {
		return 0, err
	}
	next, err := ledger.AddMoney(acct.Balance, delta)
	if err != nil {
		return 0, err
	}
	if next < 0 {
		return 0, &ledger.InsufficientFundsError{StoreID: store, Balance: acct.Balance, Requested: -delta}
	}

	now := a.clock.Now()
	acct.Balance = next
	acct.Collateral = min(max(acct.Collateral+held, 0), next)
	acct.UpdatedAt = now
	if err := ledger.Update(ctx, s, Key(store), version, acct); err != nil {
		return 0, err
	}
	err = s.Append(ctx, ledger.Entry{
		Type:        typ,
		Account:     AccountName(store),
		StoreID:     store,
		Subject:     subject,
		Delta:       int64(delta),
		ReferenceID: ref,
		CreatedAt:   now,
	})
	if err != nil {
		return 0, err
	}
	a.log.Debug("escrow updated",
		zap.String("store", string(store)),
		zap.String("type", string(typ)),
		zap.Int64("delta", int64(delta)),
		zap.Int64("balance", int64(next)))
	return next, nil
}

// Audit replays the escrow journal and compares it with the balance.
func (a *Accounts) Audit(ctx context.Context, s ledger.Store, store ledger.StoreID) (*AuditReport, error) {
	acct, _, err := a.Get(ctx, s, store)
	if err != nil {
		return nil, err
	}
	entries, err := s.Entries(ctx, ledger.EntryFilter{Account: AccountName(store)})
	if err != nil {
		return nil, err
	}
	total := ledger.Money(ledger.SumDeltas(entries))
	return &AuditReport{
		StoreID:      store,
		Balance:      acct.Balance,
		Collateral:   acct.Collateral,
		JournalTotal: total,
		Entries:      len(entries),
		Balanced:     total == acct.Balance && acct.Balance >= 0 && acct.Collateral >= 0 && acct.Collateral <= acct.Balance,
		CheckedAt:    a.clock.Now(),
	}, nil
}
