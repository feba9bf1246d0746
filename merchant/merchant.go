/*
Package merchant manages stores, their admin roles and the product catalog.

PURPOSE:
  A Store is created once by its owner, who becomes its first Owner admin.
  Only Owners manage admins and the active flag. Owners and Managers manage
  products. An inactive store blocks every purchase and loan against it.

RECORD KEYS:
  store/{store_id}
  product/{store_id}/{product_id}

ROLES:
  Owner > Manager > Viewer. Authorize(actor, min) passes when the actor
  holds a role at least as strong as min.

SEE ALSO:
  - escrow/escrow.go: releases funds to the owner and adds revenue here
  - settlement/settlement.go: reads prices, takes stock
*/
package merchant

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sodap/settlement-engine/ledger"
)

// =============================================================================
// TYPES
// =============================================================================

type Role string

const (
	RoleOwner   Role = "owner"
	RoleManager Role = "manager"
	RoleViewer  Role = "viewer"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleManager:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

func (r Role) Valid() bool { return r.rank() > 0 }

type Admin struct {
	User    ledger.UserID `json:"user"`
	Role    Role          `json:"role"`
	AddedAt time.Time     `json:"added_at"`
}

type Store struct {
	ID        ledger.StoreID `json:"id"`
	Owner     ledger.UserID  `json:"owner"`
	Name      string         `json:"name"`
	IsActive  bool           `json:"is_active"`
	Admins    []Admin        `json:"admin_roles"`
	Revenue   ledger.Money   `json:"revenue"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RoleOf returns the role held by user, or "" when none.
func (s *Store) RoleOf(user ledger.UserID) Role {
	for _, a := range s.Admins {
		if a.User == user {
			return a.Role
		}
	}
	return ""
}

type Product struct {
	ID        ledger.ProductID `json:"id"`
	StoreID   ledger.StoreID   `json:"store_id"`
	Name      string           `json:"name"`
	Price     ledger.Money     `json:"price"`
	Stock     int64            `json:"stock"`
	IsActive  bool             `json:"is_active"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ProductChange carries optional product updates.
type ProductChange struct {
	Name     *string
	Price    *ledger.Money
	Stock    *int64
	IsActive *bool
}

func StoreKey(id ledger.StoreID) ledger.Key { return ledger.KeyOf("store", string(id)) }

func ProductKey(store ledger.StoreID, id ledger.ProductID) ledger.Key {
	return ledger.KeyOf("product", string(store), string(id))
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry operates on merchant records inside the caller's transaction.
type Registry struct {
	clock ledger.Clock
	log   *zap.Logger
}

func NewRegistry(clock ledger.Clock, log *zap.Logger) *Registry {
	return &Registry{clock: clock, log: log.Named("merchant")}
}

// RegisterStore creates an active store owned by owner.
func (r *Registry) RegisterStore(ctx context.Context, s ledger.Store, id ledger.StoreID, owner ledger.UserID, name string) (*Store, error) {
	if id == "" || owner == "" {
		return nil, fmt.Errorf("store id and owner are required: %w", ledger.ErrInvalidInput)
	}
	now := r.clock.Now()
	st := &Store{
		ID:        id,
		Owner:     owner,
		Name:      name,
		IsActive:  true,
		Admins:    []Admin{{User: owner, Role: RoleOwner, AddedAt: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ledger.Insert(ctx, s, StoreKey(id), st); err != nil {
		return nil, err
	}
	r.log.Info("store registered", zap.String("store", string(id)), zap.String("owner", string(owner)))
	return st, nil
}

// GetStore loads a store and its version.
func (r *Registry) GetStore(ctx context.Context, s ledger.Store, id ledger.StoreID) (*Store, int64, error) {
	st, version, err := ledger.Load[Store](ctx, s, StoreKey(id), ledger.ErrStoreNotFound)
	if err != nil {
		return nil, 0, err
	}
	return &st, version, nil
}

// ActiveStore loads a store and fails with ErrStoreInactive when disabled.
func (r *Registry) ActiveStore(ctx context.Context, s ledger.Store, id ledger.StoreID) (*Store, int64, error) {
	st, version, err := r.GetStore(ctx, s, id)
	if err != nil {
		return nil, 0, err
	}
	if !st.IsActive {
		return nil, 0, fmt.Errorf("store %s: %w", id, ledger.ErrStoreInactive)
	}
	return st, version, nil
}

// Authorize loads the store and checks actor holds at least min.
func (r *Registry) Authorize(ctx context.Context, s ledger.Store, id ledger.StoreID, actor ledger.UserID, min Role) (*Store, int64, error) {
	st, version, err := r.GetStore(ctx, s, id)
	if err != nil {
		return nil, 0, err
	}
	if st.RoleOf(actor).rank() < min.rank() {
		return nil, 0, fmt.Errorf("%s needs %s role on store %s: %w", actor, min, id, ledger.ErrUnauthorized)
	}
	return st, version, nil
}

// AddAdmin grants role to user. Owner only.
func (r *Registry) AddAdmin(ctx context.Context, s ledger.Store, id ledger.StoreID, actor, user ledger.UserID, role Role) (*Store, error) {
	if user == "" || !role.Valid() {
		return nil, fmt.Errorf("admin %q with role %q: %w", user, role, ledger.ErrInvalidInput)
	}
	st, version, err := r.Authorize(ctx, s, id, actor, RoleOwner)
	if err != nil {
		return nil, err
	}
	if st.RoleOf(user) != "" {
		return nil, fmt.Errorf("%s on store %s: %w", user, id, ledger.ErrAdminAlreadyExists)
	}
	st.Admins = append(st.Admins, Admin{User: user, Role: role, AddedAt: r.clock.Now()})
	st.UpdatedAt = r.clock.Now()
	if err := ledger.Update(ctx, s, StoreKey(id), version, st); err != nil {
		return nil, err
	}
	return st, nil
}

// RemoveAdmin revokes user's role. Owner only; the store owner cannot be removed.
func (r *Registry) RemoveAdmin(ctx context.Context, s ledger.Store, id ledger.StoreID, actor, user ledger.UserID) (*Store, error) {
	st, version, err := r.Authorize(ctx, s, id, actor, RoleOwner)
	if err != nil {
		return nil, err
	}
	if user == st.Owner {
		return nil, fmt.Errorf("cannot remove the store owner: %w", ledger.ErrInvalidInput)
	}
	kept := st.Admins[:0]
	found := false
	for _, a := range st.Admins {
		if a.User == user {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		return nil, fmt.Errorf("%s on store %s: %w", user, id, ledger.ErrAdminNotFound)
	}
	st.Admins = kept
	st.UpdatedAt = r.clock.Now()
	if err := ledger.Update(ctx, s, StoreKey(id), version, st); err != nil {
		return nil, err
	}
	return st, nil
}

// SetActive toggles the store. Owner only.
func (r *Registry) SetActive(ctx context.Context, s ledger.Store, id ledger.StoreID, actor ledger.UserID, active bool) (*Store, error) {
	st, version, err := r.Authorize(ctx, s, id, actor, RoleOwner)
	if err != nil {
		return nil, err
	}
	st.IsActive = active
	st.UpdatedAt = r.clock.Now()
	if err := ledger.Update(ctx, s, StoreKey(id), version, st); err != nil {
		return nil, err
	}
	r.log.Info("store active flag changed", zap.String("store", string(id)), zap.Bool("active", active))
	return st, nil
}

// AddRevenue credits funds released from escrow to the owner.
func (r *Registry) AddRevenue(ctx context.Context, s ledger.Store, id ledger.StoreID, amount ledger.Money) error {
	st, version, err := r.GetStore(ctx, s, id)
	if err != nil {
		return err
	}
	revenue, err := ledger.AddMoney(st.Revenue, amount)
	if err != nil {
		return err
	}
	st.Revenue = revenue
	st.UpdatedAt = r.clock.Now()
	return ledger.Update(ctx, s, StoreKey(id), version, st)
}

// ListStores returns every registered store.
func (r *Registry) ListStores(ctx context.Context, s ledger.Store) ([]Store, error) {
	return ledger.Scan[Store](ctx, s, "store/")
}

// =============================================================================
// PRODUCTS
// =============================================================================

// AddProduct creates a product. Owner or Manager.
func (r *Registry) AddProduct(ctx context.Context, s ledger.Store, actor ledger.UserID, p Product) (*Product, error) {
	if _, _, err := r.Authorize(ctx, s, p.StoreID, actor, RoleManager); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("product id is required: %w", ledger.ErrInvalidInput)
	}
	if p.Price <= 0 {
		return nil, fmt.Errorf("product %s price %d: %w", p.ID, p.Price, ledger.ErrInvalidPrice)
	}
	if p.Stock < 0 {
		return nil, fmt.Errorf("product %s stock %d: %w", p.ID, p.Stock, ledger.ErrInvalidInput)
	}
	p.IsActive = true
	p.UpdatedAt = r.clock.Now()
	if err := ledger.Insert(ctx, s, ProductKey(p.StoreID, p.ID), p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProduct applies change. Owner or Manager.
func (r *Registry) UpdateProduct(ctx context.Context, s ledger.Store, actor ledger.UserID, store ledger.StoreID, id ledger.ProductID, change ProductChange) (*Product, error) {
	if _, _, err := r.Authorize(ctx, s, store, actor, RoleManager); err != nil {
		return nil, err
	}
	p, version, err := r.GetProduct(ctx, s, store, id)
	if err != nil {
		return nil, err
	}
	if change.Name != nil {
		p.Name = *change.Name
	}
	if change.Price != nil {
		if *change.Price <= 0 {
			return nil, fmt.Errorf("product %s price %d: %w", id, *change.Price, ledger.ErrInvalidPrice)
		}
		p.Price = *change.Price
	}
	if change.Stock != nil {
		if *change.Stock < 0 {
			return nil, fmt.Errorf("product %s stock %d: %w", id, *change.Stock, ledger.ErrInvalidInput)
		}
		p.Stock = *change.Stock
	}
	if change.IsActive != nil {
		p.IsActive = *change.IsActive
	}
	p.UpdatedAt = r.clock.Now()
	if err := ledger.Update(ctx, s, ProductKey(store, id), version, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Registry) GetProduct(ctx context.Context, s ledger.Store, store ledger.StoreID, id ledger.ProductID) (*Product, int64, error) {
	p, version, err := ledger.Load[Product](ctx, s, ProductKey(store, id), ledger.ErrProductNotFound)
	if err != nil {
		return nil, 0, err
	}
	return &p, version, nil
}

func (r *Registry) ListProducts(ctx context.Context, s ledger.Store, store ledger.StoreID) ([]Product, error) {
	return ledger.Scan[Product](ctx, s, ledger.KeyOf("product", string(store), ""))
}

// TakeStock decrements stock by qty.
func (r *Registry) TakeStock(ctx context.Context, s ledger.Store, store ledger.StoreID, id ledger.ProductID, qty int64) error {
	p, version, err := r.GetProduct(ctx, s, store, id)
	if err != nil {
		return err
	}
	if p.Stock < qty {
		return &ledger.InsufficientStockError{ProductID: id, Available: p.Stock, Requested: qty}
	}
	p.Stock -= qty
	p.UpdatedAt = r.clock.Now()
	return ledger.Update(ctx, s, ProductKey(store, id), version, p)
}
