/*
dto.go - Request and response bodies for the HTTP API

NAMING CONVENTION:
  - *Request: request bodies from clients
  - *Response: response wrappers
  Domain records (stores, loans, receipts, accounts) are returned as-is;
  their JSON tags are the wire contract.

VALIDATION:
  Done in the engines, not here. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go, commerce.go: use these types
  - factory/policy.go: ProgramJSON, accepted verbatim for loyalty programs
*/
package api

import (
	"time"

	"github.com/sodap/settlement-engine/bnpl"
	"github.com/sodap/settlement-engine/escrow"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/merchant"
	"github.com/sodap/settlement-engine/pricing"
	"github.com/sodap/settlement-engine/settlement"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every failed request. Code is stable and
// machine-readable; Kind is the error class.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// STORES AND PRODUCTS
// =============================================================================

type CreateStoreRequest struct {
	ID   ledger.StoreID `json:"id"`
	Name string         `json:"name"`
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}

type AddAdminRequest struct {
	User ledger.UserID `json:"user"`
	Role merchant.Role `json:"role"`
}

type CreateProductRequest struct {
	ID    ledger.ProductID `json:"id"`
	Name  string           `json:"name"`
	Price ledger.Money     `json:"price"`
	Stock int64            `json:"stock"`
}

type UpdateProductRequest struct {
	Name     *string       `json:"name,omitempty"`
	Price    *ledger.Money `json:"price,omitempty"`
	Stock    *int64        `json:"stock,omitempty"`
	IsActive *bool         `json:"is_active,omitempty"`
}

// =============================================================================
// ESCROW
// =============================================================================

type ReleaseRequest struct {
	Amount ledger.Money `json:"amount"`
}

type EscrowResponse struct {
	StoreID ledger.StoreID `json:"store_id"`
	Balance ledger.Money   `json:"balance"`
	Display *pricing.Quote `json:"display,omitempty"`
}

type AuditResponse struct {
	Report *escrow.AuditReport `json:"report"`
	Error  *ErrorResponse      `json:"error,omitempty"`
}

// =============================================================================
// LOYALTY
// =============================================================================

type JoinRequest struct {
	ReferredBy ledger.UserID `json:"referred_by,omitempty"`
}

type RedeemRequest struct {
	Points         ledger.Points `json:"points"`
	PurchaseAmount ledger.Money  `json:"purchase_amount"`
}

type RedeemResponse struct {
	Points ledger.Points `json:"points"`
	Value  ledger.Money  `json:"value"`
}

type GiftRequest struct {
	Recipient ledger.UserID `json:"recipient"`
	Points    ledger.Points `json:"points"`
	Message   string        `json:"message,omitempty"`
}

type ExpireResponse struct {
	StoreID ledger.StoreID `json:"store_id"`
	Expired ledger.Points  `json:"expired"`
}

// =============================================================================
// LOANS
// =============================================================================

type CreateLoanRequest struct {
	StoreID     ledger.StoreID   `json:"store_id"`
	Total       ledger.Money     `json:"total"`
	Downpayment ledger.Money     `json:"downpayment"`
	Term        int              `json:"term"`
	ReceiptRef  ledger.ReceiptID `json:"receipt_ref,omitempty"`
}

type PaymentRequest struct {
	Amount         ledger.Money `json:"amount"`
	PaymentNumber  int          `json:"payment_number,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// =============================================================================
// PURCHASES
// =============================================================================

type PurchaseRequest struct {
	StoreID        ledger.StoreID           `json:"store_id"`
	ProductIDs     []ledger.ProductID       `json:"product_ids"`
	Quantities     []int64                  `json:"quantities"`
	PaymentMethod  settlement.PaymentMethod `json:"payment_method"`
	Term           int                      `json:"bnpl_term,omitempty"`
	PointsToUse    ledger.Points            `json:"loyalty_points_to_use,omitempty"`
	Downpayment    *ledger.Money            `json:"downpayment,omitempty"`
	IdempotencyKey string                   `json:"idempotency_key,omitempty"`
	ReferredBy     ledger.UserID            `json:"referred_by,omitempty"`
}

type PurchaseResponse struct {
	*settlement.PurchaseResult
	Display *pricing.Quote `json:"display,omitempty"`
}

// =============================================================================
// SCENARIOS AND SWEEPS
// =============================================================================

// ScenarioDTO describes a runnable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type RunScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResult is the outcome of one scenario run.
type ScenarioResult struct {
	ScenarioID string   `json:"scenario_id"`
	StoreID    string   `json:"store_id"`
	Passed     bool     `json:"passed"`
	Steps      []string `json:"steps"`
	Failure    string   `json:"failure,omitempty"`
}

// SweepReport summarises one background sweep.
type SweepReport struct {
	Loans      *bnpl.SweepResult    `json:"loans"`
	Expired    []ExpireResponse     `json:"expired"`
	Audits     []escrow.AuditReport `json:"audits"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Errors     []string             `json:"errors,omitempty"`
}

type ReconcileResponse struct {
	Reports []escrow.AuditReport `json:"reports"`
	Error   *ErrorResponse       `json:"error,omitempty"`
}
