/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the engines over REST. Handlers parse the request, take the
  principal from the auth middleware, delegate to an engine and map the
  engine's error kind onto an HTTP status.

ENDPOINTS:
  Stores:
    GET    /api/stores                         List stores
    POST   /api/stores                         Register store (caller is owner)
    GET    /api/stores/{store}                 Store details
    POST   /api/stores/{store}/active          Pause or resume (owner)
    POST   /api/stores/{store}/admins          Grant role (owner)
    DELETE /api/stores/{store}/admins/{user}   Revoke role (owner)
    GET    /api/stores/{store}/products        List products
    POST   /api/stores/{store}/products        Add product (manager)
    PATCH  /api/stores/{store}/products/{id}   Update product (manager)

  Escrow:
    GET    /api/stores/{store}/escrow          Balance (optional display quote)
    POST   /api/stores/{store}/escrow/release  Pay out to owner (owner)
    GET    /api/stores/{store}/escrow/audit    Replay journal against balance

  Loyalty, loans, purchases: see commerce.go

  Credit and journal:
    GET    /api/credit/{user}                  Credit score
    GET    /api/journal                        Journal entries (filtered)

ERROR HANDLING:
  Every error is an ErrorResponse. Status follows the ledger error kind:
  - 400: validation
  - 403: unauthorized role
  - 404: not found
  - 409: concurrency and state conflicts
  - 422: insufficient funds, stock, points or credit
  - 500: reconciliation and internal failures

SEE ALSO:
  - dto.go: Request/response data structures
  - commerce.go: Loyalty, loan and purchase handlers
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sodap/settlement-engine/bnpl"
	"github.com/sodap/settlement-engine/credit"
	"github.com/sodap/settlement-engine/escrow"
	"github.com/sodap/settlement-engine/factory"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/loyalty"
	"github.com/sodap/settlement-engine/merchant"
	"github.com/sodap/settlement-engine/metrics"
	"github.com/sodap/settlement-engine/pricing"
	"github.com/sodap/settlement-engine/settlement"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the engines and shared dependencies.
type Handler struct {
	DB       ledger.TxStore
	Clock    ledger.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Policy   factory.Policy
	Programs *factory.ProgramFactory

	Merchants  *merchant.Registry
	Escrow     *escrow.Accounts
	Loyalty    *loyalty.Engine
	Credit     *credit.Bureau
	Loans      *bnpl.Engine
	Settlement *settlement.Engine

	mu           sync.Mutex
	lastScenario *ScenarioResult
}

// NewHandler wires every engine over db according to policy.
func NewHandler(db ledger.TxStore, policy factory.Policy, clock ledger.Clock, log *zap.Logger, m *metrics.Metrics) *Handler {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	merchants := merchant.NewRegistry(clock, log)
	esc := escrow.NewAccounts(merchants, clock, log)
	loy := loyalty.NewEngine(policy.Loyalty, merchants, clock, log)
	bureau := credit.NewBureau(policy.Credit, clock, log)
	loans := bnpl.NewEngine(db, policy.BNPL, bnpl.Deps{
		Merchants: merchants,
		Escrow:    esc,
		Loyalty:   loy,
		Credit:    bureau,
		Clock:     clock,
		Log:       log,
		Metrics:   m,
	})
	settle := settlement.NewEngine(db, policy.Settlement, settlement.Deps{
		Merchants: merchants,
		Escrow:    esc,
		Loyalty:   loy,
		Loans:     loans,
		Clock:     clock,
		Log:       log,
		Metrics:   m,
	})
	return &Handler{
		DB:         db,
		Clock:      clock,
		Log:        log.Named("api"),
		Metrics:    m,
		Policy:     policy,
		Programs:   factory.NewProgramFactory(),
		Merchants:  merchants,
		Escrow:     esc,
		Loyalty:    loy,
		Credit:     bureau,
		Loans:      loans,
		Settlement: settle,
	}
}

func (h *Handler) tx(ctx context.Context, fn func(ledger.Store) error) error {
	return ledger.RunTx(ctx, h.DB, fn)
}

// =============================================================================
// STORE ENDPOINTS
// =============================================================================

func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	stores, err := h.Merchants.ListStores(r.Context(), h.DB)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stores)
}

func (h *Handler) CreateStore(w http.ResponseWriter, r *http.Request) {
	var req CreateStoreRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.Settlement.RegisterStore(r.Context(), req.ID, Principal(r.Context()), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handler) GetStore(w http.ResponseWriter, r *http.Request) {
	st, _, err := h.Merchants.GetStore(r.Context(), h.DB, storeParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) SetStoreActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var st *merchant.Store
	err := h.tx(r.Context(), func(s ledger.Store) (err error) {
		st, err = h.Merchants.SetActive(r.Context(), s, storeParam(r), Principal(r.Context()), req.Active)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) AddAdmin(w http.ResponseWriter, r *http.Request) {
	var req AddAdminRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var st *merchant.Store
	err := h.tx(r.Context(), func(s ledger.Store) (err error) {
		st, err = h.Merchants.AddAdmin(r.Context(), s, storeParam(r), Principal(r.Context()), req.User, req.Role)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) RemoveAdmin(w http.ResponseWriter, r *http.Request) {
	user := ledger.UserID(chi.URLParam(r, "user"))
	var st *merchant.Store
	err := h.tx(r.Context(), func(s ledger.Store) (err error) {
		st, err = h.Merchants.RemoveAdmin(r.Context(), s, storeParam(r), Principal(r.Context()), user)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// =============================================================================
// PRODUCT ENDPOINTS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Merchants.ListProducts(r.Context(), h.DB, storeParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var p *merchant.Product
	err := h.tx(r.Context(), func(s ledger.Store) (err error) {
		p, err = h.Merchants.AddProduct(r.Context(), s, Principal(r.Context()), merchant.Product{
			ID:       req.ID,
			StoreID:  storeParam(r),
			Name:     req.Name,
			Price:    req.Price,
			Stock:    req.Stock,
			IsActive: true,
		})
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req UpdateProductRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id := ledger.ProductID(chi.URLParam(r, "product"))
	var p *merchant.Product
	err := h.tx(r.Context(), func(s ledger.Store) (err error) {
		p, err = h.Merchants.UpdateProduct(r.Context(), s, Principal(r.Context()), storeParam(r), id, merchant.ProductChange{
			Name:     req.Name,
			Price:    req.Price,
			Stock:    req.Stock,
			IsActive: req.IsActive,
		})
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// ESCROW ENDPOINTS
// =============================================================================

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	store := storeParam(r)
	balance, err := h.Escrow.Balance(r.Context(), h.DB, store)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	quote, err := h.display(r, balance)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EscrowResponse{StoreID: store, Balance: balance, Display: quote})
}

func (h *Handler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	store := storeParam(r)
	var balance ledger.Money
	err := h.tx(r.Context(), func(s ledger.Store) (err error) {
		balance, err = h.Escrow.Release(r.Context(), s, store, Principal(r.Context()), req.Amount)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EscrowResponse{StoreID: store, Balance: balance})
}

// AuditEscrow returns the audit report; a mismatch is a 500 carrying the report.
func (h *Handler) AuditEscrow(w http.ResponseWriter, r *http.Request) {
	report, err := h.Settlement.Reconcile(r.Context(), storeParam(r))
	if err != nil {
		if report == nil {
			h.fail(w, r, err)
			return
		}
		status, body := h.errorBody(err)
		writeJSON(w, status, AuditResponse{Report: report, Error: &body})
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{Report: report})
}

// =============================================================================
// CREDIT AND JOURNAL ENDPOINTS
// =============================================================================

func (h *Handler) GetCreditScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.Credit.Get(r.Context(), h.DB, ledger.UserID(chi.URLParam(r, "user")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// ListJournal filters by account, store_id, subject, reference_id and limit.
// Store admins see a store's entries; everyone else sees only their own.
func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.EntryFilter{
		Account:     q.Get("account"),
		StoreID:     ledger.StoreID(q.Get("store_id")),
		Subject:     ledger.UserID(q.Get("subject")),
		ReferenceID: q.Get("reference_id"),
		Limit:       100,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(w, r, fmt.Errorf("limit %q: %w", raw, ledger.ErrInvalidInput))
			return
		}
		f.Limit = n
	}
	if f.StoreID != "" {
		if _, _, err := h.Merchants.Authorize(r.Context(), h.DB, f.StoreID, Principal(r.Context()), merchant.RoleViewer); err != nil {
			h.fail(w, r, err)
			return
		}
	} else {
		f.Subject = Principal(r.Context())
	}
	entries, err := h.DB.Entries(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// HELPERS
// =============================================================================

func storeParam(r *http.Request) ledger.StoreID {
	return ledger.StoreID(chi.URLParam(r, "store"))
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %v: %w", err, ledger.ErrInvalidInput)
	}
	return nil
}

// display builds an optional fiat quote from display_rate, display_currency,
// rate_as_of and rate_fixed query parameters.
func (h *Handler) display(r *http.Request, amount ledger.Money) (*pricing.Quote, error) {
	q := r.URL.Query()
	raw := q.Get("display_rate")
	if raw == "" {
		return nil, nil
	}
	currency := q.Get("display_currency")
	if currency == "" {
		currency = "USD"
	}
	asOf := h.Clock.Now()
	if s := q.Get("rate_as_of"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("rate_as_of %q: %w", s, ledger.ErrInvalidRate)
		}
		asOf = t
	}
	fixed, _ := strconv.ParseBool(q.Get("rate_fixed"))
	rate, err := pricing.ParseRate("SOL", currency, raw, asOf, fixed)
	if err != nil {
		return nil, err
	}
	return pricing.Display(amount, pricing.LamportDecimals, rate, 2, h.Clock.Now())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: "internal"}
	if err != nil {
		resp.Code = ledger.Code(err)
		resp.Kind = ledger.KindOf(err).String()
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, ledger.ErrUnauthorized) {
		return http.StatusForbidden
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindResource:
		return http.StatusUnprocessableEntity
	case ledger.KindConcurrency, ledger.KindState:
		return http.StatusConflict
	case ledger.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) errorBody(err error) (int, ErrorResponse) {
	status := statusFor(err)
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	return status, ErrorResponse{
		Error:   msg,
		Code:    ledger.Code(err),
		Kind:    ledger.KindOf(err).String(),
		Details: err.Error(),
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := h.errorBody(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", body.Code),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}
