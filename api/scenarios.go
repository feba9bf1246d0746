/*
scenarios.go - Demo scenarios run against the live engines

PURPOSE:
	Provides scripted end-to-end flows that exercise the engines the same
	way a client would and report whether each expectation held. Useful as
	a smoke test after deploys and for demos.

AVAILABLE SCENARIOS:

	last-unit:      Two concurrent checkouts race for the last unit
	bnpl-schedule:  1200 with 200 down over 3 months pays 334, 334, 332
	below-minimum:  Redeeming 50 points under a 100 minimum is rejected
	bnpl-refund:    Refunding a BNPL purchase returns only the downpayment
	round-trip:     Full purchase then refund leaves escrow at zero

HOW SCENARIOS WORK:
 1. Register a fresh store with a random suffix (nothing is reset)
 2. Add products and, where needed, a loyalty program via factory
 3. Drive the engines with fresh buyer ids
 4. Check each expectation, recording a step per action

USAGE VIA API:

	POST /api/scenarios/run
	{"scenario_id": "bnpl-schedule"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description and run func

SEE ALSO:
  - factory/policy.go: Program JSON presets
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sodap/settlement-engine/bnpl"
	"github.com/sodap/settlement-engine/factory"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/merchant"
	"github.com/sodap/settlement-engine/settlement"
)

// =============================================================================
// SCENARIO CATALOG
// =============================================================================

type scenario struct {
	ScenarioDTO
	run func(ctx context.Context, sr *scenarioRun) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "last-unit",
			Name:        "Last Unit Race",
			Description: "Two concurrent purchases of a product with one unit in stock; exactly one succeeds",
		},
		run: runLastUnit,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "bnpl-schedule",
			Name:        "BNPL Schedule",
			Description: "Loan of 1200 with 200 down over 3 months: installments 334, 334 and a final 332",
		},
		run: runBNPLSchedule,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "below-minimum",
			Name:        "Redemption Minimum",
			Description: "Account holding 50 points cannot redeem under a 100 point minimum",
		},
		run: runBelowMinimum,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "bnpl-refund",
			Name:        "BNPL Refund",
			Description: "Refund of a BNPL purchase where only the downpayment was paid returns 200, not 1200",
		},
		run: runBNPLRefund,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "round-trip",
			Name:        "Purchase and Refund",
			Description: "A full purchase followed by a refund returns escrow to zero and reconciles",
		},
		run: runRoundTrip,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	last := h.lastScenario
	h.mu.Unlock()
	if last == nil {
		writeJSON(w, http.StatusOK, map[string]any{"scenario_id": nil})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (h *Handler) RunScenario(w http.ResponseWriter, r *http.Request) {
	var req RunScenarioRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Scenario(r.Context(), req.ScenarioID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Scenario runs one scenario in a fresh store and records the result.
func (h *Handler) Scenario(ctx context.Context, id string) (*ScenarioResult, error) {
	sc, ok := findScenario(id)
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q: %w", id, ledger.ErrInvalidInput)
	}
	sr := newScenarioRun(h, id)
	res := &ScenarioResult{ScenarioID: id, StoreID: string(sr.store)}
	if err := sc.run(ctx, sr); err != nil {
		res.Failure = err.Error()
	} else {
		res.Passed = true
	}
	res.Steps = sr.steps
	if res.Steps == nil {
		res.Steps = []string{}
	}

	h.mu.Lock()
	h.lastScenario = res
	h.mu.Unlock()
	return res, nil
}

// =============================================================================
// SCENARIO HELPERS
// =============================================================================

type scenarioRun struct {
	h      *Handler
	suffix string
	store  ledger.StoreID
	owner  ledger.UserID
	steps  []string
}

func newScenarioRun(h *Handler, id string) *scenarioRun {
	suffix := strings.ToLower(uuid.NewString()[:8])
	return &scenarioRun{
		h:      h,
		suffix: suffix,
		store:  ledger.StoreID("demo-" + id + "-" + suffix),
		owner:  ledger.UserID("demo-owner-" + suffix),
	}
}

func (sr *scenarioRun) step(format string, args ...any) {
	sr.steps = append(sr.steps, fmt.Sprintf(format, args...))
}

func (sr *scenarioRun) user(name string) ledger.UserID {
	return ledger.UserID(name + "-" + sr.suffix)
}

func (sr *scenarioRun) setupStore(ctx context.Context, products ...merchant.Product) error {
	if _, err := sr.h.Settlement.RegisterStore(ctx, sr.store, sr.owner, "Demo "+string(sr.store)); err != nil {
		return fmt.Errorf("register store: %w", err)
	}
	sr.step("registered store %s owned by %s", sr.store, sr.owner)
	for _, p := range products {
		p.StoreID = sr.store
		p.IsActive = true
		err := ledger.RunTx(ctx, sr.h.DB, func(s ledger.Store) error {
			_, err := sr.h.Merchants.AddProduct(ctx, s, sr.owner, p)
			return err
		})
		if err != nil {
			return fmt.Errorf("add product %s: %w", p.ID, err)
		}
		sr.step("added product %s price %d stock %d", p.ID, p.Price, p.Stock)
	}
	return nil
}

func (sr *scenarioRun) setupProgram(ctx context.Context, doc string) error {
	prog, err := sr.h.Programs.ParseProgram(doc)
	if err != nil {
		return err
	}
	err = ledger.RunTx(ctx, sr.h.DB, func(s ledger.Store) error {
		_, err := sr.h.Loyalty.CreateProgram(ctx, s, sr.owner, prog)
		return err
	})
	if err != nil {
		return fmt.Errorf("create program: %w", err)
	}
	sr.step("created loyalty program (welcome %d, minimum %d)", prog.WelcomeBonus, prog.MinRedemption)
	return nil
}

func expect(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return fmt.Errorf("expectation failed: "+format, args...)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func runLastUnit(ctx context.Context, sr *scenarioRun) error {
	if err := sr.setupStore(ctx, merchant.Product{ID: "last", Name: "Last unit", Price: 100, Stock: 1}); err != nil {
		return err
	}

	buyers := []ledger.UserID{sr.user("alice"), sr.user("bob")}
	errs := make([]error, len(buyers))
	var wg sync.WaitGroup
	for i, buyer := range buyers {
		i, buyer := i, buyer
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = sr.h.Settlement.Purchase(ctx, settlement.PurchaseRequest{
				Buyer:         buyer,
				StoreID:       sr.store,
				ProductIDs:    []ledger.ProductID{"last"},
				Quantities:    []int64{1},
				PaymentMethod: settlement.PayFull,
			})
		}()
	}
	wg.Wait()

	var ok, outOfStock int
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
			sr.step("%s bought the last unit", buyers[i])
		case errors.Is(err, ledger.ErrInsufficientStock):
			outOfStock++
			sr.step("%s rejected: %v", buyers[i], err)
		default:
			return fmt.Errorf("unexpected purchase error for %s: %w", buyers[i], err)
		}
	}
	if err := expect(ok == 1 && outOfStock == 1, "got %d successes and %d stock failures", ok, outOfStock); err != nil {
		return err
	}
	balance, err := sr.h.Escrow.Balance(ctx, sr.h.DB, sr.store)
	if err != nil {
		return err
	}
	sr.step("escrow holds %d", balance)
	return expect(balance == 100, "escrow %d, want 100", balance)
}

func runBNPLSchedule(ctx context.Context, sr *scenarioRun) error {
	if err := sr.setupStore(ctx); err != nil {
		return err
	}
	borrower := sr.user("borrower")
	loan, err := sr.h.Loans.CreateLoan(ctx, bnpl.OpenRequest{
		Borrower:    borrower,
		StoreID:     sr.store,
		Total:       1200,
		Downpayment: 200,
		Term:        3,
	})
	if err != nil {
		return fmt.Errorf("open loan: %w", err)
	}
	sr.step("opened loan %s: installment %d over %d payments", loan.ID, loan.InstallmentAmount, loan.TotalPayments)
	if err := expect(loan.InstallmentAmount == 334, "installment %d, want 334", loan.InstallmentAmount); err != nil {
		return err
	}

	for i, amount := range []ledger.Money{334, 334, 332} {
		res, err := sr.h.Loans.MakePayment(ctx, bnpl.PaymentRequest{
			LoanID:         loan.ID,
			Borrower:       borrower,
			Amount:         amount,
			IdempotencyKey: fmt.Sprintf("demo-%d", i+1),
		})
		if err != nil {
			return fmt.Errorf("payment %d: %w", i+1, err)
		}
		loan = res.Loan
		sr.step("payment %d of %d leaves %d (%s)", i+1, amount, loan.RemainingBalance, loan.Status)
		if i == 1 {
			if err := expect(loan.RemainingBalance == 332, "remaining %d after two payments, want 332", loan.RemainingBalance); err != nil {
				return err
			}
		}
	}
	return expect(loan.Status == bnpl.StatusCompleted && loan.PaymentsMade == 3,
		"loan %s with %d payments, want completed with 3", loan.Status, loan.PaymentsMade)
}

func runBelowMinimum(ctx context.Context, sr *scenarioRun) error {
	if err := sr.setupStore(ctx); err != nil {
		return err
	}
	doc := fmt.Sprintf(`{"store_id": %q, "welcome_bonus": 50, "min_redemption": 100}`, sr.store)
	if err := sr.setupProgram(ctx, doc); err != nil {
		return err
	}

	member := sr.user("member")
	err := ledger.RunTx(ctx, sr.h.DB, func(s ledger.Store) error {
		acct, _, err := sr.h.Loyalty.EnsureAccount(ctx, s, member, sr.store, "")
		if err == nil {
			sr.step("%s joined with %d points", member, acct.AvailablePoints)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	err = ledger.RunTx(ctx, sr.h.DB, func(s ledger.Store) error {
		_, err := sr.h.Loyalty.Redeem(ctx, s, member, sr.store, 50, 10_000, "")
		return err
	})
	sr.step("redeem 50 points: %v", err)
	return expect(errors.Is(err, ledger.ErrBelowMinimum), "redeem error %v, want below minimum", err)
}

func runBNPLRefund(ctx context.Context, sr *scenarioRun) error {
	if err := sr.setupStore(ctx, merchant.Product{ID: "bike", Name: "Bike", Price: 1200, Stock: 5}); err != nil {
		return err
	}
	downpayment := ledger.Money(200)
	res, err := sr.h.Settlement.Purchase(ctx, settlement.PurchaseRequest{
		Buyer:         sr.user("buyer"),
		StoreID:       sr.store,
		ProductIDs:    []ledger.ProductID{"bike"},
		Quantities:    []int64{1},
		PaymentMethod: settlement.PayBNPL,
		Term:          3,
		Downpayment:   &downpayment,
	})
	if err != nil {
		return fmt.Errorf("purchase: %w", err)
	}
	sr.step("bought bike on BNPL, collected %d of %d, loan %s", res.Receipt.AmountCollected, res.Receipt.TotalPaid, res.Loan.ID)

	rf, err := sr.h.Settlement.Refund(ctx, res.Receipt.ID, sr.owner)
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	sr.step("refunded %d", rf.Amount)
	return expect(rf.Amount == 200, "refund %d, want 200", rf.Amount)
}

func runRoundTrip(ctx context.Context, sr *scenarioRun) error {
	if err := sr.setupStore(ctx, merchant.Product{ID: "lamp", Name: "Lamp", Price: 500, Stock: 3}); err != nil {
		return err
	}
	if err := sr.setupProgram(ctx, factory.NoWelcomeProgramJSON(sr.store)); err != nil {
		return err
	}
	buyer := sr.user("buyer")
	res, err := sr.h.Settlement.Purchase(ctx, settlement.PurchaseRequest{
		Buyer:         buyer,
		StoreID:       sr.store,
		ProductIDs:    []ledger.ProductID{"lamp"},
		Quantities:    []int64{1},
		PaymentMethod: settlement.PayFull,
	})
	if err != nil {
		return fmt.Errorf("purchase: %w", err)
	}
	sr.step("bought lamp for %d, earned %d points", res.Receipt.TotalPaid, res.Receipt.PointsEarned)

	if _, err := sr.h.Settlement.Refund(ctx, res.Receipt.ID, sr.owner); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	report, err := sr.h.Settlement.Reconcile(ctx, sr.store)
	if err != nil {
		return err
	}
	sr.step("after refund escrow is %d (journal %d)", report.Balance, report.JournalTotal)
	if err := expect(report.Balance == 0, "escrow %d, want 0", report.Balance); err != nil {
		return err
	}

	acct, err := sr.h.Loyalty.GetAccount(ctx, sr.h.DB, sr.store, buyer)
	if err != nil {
		return err
	}
	sr.step("buyer holds %d available points", acct.AvailablePoints)
	return expect(acct.AvailablePoints == 0, "available points %d, want 0", acct.AvailablePoints)
}
