/*
scheduler.go - Background sweep of time-driven state

PURPOSE:
  Periodically applies the transitions that depend on the clock rather than
  on a request, and audits every escrow:
    1. Loans past due move to grace, loans past grace to default
    2. Loyalty lots older than the program expiry are expired
    3. Every store escrow is reconciled against the journal

DESIGN:
  - One background goroutine ticking at Interval
  - Runs once immediately on Start
  - Each step runs in its own transactions; a failure in one store or loan
    is recorded and the sweep continues
  - The last report is kept for /api/admin/sweep and logs

CONFIGURATION:
  - Interval: SETTLE_SWEEP_INTERVAL (default: 1 hour)
  - Enabled:  SETTLE_SWEEP_ENABLED (default: true)

USAGE:
  sweeper := NewSweeper(handler, time.Hour, true)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - bnpl/engine.go: RefreshStatus
  - loyalty/engine.go: ExpirePoints
  - settlement/settlement.go: ReconcileAll
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sodap/settlement-engine/escrow"
	"github.com/sodap/settlement-engine/ledger"
	"go.uber.org/zap"
)

// Sweeper runs the periodic sweep.
type Sweeper struct {
	Handler  *Handler
	Interval time.Duration
	Enabled  bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex // guards ticker and stop

	lastMu sync.Mutex
	last   *SweepReport
}

func NewSweeper(h *Handler, interval time.Duration, enabled bool) *Sweeper {
	return &Sweeper{
		Handler:  h,
		Interval: interval,
		Enabled:  enabled,
		log:      h.Log.Named("sweeper"),
	}
}

// Start begins the sweeper.
func (sw *Sweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.Enabled {
		sw.log.Info("disabled, not starting")
		return
	}
	if sw.ticker != nil {
		return
	}

	sw.ticker = time.NewTicker(sw.Interval)
	sw.stop = make(chan struct{})
	sw.wg.Add(1)

	go sw.run(sw.ticker, sw.stop)

	sw.log.Info("started", zap.Duration("interval", sw.Interval))
}

// Stop stops the sweeper and waits for an in-flight sweep.
// The wait happens outside mu; the sweep itself records its report.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	ticker, stop := sw.ticker, sw.stop
	sw.ticker, sw.stop = nil, nil
	sw.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	sw.wg.Wait()
	sw.log.Info("stopped")
}

func (sw *Sweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sw.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	sw.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			sw.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and records its report.
func (sw *Sweeper) RunNow(ctx context.Context) *SweepReport {
	h := sw.Handler
	report := &SweepReport{StartedAt: h.Clock.Now(), Expired: []ExpireResponse{}}
	fail := func(step string, err error) {
		sw.log.Error("sweep step failed", zap.String("step", step), zap.Error(err))
		report.Errors = append(report.Errors, step+": "+err.Error())
	}

	loans, err := h.Loans.RefreshStatus(ctx)
	if err != nil {
		fail("loans", err)
	}
	report.Loans = loans

	programs, err := h.Loyalty.ListPrograms(ctx, h.DB)
	if err != nil {
		fail("loyalty", err)
	}
	for _, p := range programs {
		if !p.IsActive || p.PointExpiryDays <= 0 {
			continue
		}
		var expired ledger.Points
		err := ledger.RunTx(ctx, h.DB, func(s ledger.Store) (err error) {
			expired, err = h.Loyalty.ExpirePoints(ctx, s, p.StoreID)
			return err
		})
		if err != nil {
			fail("loyalty/"+string(p.StoreID), err)
			continue
		}
		if expired > 0 {
			report.Expired = append(report.Expired, ExpireResponse{StoreID: p.StoreID, Expired: expired})
		}
	}

	audits, err := h.Settlement.ReconcileAll(ctx)
	if err != nil {
		fail("reconcile", err)
	}
	report.Audits = audits
	report.FinishedAt = h.Clock.Now()

	fields := []zap.Field{
		zap.Int("expired_programs", len(report.Expired)),
		zap.Int("audited", len(report.Audits)),
		zap.Int("errors", len(report.Errors)),
	}
	if loans != nil {
		fields = append(fields, zap.Int("loans_checked", loans.Checked), zap.Int("loans_defaulted", loans.Defaulted))
	}
	sw.log.Info("sweep completed", fields...)

	sw.lastMu.Lock()
	sw.last = report
	sw.lastMu.Unlock()
	return report
}

// LastReport returns the most recent sweep, or nil.
func (sw *Sweeper) LastReport() *SweepReport {
	sw.lastMu.Lock()
	defer sw.lastMu.Unlock()
	return sw.last
}

// TriggerSweep runs a sweep synchronously for the caller.
func (sw *Sweeper) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sw.RunNow(r.Context()))
}

// ReconcileAll audits every escrow; any mismatch is a 500 with the reports.
func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Settlement.ReconcileAll(r.Context())
	if reports == nil {
		reports = []escrow.AuditReport{}
	}
	if err != nil {
		status, body := h.errorBody(err)
		writeJSON(w, status, ReconcileResponse{Reports: reports, Error: &body})
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Reports: reports})
}
