/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logging:    zap access log plus request metrics
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the dashboard
  Under /api only:
  6. Auth:       Bearer token (or X-Principal in development)
  7. RateLimit:  Token bucket per principal

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus exposition
  /api/stores/*         Stores, products, escrow, loyalty
  /api/loans/*          BNPL loans
  /api/purchases/*      Checkout and refunds
  /api/credit/*         Credit scores
  /api/journal          Journal queries
  /api/scenarios/*      Demo scenarios
  /api/admin/*          Sweep and reconciliation

SEE ALSO:
  - handlers.go, commerce.go: Handler implementations
  - auth.go, ratelimit.go: /api middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sodap/settlement-engine/metrics"
	"go.uber.org/zap"
)

// RouterOptions carries the middleware collaborators of NewRouter.
type RouterOptions struct {
	Auth        *Authenticator
	Limiter     *RateLimiter
	Sweeper     *Sweeper
	CORSOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Auth == nil {
		opts.Auth = NewAuthenticator("", h.Clock)
	}
	if opts.Sweeper == nil {
		opts.Sweeper = NewSweeper(h, time.Hour, false)
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log, h.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", PrincipalHeader},
		AllowCredentials: true,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", nil)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(opts.Auth.Middleware)
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Middleware)
		}

		// Store routes
		r.Route("/stores", func(r chi.Router) {
			r.Get("/", h.ListStores)
			r.Post("/", h.CreateStore)
			r.Route("/{store}", func(r chi.Router) {
				r.Get("/", h.GetStore)
				r.Post("/active", h.SetStoreActive)
				r.Post("/admins", h.AddAdmin)
				r.Delete("/admins/{user}", h.RemoveAdmin)

				r.Get("/products", h.ListProducts)
				r.Post("/products", h.CreateProduct)
				r.Patch("/products/{product}", h.UpdateProduct)

				r.Get("/escrow", h.GetEscrow)
				r.Post("/escrow/release", h.ReleaseEscrow)
				r.Get("/escrow/audit", h.AuditEscrow)

				r.Get("/loyalty/program", h.GetProgram)
				r.Put("/loyalty/program", h.PutProgram)
				r.Post("/loyalty/join", h.JoinProgram)
				r.Get("/loyalty/accounts/{user}", h.GetLoyaltyAccount)
				r.Post("/loyalty/redeem", h.RedeemPoints)
				r.Post("/loyalty/gift", h.GiftPoints)
				r.Post("/loyalty/expire", h.ExpirePoints)

				r.Get("/purchases", h.ListReceipts)
			})
		})

		r.Get("/loyalty/programs", h.ListPrograms)

		// Loan routes
		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.CreateLoan)
			r.Get("/{loan}", h.GetLoan)
			r.Get("/{loan}/payments", h.ListPayments)
			r.Post("/{loan}/payments", h.MakePayment)
			r.Post("/{loan}/liquidate", h.LiquidateLoan)
		})

		// Purchase routes
		r.Route("/purchases", func(r chi.Router) {
			r.Post("/", h.Purchase)
			r.Get("/{receipt}", h.GetReceipt)
			r.Get("/{receipt}/refund", h.GetRefund)
			r.Post("/{receipt}/refund", h.RefundPurchase)
		})

		r.Get("/credit/{user}", h.GetCreditScore)
		r.Get("/journal", h.ListJournal)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/run", h.RunScenario)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", opts.Sweeper.TriggerSweep)
			r.Post("/reconcile", h.ReconcileAll)
		})
	})

	return r
}

// requestLogger writes one access log line and one metrics sample per request.
func requestLogger(log *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				route := routePattern(r)
				m.HTTPRequest(r.Method, route, status)
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("route", route),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
