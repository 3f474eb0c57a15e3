/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For (rate limiting keys on it)
  3. Logger:     zerolog request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus counters per route pattern
  6. CORS:       Cross-origin requests for the counter frontend
  7. RateLimit:  Per-IP token bucket on mutating requests

ROUTE GROUPS:
  /api/clients/*         Clients, their invoices, payments and balances
  /api/invoices/*        Single invoice operations
  /api/payments/*        Single payment operations
  /api/audit/*           Audit trail
  /api/reconciliation/*  Consistency checks
  /api/scenarios/*       Demo data (DEMO_SCENARIOS only)
  /metrics               Prometheus scrape endpoint
  /healthz               Liveness

SECURITY NOTE:
  No authentication middleware. X-Actor is trusted as given; put the service
  behind an authenticating proxy in production.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/warp/printshop-ledger/metrics"
)

// RouterOptions configure cross-cutting middleware.
type RouterOptions struct {
	CORSOrigins []string
	// RateLimit is requests per second per client IP for mutating
	// requests. Zero disables limiting.
	RateLimit float64
	Burst     int
	// Scenarios mounts the demo scenario loader.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		MaxAge:         300,
	}))
	if opts.RateLimit > 0 {
		r.Use(newRateLimiter(opts.RateLimit, opts.Burst).Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/clients", func(r chi.Router) {
			r.Get("/", h.ListClients)
			r.Post("/", h.RegisterClient)
			r.Get("/lookup", h.LookupClient)
			r.Get("/{id}", h.GetClient)
			r.Put("/{id}", h.UpdateClient)
			r.Delete("/{id}", h.DeactivateClient)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/statement", h.GetStatement)
			r.Get("/{id}/reconciliation", h.GetReconciliation)
			r.Get("/{id}/invoices", h.ListInvoices)
			r.Post("/{id}/invoices", h.CreateInvoice)
			r.Get("/{id}/payments", h.ListPayments)
			r.Post("/{id}/payments", h.ReceivePayment)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/cancel", h.CancelInvoice)
			r.Delete("/{id}", h.DeleteInvoice)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Get("/{id}", h.GetPayment)
			r.Patch("/{id}", h.UpdatePayment)
			r.Delete("/{id}", h.DeletePayment)
		})

		r.Get("/audit/{type}/{id}", h.GetAuditTrail)
		r.Post("/reconciliation/run", h.RunReconciliation)

		if opts.Scenarios {
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		}
	})

	return r
}

// requestLogger logs one line per request at debug level, warn for 5xx.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			ev := log.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				ev = log.Warn()
			}
			ev.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
