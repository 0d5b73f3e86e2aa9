/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One zerolog line per request (logging.Requests)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the nursing dashboard

ROUTE GROUPS:
  /api/pools/*          Inventory and reconciliation
  /api/vials/*          Vial ledger
  /api/dispenses        Dispense ledger
  /api/checks/*         Physical count checks
  /api/adjustments      Adjust-to-physical
  /api/audits           Scheduled dry-run results
  /api/scenarios/*      Demo scenarios (ENABLE_SCENARIOS in development)
  /metrics              Prometheus scrape endpoint
  /health               Liveness and database reachability

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/controlled-inventory/logging"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty means localhost development origins.
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Scenarios enables the demo scenario routes.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.Requests(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Pool routes
		r.Route("/pools", func(r chi.Router) {
			r.Get("/", h.ListPools)
			r.Post("/{pool}/reconcile", h.Reconcile)
		})

		// Ledger routes
		r.Get("/vials", h.ListVials)
		r.Post("/vials", h.ReceiveVial)
		r.Post("/dispenses", h.RecordDispense)

		// Check routes
		r.Route("/checks", func(r chi.Router) {
			r.Post("/", h.SubmitCheck)
			r.Get("/today", h.TodayCheck)
			r.Get("/history", h.CheckHistory)
			r.Get("/summary", h.DailySummary)
			r.Post("/{day}/{type}/resolve", h.ResolveCheck)
		})

		// Adjustment routes
		r.Post("/adjustments", h.CreateAdjustment)
		r.Get("/audits", h.ListAudits)

		// Scenario routes
		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}
