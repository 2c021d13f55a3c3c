/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/cycles/*        Billing cycle lifecycle and charge generation
  /api/readings/*      Reading submission and reconciliation
  /api/assignments/*   Meter assignment registry plus per-account views
  /api/ledger/*        Raw ledger queries and manual adjustments
  /api/payments/*      Payment intake and FIFO allocation
  /api/penalties/*     Penalty lifecycle
  /api/anomalies/*     Anomaly review queue
  /api/conflicts/*     Conflict escalation queue
  /api/holidays/*      Working-day calendar maintenance
  /api/audit           Audit trail lookup

SECURITY NOTE:
  No authentication middleware currently. Callers pass an actor name in
  request bodies; identity is trusted.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Cycle routes
		r.Route("/cycles", func(r chi.Router) {
			r.Get("/", h.listCycles)
			r.Post("/", h.createCycle)
			r.Post("/schedule", h.scheduleCycles)
			r.Post("/auto-transition", h.autoTransitionCycles)
			r.Post("/archive", h.archiveCycles)
			r.Get("/open", h.openCycle)
			r.Get("/for-date", h.cycleForDate)
			r.Get("/{cycleID}", h.getCycle)
			r.Post("/{cycleID}/transition", h.transitionCycle)
			r.Post("/{cycleID}/target-date", h.overrideTargetDate)
			r.Post("/{cycleID}/charges", h.generateCharges)
		})

		// Reading routes
		r.Route("/readings", func(r chi.Router) {
			r.Get("/", h.listReadings)
			r.Post("/", h.submitReading)
			r.Post("/baseline", h.createBaseline)
			r.Get("/{readingID}", h.getReading)
			r.Post("/{readingID}/approve", h.approveReading)
			r.Post("/{readingID}/reject", h.rejectReading)
			r.Post("/{readingID}/verify-rollover", h.verifyRollover)
			r.Post("/{readingID}/reject-rollover", h.rejectRollover)
		})

		// Assignment routes
		r.Route("/assignments", func(r chi.Router) {
			r.Post("/", h.createAssignment)
			r.Post("/{assignmentID}/status", h.setAssignmentStatus)
			r.Get("/{assignmentID}/balance", h.assignmentBalance)
			r.Get("/{assignmentID}/ledger", h.assignmentLedger)
			r.Get("/{assignmentID}/open-charges", h.assignmentOpenCharges)
			r.Get("/{assignmentID}/payments", h.assignmentPayments)
			r.Get("/{assignmentID}/penalties", h.assignmentPenalties)
		})

		// Ledger routes
		r.Route("/ledger", func(r chi.Router) {
			r.Get("/entries", h.listLedgerEntries)
			r.Post("/adjustments", h.createAdjustment)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.recordPayment)
			r.Post("/{paymentID}/allocate", h.allocatePayment)
		})

		// Penalty routes
		r.Route("/penalties", func(r chi.Router) {
			r.Post("/", h.imposePenalty)
			r.Post("/{penaltyID}/waive", h.waivePenalty)
			r.Post("/{penaltyID}/apply", h.applyPenalty)
		})

		// Anomaly routes
		r.Route("/anomalies", func(r chi.Router) {
			r.Get("/", h.listAnomalies)
			r.Post("/{anomalyID}/acknowledge", h.acknowledgeAnomaly)
			r.Post("/{anomalyID}/resolve", h.resolveAnomaly)
		})

		// Conflict routes
		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.listConflicts)
			r.Post("/{conflictID}/assign", h.assignConflict)
			r.Post("/{conflictID}/resolve", h.resolveConflict)
			r.Post("/{conflictID}/archive", h.archiveConflict)
		})

		// Holiday routes
		r.Route("/holidays", func(r chi.Router) {
			r.Get("/", h.listHolidays)
			r.Post("/", h.addHoliday)
		})

		// Audit trail
		r.Get("/audit", h.listAudit)
	})

	return r
}
