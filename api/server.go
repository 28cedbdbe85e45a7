/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/agents/*      Agent, inventory and customer management
  /api/sales/*       Sale ledger and payments
  /api/registry/*    Global IMEI registry
  /api/devices/*     Device-facing polling endpoints
  /api/commands/*    Command lifecycle
  /api/admin/*       Settlement generation, orphan review
  /webhooks/gateway  Payment gateway callbacks

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Agent routes
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Get("/{id}", h.GetAgent)
			r.Get("/{id}/phones", h.ListPhones)
			r.Post("/{id}/phones", h.RegisterPhone)
			r.Get("/{id}/customers", h.ListCustomers)
			r.Post("/{id}/customers", h.CreateCustomer)
			r.Get("/{id}/sales", h.ListSales)
			r.Get("/{id}/overdue", h.ListOverdue)
			r.Get("/{id}/settlements", h.ListSettlements)
		})

		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Put("/{id}", h.UpdateCustomer)
			r.Delete("/{id}", h.DeleteCustomer)
		})

		// Sale routes
		r.Route("/sales", func(r chi.Router) {
			r.Post("/", h.CreateSale)
			r.Get("/{id}", h.GetSale)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Post("/{id}/default", h.MarkDefaulted)
		})

		// Registry routes
		r.Route("/registry", func(r chi.Router) {
			r.Get("/{imei}", h.LookupIMEI)
			r.Post("/{imei}/blacklist", h.BlacklistIMEI)
			r.Delete("/{imei}/blacklist", h.UnblacklistIMEI)
		})

		// Device-facing routes
		r.Route("/devices", func(r chi.Router) {
			r.Get("/{imei}/commands", h.PollCommands)
			r.Get("/{imei}/enforcement", h.GetLockDecision)
			r.Get("/{imei}/settlement", h.GetDeviceSettlement)
			r.Post("/{imei}/heartbeat", h.RecordHeartbeat)
			r.Get("/{imei}/heartbeat", h.GetDeviceHealth)
		})

		// Command lifecycle routes
		r.Route("/commands", func(r chi.Router) {
			r.Post("/", h.IssueCommand)
			r.Post("/{id}/acknowledge", h.AcknowledgeCommand)
			r.Post("/{id}/execute", h.ExecuteCommand)
			r.Post("/{id}/fail", h.FailCommand)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/settlements/generate", h.GenerateSettlements)
			r.Get("/orphans", h.ListOrphans)
		})

		// Demo scenario routes (development/demo environments only)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	// Webhooks live outside /api: the gateway calls this URL directly.
	r.Post("/webhooks/gateway", h.GatewayWebhook)

	return r
}
