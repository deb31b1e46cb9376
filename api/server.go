/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions for the cash-wire demonstrator. This is thin wiring: every
  route delegates straight into the core components.

ROUTER: chi
  Lightweight, context-based, middleware-friendly — same choice as the
  rest of this pack.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for a frontend client

SECURITY NOTE:
  No authentication middleware. The caller's identity is trusted from the
  X-User-ID header; a real deployment puts an identity-aware proxy or JWT
  verification in front of this router.

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
)

// NewRouter builds a router with every cash-wire route wired to h.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/{userID}/balance", h.GetBalance)
			r.Get("/{userID}/transactions", h.GetTransactions)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/", h.Transfer)
			r.Post("/bulk", h.BulkTransfer)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListMoneyRequests)
			r.Post("/", h.CreateMoneyRequest)
			r.Post("/{id}/respond", h.RespondMoneyRequest)
			r.Post("/{id}/cancel", h.CancelMoneyRequest)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)
			r.Get("/{id}", h.GetEvent)
			r.Post("/{id}/contribute", h.ContributeToEvent)
			r.Post("/{id}/close", h.CloseEvent)
			r.Post("/{id}/cancel", h.CancelEvent)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.QueryAudit)
			r.Get("/integrity", h.VerifyAuditIntegrity)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
