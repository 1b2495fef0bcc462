package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter assembles the HTTP surface. internalAPIKey guards the
// device-facing consumption route.
func NewRouter(h *Handlers, internalAPIKey string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(RequestLogger(logger))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", h.RegisterUser)
		r.Post("/payments", h.InitiatePayment)
		r.Post("/payments/callback", h.SettlementCallback)
		r.Get("/balance/{meterNumber}", h.GetBalance)
		r.Get("/users/{meterNumber}/balance", h.GetBalanceSummary)
		r.Get("/users/{meterNumber}/transactions", h.ListTransactions)
		r.Get("/users/{meterNumber}/consumption", h.ListConsumption)
		r.Get("/transactions/{transactionID}", h.GetTransaction)

		r.Group(func(r chi.Router) {
			r.Use(InternalAPIKeyMiddleware(internalAPIKey, logger))
			r.Post("/consumption", h.ReportConsumption)
		})
	})

	return r
}
