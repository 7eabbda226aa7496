/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Structured request logging (zerolog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/saka/*          Harvest, spend, wallet, common pool
  /api/eur/*           Deposits, pledges, payments, wallet, pockets
  /api/escrows/*       Escrow lookup, release, refund
  /api/projects/*      Project escrows and project close
  /api/admin/*         Compost, redistribution, reconciliation, directory
  /healthz             Liveness
  /metrics             Prometheus

SECURITY NOTE:
  No authentication middleware. The actor header is trusted; the service
  must sit behind a gateway that sets it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader, "Idempotency-Key"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/saka", func(r chi.Router) {
			r.Post("/harvest", h.Harvest)
			r.Post("/spend", h.Spend)
			r.Get("/wallet", h.GetSAKAWallet)
			r.Get("/transactions", h.GetSAKATransactions)
			r.Get("/pool", h.GetPool)
		})

		r.Route("/eur", func(r chi.Router) {
			r.Get("/wallet", h.GetEURWallet)
			r.Post("/deposits", h.Deposit)
			r.Post("/pledges", h.Pledge)
			r.Post("/payments", h.AllocatePayment)
			r.Get("/pockets", h.ListPockets)
			r.Post("/pockets", h.CreatePocket)
			r.Post("/pockets/{id}/transfers", h.TransferToPocket)
		})

		r.Route("/escrows", func(r chi.Router) {
			r.Get("/{id}", h.GetEscrow)
			r.Post("/{id}/release", h.ReleaseEscrow)
			r.Post("/{id}/refund", h.RefundEscrow)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/{id}/escrows", h.ListProjectEscrows)
			r.Post("/{id}/release", h.ReleaseProject)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/compost", h.TriggerCompost)
			r.Post("/redistribute", h.TriggerRedistribution)
			r.Get("/reconcile/{owner}", h.Reconcile)
			r.Post("/projects", h.SaveProject)
			r.Put("/investors/{owner}/eligibility", h.SetInvestorEligible)
		})
	})

	return r
}

// requestLogger logs one line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
