/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Access log: zerolog line per request (method, path, status, duration)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Timeout:    Request context cancelled after 60s
  5. CORS:       Cross-origin requests for the shop frontend

  POST /api/vendas additionally runs the Idempotency-Key middleware when a
  cache is configured.

ROUTE GROUPS:
  /health               Liveness + store ping
  /api/clientes/*       Client management
  /api/produtos/*       Product management and restock
  /api/vendas/*         Sales, settlement and voids
  /api/relatorios/*     Reports
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware here. The actor is trusted from the
  X-Actor-ID header set by the gateway in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - idempotency.go: Idempotency-Key middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// RouterOptions configures optional parts of the router.
type RouterOptions struct {
	CORSOrigins []string

	// Idempotency enables Idempotency-Key handling on sale creation.
	Idempotency IdempotencyCache

	// RequestTimeout bounds each request's context. Defaults to 60s.
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(accessLog(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader, IdempotencyHeader},
		ExposedHeaders:   []string{IdempotencyHitHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/clientes", func(r chi.Router) {
			r.Get("/", h.ListClientes)
			r.Post("/", h.CreateCliente)
			r.Get("/{id}", h.GetCliente)
			r.Put("/{id}", h.UpdateCliente)
			r.Delete("/{id}", h.DeleteCliente)
			r.Get("/{id}/saldo", h.GetSaldo)
		})

		r.Route("/produtos", func(r chi.Router) {
			r.Get("/", h.ListProdutos)
			r.Post("/", h.CreateProduto)
			r.Get("/{id}", h.GetProduto)
			r.Put("/{id}", h.UpdateProduto)
			r.Delete("/{id}", h.DeleteProduto)
			r.Post("/{id}/estoque", h.RestockProduto)
		})

		r.Route("/vendas", func(r chi.Router) {
			if opts.Idempotency != nil {
				r.With(Idempotency(opts.Idempotency, h.Log)).Post("/", h.CreateVenda)
			} else {
				r.Post("/", h.CreateVenda)
			}
			r.Get("/{id}", h.GetVenda)
			r.Get("/{id}/historico", h.GetVendaHistorico)
			r.Post("/{id}/pagar", h.PagarVenda)
			r.Delete("/{id}", h.EstornarVenda)
		})

		r.Route("/relatorios", func(r chi.Router) {
			r.Get("/resumo", h.GetResumo)
			r.Get("/vendas", h.GetRelatorioVendas)
			r.Get("/devedores", h.GetDevedores)
			r.Get("/conferencia", h.GetConferencia)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// accessLog writes one zerolog line per request.
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	logged := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
	return func(next http.Handler) http.Handler {
		return hlog.NewHandler(logger)(logged(next))
	}
}
