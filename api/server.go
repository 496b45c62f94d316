/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through logrus (logging.go)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dealer app

ROUTE GROUPS:
  /api/farmers/*          Farmer records, audit, orders, claim
  /api/dealers/{id}/*     Dealer dashboards
  /api/users/{id}/*       Counterpart history and notifications
  /api/transactions/*     Payment/sale/expense lifecycle
  /api/orders/*           Order lifecycle
  /api/purchase-orders/*  Restock lifecycle
  /api/scenarios/*        Demo data
  /metrics                Prometheus scrape endpoint
  /healthz                Liveness

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
	"github.com/sirupsen/logrus"
)

// RouterOptions carries the optional pieces of the router.
type RouterOptions struct {
	// CORSOrigins defaults to any origin when empty.
	CORSOrigins []string

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
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
	log := h.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	r.Use(middleware.RequestLogger(requestLogFormatter{log: log}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/farmers", func(r chi.Router) {
			r.Post("/", h.CreateFarmer)
			r.Post("/claim", h.ClaimFarmer)
			r.Get("/{id}", h.GetFarmer)
			r.Get("/{id}/audit", h.AuditFarmer)
			r.Get("/{id}/orders", h.ListFarmerOrders)
		})

		r.Route("/dealers/{id}", func(r chi.Router) {
			r.Get("/farmers", h.ListDealerFarmers)
			r.Get("/transactions", h.ListDealerTransactions)
			r.Get("/inventory", h.ListDealerInventory)
			r.Get("/orders", h.ListDealerOrders)
			r.Get("/purchase-orders", h.ListDealerPurchaseOrders)
		})

		r.Post("/profiles", h.PutProfile)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/transactions", h.ListUserTransactions)
			r.Get("/notifications", h.ListNotifications)
		})
		r.Get("/batches/{id}/transactions", h.ListBatchTransactions)
		r.Get("/suppliers/{id}/transactions", h.ListSupplierTransactions)

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Patch("/{id}", h.UpdateTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/status", h.UpdateOrderStatus)
			r.Delete("/{id}", h.DeleteOrder)
		})

		r.Route("/purchase-orders", func(r chi.Router) {
			r.Post("/", h.CreatePurchaseOrder)
			r.Delete("/{id}", h.DeletePurchaseOrder)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
