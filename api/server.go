/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address behind proxies
  3. RequestLogger: zerolog line per request
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the frontend
  6. RequireUser:   X-Username from the session layer (all /api routes
                    except user registration)

ROUTE GROUPS:
  /api/users             Tenant registration
  /api/financial-years/* Shared year registry
  /api/databases         The tenant's per-year files
  /api/products/*        Products and stock
  /api/accounts/*        Customers and suppliers
  /api/transporters/*    Transporters
  /api/sales/*           Sales invoices (routed by date)
  /api/purchases/*       Purchase invoices (routed by date)
  /api/stock/*           Movements and opening stock
  /api/dashboard         Year summary
  /api/admin/*           Legacy migration, backup, restore
  /health                Liveness

YEAR SELECTION:
  Reads use ?fy=<id> or the X-Financial-Year header and fall back to the
  current year. Document creation ignores both and follows the document date.

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

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UsernameHeader, FinancialYearHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", h.RegisterUser)

		r.Group(func(r chi.Router) {
			r.Use(RequireUser)

			// Financial year routes
			r.Route("/financial-years", func(r chi.Router) {
				r.Get("/", h.ListFinancialYears)
				r.Post("/", h.CreateFinancialYear)
				r.Get("/current", h.GetCurrentFinancialYear)
			})

			r.Get("/databases", h.ListDatabases)

			// Product routes
			r.Route("/products", func(r chi.Router) {
				r.Get("/", h.ListProducts)
				r.Post("/", h.CreateProduct)
				r.Get("/{id}", h.GetProduct)
				r.Put("/{id}", h.UpdateProduct)
				r.Delete("/{id}", h.DeleteProduct)
			})

			// Account routes
			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", h.ListAccounts)
				r.Post("/", h.CreateAccount)
				r.Put("/{id}", h.UpdateAccount)
				r.Delete("/{id}", h.DeleteAccount)
			})

			// Transporter routes
			r.Route("/transporters", func(r chi.Router) {
				r.Get("/", h.ListTransporters)
				r.Post("/", h.CreateTransporter)
				r.Delete("/{id}", h.DeleteTransporter)
			})

			// Invoice routes
			r.Route("/sales", func(r chi.Router) {
				r.Get("/", h.ListSales)
				r.Post("/", h.CreateSale)
				r.Get("/{id}", h.GetSale)
				r.Delete("/{id}", h.DeleteSale)
			})
			r.Route("/purchases", func(r chi.Router) {
				r.Get("/", h.ListPurchases)
				r.Post("/", h.CreatePurchase)
				r.Get("/{id}", h.GetPurchase)
				r.Delete("/{id}", h.DeletePurchase)
			})

			// Stock routes
			r.Route("/stock", func(r chi.Router) {
				r.Get("/movements", h.ListStockMovements)
				r.Post("/opening", h.SetOpeningStock)
			})

			r.Get("/dashboard", h.GetDashboard)

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Post("/migrate", h.MigrateLegacyData)
				r.Post("/backup", h.DownloadBackup)
				r.Post("/restore", h.RestoreBackup)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}
