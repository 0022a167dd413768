package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/canteen-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса столовой.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/sync", h.SyncUser)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)
				r.Get("/profile", h.GetProfile)
			})
		})

		r.Route("/menu", func(r chi.Router) {
			r.Get("/", h.GetMenu)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)
				r.Use(h.authMiddleware.RequireAdmin)

				r.Get("/all", h.GetAllMenu)
				r.Post("/", h.CreateMenuItem)
				r.Put("/{id}", h.UpdateMenuItem)
				r.Patch("/{id}/availability", h.ToggleAvailability)
				r.Delete("/{id}", h.DeleteMenuItem)
			})
		})

		r.Route("/orders", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/create-razorpay-order", h.CreatePaymentIntent)
			r.Post("/", h.CreateOrder)
			r.Get("/my-orders", h.GetMyOrders)
			r.Get("/{id}", h.GetOrder)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.RequireAdmin)

				r.Get("/all", h.GetAllOrders)
				r.Patch("/{id}/status", h.UpdateOrderStatus)
				r.Post("/cleanup-ready", h.CleanupReadyOrders)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusNotFound, "route not found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
