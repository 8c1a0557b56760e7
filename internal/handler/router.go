package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/appasalvi/catarse/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса взносов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/backers", h.CreateBacker)
			r.Get("/backers", h.GetBackers)
			r.Post("/backers/{backerID}/refund", h.RequestRefund)

			r.Get("/credits", h.GetCredits)
		})
	})

	r.Route("/api/backoffice", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/backers", h.ListBackers)
		r.Get("/backers/pending-refund", h.PendingToRefund)
		r.Get("/backers/in-time-to-confirm", h.InTimeToConfirm)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
