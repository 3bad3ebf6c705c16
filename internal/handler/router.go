package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/parking-system/internal/middleware"
	"github.com/mmeshcher/parking-system/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса парковки.
// Живое табло и сводка занятости открыты всем, операции въезда/выезда и
// отчёты доступны охране и администратору, создание пользователей — только администратору.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(custommiddleware.RequireRole(model.RoleAdmin))

			r.Post("/user/register", h.Register)
		})

		r.Route("/parking", func(r chi.Router) {
			r.Get("/status", h.Status)
			r.Get("/spaces", h.Spaces)
			r.Get("/spaces/free", h.FreeSpaces)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)
				r.Use(custommiddleware.RequireRole(model.RoleGuard, model.RoleAdmin))

				r.Post("/checkin", h.CheckIn)
				r.Post("/checkout", h.CheckOut)

				r.Get("/active", h.ActiveSessions)
				r.Get("/sessions/{id}", h.Session)
				r.Get("/search", h.Search)
				r.Get("/history", h.History)
				r.Get("/history/export", h.ExportHistory)
				r.Get("/statistics", h.Statistics)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
