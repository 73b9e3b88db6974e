package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mkravets/kudos-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса комплиментов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		// Публичные чтения: только публичная запись, без PIN и авторитетной суммы.
		r.Get("/compliments/code/{code}", h.GetComplimentByCode)
		r.Get("/compliments/magic/{token}", h.GetComplimentByMagicToken)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/user/compliments", h.IssueCompliment)
			r.Post("/user/compliments/{id}/claims", h.RequestClaim)
			r.Post("/user/compliments/{id}/claim", h.CreateClaim)
			r.Post("/user/compliments/{id}/approve", h.ApproveClaim)
			r.Get("/user/claims", h.ListClaims)

			r.Get("/user/balance", h.GetBalance)
			r.Get("/user/transactions", h.ListTransactions)

			r.Get("/user/chats", h.ListChats)
			r.Get("/user/chats/{chatID}/messages", h.ListChatMessages)
			r.Post("/user/chats/{chatID}/messages", h.SendChatMessage)

			r.Get("/admin/duplicates", h.FindDuplicates)
			r.Post("/admin/sweep", h.SweepBalances)
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

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
