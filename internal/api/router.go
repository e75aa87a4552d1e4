package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/comigor/floatchat-go/internal/logger"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Group(func(r chi.Router) {
			r.Use(UserMiddleware)

			r.Post("/conversations", h.CreateConversation)
			r.Get("/conversations", h.ListConversations)
			r.Get("/conversations/{conversationID}", h.GetConversation)
			r.Patch("/conversations/{conversationID}", h.UpdateConversation)
			r.Post("/conversations/{conversationID}/messages", h.PostMessage)

			r.Post("/predictions", h.Predict)
		})
	})

	return r
}
