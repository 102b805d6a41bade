package app

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"chatCore/pkg/logger"
)

func (s *Server) Routes() *chi.Mux {
	r := s.router
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(logger.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/chat", func(r chi.Router) {
		r.Get("/conversation", s.GetConversations())
		r.Get("/conversation/{conversationId}", s.OpenConversation())
		r.Post("/conversation/{conversationId}/message", s.SendMessage())
		r.Patch("/message/{messageId}", s.EditMessage())
		r.Delete("/message/{messageId}", s.DeleteMessage())

		r.Get("/staff", s.GetStaff())
		r.Post("/staff/{staffId}/conversation", s.StartStaffConversation())

		r.Get("/unread", s.GetUnread())
		r.Post("/panel/open", s.OpenPanel())
		r.Post("/panel/close", s.ClosePanel())
		r.Post("/refresh", s.Refresh())

		r.Get("/notice", s.GetNotices())
		r.Delete("/notice/{noticeId}", s.DismissNotice())

		r.Get("/presence", s.GetPresence())
		r.Get("/ws", s.ServeWs())
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	return r
}
