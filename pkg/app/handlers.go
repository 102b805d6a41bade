package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chatCore/pkg/api"
	"chatCore/pkg/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8092,
	WriteBufferSize: 8092,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type sendRequest struct {
	Content   string        `json:"content"`
	MediaType api.MediaType `json:"mediaType"`
	MediaUrl  string        `json:"mediaUrl"`
}

type editRequest struct {
	Content string `json:"content"`
}

func (s *Server) GetConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := chat.ListOptions{}
		for _, raw := range r.URL.Query()["exclude"] {
			for _, id := range strings.Split(raw, ",") {
				if id = strings.TrimSpace(id); id != "" {
					opts.Exclude = append(opts.Exclude, api.ID(id))
				}
			}
		}
		if raw := r.URL.Query().Get("withMessages"); raw != "" {
			withMessages, err := strconv.ParseBool(raw)
			if err != nil {
				http.Error(w, "withMessages must be a boolean", http.StatusBadRequest)
				return
			}
			opts.RequireLastMessage = withMessages
		}

		inbox, err := s.session.Inbox(r.Context(), opts)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, inbox)
	}
}

// OpenConversation selects the conversation and returns the thread as it is
// right now; the thread fills in asynchronously and is announced on /chat/ws.
func (s *Server) OpenConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationId := api.ID(chi.URLParam(r, "conversationId"))

		if err := s.session.SelectConversation(r.Context(), conversationId); err != nil {
			if errors.Is(err, chat.ErrNotMounted) {
				http.Error(w, "Unknown conversation id: "+conversationId.String(), http.StatusNotFound)
				return
			}
			s.writeError(w, err)
			return
		}

		thread, err := s.session.Thread(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, thread)
		s.log.Debug("opened conversation", zap.String("conversationId", conversationId.String()))
	}
}

func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationId := api.ID(chi.URLParam(r, "conversationId"))

		var body sendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		receipt, err := s.session.SendMessage(r.Context(), conversationId, body.Content, body.MediaType, body.MediaUrl)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, receipt)
	}
}

func (s *Server) EditMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageId := api.ID(chi.URLParam(r, "messageId"))

		var body editRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		receipt, err := s.session.EditMessage(r.Context(), messageId, body.Content)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, receipt)
	}
}

func (s *Server) DeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageId := api.ID(chi.URLParam(r, "messageId"))

		receipt, err := s.session.DeleteMessage(r.Context(), messageId)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, receipt)
	}
}

func (s *Server) GetStaff() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		staff, err := s.session.Staff(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		if staff == nil {
			staff = []chat.StaffView{}
		}
		s.writeJSON(w, http.StatusOK, staff)
	}
}

func (s *Server) StartStaffConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		staffId := api.ID(chi.URLParam(r, "staffId"))

		conversation, err := s.session.StartStaffConversation(r.Context(), staffId)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, conversation)
		s.log.Info("started staff conversation",
			zap.String("staffId", staffId.String()),
			zap.String("conversationId", conversation.Id.String()))
	}
}

func (s *Server) GetUnread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, err := s.session.Unread(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]int{"unread": total})
	}
}

func (s *Server) OpenPanel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.session.Open(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) ClosePanel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.session.Close(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) Refresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.session.Refresh(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) GetNotices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notices, err := s.session.Notices(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		if notices == nil {
			notices = []chat.Notice{}
		}
		s.writeJSON(w, http.StatusOK, notices)
	}
}

func (s *Server) DismissNotice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := s.session.DismissNotice(r.Context(), chi.URLParam(r, "noticeId"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !removed {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) GetPresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.session.Presence().Snapshot().Map())
	}
}

// ServeWs streams session updates to a local UI.
func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		subscriber := api.NewSubscriber(s.hub, conn)
		if !s.hub.Join(subscriber) {
			_ = conn.Close()
			return
		}
		s.log.Debug("subscriber connected", zap.String("remote", r.RemoteAddr))

		// Allow collection of memory referenced by the caller by doing all work in
		// new goroutines.
		go subscriber.WritePump()
		go subscriber.ReadPump()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("unable to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.Error(err))
	}
	s.writeJSON(w, code, map[string]string{"error": chat.Describe(err), "detail": err.Error()})
}

// StatusFor maps core and transport errors onto HTTP statuses.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrNotMounted):
		return http.StatusConflict
	case errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, chat.ErrUnknownStaff):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrMessageDeleted):
		return http.StatusGone
	case errors.Is(err, chat.ErrNotOwnMessage):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, chat.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	switch status.Code(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Aborted:
		return http.StatusConflict
	case codes.Canceled, codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
