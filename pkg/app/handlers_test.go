package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chatCore/pkg/api"
	"chatCore/pkg/chat"
	"chatCore/pkg/metrics"
)

type stubService struct {
	conversations []api.Conversation
	staff         []api.User
	messages      []api.Message
}

func (s *stubService) GetConversations(context.Context) ([]api.Conversation, error) {
	return s.conversations, nil
}

func (s *stubService) GetStaff(context.Context) ([]api.User, error) {
	return s.staff, nil
}

func (s *stubService) CreateConversation(_ context.Context, staffId api.ID) (api.Conversation, error) {
	return api.Conversation{Id: "c-new", Participants: []api.User{{Id: "me"}, {Id: staffId, Role: api.RoleStaff}}}, nil
}

func (s *stubService) GetMessages(context.Context, api.ID) ([]api.Message, error) {
	return s.messages, nil
}

func (s *stubService) SendMessage(_ context.Context, n api.NewMessage) (api.Message, error) {
	return api.Message{Id: "m-sent", ClientId: n.ClientId, ConversationId: n.ConversationId, FromUser: api.User{Id: "me"}, Content: n.Content, CreatedAt: time.Now()}, nil
}

func (s *stubService) EditMessage(context.Context, api.ID, string) (api.Message, error) {
	return api.Message{}, nil
}

func (s *stubService) DeleteMessage(context.Context, api.ID) error {
	return nil
}

func (s *stubService) MarkRead(context.Context, api.ID) error {
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *chat.Session) {
	t.Helper()
	service := &stubService{
		conversations: []api.Conversation{
			{Id: "c1", Participants: []api.User{{Id: "me"}, {Id: "u2"}}, UnreadCount: 2, UpdatedAt: time.Now()},
		},
		staff:    []api.User{{Id: "s1", DisplayName: "Support", Role: api.RoleStaff}},
		messages: []api.Message{{Id: "m1", ConversationId: "c1", FromUser: api.User{Id: "me"}, Content: "hi", CreatedAt: time.Now()}},
	}
	m := metrics.New()
	session := chat.NewSession(service, nil, chat.Config{CurrentUser: api.User{Id: "me"}, PollInterval: time.Hour}, m, nil)
	hub := api.NewHub(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = session.Run(ctx) }()
	go hub.Run(ctx)

	s := NewServer(chi.NewRouter(), "", session, hub, m, nil)
	go s.forwardUpdates(ctx)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	require.Eventually(t, func() bool {
		total, err := session.Unread(context.Background())
		return err == nil && total == 2
	}, 2*time.Second, 10*time.Millisecond)
	return srv, session
}

func TestGetConversations(t *testing.T) {
	srv, _ := newTestServer(t)

	var inbox chat.Inbox
	resp, err := resty.New().R().SetResult(&inbox).Get(srv.URL + "/chat/conversation?exclude=u9&withMessages=false")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	require.Len(t, inbox.Conversations, 1)
	assert.Equal(t, api.ID("u2"), inbox.Conversations[0].Other.Id)
	assert.Equal(t, 2, inbox.Unread)

	resp, err = resty.New().R().Get(srv.URL + "/chat/conversation?withMessages=maybe")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
}

func TestOpenConversationAndMutate(t *testing.T) {
	srv, session := newTestServer(t)
	client := resty.New().SetBaseURL(srv.URL)

	resp, err := client.R().Get("/chat/conversation/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())

	resp, err = client.R().Get("/chat/conversation/c1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	require.Eventually(t, func() bool {
		thread, err := session.Thread(context.Background())
		return err == nil && len(thread.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var receipt chat.Receipt
	resp, err = client.R().SetBody(map[string]string{"content": "hello"}).SetResult(&receipt).Post("/chat/conversation/c1/message")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode())
	assert.Equal(t, chat.MutationSend, receipt.Kind)
	assert.NotEmpty(t, receipt.ClientId)

	resp, err = client.R().SetBody(map[string]string{"content": "edited"}).Patch("/chat/message/m1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode())

	resp, err = client.R().SetBody(map[string]string{"content": "x"}).Patch("/chat/message/unknown")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())

	resp, err = client.R().Post("/chat/conversation/c2/message")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
}

func TestPanelRefreshAndUnread(t *testing.T) {
	srv, _ := newTestServer(t)
	client := resty.New().SetBaseURL(srv.URL)

	resp, err := client.R().Post("/chat/panel/open")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode())

	resp, err = client.R().Post("/chat/panel/close")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode())

	resp, err = client.R().Post("/chat/refresh")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode())
	resp, err = client.R().Post("/chat/refresh")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode())

	var unread map[string]int
	resp, err = client.R().SetResult(&unread).Get("/chat/unread")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, 2, unread["unread"])

	resp, err = client.R().Delete("/chat/notice/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())

	resp, err = client.R().Get("/chat/notice")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(resp.Body()))

	resp, err = client.R().Get("/metrics")
	require.NoError(t, err)
	assert.Contains(t, string(resp.Body()), "chat_polls_total")
}

func TestStaffRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	client := resty.New().SetBaseURL(srv.URL)

	require.Eventually(t, func() bool {
		var staff []chat.StaffView
		_, err := client.R().SetResult(&staff).Get("/chat/staff")
		return err == nil && len(staff) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var conversation api.Conversation
	resp, err := client.R().SetResult(&conversation).Post("/chat/staff/s1/conversation")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode())
	assert.Equal(t, api.ID("c-new"), conversation.Id)
}

func TestWebsocketReceivesUpdates(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Opening the panel publishes a panel update.
	go func() {
		for i := 0; i < 20; i++ {
			_, _ = resty.New().R().Post(srv.URL + "/chat/panel/open")
			_, _ = resty.New().R().Post(srv.URL + "/chat/panel/close")
			time.Sleep(20 * time.Millisecond)
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var event api.OutgoingEvent
	first := strings.SplitN(string(message), "\n", 2)[0]
	require.NoError(t, json.Unmarshal([]byte(first), &event))
	assert.NotEmpty(t, event.Kind)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{chat.ErrNotMounted, http.StatusConflict},
		{chat.ErrMessageNotFound, http.StatusNotFound},
		{chat.ErrMessageDeleted, http.StatusGone},
		{chat.ErrNotOwnMessage, http.StatusForbidden},
		{chat.ErrEmptyMessage, http.StatusBadRequest},
		{chat.ErrRateLimited, http.StatusTooManyRequests},
		{chat.ErrSessionClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{status.Error(codes.NotFound, "x"), http.StatusNotFound},
		{status.Error(codes.Unauthenticated, "x"), http.StatusUnauthorized},
		{status.Error(codes.Unavailable, "x"), http.StatusBadGateway},
		{errors.New("other"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
