package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepository struct {
	conversations []Conversation
	staff         []StaffModel
	messages      []Message
	sent          Message
	err           error
}

func (f *fakeRepository) GetConversations(context.Context) ([]Conversation, error) {
	return f.conversations, f.err
}

func (f *fakeRepository) GetStaff(context.Context) ([]StaffModel, error) {
	return f.staff, f.err
}

func (f *fakeRepository) CreateConversation(_ context.Context, n NewConversation) (Conversation, error) {
	return Conversation{Id: "new", Participants: []User{{Id: "me"}, {Id: n.StaffId}}}, f.err
}

func (f *fakeRepository) GetMessages(context.Context, ID) ([]Message, error) {
	return f.messages, f.err
}

func (f *fakeRepository) SendMessage(context.Context, NewMessage) (Message, error) {
	return f.sent, f.err
}

func (f *fakeRepository) EditMessage(_ context.Context, id ID, content string) (Message, error) {
	return Message{Id: id, Content: content}, f.err
}

func (f *fakeRepository) DeleteMessage(context.Context, ID) error {
	return f.err
}

func (f *fakeRepository) MarkRead(context.Context, ID) error {
	return f.err
}

func TestGetConversationsDropsMalformed(t *testing.T) {
	repo := &fakeRepository{conversations: []Conversation{
		{Id: "c1", Participants: []User{{Id: "me"}, {Id: "u2"}}, UnreadCount: -3},
		{Id: "c2", Participants: []User{{Id: "me"}}},
		{Participants: []User{{Id: "me"}, {Id: "u3"}}},
	}}
	service := NewChatService(repo, nil)

	conversations, err := service.GetConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Equal(t, ID("c1"), conversations[0].Id)
	assert.Equal(t, 0, conversations[0].UnreadCount)
}

func TestGetStaffSkipsMissingIds(t *testing.T) {
	full := "Hoa Le"
	repo := &fakeRepository{staff: []StaffModel{{UID: "s1", FullName: &full}, {Email: "ghost@x.vn"}}}
	staff, err := NewChatService(repo, nil).GetStaff(context.Background())
	require.NoError(t, err)
	require.Len(t, staff, 1)
	assert.Equal(t, "Hoa Le", staff[0].DisplayName)
}

func TestGetMessagesNormalizes(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	earlier := created.Add(-time.Minute)
	repo := &fakeRepository{messages: []Message{
		{Id: "m1", CreatedAt: created, EditedAt: &earlier},
		{Content: "no id"},
	}}

	messages, err := NewChatService(repo, nil).GetMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, ID("c1"), messages[0].ConversationId)
	assert.Equal(t, MediaNone, messages[0].MediaType)
	assert.Nil(t, messages[0].EditedAt)
}

func TestSendMessageKeepsClientId(t *testing.T) {
	repo := &fakeRepository{sent: Message{Id: "m5", Content: "hi"}}
	message, err := NewChatService(repo, nil).SendMessage(context.Background(), NewMessage{ConversationId: "c1", ClientId: "local-x", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "local-x", message.ClientId)
	assert.Equal(t, ID("c1"), message.ConversationId)
}

func TestServicePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	service := NewChatService(&fakeRepository{err: boom}, nil)

	_, err := service.GetConversations(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, service.MarkRead(context.Background(), "c1"), boom)
}
