package api

import (
	"context"

	"go.uber.org/zap"
)

// ChatService is what the chat core consumes: the remote store with every
// response already normalized.
type ChatService interface {
	GetConversations(ctx context.Context) ([]Conversation, error)
	GetStaff(ctx context.Context) ([]User, error)
	CreateConversation(ctx context.Context, staffId ID) (Conversation, error)
	GetMessages(ctx context.Context, conversationId ID) ([]Message, error)
	SendMessage(ctx context.Context, newMessage NewMessage) (Message, error)
	EditMessage(ctx context.Context, messageId ID, content string) (Message, error)
	DeleteMessage(ctx context.Context, messageId ID) error
	MarkRead(ctx context.Context, conversationId ID) error
}

// ChatRepository is the transport boundary. Edit and delete are all-or-nothing.
type ChatRepository interface {
	GetConversations(ctx context.Context) ([]Conversation, error)
	GetStaff(ctx context.Context) ([]StaffModel, error)
	CreateConversation(ctx context.Context, newConversation NewConversation) (Conversation, error)
	GetMessages(ctx context.Context, conversationId ID) ([]Message, error)
	SendMessage(ctx context.Context, newMessage NewMessage) (Message, error)
	EditMessage(ctx context.Context, messageId ID, content string) (Message, error)
	DeleteMessage(ctx context.Context, messageId ID) error
	MarkRead(ctx context.Context, conversationId ID) error
}

type chatService struct {
	storage ChatRepository
	log     *zap.Logger
}

func NewChatService(storage ChatRepository, log *zap.Logger) ChatService {
	if log == nil {
		log = zap.NewNop()
	}
	return &chatService{storage: storage, log: log}
}

func (c *chatService) GetConversations(ctx context.Context) ([]Conversation, error) {
	conversations, err := c.storage.GetConversations(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Conversation, 0, len(conversations))
	for _, conversation := range conversations {
		if !conversation.Valid() {
			c.log.Warn("skipping malformed conversation", zap.String("conversationId", conversation.Id.String()))
			continue
		}
		if conversation.UnreadCount < 0 {
			conversation.UnreadCount = 0
		}
		out = append(out, conversation)
	}

	return out, nil
}

func (c *chatService) GetStaff(ctx context.Context) ([]User, error) {
	staff, err := c.storage.GetStaff(ctx)
	if err != nil {
		return nil, err
	}

	users := make([]User, 0, len(staff))
	for _, member := range staff {
		user := member.ConvertToDTO()
		if user.Id.IsZero() {
			continue
		}
		users = append(users, user)
	}

	return users, nil
}

func (c *chatService) CreateConversation(ctx context.Context, staffId ID) (Conversation, error) {
	return c.storage.CreateConversation(ctx, NewConversation{StaffId: staffId})
}

func (c *chatService) GetMessages(ctx context.Context, conversationId ID) ([]Message, error) {
	messages, err := c.storage.GetMessages(ctx, conversationId)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(messages))
	for _, message := range messages {
		if message.Id.IsZero() {
			c.log.Warn("skipping message without id", zap.String("conversationId", conversationId.String()))
			continue
		}
		out = append(out, normalizeMessage(message, conversationId))
	}

	return out, nil
}

func (c *chatService) SendMessage(ctx context.Context, newMessage NewMessage) (Message, error) {
	message, err := c.storage.SendMessage(ctx, newMessage)
	if err != nil {
		return message, err
	}

	if message.ClientId == "" {
		message.ClientId = newMessage.ClientId
	}
	return normalizeMessage(message, newMessage.ConversationId), nil
}

func (c *chatService) EditMessage(ctx context.Context, messageId ID, content string) (Message, error) {
	message, err := c.storage.EditMessage(ctx, messageId, content)
	if err != nil {
		return message, err
	}

	return normalizeMessage(message, message.ConversationId), nil
}

func (c *chatService) DeleteMessage(ctx context.Context, messageId ID) error {
	return c.storage.DeleteMessage(ctx, messageId)
}

func (c *chatService) MarkRead(ctx context.Context, conversationId ID) error {
	return c.storage.MarkRead(ctx, conversationId)
}

func normalizeMessage(message Message, conversationId ID) Message {
	if message.ConversationId.IsZero() {
		message.ConversationId = conversationId
	}
	if message.MediaType == "" {
		message.MediaType = MediaNone
	}
	if message.EditedAt != nil && message.EditedAt.Before(message.CreatedAt) {
		message.EditedAt = nil
	}
	return message
}
