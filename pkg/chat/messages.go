package chat

import (
	"sort"
	"strings"
	"time"

	"chatCore/pkg/api"
)

const (
	// DeletedPlaceholder replaces the content of a tombstoned message.
	DeletedPlaceholder = "Tin nhắn đã được thu hồi"

	// Captions the backend stores as content when a media message has no text.
	ImageCaption = "📷 Hình ảnh"
	VideoCaption = "🎥 Video"
)

// MessageStore owns the thread of the one open conversation. It is not safe
// for concurrent use; the session loop is its only caller.
type MessageStore struct {
	conversationId api.ID
	messages       []api.Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

// Mount switches the store to another conversation and clears the thread.
func (s *MessageStore) Mount(conversationId api.ID) {
	s.conversationId = conversationId
	s.messages = nil
}

func (s *MessageStore) Unmount() {
	s.Mount("")
}

func (s *MessageStore) ConversationId() api.ID {
	return s.conversationId
}

// Mounted reports whether conversationId is the open thread.
func (s *MessageStore) Mounted(conversationId api.ID) bool {
	return !s.conversationId.IsZero() && s.conversationId.Equal(conversationId)
}

// Load replaces the thread. Transport ordering is never trusted.
func (s *MessageStore) Load(messages []api.Message) {
	thread := make([]api.Message, 0, len(messages))
	for _, message := range messages {
		message = message.Clone()
		if message.IsDeleted {
			tombstone(&message)
		}
		thread = append(thread, message)
	}
	sortThread(thread)
	s.messages = thread
}

func (s *MessageStore) Len() int {
	return len(s.messages)
}

// Messages returns a copy of the thread in render order.
func (s *MessageStore) Messages() []api.Message {
	out := make([]api.Message, len(s.messages))
	for i, message := range s.messages {
		out[i] = message.Clone()
	}
	return out
}

func (s *MessageStore) Get(id api.ID) (api.Message, bool) {
	i := s.find(id)
	if i < 0 {
		return api.Message{}, false
	}
	return s.messages[i].Clone(), true
}

// FindByClientId looks up an optimistic placeholder by its client id.
func (s *MessageStore) FindByClientId(clientId string) (api.Message, bool) {
	if clientId == "" {
		return api.Message{}, false
	}
	for _, message := range s.messages {
		if message.ClientId == clientId {
			return message.Clone(), true
		}
	}
	return api.Message{}, false
}

// ApplyEdit swaps the content in place. Only the latest edit is kept.
func (s *MessageStore) ApplyEdit(id api.ID, content string, at time.Time) error {
	i := s.find(id)
	if i < 0 {
		return ErrMessageNotFound
	}
	message := &s.messages[i]
	if message.IsDeleted {
		return ErrMessageDeleted
	}

	if at.Before(message.CreatedAt) {
		at = message.CreatedAt
	}
	message.Content = content
	message.EditedAt = &at
	return nil
}

// ApplyDelete turns the message into a tombstone at the same position.
func (s *MessageStore) ApplyDelete(id api.ID) error {
	i := s.find(id)
	if i < 0 {
		return ErrMessageNotFound
	}
	if s.messages[i].IsDeleted {
		return ErrMessageDeleted
	}
	tombstone(&s.messages[i])
	return nil
}

// Put inserts or replaces a message by id and keeps the thread ordered.
func (s *MessageStore) Put(message api.Message) {
	message = message.Clone()
	if message.IsDeleted {
		tombstone(&message)
	}
	if i := s.find(message.Id); i >= 0 {
		s.messages[i] = message
	} else {
		s.messages = append(s.messages, message)
	}
	sortThread(s.messages)
}

// Replace swaps the message stored under oldId for message. A message already
// present under the new id is dropped so the thread never holds duplicates.
func (s *MessageStore) Replace(oldId api.ID, message api.Message) bool {
	i := s.find(oldId)
	if i < 0 {
		return false
	}
	if !oldId.Equal(message.Id) {
		if j := s.find(message.Id); j >= 0 {
			s.messages = append(s.messages[:j], s.messages[j+1:]...)
			if j < i {
				i--
			}
		}
	}
	message = message.Clone()
	if message.IsDeleted {
		tombstone(&message)
	}
	s.messages[i] = message
	sortThread(s.messages)
	return true
}

// Remove drops a message physically. Only placeholders that never reached the
// server are removed; confirmed messages are tombstoned instead.
func (s *MessageStore) Remove(id api.ID) bool {
	i := s.find(id)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return true
}

func (s *MessageStore) find(id api.ID) int {
	key := api.ToIdString(id)
	if key == "" {
		return -1
	}
	for i, message := range s.messages {
		if api.ToIdString(message.Id) == key {
			return i
		}
	}
	return -1
}

func sortThread(thread []api.Message) {
	sort.SliceStable(thread, func(i, j int) bool {
		if !thread[i].CreatedAt.Equal(thread[j].CreatedAt) {
			return thread[i].CreatedAt.Before(thread[j].CreatedAt)
		}
		return api.ToIdString(thread[i].Id) < api.ToIdString(thread[j].Id)
	})
}

func tombstone(message *api.Message) {
	message.IsDeleted = true
	message.Content = DeletedPlaceholder
	message.MediaType = api.MediaNone
	message.MediaUrl = ""
}

// IsOwnMessage compares the author with the session user, whatever shape
// either id arrived in.
func IsOwnMessage(message api.Message, currentUserId interface{}) bool {
	return api.SameId(message.FromUser.Id, currentUserId)
}

// IsReadByOther reports whether the other participant has seen the message.
func IsReadByOther(message api.Message, otherUserId interface{}) bool {
	other := api.ToIdString(otherUserId)
	if other == "" {
		return false
	}
	for _, reader := range message.ReadBy {
		if api.ToIdString(reader) == other {
			return true
		}
	}
	return false
}

// RenderableContent returns the text to render under the message. Media
// messages whose text is empty or the default caption render no text.
func RenderableContent(message api.Message) (string, bool) {
	if message.IsDeleted {
		return DeletedPlaceholder, true
	}
	content := strings.TrimSpace(message.Content)
	if message.MediaType.IsMedia() && (content == "" || isDefaultCaption(content)) {
		return "", false
	}
	if content == "" {
		return "", false
	}
	return message.Content, true
}

func isDefaultCaption(content string) bool {
	return content == ImageCaption || content == VideoCaption
}

// CanModify reports whether edit and delete affordances are offered.
func CanModify(message api.Message, currentUserId interface{}) bool {
	return !message.IsDeleted && IsOwnMessage(message, currentUserId)
}

// MessageView is one rendered row of the thread.
type MessageView struct {
	api.Message
	Own         bool   `json:"own"`
	ReadByOther bool   `json:"readByOther"`
	Text        string `json:"text"`
	ShowText    bool   `json:"showText"`
	CanEdit     bool   `json:"canEdit"`
	CanDelete   bool   `json:"canDelete"`
	Pending     bool   `json:"pending"`
}

// View projects the thread for rendering. Read receipts are only computed for
// the current user's own messages.
func (s *MessageStore) View(currentUserId, otherUserId api.ID, pending func(api.ID) bool) []MessageView {
	views := make([]MessageView, 0, len(s.messages))
	for _, message := range s.messages {
		view := MessageView{Message: message.Clone()}
		view.Own = IsOwnMessage(message, currentUserId)
		if view.Own {
			view.ReadByOther = IsReadByOther(message, otherUserId)
		}
		view.Text, view.ShowText = RenderableContent(message)
		view.CanEdit = CanModify(message, currentUserId)
		view.CanDelete = CanModify(message, currentUserId)
		if pending != nil {
			view.Pending = pending(message.Id)
		}
		views = append(views, view)
	}
	return views
}
