package chat

import (
	"time"

	"chatCore/pkg/api"
)

type ConversationView struct {
	api.Conversation
	Other    api.User `json:"other"`
	Online   bool     `json:"online"`
	Preview  string   `json:"preview"`
	Selected bool     `json:"selected"`
}

// Inbox is the rendered conversation panel.
type Inbox struct {
	State         string             `json:"state"`
	Error         string             `json:"error,omitempty"`
	Skipped       int                `json:"skipped,omitempty"`
	Conversations []ConversationView `json:"conversations"`
	Support       []ConversationView `json:"support"`
	Unread        int                `json:"unread"`
}

type ThreadView struct {
	ConversationId api.ID        `json:"conversationId"`
	Other          api.User      `json:"other"`
	OtherOnline    bool          `json:"otherOnline"`
	Messages       []MessageView `json:"messages"`
}

type StaffView struct {
	api.User
	Online         bool   `json:"online"`
	ConversationId api.ID `json:"conversationId,omitempty"`
}

// Notice is a dismissible, non-fatal failure shown to the user.
type Notice struct {
	Id       string       `json:"id"`
	Kind     MutationKind `json:"kind,omitempty"`
	TargetId api.ID       `json:"targetId,omitempty"`
	Message  string       `json:"message"`
	At       time.Time    `json:"at"`
}

// ListOptions are the inbox filters.
type ListOptions struct {
	Exclude            []api.ID
	RequireLastMessage bool
}

func (s *Session) conversationViews(list []api.Conversation, presence *PresenceSnapshot) []ConversationView {
	selected := s.conversations.SelectedId()
	views := make([]ConversationView, 0, len(list))
	for _, conversation := range list {
		other := s.conversations.OtherParticipant(conversation)
		views = append(views, ConversationView{
			Conversation: conversation,
			Other:        other,
			Online:       presence.IsOnline(other.Id),
			Preview:      Preview(conversation),
			Selected:     !selected.IsZero() && selected.Equal(conversation.Id),
		})
	}
	return views
}
