package api

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

type MediaType string

const (
	MediaNone  MediaType = "none"
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// IsMedia reports whether the message carries an image or a video.
func (m MediaType) IsMedia() bool {
	return m == MediaImage || m == MediaVideo
}

func (m *MediaType) UnmarshalText(text []byte) error {
	switch MediaType(strings.ToLower(strings.TrimSpace(string(text)))) {
	case MediaImage:
		*m = MediaImage
	case MediaVideo:
		*m = MediaVideo
	default:
		*m = MediaNone
	}
	return nil
}

const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

type User struct {
	Id          ID     `json:"_id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatarUrl,omitempty"`
	Role        string `json:"role,omitempty"`
}

// UnmarshalJSON also accepts an unpopulated reference, where the backend sends
// the bare id in place of the user object.
func (u *User) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' && !bytes.Equal(trimmed, []byte("null")) {
		*u = User{}
		return u.Id.UnmarshalJSON(trimmed)
	}

	type plain User
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*u = User(out)
	return nil
}

// IsStaff reports whether the user belongs to the support team.
func (u User) IsStaff() bool {
	return u.Role == RoleStaff || u.Role == RoleAdmin
}

type LastMessage struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	MediaType MediaType `json:"mediaType,omitempty"`
}

type Conversation struct {
	Id           ID           `json:"_id"`
	Participants []User       `json:"participants"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Valid reports whether the conversation can be rendered: a stable id and
// exactly two distinct participants that both carry an id.
func (c Conversation) Valid() bool {
	if c.Id.IsZero() || len(c.Participants) != 2 {
		return false
	}
	a, b := c.Participants[0].Id, c.Participants[1].Id
	return !a.IsZero() && !b.IsZero() && !a.Equal(b)
}

// ActivityAt is the recency key: the last message time, falling back to the
// last update time.
func (c Conversation) ActivityAt() time.Time {
	if c.LastMessage != nil && !c.LastMessage.CreatedAt.IsZero() {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]User(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

type Message struct {
	Id             ID         `json:"_id"`
	ClientId       string     `json:"clientId,omitempty"`
	ConversationId ID         `json:"conversationId"`
	FromUser       User       `json:"fromUser"`
	Content        string     `json:"content"`
	MediaType      MediaType  `json:"mediaType,omitempty"`
	MediaUrl       string     `json:"mediaUrl,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	IsDeleted      bool       `json:"isDeleted,omitempty"`
	ReadBy         []ID       `json:"readBy,omitempty"`
}

func (m Message) Clone() Message {
	out := m
	out.ReadBy = append([]ID(nil), m.ReadBy...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return out
}

// Preview converts the message into the snapshot a conversation keeps.
func (m Message) Preview() LastMessage {
	return LastMessage{
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		MediaType: m.MediaType,
	}
}

type NewMessage struct {
	ConversationId ID        `json:"conversationId"`
	ClientId       string    `json:"clientId,omitempty"`
	Content        string    `json:"content"`
	MediaType      MediaType `json:"mediaType,omitempty"`
	MediaUrl       string    `json:"mediaUrl,omitempty"`
}

type NewConversation struct {
	StaffId ID `json:"staffId"`
}

type EditMessage struct {
	Content string `json:"content"`
}

// PatchOperation is a single RFC 6902 operation.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

const (
	PresenceSnapshot = "snapshot"
	PresenceUpdate   = "update"
)

// PresenceEvent is a frame on the presence channel. A snapshot carries the
// full mapping, an update a single user.
type PresenceEvent struct {
	Type     string          `json:"type"`
	Online   map[string]bool `json:"online,omitempty"`
	UserId   ID              `json:"userId,omitempty"`
	IsOnline bool            `json:"isOnline,omitempty"`
}

// OutgoingEvent is pushed to local subscribers whenever a derived view changes.
type OutgoingEvent struct {
	Kind           string `json:"kind"`
	ConversationId string `json:"conversationId,omitempty"`
	MessageId      string `json:"messageId,omitempty"`
	Unread         int    `json:"unread,omitempty"`
	Notice         string `json:"notice,omitempty"`
}
