package chat

import (
	"sort"
	"strings"

	"chatCore/pkg/api"
)

type LoadState int

const (
	StateIdle LoadState = iota
	StateLoaded
	StateError
)

func (s LoadState) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// ConversationStore owns the conversation list of the session user. It is
// not safe for concurrent use; the session loop is its only caller.
type ConversationStore struct {
	currentUserId api.ID

	// Server order, kept for stable tie-breaking.
	conversations []api.Conversation
	staff         []api.User
	selectedId    api.ID

	state   LoadState
	err     error
	skipped int
}

func NewConversationStore(currentUserId api.ID) *ConversationStore {
	return &ConversationStore{currentUserId: currentUserId}
}

func (s *ConversationStore) CurrentUserId() api.ID {
	return s.currentUserId
}

// Load replaces the list with the latest server snapshot. Unrenderable
// conversations are dropped and counted.
func (s *ConversationStore) Load(conversations []api.Conversation) {
	seen := make(map[string]struct{}, len(conversations))
	list := make([]api.Conversation, 0, len(conversations))
	skipped := 0
	for _, conversation := range conversations {
		key := api.ToIdString(conversation.Id)
		if !conversation.Valid() {
			skipped++
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		list = append(list, conversation.Clone())
	}

	s.conversations = list
	s.skipped = skipped
	s.state = StateLoaded
	s.err = nil
}

// Fail records a transport failure. The list is cleared so a failed fetch is
// never rendered as stale data.
func (s *ConversationStore) Fail(err error) {
	s.conversations = nil
	s.state = StateError
	s.err = err
}

func (s *ConversationStore) State() LoadState {
	return s.state
}

func (s *ConversationStore) Err() error {
	return s.err
}

// Skipped is the number of malformed conversations dropped by the last Load.
func (s *ConversationStore) Skipped() int {
	return s.skipped
}

func (s *ConversationStore) Len() int {
	return len(s.conversations)
}

// Conversations returns a copy of the full, unfiltered list in server order.
func (s *ConversationStore) Conversations() []api.Conversation {
	out := make([]api.Conversation, len(s.conversations))
	for i, conversation := range s.conversations {
		out[i] = conversation.Clone()
	}
	return out
}

func (s *ConversationStore) Get(id api.ID) (api.Conversation, bool) {
	i := s.find(id)
	if i < 0 {
		return api.Conversation{}, false
	}
	return s.conversations[i].Clone(), true
}

// OtherParticipant returns whichever participant is not the session user.
func (s *ConversationStore) OtherParticipant(conversation api.Conversation) api.User {
	return OtherParticipant(conversation, s.currentUserId)
}

// OtherParticipant is total for valid conversations: when neither participant
// is the current user the second one is returned.
func OtherParticipant(conversation api.Conversation, currentUserId interface{}) api.User {
	switch len(conversation.Participants) {
	case 0:
		return api.User{}
	case 1:
		return conversation.Participants[0]
	}
	if api.SameId(conversation.Participants[1].Id, currentUserId) {
		return conversation.Participants[0]
	}
	return conversation.Participants[1]
}

// VisibleList filters out conversations with an excluded counterpart and,
// when requireLastMessage is set, conversations without messages, then sorts
// by recency, most recent first.
func (s *ConversationStore) VisibleList(exclude []api.ID, requireLastMessage bool) []api.Conversation {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		if key := api.ToIdString(id); key != "" {
			excluded[key] = struct{}{}
		}
	}

	out := make([]api.Conversation, 0, len(s.conversations))
	for _, conversation := range s.conversations {
		other := s.OtherParticipant(conversation)
		if _, skip := excluded[api.ToIdString(other.Id)]; skip {
			continue
		}
		if requireLastMessage && conversation.LastMessage == nil {
			continue
		}
		out = append(out, conversation.Clone())
	}

	sortByRecency(out)
	return out
}

// SupportList is the sub-view of conversations held with support staff.
func (s *ConversationStore) SupportList() []api.Conversation {
	out := make([]api.Conversation, 0)
	for _, conversation := range s.conversations {
		if s.OtherParticipant(conversation).IsStaff() {
			out = append(out, conversation.Clone())
		}
	}
	sortByRecency(out)
	return out
}

// TotalUnread sums unreadCount over the full list, counting every
// conversation once.
func (s *ConversationStore) TotalUnread() int {
	seen := make(map[string]struct{}, len(s.conversations))
	total := 0
	for _, conversation := range s.conversations {
		key := api.ToIdString(conversation.Id)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if conversation.UnreadCount > 0 {
			total += conversation.UnreadCount
		}
	}
	return total
}

// Preview is the one-line summary shown under a conversation.
func Preview(conversation api.Conversation) string {
	last := conversation.LastMessage
	if last == nil {
		return ""
	}
	content := strings.TrimSpace(last.Content)
	if content != "" && !(last.MediaType.IsMedia() && isDefaultCaption(content)) {
		return content
	}
	switch last.MediaType {
	case api.MediaImage:
		return ImageCaption
	case api.MediaVideo:
		return VideoCaption
	}
	return content
}

func (s *ConversationStore) LoadStaff(staff []api.User) {
	s.staff = append([]api.User(nil), staff...)
}

func (s *ConversationStore) StaffList() []api.User {
	return append([]api.User(nil), s.staff...)
}

// Staff looks up a support agent by id.
func (s *ConversationStore) Staff(id api.ID) (api.User, bool) {
	for _, member := range s.staff {
		if member.Id.Equal(id) {
			return member, true
		}
	}
	return api.User{}, false
}

// FindWithParticipant returns the existing conversation with userId, if any.
func (s *ConversationStore) FindWithParticipant(userId api.ID) (api.Conversation, bool) {
	for _, conversation := range s.conversations {
		if s.OtherParticipant(conversation).Id.Equal(userId) {
			return conversation.Clone(), true
		}
	}
	return api.Conversation{}, false
}

// Upsert inserts or replaces a conversation. Invalid conversations are
// rejected.
func (s *ConversationStore) Upsert(conversation api.Conversation) bool {
	if !conversation.Valid() {
		return false
	}
	if i := s.find(conversation.Id); i >= 0 {
		s.conversations[i] = conversation.Clone()
	} else {
		s.conversations = append(s.conversations, conversation.Clone())
	}
	if s.state == StateIdle {
		s.state = StateLoaded
	}
	return true
}

// UpsertAndSelect updates the list and the selection in one step.
func (s *ConversationStore) UpsertAndSelect(conversation api.Conversation) bool {
	if !s.Upsert(conversation) {
		return false
	}
	s.selectedId = conversation.Id
	return true
}

func (s *ConversationStore) Select(id api.ID) bool {
	if s.find(id) < 0 {
		return false
	}
	s.selectedId = id
	return true
}

func (s *ConversationStore) ClearSelection() {
	s.selectedId = ""
}

func (s *ConversationStore) SelectedId() api.ID {
	return s.selectedId
}

// MarkRead clears the unread count after the server confirmed the read.
func (s *ConversationStore) MarkRead(id api.ID) bool {
	i := s.find(id)
	if i < 0 {
		return false
	}
	s.conversations[i].UnreadCount = 0
	return true
}

// Touch records a confirmed message as the conversation's latest activity.
func (s *ConversationStore) Touch(id api.ID, message api.Message) bool {
	i := s.find(id)
	if i < 0 {
		return false
	}
	conversation := &s.conversations[i]
	preview := message.Preview()
	if conversation.LastMessage == nil || !preview.CreatedAt.Before(conversation.LastMessage.CreatedAt) {
		conversation.LastMessage = &preview
	}
	if message.CreatedAt.After(conversation.UpdatedAt) {
		conversation.UpdatedAt = message.CreatedAt
	}
	return true
}

func (s *ConversationStore) find(id api.ID) int {
	key := api.ToIdString(id)
	if key == "" {
		return -1
	}
	for i, conversation := range s.conversations {
		if api.ToIdString(conversation.Id) == key {
			return i
		}
	}
	return -1
}

func sortByRecency(list []api.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].ActivityAt().After(list[j].ActivityAt())
	})
}
