package chat

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	jsonPatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatCore/pkg/api"
)

type MutationKind string

const (
	MutationSend   MutationKind = "send"
	MutationEdit   MutationKind = "edit"
	MutationDelete MutationKind = "delete"
)

type MutationStatus string

const (
	StatusQueued    MutationStatus = "queued"
	StatusPending   MutationStatus = "pending"
	StatusConfirmed MutationStatus = "confirmed"
	StatusFailed    MutationStatus = "failed"
)

// localIdPrefix marks placeholder ids of messages the server has not seen.
const localIdPrefix = "local-"

type Mutation struct {
	Kind           MutationKind
	TargetId       api.ID
	ConversationId api.ID
	Content        string
	MediaType      api.MediaType
	MediaUrl       string
}

// Entry is the handle of a submitted mutation. Status and Err may only be
// read from the session loop, or from any goroutine once Done is closed.
type Entry struct {
	Id uuid.UUID
	Mutation
	ClientId string

	status MutationStatus
	err    error
	seq    uint64

	// Pre-mutation state of the target, used for rollback.
	snapshot    api.Message
	hasSnapshot bool

	// The optimistic effect as a JSON merge patch, replayed over polled
	// snapshots until the mutation settles.
	patch []byte

	// Placeholder for sends.
	placeholder api.Message

	done chan struct{}
}

func (e *Entry) Status() MutationStatus {
	return e.status
}

func (e *Entry) Err() error {
	return e.err
}

// Done is closed when the mutation is confirmed or failed.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Receipt is a copy of an entry's state taken on the session loop, safe to
// hand to other goroutines.
type Receipt struct {
	Id       string         `json:"id"`
	Kind     MutationKind   `json:"kind"`
	TargetId api.ID         `json:"targetId"`
	ClientId string         `json:"clientId,omitempty"`
	Status   MutationStatus `json:"status"`

	entry *Entry
}

func (e *Entry) receipt() Receipt {
	return Receipt{
		Id:       e.Id.String(),
		Kind:     e.Kind,
		TargetId: e.TargetId,
		ClientId: e.ClientId,
		Status:   e.status,
		entry:    e,
	}
}

// Done is closed when the mutation settles.
func (r Receipt) Done() <-chan struct{} {
	return r.entry.Done()
}

// Outcome returns the final status; it is only meaningful once Done is closed.
func (r Receipt) Outcome() (MutationStatus, error) {
	return r.entry.Status(), r.entry.Err()
}

// MutationManager applies local mutations to the MessageStore immediately,
// keeps at most one mutation in flight per target and reconciles or rolls
// back each one when the server answers. It is not safe for concurrent use.
type MutationManager struct {
	messages    *MessageStore
	currentUser api.User
	dispatch    func(*Entry)
	onSettle    func(*Entry, *api.Message, bool)
	now         func() time.Time
	log         *zap.Logger
	nextSeq     uint64
	inflight    map[string]*Entry
	queued      map[string][]*Entry
}

// NewMutationManager wires the manager to the store. dispatch must start the
// transport call for an entry and eventually call Settle from the loop.
func NewMutationManager(messages *MessageStore, currentUser api.User, dispatch func(*Entry), log *zap.Logger) *MutationManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &MutationManager{
		messages:    messages,
		currentUser: currentUser,
		dispatch:    dispatch,
		now:         time.Now,
		log:         log,
		inflight:    map[string]*Entry{},
		queued:      map[string][]*Entry{},
	}
}

// OnSettle registers a callback invoked after every settlement. confirmed
// carries the server message of a confirmed send or edit, when there is one;
// mounted is false when the thread was unmounted before the answer arrived.
func (m *MutationManager) OnSettle(fn func(entry *Entry, confirmed *api.Message, mounted bool)) {
	m.onSettle = fn
}

func (m *MutationManager) notify(entry *Entry, confirmed *api.Message, mounted bool) {
	if m.onSettle != nil {
		m.onSettle(entry, confirmed, mounted)
	}
}

// Submit applies the mutation to the rendered thread and dispatches it. A
// mutation on a target that already has one in flight is queued and applied
// only after the earlier one settles.
func (m *MutationManager) Submit(mutation Mutation) (*Entry, error) {
	if m.messages.ConversationId().IsZero() {
		return nil, ErrNotMounted
	}
	if mutation.ConversationId.IsZero() {
		mutation.ConversationId = m.messages.ConversationId()
	}
	if !m.messages.Mounted(mutation.ConversationId) {
		return nil, ErrNotMounted
	}

	entry := &Entry{
		Id:       uuid.New(),
		Mutation: mutation,
		done:     make(chan struct{}),
	}
	m.nextSeq++
	entry.seq = m.nextSeq

	if mutation.Kind == MutationSend {
		if mutation.Content == "" && !mutation.MediaType.IsMedia() {
			return nil, ErrEmptyMessage
		}
		entry.ClientId = localIdPrefix + entry.Id.String()
		entry.TargetId = api.ID(entry.ClientId)
	}

	key := api.ToIdString(entry.TargetId)
	if key == "" {
		return nil, ErrMessageNotFound
	}

	if _, busy := m.inflight[key]; busy {
		entry.status = StatusQueued
		m.queued[key] = append(m.queued[key], entry)
		return entry, nil
	}

	if err := m.start(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// start applies the optimistic effect and hands the entry to the dispatcher.
func (m *MutationManager) start(entry *Entry) error {
	key := api.ToIdString(entry.TargetId)

	switch entry.Kind {
	case MutationSend:
		entry.placeholder = api.Message{
			Id:             entry.TargetId,
			ClientId:       entry.ClientId,
			ConversationId: entry.ConversationId,
			FromUser:       m.currentUser,
			Content:        entry.Content,
			MediaType:      mediaOrNone(entry.MediaType),
			MediaUrl:       entry.MediaUrl,
			CreatedAt:      m.now(),
		}
		m.messages.Put(entry.placeholder)

	case MutationEdit, MutationDelete:
		before, ok := m.messages.Get(entry.TargetId)
		if !ok {
			return ErrMessageNotFound
		}
		if before.IsDeleted {
			return ErrMessageDeleted
		}
		if !IsOwnMessage(before, m.currentUser.Id) {
			return ErrNotOwnMessage
		}
		if entry.Kind == MutationEdit && entry.Content == "" {
			return ErrEmptyMessage
		}

		var err error
		if entry.Kind == MutationEdit {
			err = m.messages.ApplyEdit(entry.TargetId, entry.Content, m.now())
		} else {
			err = m.messages.ApplyDelete(entry.TargetId)
		}
		if err != nil {
			return err
		}

		after, _ := m.messages.Get(entry.TargetId)
		patch, err := mergePatch(before, after)
		if err != nil {
			m.messages.Put(before)
			return err
		}
		entry.snapshot = before
		entry.hasSnapshot = true
		entry.patch = patch

	default:
		return ErrMessageNotFound
	}

	entry.status = StatusPending
	m.inflight[key] = entry
	if m.dispatch != nil {
		m.dispatch(entry)
	}
	return nil
}

// Settle records the server's answer for an entry. A confirmed send replaces
// its placeholder with the server message; a failure restores only the
// target's pre-mutation state.
func (m *MutationManager) Settle(entry *Entry, confirmed *api.Message, err error) {
	if entry == nil || entry.status == StatusConfirmed || entry.status == StatusFailed {
		return
	}
	key := api.ToIdString(entry.TargetId)
	if confirmed != nil && confirmed.Id.IsZero() {
		confirmed = nil
	}

	if m.inflight[key] != entry {
		// The thread was unmounted while the call was in flight.
		m.finish(entry, err)
		m.log.Debug("mutation settled after unmount",
			zap.String("kind", string(entry.Kind)),
			zap.String("targetId", key))
		m.notify(entry, confirmed, false)
		return
	}
	delete(m.inflight, key)

	if err == nil {
		m.confirm(entry, confirmed)
	} else {
		m.rollback(entry)
	}
	m.finish(entry, err)
	m.notify(entry, confirmed, true)

	if entry.Kind == MutationSend && (err != nil || confirmed == nil) {
		// Nothing queued behind the placeholder has a server id to target.
		for _, next := range m.queued[key] {
			m.finish(next, ErrMessageNotFound)
			m.notify(next, nil, true)
		}
		delete(m.queued, key)
		return
	}

	if err == nil && entry.Kind == MutationSend {
		key = m.retarget(key, confirmed.Id)
	}
	m.advance(key)
}

func (m *MutationManager) confirm(entry *Entry, confirmed *api.Message) {
	switch entry.Kind {
	case MutationSend:
		if confirmed == nil {
			return
		}
		server := confirmed.Clone()
		if server.ClientId == "" {
			server.ClientId = entry.ClientId
		}
		// A terse reply keeps the placeholder's author, conversation and time.
		if server.FromUser.Id.IsZero() {
			server.FromUser = entry.placeholder.FromUser
		}
		if server.ConversationId.IsZero() {
			server.ConversationId = entry.placeholder.ConversationId
		}
		if server.CreatedAt.IsZero() {
			server.CreatedAt = entry.placeholder.CreatedAt
		}
		if !m.messages.Replace(entry.TargetId, server) {
			m.messages.Put(server)
		}
	case MutationEdit:
		if confirmed == nil || !confirmed.Id.Equal(entry.TargetId) {
			return
		}
		current, ok := m.messages.Get(entry.TargetId)
		if !ok || current.IsDeleted {
			return
		}
		// Only the edited fields are taken from the reply; identity, position
		// and receipts stay with the stored message.
		content := confirmed.Content
		if content == "" {
			content = current.Content
		}
		at := m.now()
		switch {
		case confirmed.EditedAt != nil:
			at = *confirmed.EditedAt
		case current.EditedAt != nil:
			at = *current.EditedAt
		}
		_ = m.messages.ApplyEdit(entry.TargetId, content, at)
	}
}

func (m *MutationManager) rollback(entry *Entry) {
	switch entry.Kind {
	case MutationSend:
		m.messages.Remove(entry.TargetId)
	case MutationEdit, MutationDelete:
		if entry.hasSnapshot {
			m.messages.Put(entry.snapshot)
		}
	}
}

// retarget moves mutations queued behind a placeholder onto the id the
// server assigned.
func (m *MutationManager) retarget(oldKey string, id api.ID) string {
	newKey := api.ToIdString(id)
	if newKey == "" || newKey == oldKey {
		return oldKey
	}
	queue := m.queued[oldKey]
	delete(m.queued, oldKey)
	for _, next := range queue {
		next.TargetId = id
	}
	m.queued[newKey] = append(m.queued[newKey], queue...)
	return newKey
}

// advance starts the next queued mutation for key, settling as failed any
// that can no longer apply.
func (m *MutationManager) advance(key string) {
	for {
		queue := m.queued[key]
		if len(queue) == 0 {
			delete(m.queued, key)
			return
		}
		next := queue[0]
		m.queued[key] = queue[1:]

		if err := m.start(next); err != nil {
			m.finish(next, err)
			m.notify(next, nil, true)
			continue
		}
		return
	}
}

func (m *MutationManager) finish(entry *Entry, err error) {
	if err == nil {
		entry.status = StatusConfirmed
	} else {
		entry.status = StatusFailed
		entry.err = err
	}
	close(entry.done)
}

// Rebase re-applies every in-flight effect after the thread was reloaded from
// a poll, so local effects win over the snapshot until they settle. The
// polled version becomes the rollback point.
func (m *MutationManager) Rebase() {
	entries := make([]*Entry, 0, len(m.inflight))
	for _, entry := range m.inflight {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	for _, entry := range entries {
		switch entry.Kind {
		case MutationSend:
			if _, delivered := m.messages.FindByClientId(entry.ClientId); delivered {
				continue
			}
			m.messages.Put(entry.placeholder)

		case MutationEdit, MutationDelete:
			base, ok := m.messages.Get(entry.TargetId)
			if !ok {
				continue
			}
			merged, err := applyMergePatch(base, entry.patch)
			if err != nil {
				m.log.Warn("could not replay optimistic effect", zap.Error(err))
				continue
			}
			entry.snapshot = base
			entry.hasSnapshot = true
			m.messages.Put(merged)
		}
	}
}

// Pending reports whether id has a mutation in flight.
func (m *MutationManager) Pending(id api.ID) bool {
	_, ok := m.inflight[api.ToIdString(id)]
	return ok
}

// Outstanding is the number of in-flight and queued mutations.
func (m *MutationManager) Outstanding() int {
	n := len(m.inflight)
	for _, queue := range m.queued {
		n += len(queue)
	}
	return n
}

// Reset forgets every mutation; called when the thread is unmounted. Queued
// mutations fail; in-flight ones resolve when their answer arrives but no
// longer touch the store.
func (m *MutationManager) Reset() {
	for key, queue := range m.queued {
		for _, entry := range queue {
			m.finish(entry, ErrNotMounted)
			m.notify(entry, nil, false)
		}
		delete(m.queued, key)
	}
	m.inflight = map[string]*Entry{}
}

func mergePatch(before, after api.Message) ([]byte, error) {
	original, err := json.Marshal(before)
	if err != nil {
		return nil, err
	}
	modified, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	return jsonPatch.CreateMergePatch(original, modified)
}

func applyMergePatch(base api.Message, patch []byte) (api.Message, error) {
	doc, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	merged, err := jsonPatch.MergePatch(doc, patch)
	if err != nil {
		return base, err
	}
	var out api.Message
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, err
	}
	return out, nil
}

func mediaOrNone(media api.MediaType) api.MediaType {
	if media == "" {
		return api.MediaNone
	}
	return media
}

// IsLocalId reports whether id belongs to a placeholder the server has not
// confirmed yet.
func IsLocalId(id api.ID) bool {
	return strings.HasPrefix(string(id), localIdPrefix)
}
