package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatCore/pkg/api"
	"chatCore/pkg/metrics"
)

const (
	DefaultPollInterval      = 30 * time.Second
	DefaultCloseRefreshDelay = 500 * time.Millisecond
	DefaultRequestTimeout    = 10 * time.Second
	DefaultRefreshRate       = rate.Limit(0.5)

	maxNotices = 20
)

const (
	UpdateConversations = "conversations"
	UpdateThread        = "thread"
	UpdateScroll        = "scroll"
	UpdateNotice        = "notice"
	UpdateBadge         = "badge"
	UpdatePresence      = "presence"
	UpdatePanel         = "panel"
)

type Config struct {
	CurrentUser       api.User
	PollInterval      time.Duration
	CloseRefreshDelay time.Duration
	RequestTimeout    time.Duration
	RefreshRate       rate.Limit
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CloseRefreshDelay <= 0 {
		c.CloseRefreshDelay = DefaultCloseRefreshDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RefreshRate <= 0 {
		c.RefreshRate = DefaultRefreshRate
	}
	return c
}

// Session is the chat session controller. All store access happens on the
// goroutine running Run; network calls run on their own goroutines and post
// their results back to it, so every store sees events in the order the loop
// observes them.
type Session struct {
	service  api.ChatService
	cfg      Config
	log      *zap.Logger
	metrics  metrics.Recorder
	presence *PresenceTracker
	limiter  *rate.Limiter

	conversations *ConversationStore
	messages      *MessageStore
	mutations     *MutationManager

	calls   chan func()
	updates chan api.OutgoingEvent
	done    chan struct{}

	// Loop-owned state below.
	ctx          context.Context
	ticker       *time.Ticker
	closeRefresh *time.Timer
	open         bool
	panelGen     uint64

	// Conversation fetch sequencing: responses older than the last applied
	// one, or issued before the last local write, are dropped.
	listIssued  uint64
	listApplied uint64
	listBarrier uint64

	mountGen      uint64
	mountCtx      context.Context
	mountCancel   context.CancelFunc
	threadIssued  uint64
	threadSeen    uint64
	threadBarrier uint64
	scrollConv    api.ID
	scrollLen     int

	notices []Notice
	badge   int
}

func NewSession(service api.ChatService, presence *PresenceTracker, cfg Config, recorder metrics.Recorder, log *zap.Logger) *Session {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if presence == nil {
		presence = NewPresenceTracker()
	}
	if recorder == nil {
		recorder = (*metrics.Metrics)(nil)
	}

	s := &Session{
		service:       service,
		cfg:           cfg,
		log:           log,
		metrics:       recorder,
		presence:      presence,
		limiter:       rate.NewLimiter(cfg.RefreshRate, 1),
		conversations: NewConversationStore(cfg.CurrentUser.Id),
		messages:      NewMessageStore(),
		calls:         make(chan func()),
		updates:       make(chan api.OutgoingEvent, 64),
		done:          make(chan struct{}),
	}
	s.mutations = NewMutationManager(s.messages, cfg.CurrentUser, s.dispatch, log)
	s.mutations.OnSettle(s.settled)
	return s
}

// Updates streams view-change events. Events are dropped when the consumer
// falls behind; consumers re-read the views on every event.
func (s *Session) Updates() <-chan api.OutgoingEvent {
	return s.updates
}

func (s *Session) Presence() *PresenceTracker {
	return s.presence
}

// Run drives the session until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	s.ticker = time.NewTicker(s.cfg.PollInterval)
	defer func() {
		s.ticker.Stop()
		s.stopCloseRefresh()
		s.unmount()
		close(s.done)
	}()

	s.fetchConversations()
	s.fetchStaff()

	for {
		// The periodic poll only runs while the panel is closed.
		var poll <-chan time.Time
		if !s.open {
			poll = s.ticker.C
		}
		var closeRefresh <-chan time.Time
		if s.closeRefresh != nil {
			closeRefresh = s.closeRefresh.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.calls:
			fn()
		case <-poll:
			s.fetchConversations()
		case <-closeRefresh:
			s.closeRefresh = nil
			s.fetchConversations()
		case <-s.presence.Changed():
			s.publish(api.OutgoingEvent{Kind: UpdatePresence})
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.calls <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// post hands a network result back to the loop. Results arriving after the
// session stopped are discarded.
func (s *Session) post(fn func()) {
	select {
	case s.calls <- fn:
	case <-s.done:
	}
}

func (s *Session) publish(event api.OutgoingEvent) {
	select {
	case s.updates <- event:
	default:
		s.log.Debug("update stream full, dropping event", zap.String("kind", event.Kind))
	}
}

func (s *Session) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.RequestTimeout)
}

// Open marks the chat panel as open, suspending the periodic poll.
func (s *Session) Open(ctx context.Context) error {
	return s.do(ctx, func() {
		if s.open {
			return
		}
		s.open = true
		s.panelGen++
		s.stopCloseRefresh()
		if len(s.conversations.StaffList()) == 0 {
			s.fetchStaff()
		}
		s.publish(api.OutgoingEvent{Kind: UpdatePanel})
	})
}

// Close marks the panel closed: the open thread is unmounted, the periodic
// poll resumes and one refresh is scheduled shortly after.
func (s *Session) Close(ctx context.Context) error {
	return s.do(ctx, func() {
		if !s.open {
			return
		}
		s.open = false
		s.panelGen++
		s.unmount()
		s.conversations.ClearSelection()

		s.ticker.Reset(s.cfg.PollInterval)
		select {
		case <-s.ticker.C:
		default:
		}
		s.stopCloseRefresh()
		s.closeRefresh = time.NewTimer(s.cfg.CloseRefreshDelay)
		s.publish(api.OutgoingEvent{Kind: UpdatePanel})
	})
}

func (s *Session) stopCloseRefresh() {
	if s.closeRefresh != nil {
		s.closeRefresh.Stop()
		s.closeRefresh = nil
	}
}

// IsOpen reports whether the panel is open.
func (s *Session) IsOpen(ctx context.Context) (bool, error) {
	var open bool
	err := s.do(ctx, func() { open = s.open })
	return open, err
}

// Refresh fetches the list, and the open thread if any, on demand.
func (s *Session) Refresh(ctx context.Context) error {
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	return s.do(ctx, func() {
		s.fetchConversations()
		if id := s.messages.ConversationId(); !id.IsZero() {
			s.fetchThread(id)
		}
	})
}

func (s *Session) fetchConversations() {
	s.listIssued++
	seq := s.listIssued
	ctx := s.ctx

	go func() {
		reqCtx, cancel := s.requestContext(ctx)
		defer cancel()
		list, err := s.service.GetConversations(reqCtx)
		s.post(func() { s.applyConversations(seq, list, err) })
	}()
}

func (s *Session) applyConversations(seq uint64, list []api.Conversation, err error) {
	if seq <= s.listApplied || seq <= s.listBarrier {
		s.metrics.Dropped("stale_list")
		s.log.Debug("dropping stale conversation list", zap.Uint64("seq", seq))
		return
	}
	s.listApplied = seq

	if err != nil {
		s.metrics.Poll("error")
		s.log.Warn("could not fetch conversations", zap.Error(err))
		s.conversations.Fail(err)
	} else {
		s.metrics.Poll("ok")
		s.conversations.Load(list)
	}
	s.publish(api.OutgoingEvent{Kind: UpdateConversations})
	s.updateBadge()
}

// localListWrite invalidates every conversation fetch already in flight.
func (s *Session) localListWrite() {
	s.listBarrier = s.listIssued
	s.publish(api.OutgoingEvent{Kind: UpdateConversations})
	s.updateBadge()
}

func (s *Session) updateBadge() {
	total := s.conversations.TotalUnread()
	s.metrics.Unread(total)
	if total != s.badge {
		s.badge = total
		s.publish(api.OutgoingEvent{Kind: UpdateBadge, Unread: total})
	}
}

func (s *Session) fetchStaff() {
	ctx := s.ctx
	go func() {
		reqCtx, cancel := s.requestContext(ctx)
		defer cancel()
		staff, err := s.service.GetStaff(reqCtx)
		s.post(func() {
			if err != nil {
				s.log.Warn("could not fetch staff", zap.Error(err))
				return
			}
			s.conversations.LoadStaff(staff)
			s.publish(api.OutgoingEvent{Kind: UpdateConversations})
		})
	}()
}

// SelectConversation opens the panel on a conversation and loads its thread.
func (s *Session) SelectConversation(ctx context.Context, id api.ID) error {
	var err error
	doErr := s.do(ctx, func() {
		if !s.conversations.Select(id) {
			err = ErrNotMounted
			return
		}
		s.openPanel()
		s.mount(id)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) openPanel() {
	if !s.open {
		s.open = true
		s.panelGen++
		s.stopCloseRefresh()
		s.publish(api.OutgoingEvent{Kind: UpdatePanel})
	}
}

// mount switches the thread to id. Anything still in flight for the previous
// thread is cancelled or becomes a no-op.
func (s *Session) mount(id api.ID) {
	s.unmount()

	s.mountCtx, s.mountCancel = context.WithCancel(s.ctx)
	s.mountGen++
	s.messages.Mount(id)
	s.scrollConv = ""
	s.scrollLen = 0
	s.publish(api.OutgoingEvent{Kind: UpdateThread, ConversationId: id.String()})

	s.fetchThread(id)

	if conversation, ok := s.conversations.Get(id); ok && conversation.UnreadCount > 0 {
		s.markRead(id)
	}
}

func (s *Session) unmount() {
	if s.mountCancel != nil {
		s.mountCancel()
		s.mountCancel = nil
		s.mountCtx = nil
	}
	if !s.messages.ConversationId().IsZero() {
		s.mutations.Reset()
		s.messages.Unmount()
	}
}

// fetchThread loads the mounted thread. The request is cancelled when the
// thread is unmounted.
func (s *Session) fetchThread(id api.ID) {
	if !s.messages.Mounted(id) || s.mountCtx == nil {
		return
	}
	ctx := s.mountCtx
	s.threadIssued++
	seq := s.threadIssued
	gen := s.mountGen

	go func() {
		reqCtx, cancel := s.requestContext(ctx)
		defer cancel()
		messages, err := s.service.GetMessages(reqCtx, id)
		s.post(func() { s.applyThread(gen, seq, id, messages, err) })
	}()
}

func (s *Session) applyThread(gen, seq uint64, id api.ID, messages []api.Message, err error) {
	if gen != s.mountGen || !s.messages.Mounted(id) {
		s.metrics.Dropped("unmounted")
		s.log.Debug("dropping thread for unmounted conversation", zap.String("conversationId", id.String()))
		return
	}
	if seq <= s.threadSeen || seq <= s.threadBarrier {
		s.metrics.Dropped("stale_thread")
		return
	}
	s.threadSeen = seq

	if err != nil {
		s.log.Warn("could not fetch messages", zap.String("conversationId", id.String()), zap.Error(err))
		s.addNotice("", "", err)
		return
	}

	s.messages.Load(messages)
	s.mutations.Rebase()
	s.threadChanged()
}

// threadChanged publishes the thread and, when it was just mounted or grew,
// a scroll-to-bottom event.
func (s *Session) threadChanged() {
	id := s.messages.ConversationId()
	s.publish(api.OutgoingEvent{Kind: UpdateThread, ConversationId: id.String()})

	n := s.messages.Len()
	if !s.scrollConv.Equal(id) || n > s.scrollLen {
		s.publish(api.OutgoingEvent{Kind: UpdateScroll, ConversationId: id.String()})
	}
	s.scrollConv = id
	s.scrollLen = n
}

func (s *Session) markRead(id api.ID) {
	ctx := s.ctx
	go func() {
		reqCtx, cancel := s.requestContext(ctx)
		defer cancel()
		err := s.service.MarkRead(reqCtx, id)
		s.post(func() {
			if err != nil {
				s.log.Warn("could not mark conversation read", zap.String("conversationId", id.String()), zap.Error(err))
				return
			}
			if s.conversations.MarkRead(id) {
				s.localListWrite()
			}
		})
	}()
}

// SendMessage appends the message optimistically to the open thread.
func (s *Session) SendMessage(ctx context.Context, conversationId api.ID, content string, media api.MediaType, mediaUrl string) (Receipt, error) {
	return s.submit(ctx, Mutation{
		Kind:           MutationSend,
		ConversationId: conversationId,
		Content:        content,
		MediaType:      media,
		MediaUrl:       mediaUrl,
	})
}

func (s *Session) EditMessage(ctx context.Context, id api.ID, content string) (Receipt, error) {
	return s.submit(ctx, Mutation{Kind: MutationEdit, TargetId: id, Content: content})
}

func (s *Session) DeleteMessage(ctx context.Context, id api.ID) (Receipt, error) {
	return s.submit(ctx, Mutation{Kind: MutationDelete, TargetId: id})
}

func (s *Session) submit(ctx context.Context, mutation Mutation) (Receipt, error) {
	var (
		receipt Receipt
		err     error
	)
	doErr := s.do(ctx, func() {
		var entry *Entry
		entry, err = s.mutations.Submit(mutation)
		if err != nil {
			return
		}
		receipt = entry.receipt()
		s.threadChanged()
	})
	if doErr != nil {
		return Receipt{}, doErr
	}
	return receipt, err
}

// dispatch runs the transport call of a mutation. Mutations are not tied to
// the mount: the request completes even if the thread is closed meanwhile,
// and its answer then only resolves the handle.
func (s *Session) dispatch(entry *Entry) {
	ctx := s.ctx
	mutation := entry.Mutation
	clientId := entry.ClientId

	go func() {
		reqCtx, cancel := s.requestContext(ctx)
		defer cancel()

		var (
			confirmed *api.Message
			err       error
		)
		switch mutation.Kind {
		case MutationSend:
			var message api.Message
			message, err = s.service.SendMessage(reqCtx, api.NewMessage{
				ConversationId: mutation.ConversationId,
				ClientId:       clientId,
				Content:        mutation.Content,
				MediaType:      mediaOrNone(mutation.MediaType),
				MediaUrl:       mutation.MediaUrl,
			})
			if err == nil && !message.Id.IsZero() {
				confirmed = &message
			}
		case MutationEdit:
			var message api.Message
			message, err = s.service.EditMessage(reqCtx, mutation.TargetId, mutation.Content)
			if err == nil && !message.Id.IsZero() {
				confirmed = &message
			}
		case MutationDelete:
			err = s.service.DeleteMessage(reqCtx, mutation.TargetId)
		}

		s.post(func() { s.mutations.Settle(entry, confirmed, err) })
	}()
}

func (s *Session) settled(entry *Entry, confirmed *api.Message, mounted bool) {
	s.metrics.Mutation(string(entry.Kind), string(entry.Status()))

	if entry.Status() == StatusConfirmed && entry.Kind == MutationSend && confirmed != nil {
		latest := *confirmed
		if stored, ok := s.messages.Get(confirmed.Id); ok {
			latest = stored
		}
		if s.conversations.Touch(entry.ConversationId, latest) {
			s.localListWrite()
		}
	}

	if !mounted {
		return
	}
	deliveredBlind := entry.Kind == MutationSend && confirmed == nil
	if entry.Status() == StatusConfirmed && (s.threadIssued > s.threadSeen || deliveredBlind) {
		// A thread fetch issued before the server accepted the mutation
		// would undo it; replace it with a fresh one. A send accepted
		// without a body is picked up the same way.
		s.threadBarrier = s.threadIssued
		s.fetchThread(entry.ConversationId)
	}
	if entry.Status() == StatusFailed {
		s.log.Info("mutation rolled back",
			zap.String("kind", string(entry.Kind)),
			zap.String("targetId", entry.TargetId.String()),
			zap.Error(entry.Err()))
		s.addNotice(entry.Kind, entry.TargetId, entry.Err())
	}
	s.threadChanged()
}

// StartStaffConversation reuses the conversation with a support agent or
// asks the server to create one, then selects it.
func (s *Session) StartStaffConversation(ctx context.Context, staffId api.ID) (api.Conversation, error) {
	var (
		existing api.Conversation
		found    bool
		panelGen uint64
	)
	if err := s.do(ctx, func() {
		existing, found = s.conversations.FindWithParticipant(staffId)
		if found {
			s.conversations.Select(existing.Id)
			s.openPanel()
			if !s.messages.Mounted(existing.Id) {
				s.mount(existing.Id)
			}
		}
		panelGen = s.panelGen
	}); err != nil {
		return api.Conversation{}, err
	}
	if found {
		return existing, nil
	}

	reqCtx, cancel := s.requestContext(ctx)
	defer cancel()
	created, err := s.service.CreateConversation(reqCtx, staffId)
	if err != nil {
		return api.Conversation{}, err
	}
	if !created.Valid() {
		return api.Conversation{}, ErrUnknownStaff
	}

	err = s.do(ctx, func() {
		if panelGen != s.panelGen {
			// The panel was closed or reopened meanwhile: keep the list
			// current but do not steal the selection.
			s.conversations.Upsert(created)
			s.localListWrite()
			return
		}
		s.conversations.UpsertAndSelect(created)
		s.localListWrite()
		s.openPanel()
		s.mount(created.Id)
	})
	return created, err
}

// Inbox renders the conversation panel.
func (s *Session) Inbox(ctx context.Context, opts ListOptions) (Inbox, error) {
	var inbox Inbox
	err := s.do(ctx, func() {
		presence := s.presence.Snapshot()
		inbox = Inbox{
			State:         s.conversations.State().String(),
			Skipped:       s.conversations.Skipped(),
			Conversations: s.conversationViews(s.conversations.VisibleList(opts.Exclude, opts.RequireLastMessage), presence),
			Support:       s.conversationViews(s.conversations.SupportList(), presence),
			Unread:        s.conversations.TotalUnread(),
		}
		if err := s.conversations.Err(); err != nil {
			inbox.Error = err.Error()
		}
	})
	return inbox, err
}

// Thread renders the open thread.
func (s *Session) Thread(ctx context.Context) (ThreadView, error) {
	var (
		view ThreadView
		err  error
	)
	doErr := s.do(ctx, func() {
		id := s.messages.ConversationId()
		if id.IsZero() {
			err = ErrNotMounted
			return
		}
		view.ConversationId = id
		if conversation, ok := s.conversations.Get(id); ok {
			view.Other = s.conversations.OtherParticipant(conversation)
			view.OtherOnline = s.presence.IsOnline(view.Other.Id)
		}
		view.Messages = s.messages.View(s.cfg.CurrentUser.Id, view.Other.Id, s.mutations.Pending)
	})
	if doErr != nil {
		return ThreadView{}, doErr
	}
	return view, err
}

func (s *Session) Staff(ctx context.Context) ([]StaffView, error) {
	var views []StaffView
	err := s.do(ctx, func() {
		presence := s.presence.Snapshot()
		for _, member := range s.conversations.StaffList() {
			view := StaffView{User: member, Online: presence.IsOnline(member.Id)}
			if conversation, ok := s.conversations.FindWithParticipant(member.Id); ok {
				view.ConversationId = conversation.Id
			}
			views = append(views, view)
		}
	})
	return views, err
}

// Unread is the floating badge value.
func (s *Session) Unread(ctx context.Context) (int, error) {
	var total int
	err := s.do(ctx, func() { total = s.conversations.TotalUnread() })
	return total, err
}

func (s *Session) addNotice(kind MutationKind, target api.ID, err error) {
	notice := Notice{
		Id:       uuid.NewString(),
		Kind:     kind,
		TargetId: target,
		Message:  Describe(err),
		At:       time.Now(),
	}
	s.notices = append(s.notices, notice)
	if len(s.notices) > maxNotices {
		s.notices = s.notices[len(s.notices)-maxNotices:]
	}
	s.publish(api.OutgoingEvent{Kind: UpdateNotice, MessageId: target.String(), Notice: notice.Message})
}

func (s *Session) Notices(ctx context.Context) ([]Notice, error) {
	var out []Notice
	err := s.do(ctx, func() { out = append([]Notice(nil), s.notices...) })
	return out, err
}

// DismissNotice removes a notice; it reports false for unknown ids.
func (s *Session) DismissNotice(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := s.do(ctx, func() {
		for i, notice := range s.notices {
			if notice.Id == id {
				s.notices = append(s.notices[:i], s.notices[i+1:]...)
				removed = true
				s.publish(api.OutgoingEvent{Kind: UpdateNotice})
				return
			}
		}
	})
	return removed, err
}
