// Package syncer keeps one ordered, deduplicated message view per
// conversation. It merges REST history pages, optimistic local sends
// and push-delivered events; the merge is idempotent and commutative
// under duplicate delivery, so at-least-once transports are safe.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opscrm/chatsync/internal/apperr"
	"github.com/opscrm/chatsync/internal/metrics"
	"github.com/opscrm/chatsync/internal/model"
	"github.com/opscrm/chatsync/internal/pubsub"
	"github.com/opscrm/chatsync/internal/rest"
)

// correlationWindow bounds the best-effort match between a pending
// send and a server echo that carries no correlation token.
const correlationWindow = 5 * time.Second

// Invoker issues commands over the real-time channel.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any) (json.RawMessage, error)
}

// API is the REST surface used for history paging and as the command
// fallback when the channel is down.
type API interface {
	Conversations(ctx context.Context, pageIndex, pageSize int) (rest.ConversationsPage, error)
	Conversation(ctx context.Context, convID string) (model.Conversation, error)
	Messages(ctx context.Context, convID string, pageIndex, pageSize int) (rest.MessagesPage, error)
	SendMessage(ctx context.Context, convID, clientMsgID, content string) (model.Message, error)
	MarkRead(ctx context.Context, convID string) error
}

// Visibility reports whether a conversation has an open, non-minimized
// window; unread never increments for visible conversations.
type Visibility interface {
	Visible(convID string) bool
}

type alwaysHidden struct{}

func (alwaysHidden) Visible(string) bool { return false }

type Syncer struct {
	log      *zap.SugaredLogger
	api      API
	inv      Invoker
	selfID   string
	pageSize int

	mu          sync.Mutex
	vis         Visibility
	onUnread    func(convID string, count int)
	convs       map[string]*model.Conversation
	msgs        map[string][]model.Message
	msgStreams  map[string]*pubsub.Stream[[]model.Message]
	convStream  *pubsub.Stream[[]model.Conversation]
	hasNextPage map[string]bool
}

func New(api API, inv Invoker, selfID string, pageSize int, log *zap.SugaredLogger) *Syncer {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Syncer{
		log:         log,
		api:         api,
		inv:         inv,
		selfID:      selfID,
		pageSize:    pageSize,
		vis:         alwaysHidden{},
		convs:       make(map[string]*model.Conversation),
		msgs:        make(map[string][]model.Message),
		msgStreams:  make(map[string]*pubsub.Stream[[]model.Message]),
		convStream:  pubsub.NewStream[[]model.Conversation](),
		hasNextPage: make(map[string]bool),
	}
}

// SetVisibility wires the window state in; done at composition time.
func (s *Syncer) SetVisibility(v Visibility) {
	s.mu.Lock()
	s.vis = v
	s.mu.Unlock()
}

// SetUnreadFunc registers the aggregate counter callback.
func (s *Syncer) SetUnreadFunc(fn func(convID string, count int)) {
	s.mu.Lock()
	s.onUnread = fn
	s.mu.Unlock()
}

// ConversationStream emits the conversation list ordered by last
// activity, newest first.
func (s *Syncer) ConversationStream() *pubsub.Stream[[]model.Conversation] {
	return s.convStream
}

func (s *Syncer) MessageStream(convID string) *pubsub.Stream[[]model.Message] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgStreamLocked(convID)
}

func (s *Syncer) msgStreamLocked(convID string) *pubsub.Stream[[]model.Message] {
	st, ok := s.msgStreams[convID]
	if !ok {
		st = pubsub.NewStream[[]model.Message]()
		s.msgStreams[convID] = st
	}
	return st
}

// LoadConversations fetches a summary page and upserts it. Local
// unread counts survive the refresh; the server list is authoritative
// for everything else.
func (s *Syncer) LoadConversations(ctx context.Context, pageIndex int) (bool, error) {
	page, err := s.api.Conversations(ctx, pageIndex, s.pageSize)
	if err != nil {
		s.log.Warnw("conversation page fetch failed", "page", pageIndex, "err", err)
		return false, err
	}
	s.mu.Lock()
	for _, in := range page.Items {
		conv := in
		if cur, ok := s.convs[conv.ID]; ok {
			conv.Unread = cur.Unread
			if cur.LastActivity.After(conv.LastActivity) {
				conv.LastActivity = cur.LastActivity
			}
		}
		s.convs[conv.ID] = &conv
	}
	convSnap := s.conversationsLocked()
	s.mu.Unlock()
	s.convStream.Publish(convSnap)
	return page.HasNextPage, nil
}

// LoadHistory merges one REST page into the ordered store. Page zero
// initializes or replaces the confirmed entries; local pending and
// failed sends survive the replace. Older pages merge in by order, so
// prepending falls out of the sort.
func (s *Syncer) LoadHistory(ctx context.Context, convID string, page int) error {
	p, err := s.api.Messages(ctx, convID, page, s.pageSize)
	if err != nil {
		// degrade to an empty page; the view stays usable
		s.log.Warnw("history fetch failed", "conversation", convID, "page", page, "err", err)
		return err
	}
	s.mu.Lock()
	if page == 0 {
		var kept []model.Message
		for _, m := range s.msgs[convID] {
			if m.Status == model.DeliveryPending || m.Status == model.DeliveryFailed {
				kept = append(kept, m)
			}
		}
		s.msgs[convID] = kept
	}
	for _, m := range p.Items {
		s.mergeLocked(m, false)
	}
	s.hasNextPage[convID] = p.HasNextPage
	msgSnap := s.messagesLocked(convID)
	convSnap := s.conversationsLocked()
	st := s.msgStreamLocked(convID)
	s.mu.Unlock()

	st.Publish(msgSnap)
	s.convStream.Publish(convSnap)
	return nil
}

// HasMoreHistory reports whether older pages remain for a conversation.
func (s *Syncer) HasMoreHistory(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasNextPage[convID]
}

// SendMessage appends an optimistic pending entry and dispatches the
// send, preferring the channel and falling back to REST. On failure
// the entry stays visible in failed status for retry or removal.
func (s *Syncer) SendMessage(ctx context.Context, convID, content string) (string, error) {
	token := uuid.NewString()
	msg := model.Message{
		ConversationID: convID,
		SenderID:       s.selfID,
		Content:        content,
		Kind:           model.MsgText,
		CreatedAt:      time.Now().UTC(),
		Status:         model.DeliveryPending,
		ClientMsgID:    token,
	}

	s.mu.Lock()
	s.insertLocked(msg)
	s.bumpActivityLocked(convID, msg.CreatedAt)
	msgSnap := s.messagesLocked(convID)
	convSnap := s.conversationsLocked()
	st := s.msgStreamLocked(convID)
	s.mu.Unlock()
	st.Publish(msgSnap)
	s.convStream.Publish(convSnap)

	confirmed, err := s.dispatchSend(ctx, convID, token, content)
	if err != nil {
		s.markFailed(convID, token)
		metrics.SendsFailed.Inc()
		return token, fmt.Errorf("%w: %v", apperr.ErrSendFailed, err)
	}
	s.Confirm(confirmed)
	return token, nil
}

// RetrySend re-dispatches a failed entry identified by its token.
func (s *Syncer) RetrySend(ctx context.Context, convID, token string) error {
	s.mu.Lock()
	var content string
	found := false
	list := s.msgs[convID]
	for i := range list {
		if list[i].ClientMsgID == token && list[i].Status == model.DeliveryFailed {
			list[i].Status = model.DeliveryPending
			content = list[i].Content
			found = true
			break
		}
	}
	msgSnap := s.messagesLocked(convID)
	st := s.msgStreamLocked(convID)
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("no failed message with token %s", token)
	}
	st.Publish(msgSnap)

	confirmed, err := s.dispatchSend(ctx, convID, token, content)
	if err != nil {
		s.markFailed(convID, token)
		metrics.SendsFailed.Inc()
		return fmt.Errorf("%w: %v", apperr.ErrSendFailed, err)
	}
	s.Confirm(confirmed)
	return nil
}

// RemoveFailed drops a failed optimistic entry.
func (s *Syncer) RemoveFailed(convID, token string) {
	s.mu.Lock()
	list := s.msgs[convID]
	for i := range list {
		if list[i].ClientMsgID == token && list[i].Status == model.DeliveryFailed {
			s.msgs[convID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	msgSnap := s.messagesLocked(convID)
	st := s.msgStreamLocked(convID)
	s.mu.Unlock()
	st.Publish(msgSnap)
}

type sendArgs struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	Content        string `json:"content"`
}

func (s *Syncer) dispatchSend(ctx context.Context, convID, token, content string) (model.Message, error) {
	raw, err := s.inv.Invoke(ctx, "SendMessage", sendArgs{ConversationID: convID, ClientMsgID: token, Content: content})
	if err == nil {
		var m model.Message
		if uerr := json.Unmarshal(raw, &m); uerr == nil && m.ID != "" {
			return m, nil
		}
		// server acked without echoing the message; the push event will
		// carry the token and confirm the pending entry
		return model.Message{ConversationID: convID, ClientMsgID: token}, nil
	}
	var chErr *apperr.ChannelError
	if !errors.As(err, &chErr) {
		return model.Message{}, err
	}
	s.log.Debugw("channel send failed, using rest fallback", "conversation", convID, "err", err)
	return s.api.SendMessage(ctx, convID, token, content)
}

// Confirm replaces the pending entry correlated with a server-confirmed
// message. A push event for the same server ID may have landed first;
// in that case the pending duplicate is removed instead.
func (s *Syncer) Confirm(m model.Message) {
	if m.ConversationID == "" {
		return
	}
	s.mu.Lock()
	s.confirmLocked(m)
	msgSnap := s.messagesLocked(m.ConversationID)
	convSnap := s.conversationsLocked()
	st := s.msgStreamLocked(m.ConversationID)
	s.mu.Unlock()
	st.Publish(msgSnap)
	s.convStream.Publish(convSnap)
}

// HandlePush merges a push-delivered message. Echoes of our own
// optimistic sends confirm the pending entry instead of duplicating.
func (s *Syncer) HandlePush(m model.Message) {
	s.mu.Lock()
	confirmed := false
	if m.SenderID == s.selfID || m.ClientMsgID != "" {
		confirmed = s.confirmLocked(m)
	}
	if !confirmed {
		if merged := s.mergeLocked(m, true); merged {
			if m.SenderID != s.selfID && !s.vis.Visible(m.ConversationID) {
				s.incrementUnreadLocked(m.ConversationID)
			}
		}
	}
	msgSnap := s.messagesLocked(m.ConversationID)
	convSnap := s.conversationsLocked()
	st := s.msgStreamLocked(m.ConversationID)
	onUnread := s.onUnread
	var unread int
	if c, ok := s.convs[m.ConversationID]; ok {
		unread = c.Unread
	}
	s.mu.Unlock()

	st.Publish(msgSnap)
	s.convStream.Publish(convSnap)
	if onUnread != nil {
		onUnread(m.ConversationID, unread)
	}
}

// HandleEdit replaces content on the matching identifier. An absent
// target is acceptable staleness, not an error.
func (s *Syncer) HandleEdit(convID, msgID, content string) {
	s.mu.Lock()
	list := s.msgs[convID]
	for i := range list {
		if list[i].ID == msgID {
			list[i].Content = content
			list[i].Edited = true
			break
		}
	}
	msgSnap := s.messagesLocked(convID)
	st := s.msgStreamLocked(convID)
	s.mu.Unlock()
	st.Publish(msgSnap)
}

// HandleDelete flags the message deleted. The entry stays so ordering
// and counts remain stable; rendering hides it.
func (s *Syncer) HandleDelete(convID, msgID string) {
	s.mu.Lock()
	list := s.msgs[convID]
	for i := range list {
		if list[i].ID == msgID {
			list[i].Deleted = true
			break
		}
	}
	msgSnap := s.messagesLocked(convID)
	st := s.msgStreamLocked(convID)
	s.mu.Unlock()
	st.Publish(msgSnap)
}

// HandleParticipant adds a participant to a loaded conversation.
func (s *Syncer) HandleParticipant(convID string, p model.Participant) {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if ok {
		exists := false
		for i := range conv.Participants {
			if conv.Participants[i].UserID == p.UserID {
				conv.Participants[i] = p
				exists = true
				break
			}
		}
		if !exists {
			conv.Participants = append(conv.Participants, p)
		}
	}
	convSnap := s.conversationsLocked()
	s.mu.Unlock()
	if ok {
		s.convStream.Publish(convSnap)
	}
}

// HandleStatus applies a chat-status change.
func (s *Syncer) HandleStatus(convID string, status model.ConversationStatus) {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if ok {
		conv.Status = status
	}
	convSnap := s.conversationsLocked()
	s.mu.Unlock()
	if ok {
		s.convStream.Publish(convSnap)
	}
}

// SetPresence updates the online flag of every participant matching
// the user across all loaded conversations.
func (s *Syncer) SetPresence(userID string, online bool) {
	s.mu.Lock()
	touched := false
	for _, conv := range s.convs {
		for i := range conv.Participants {
			if conv.Participants[i].UserID == userID {
				conv.Participants[i].Online = online
				touched = true
			}
		}
	}
	convSnap := s.conversationsLocked()
	s.mu.Unlock()
	if touched {
		s.convStream.Publish(convSnap)
	}
}

// MarkViewed zeroes the unread count and reports the read state to the
// server, channel first with REST fallback. Called when a window is
// opened or maximized.
func (s *Syncer) MarkViewed(ctx context.Context, convID string) {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if ok {
		conv.Unread = 0
	}
	convSnap := s.conversationsLocked()
	onUnread := s.onUnread
	s.mu.Unlock()

	if ok {
		s.convStream.Publish(convSnap)
	}
	if onUnread != nil {
		onUnread(convID, 0)
	}
	if _, err := s.inv.Invoke(ctx, "MarkConversationRead", map[string]string{"conversation_id": convID}); err != nil {
		if rerr := s.api.MarkRead(ctx, convID); rerr != nil {
			s.log.Warnw("mark read failed", "conversation", convID, "err", rerr)
		}
	}
}

// Messages returns a copy of the ordered view for one conversation.
func (s *Syncer) Messages(convID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked(convID)
}

// Conversations returns the list ordered by last activity, newest first.
func (s *Syncer) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsLocked()
}

func (s *Syncer) Unread(convID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[convID]; ok {
		return c.Unread
	}
	return 0
}

// --- internals, all called with s.mu held ---

func (s *Syncer) confirmLocked(m model.Message) bool {
	list := s.msgs[m.ConversationID]
	idx := -1
	if m.ClientMsgID != "" {
		for i := range list {
			if list[i].ClientMsgID == m.ClientMsgID && list[i].ID == "" {
				idx = i
				break
			}
		}
	}
	if idx < 0 && m.ID != "" {
		// no token round-tripped; best-effort match on sender, content
		// and temporal proximity
		for i := range list {
			if list[i].ID == "" && list[i].SenderID == m.SenderID && list[i].Content == m.Content &&
				absDuration(list[i].CreatedAt.Sub(m.CreatedAt)) <= correlationWindow {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return false
	}
	if m.ID == "" {
		// ack without echo; mark sent and wait for the push to carry
		// the real identifier
		list[idx].Status = model.DeliverySent
		return true
	}
	if containsID(list, m.ID) {
		// the push for the confirmed ID raced us; drop the pending twin
		s.msgs[m.ConversationID] = append(list[:idx], list[idx+1:]...)
		return true
	}
	if m.Status == "" {
		m.Status = model.DeliverySent
	}
	m.ClientMsgID = list[idx].ClientMsgID
	list[idx] = m
	sortMessages(list)
	s.bumpActivityLocked(m.ConversationID, m.CreatedAt)
	return true
}

// mergeLocked inserts a message keeping ascending creation-time order,
// ignoring identifiers already present. Returns whether it merged.
func (s *Syncer) mergeLocked(m model.Message, push bool) bool {
	list := s.msgs[m.ConversationID]
	if m.ID != "" && containsID(list, m.ID) {
		if push {
			metrics.DuplicatesDropped.Inc()
		}
		return false
	}
	s.insertLocked(m)
	s.bumpActivityLocked(m.ConversationID, m.CreatedAt)
	metrics.MessagesMerged.Inc()
	return true
}

func (s *Syncer) insertLocked(m model.Message) {
	list := append(s.msgs[m.ConversationID], m)
	sortMessages(list)
	s.msgs[m.ConversationID] = list
}

func (s *Syncer) bumpActivityLocked(convID string, at time.Time) {
	conv, ok := s.convs[convID]
	if !ok {
		// first sign of this conversation; a detail fetch fills the rest
		conv = &model.Conversation{ID: convID, Kind: model.KindSupport, Status: model.StatusOpen}
		s.convs[convID] = conv
	}
	if at.After(conv.LastActivity) {
		conv.LastActivity = at
	}
}

func (s *Syncer) incrementUnreadLocked(convID string) {
	if conv, ok := s.convs[convID]; ok {
		conv.Unread++
	}
}

func (s *Syncer) messagesLocked(convID string) []model.Message {
	src := s.msgs[convID]
	out := make([]model.Message, len(src))
	copy(out, src)
	return out
}

func (s *Syncer) conversationsLocked() []model.Conversation {
	out := make([]model.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Syncer) markFailed(convID, token string) {
	s.mu.Lock()
	list := s.msgs[convID]
	for i := range list {
		if list[i].ClientMsgID == token && list[i].ID == "" {
			list[i].Status = model.DeliveryFailed
			break
		}
	}
	msgSnap := s.messagesLocked(convID)
	st := s.msgStreamLocked(convID)
	s.mu.Unlock()
	st.Publish(msgSnap)
}

func sortMessages(list []model.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func containsID(list []model.Message, id string) bool {
	for i := range list {
		if list[i].ID == id {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
