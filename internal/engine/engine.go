// Package engine is the composition root: one Engine per
// authenticated session and tab, collaborators injected, no ambient
// globals. It wires channel events into the synchronizer and typing
// coordinator, window changes into room membership and read
// reporting, and exposes the streams a UI renders against.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/opscrm/chatsync/internal/auth"
	"github.com/opscrm/chatsync/internal/channel"
	"github.com/opscrm/chatsync/internal/event"
	"github.com/opscrm/chatsync/internal/model"
	"github.com/opscrm/chatsync/internal/pubsub"
	"github.com/opscrm/chatsync/internal/rest"
	"github.com/opscrm/chatsync/internal/syncer"
	"github.com/opscrm/chatsync/internal/typing"
	"github.com/opscrm/chatsync/internal/unread"
	"github.com/opscrm/chatsync/internal/window"
)

// opTimeout bounds server notifications triggered by UI actions.
const opTimeout = 10 * time.Second

type Config struct {
	UserID          string
	ChatHub         channel.Config
	OperatorHub     channel.Config
	API             rest.Config
	MaxOpenWindows  int
	TypingDebounce  time.Duration
	TypingExpiry    time.Duration
	HistoryPageSize int
}

type Engine struct {
	log     *zap.SugaredLogger
	tokens  *auth.Source
	chat    *channel.Client
	op      *channel.Client
	api     *rest.Client
	sync    *syncer.Syncer
	typing  *typing.Coordinator
	windows *window.Manager
	counter *unread.Counter
}

func New(cfg Config, tokens *auth.Source, store window.SharedStore, log *zap.SugaredLogger) *Engine {
	if cfg.ChatHub.Name == "" {
		cfg.ChatHub.Name = "chat"
	}
	if cfg.OperatorHub.Name == "" {
		cfg.OperatorHub.Name = "operator"
	}
	e := &Engine{
		log:     log,
		tokens:  tokens,
		chat:    channel.New(cfg.ChatHub, tokens, log),
		op:      channel.New(cfg.OperatorHub, tokens, log),
		counter: unread.NewCounter(),
	}
	e.api = rest.NewClient(cfg.API, tokens, log)
	e.sync = syncer.New(e.api, e.chat, cfg.UserID, cfg.HistoryPageSize, log)
	e.typing = typing.New(typing.Config{Debounce: cfg.TypingDebounce, Expiry: cfg.TypingExpiry}, e.chat, e.sync, log)
	e.windows = window.NewManager(window.Config{
		Key:     "windows:" + cfg.UserID,
		MaxOpen: cfg.MaxOpenWindows,
	}, store, log)

	e.sync.SetVisibility(e.windows)
	e.sync.SetUnreadFunc(e.counter.Set)
	e.windows.OnOpen(e.conversationViewed)
	e.windows.OnClose(e.conversationClosed)
	e.registerHandlers()

	// the handshake carries the token, so a refresh forces a fresh
	// handshake on both hubs
	tokens.OnRefresh(func(string) { go e.reconnectHubs() })
	return e
}

// Start connects both hubs, loads window state and the first
// conversation page. The operator hub is best-effort; chat is not.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.windows.Start(ctx); err != nil {
		return err
	}
	if err := e.chat.Connect(ctx); err != nil {
		return err
	}
	if err := e.op.Connect(ctx); err != nil {
		e.log.Warnw("operator hub unavailable", "err", err)
	}
	if _, err := e.sync.LoadConversations(ctx, 0); err != nil {
		e.log.Warnw("initial conversation load failed", "err", err)
	}
	// rooms for windows restored from a previous session
	for _, w := range e.windows.Windows() {
		e.joinRoom(ctx, w.ConversationID)
	}
	return nil
}

func (e *Engine) Stop() {
	e.windows.Stop()
	e.chat.Disconnect()
	e.op.Disconnect()
}

// --- UI-facing commands ---

// OpenConversation opens (or maximizes) the window and loads the first
// history page if the conversation has no messages yet.
func (e *Engine) OpenConversation(ctx context.Context, convID string) error {
	e.windows.Open(ctx, convID)
	if len(e.sync.Messages(convID)) == 0 {
		return e.sync.LoadHistory(ctx, convID, 0)
	}
	return nil
}

func (e *Engine) CloseConversation(ctx context.Context, convID string) {
	e.windows.Close(ctx, convID)
}

func (e *Engine) MinimizeConversation(ctx context.Context, convID string) {
	e.windows.Minimize(ctx, convID)
}

func (e *Engine) MaximizeConversation(ctx context.Context, convID string) {
	e.windows.Maximize(ctx, convID)
}

// Send ends the typing session and dispatches the message.
func (e *Engine) Send(ctx context.Context, convID, content string) (string, error) {
	e.typing.MessageSent(convID)
	return e.sync.SendMessage(ctx, convID, content)
}

func (e *Engine) RetrySend(ctx context.Context, convID, token string) error {
	return e.sync.RetrySend(ctx, convID, token)
}

func (e *Engine) RemoveFailed(convID, token string) {
	e.sync.RemoveFailed(convID, token)
}

func (e *Engine) InputChanged(convID, text string) {
	e.typing.InputChanged(convID, text)
}

func (e *Engine) LoadOlderHistory(ctx context.Context, convID string, page int) error {
	return e.sync.LoadHistory(ctx, convID, page)
}

// CloseSupportConversation ends a customer-support conversation on the
// server, channel first with REST fallback.
func (e *Engine) CloseSupportConversation(ctx context.Context, convID string) error {
	if _, err := e.chat.Invoke(ctx, "CloseConversation", map[string]string{"conversation_id": convID}); err != nil {
		return e.api.CloseConversation(ctx, convID)
	}
	return nil
}

// TransferConversation hands a support conversation to another operator.
func (e *Engine) TransferConversation(ctx context.Context, convID, operatorID string) error {
	args := map[string]string{"conversation_id": convID, "operator_id": operatorID}
	if _, err := e.chat.Invoke(ctx, "TransferConversation", args); err != nil {
		return e.api.TransferConversation(ctx, convID, operatorID)
	}
	return nil
}

// --- UI-facing streams ---

func (e *Engine) Conversations() *pubsub.Stream[[]model.Conversation] {
	return e.sync.ConversationStream()
}

func (e *Engine) Messages(convID string) *pubsub.Stream[[]model.Message] {
	return e.sync.MessageStream(convID)
}

func (e *Engine) TypingUsers(convID string) *pubsub.Stream[[]string] {
	return e.typing.TypingUsers(convID)
}

func (e *Engine) Windows() *pubsub.Stream[[]model.Window] {
	return e.windows.Stream()
}

func (e *Engine) UnreadTotals() *pubsub.Stream[unread.Totals] {
	return e.counter.Stream()
}

func (e *Engine) ChatState() *pubsub.Stream[model.ConnectionState] {
	return e.chat.StateChanges()
}

// --- wiring ---

func (e *Engine) registerHandlers() {
	e.chat.On(event.MessageNew, func(p json.RawMessage) {
		var m model.Message
		if err := json.Unmarshal(p, &m); err != nil {
			e.log.Debugw("bad message payload", "err", err)
			return
		}
		e.sync.HandlePush(m)
	})
	e.chat.On(event.MessageEdited, func(p json.RawMessage) {
		var ev event.EditPayload
		if err := json.Unmarshal(p, &ev); err != nil {
			return
		}
		e.sync.HandleEdit(ev.ConversationID, ev.MessageID, ev.Content)
	})
	e.chat.On(event.MessageDeleted, func(p json.RawMessage) {
		var ev event.DeletePayload
		if err := json.Unmarshal(p, &ev); err != nil {
			return
		}
		e.sync.HandleDelete(ev.ConversationID, ev.MessageID)
	})
	e.chat.On(event.Typing, func(p json.RawMessage) {
		var ev event.TypingPayload
		if err := json.Unmarshal(p, &ev); err != nil {
			return
		}
		e.typing.HandleRemoteTyping(ev.ConversationID, ev.UserID, ev.IsTyping)
	})
	e.op.On(event.Presence, func(p json.RawMessage) {
		var ev event.PresencePayload
		if err := json.Unmarshal(p, &ev); err != nil {
			return
		}
		e.typing.HandlePresence(ev.UserID, ev.Online)
	})
	e.op.On(event.ParticipantAdded, func(p json.RawMessage) {
		var ev event.ParticipantPayload
		if err := json.Unmarshal(p, &ev); err != nil {
			return
		}
		e.sync.HandleParticipant(ev.ConversationID, ev.Participant)
	})
	e.op.On(event.ChatStatusChanged, func(p json.RawMessage) {
		var ev event.ChatStatusPayload
		if err := json.Unmarshal(p, &ev); err != nil {
			return
		}
		e.sync.HandleStatus(ev.ConversationID, ev.Status)
	})

	e.chat.StateChanges().Subscribe(func(s model.ConnectionState) {
		if s != model.StateConnected {
			return
		}
		// re-enter rooms after a reconnect; membership is per socket
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		for _, w := range e.windows.Windows() {
			e.joinRoom(ctx, w.ConversationID)
		}
	})
}

// conversationViewed runs when a window opens or maximizes in this
// tab: join the room, zero unread and report read.
func (e *Engine) conversationViewed(convID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	e.joinRoom(ctx, convID)
	e.sync.MarkViewed(ctx, convID)
}

// conversationClosed leaves the server-side room so no further unread
// is attributed to a window that no longer exists.
func (e *Engine) conversationClosed(convID string) {
	e.typing.ConversationClosed(convID)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := e.chat.Invoke(ctx, "LeaveConversation", map[string]string{"conversation_id": convID}); err != nil {
		e.log.Debugw("leave room failed", "conversation", convID, "err", err)
	}
}

func (e *Engine) joinRoom(ctx context.Context, convID string) {
	if _, err := e.chat.Invoke(ctx, "JoinConversation", map[string]string{"conversation_id": convID}); err != nil {
		e.log.Debugw("join room failed", "conversation", convID, "err", err)
	}
}

func (e *Engine) reconnectHubs() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	for _, c := range []*channel.Client{e.chat, e.op} {
		c.Disconnect()
		if err := c.Connect(ctx); err != nil {
			e.log.Warnw("reconnect after token refresh failed", "err", err)
		}
	}
}
