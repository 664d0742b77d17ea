// Package typing converts local keystroke activity into debounced
// outbound typing signals and tracks remote typing with per-user
// expiry, so missed or duplicated stop events cannot wedge the view.
package typing

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opscrm/chatsync/internal/pubsub"
)

// Invoker issues typing commands over the real-time channel. Typing is
// ephemeral, so a failed signal is logged and dropped, never retried.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any) (json.RawMessage, error)
}

// PresenceSink receives online/offline changes for a user; the
// synchronizer applies them to every loaded conversation the user
// participates in.
type PresenceSink interface {
	SetPresence(userID string, online bool)
}

type Config struct {
	Debounce time.Duration // delay before the single typing-start fires
	Expiry   time.Duration // remote typing entry lifetime without renewal
}

type typingArgs struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type outState struct {
	timer  *time.Timer // pending debounce, nil once fired or cancelled
	active bool        // a typing-start went out and no stop yet
}

type Coordinator struct {
	cfg      Config
	inv      Invoker
	presence PresenceSink
	log      *zap.SugaredLogger

	mu       sync.Mutex
	outbound map[string]*outState
	remote   map[string]map[string]*time.Timer // convID -> userID -> expiry
	streams  map[string]*pubsub.Stream[[]string]
}

func New(cfg Config, inv Invoker, presence PresenceSink, log *zap.SugaredLogger) *Coordinator {
	if cfg.Debounce == 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = 3 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		inv:      inv,
		presence: presence,
		log:      log,
		outbound: make(map[string]*outState),
		remote:   make(map[string]map[string]*time.Timer),
		streams:  make(map[string]*pubsub.Stream[[]string]),
	}
}

// TypingUsers exposes the stream of user IDs currently typing in a
// conversation, sorted for determinism.
func (c *Coordinator) TypingUsers(convID string) *pubsub.Stream[[]string] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamLocked(convID)
}

// InputChanged reports the current text of the local input box. Any
// non-empty text arms the debounce once; empty text emits an explicit
// stop.
func (c *Coordinator) InputChanged(convID, text string) {
	if text == "" {
		c.stopOutbound(convID)
		return
	}
	c.mu.Lock()
	st, ok := c.outbound[convID]
	if !ok {
		st = &outState{}
		c.outbound[convID] = st
	}
	if st.active || st.timer != nil {
		c.mu.Unlock()
		return
	}
	st.timer = time.AfterFunc(c.cfg.Debounce, func() { c.fireStart(convID) })
	c.mu.Unlock()
}

// MessageSent ends the local typing session for the conversation.
func (c *Coordinator) MessageSent(convID string) {
	c.stopOutbound(convID)
}

// ConversationClosed ends the local session and forgets remote state.
func (c *Coordinator) ConversationClosed(convID string) {
	c.stopOutbound(convID)
	c.mu.Lock()
	for _, t := range c.remote[convID] {
		t.Stop()
	}
	delete(c.remote, convID)
	st := c.streamLocked(convID)
	c.mu.Unlock()
	st.Publish(nil)
}

func (c *Coordinator) fireStart(convID string) {
	c.mu.Lock()
	st, ok := c.outbound[convID]
	if !ok || st.timer == nil {
		c.mu.Unlock()
		return
	}
	st.timer = nil
	st.active = true
	c.mu.Unlock()

	if _, err := c.inv.Invoke(context.Background(), "Typing", typingArgs{ConversationID: convID, IsTyping: true}); err != nil {
		c.log.Debugw("typing start not delivered", "conversation", convID, "err", err)
	}
}

func (c *Coordinator) stopOutbound(convID string) {
	c.mu.Lock()
	st, ok := c.outbound[convID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	wasActive := st.active
	st.active = false
	c.mu.Unlock()

	if !wasActive {
		return
	}
	if _, err := c.inv.Invoke(context.Background(), "Typing", typingArgs{ConversationID: convID, IsTyping: false}); err != nil {
		c.log.Debugw("typing stop not delivered", "conversation", convID, "err", err)
	}
}

// HandleRemoteTyping applies a typing event from the channel. A start
// (re)arms the user's expiry timer; a stop removes immediately.
func (c *Coordinator) HandleRemoteTyping(convID, userID string, isTyping bool) {
	c.mu.Lock()
	users, ok := c.remote[convID]
	if !ok {
		users = make(map[string]*time.Timer)
		c.remote[convID] = users
	}
	if t, ok := users[userID]; ok {
		t.Stop()
		delete(users, userID)
	}
	if isTyping {
		var t *time.Timer
		t = time.AfterFunc(c.cfg.Expiry, func() { c.expire(convID, userID, t) })
		users[userID] = t
	}
	snap := c.typingLocked(convID)
	st := c.streamLocked(convID)
	c.mu.Unlock()
	st.Publish(snap)
}

// HandlePresence forwards an online/offline change to the sink.
func (c *Coordinator) HandlePresence(userID string, online bool) {
	if c.presence != nil {
		c.presence.SetPresence(userID, online)
	}
}

// Typing returns the users currently typing in a conversation.
func (c *Coordinator) Typing(convID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingLocked(convID)
}

func (c *Coordinator) expire(convID, userID string, t *time.Timer) {
	c.mu.Lock()
	users, ok := c.remote[convID]
	if !ok || users[userID] != t {
		// renewed or already removed; this firing is stale
		c.mu.Unlock()
		return
	}
	delete(users, userID)
	snap := c.typingLocked(convID)
	st := c.streamLocked(convID)
	c.mu.Unlock()
	st.Publish(snap)
}

func (c *Coordinator) typingLocked(convID string) []string {
	users := c.remote[convID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) streamLocked(convID string) *pubsub.Stream[[]string] {
	st, ok := c.streams[convID]
	if !ok {
		st = pubsub.NewStream[[]string]()
		c.streams[convID] = st
	}
	return st
}
