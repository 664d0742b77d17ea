package typing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscrm/chatsync/internal/logger"
)

type signal struct {
	conv   string
	typing bool
}

type captureInvoker struct {
	mu    sync.Mutex
	calls []signal
}

func (c *captureInvoker) Invoke(_ context.Context, method string, args any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ta := args.(typingArgs)
	c.calls = append(c.calls, signal{conv: ta.ConversationID, typing: ta.IsTyping})
	_ = method
	return nil, nil
}

func (c *captureInvoker) snapshot() []signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signal, len(c.calls))
	copy(out, c.calls)
	return out
}

type presenceRecorder struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (p *presenceRecorder) SetPresence(userID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]bool)
	}
	p.seen[userID] = online
}

func newTestCoordinator(inv Invoker) *Coordinator {
	return New(Config{Debounce: 30 * time.Millisecond, Expiry: 100 * time.Millisecond}, inv, &presenceRecorder{}, logger.Nop())
}

func TestKeystrokesDebounceToSingleStart(t *testing.T) {
	inv := &captureInvoker{}
	c := newTestCoordinator(inv)

	c.InputChanged("c1", "h")
	c.InputChanged("c1", "he")
	c.InputChanged("c1", "hel")

	require.Eventually(t, func() bool {
		return len(inv.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, signal{conv: "c1", typing: true}, inv.snapshot()[0])

	// more keystrokes while already typing emit nothing new
	c.InputChanged("c1", "hell")
	time.Sleep(60 * time.Millisecond)
	require.Len(t, inv.snapshot(), 1)

	// sending the message emits the explicit stop
	c.MessageSent("c1")
	calls := inv.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, signal{conv: "c1", typing: false}, calls[1])
}

func TestEmptyInputCancelsBeforeStart(t *testing.T) {
	inv := &captureInvoker{}
	c := newTestCoordinator(inv)

	c.InputChanged("c1", "h")
	c.InputChanged("c1", "") // cleared before the debounce fired

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, inv.snapshot(), "neither start nor stop for a cancelled session")
}

func TestEmptyInputAfterStartEmitsStop(t *testing.T) {
	inv := &captureInvoker{}
	c := newTestCoordinator(inv)

	c.InputChanged("c1", "h")
	require.Eventually(t, func() bool { return len(inv.snapshot()) == 1 }, time.Second, 10*time.Millisecond)

	c.InputChanged("c1", "")
	calls := inv.snapshot()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].typing)
}

func TestConversationClosedStopsAndClears(t *testing.T) {
	inv := &captureInvoker{}
	c := newTestCoordinator(inv)

	c.InputChanged("c1", "h")
	require.Eventually(t, func() bool { return len(inv.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	c.HandleRemoteTyping("c1", "alice", true)

	c.ConversationClosed("c1")
	calls := inv.snapshot()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].typing)
	assert.Empty(t, c.Typing("c1"))
}

func TestRemoteTypingExpires(t *testing.T) {
	c := newTestCoordinator(&captureInvoker{})

	c.HandleRemoteTyping("c1", "alice", true)
	assert.Equal(t, []string{"alice"}, c.Typing("c1"))

	require.Eventually(t, func() bool {
		return len(c.Typing("c1")) == 0
	}, time.Second, 10*time.Millisecond, "no renewal within expiry removes the user")
}

func TestRemoteTypingRenewalKeepsUser(t *testing.T) {
	c := newTestCoordinator(&captureInvoker{})

	c.HandleRemoteTyping("c1", "alice", true)
	time.Sleep(60 * time.Millisecond)
	c.HandleRemoteTyping("c1", "alice", true) // renewal inside the window
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []string{"alice"}, c.Typing("c1"), "renewed entry must survive the original deadline")
}

func TestRemoteStopRemovesImmediately(t *testing.T) {
	c := newTestCoordinator(&captureInvoker{})

	c.HandleRemoteTyping("c1", "alice", true)
	c.HandleRemoteTyping("c1", "bob", true)
	c.HandleRemoteTyping("c1", "alice", false)

	assert.Equal(t, []string{"bob"}, c.Typing("c1"))
}

func TestTypingStreamPublishesSortedSets(t *testing.T) {
	c := newTestCoordinator(&captureInvoker{})
	var mu sync.Mutex
	var last []string
	c.TypingUsers("c1").Subscribe(func(users []string) {
		mu.Lock()
		last = users
		mu.Unlock()
	})

	c.HandleRemoteTyping("c1", "bob", true)
	c.HandleRemoteTyping("c1", "alice", true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alice", "bob"}, last)
}

func TestPresenceForwardedToSink(t *testing.T) {
	rec := &presenceRecorder{}
	c := New(Config{}, &captureInvoker{}, rec, logger.Nop())

	c.HandlePresence("alice", true)
	c.HandlePresence("bob", false)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.True(t, rec.seen["alice"])
	assert.False(t, rec.seen["bob"])
}
