package window

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscrm/chatsync/internal/logger"
	"github.com/opscrm/chatsync/internal/model"
)

func newTestManager(t *testing.T, store SharedStore) *Manager {
	t.Helper()
	m := NewManager(Config{Key: "windows:u1", MaxOpen: 3}, store, logger.Nop())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func openIDs(ws []model.Window) []string {
	var out []string
	for _, w := range ws {
		if !w.Minimized {
			out = append(out, w.ConversationID)
		}
	}
	return out
}

func TestOpenBeyondCapMinimizesOldest(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()

	m.Open(ctx, "a")
	m.Open(ctx, "b")
	m.Open(ctx, "c")
	assert.Equal(t, []string{"a", "b", "c"}, openIDs(m.Windows()))

	m.Open(ctx, "d")
	ws := m.Windows()
	require.Len(t, ws, 4, "nothing is closed, only minimized")
	assert.Equal(t, []string{"b", "c", "d"}, openIDs(ws))
	assert.False(t, m.Visible("a"))
}

func TestOpenExistingMaximizes(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()

	m.Open(ctx, "a")
	m.Minimize(ctx, "a")
	require.False(t, m.Visible("a"))

	m.Open(ctx, "a")
	assert.True(t, m.Visible("a"))
	assert.Len(t, m.Windows(), 1, "no duplicate window")
}

func TestMaximizeAppliesEviction(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()

	m.Open(ctx, "a")
	m.Open(ctx, "b")
	m.Open(ctx, "c")
	m.Open(ctx, "d") // minimizes a

	m.Maximize(ctx, "a")
	assert.Equal(t, []string{"a", "c", "d"}, openIDs(m.Windows()), "restoring a evicts b, now the oldest open")
}

func TestCloseRenumbersGapless(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()

	m.Open(ctx, "a")
	m.Open(ctx, "b")
	m.Open(ctx, "c")

	m.Close(ctx, "b")
	ws := m.Windows()
	require.Len(t, ws, 2)
	assert.Equal(t, "a", ws[0].ConversationID)
	assert.Equal(t, 0, ws[0].Position)
	assert.Equal(t, "c", ws[1].ConversationID)
	assert.Equal(t, 1, ws[1].Position)
}

func TestCloseUnknownIsNoop(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()

	m.Open(ctx, "a")
	m.Close(ctx, "missing")
	assert.Len(t, m.Windows(), 1)
}

func TestOpenCallbackFires(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()

	var mu sync.Mutex
	var opened, closed []string
	m.OnOpen(func(id string) { mu.Lock(); opened = append(opened, id); mu.Unlock() })
	m.OnClose(func(id string) { mu.Lock(); closed = append(closed, id); mu.Unlock() })

	m.Open(ctx, "a")
	m.Minimize(ctx, "a")
	m.Maximize(ctx, "a")
	m.Close(ctx, "a")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "a"}, opened, "open and maximize both count as becoming visible")
	assert.Equal(t, []string{"a"}, closed)
}

func TestCrossTabReplacesWholeList(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tab1 := newTestManager(t, store)
	tab2 := newTestManager(t, store)

	tab1.Open(ctx, "a")
	tab1.Open(ctx, "b")

	// the memory store notifies synchronously, so tab2 has the list now
	ws := tab2.Windows()
	require.Len(t, ws, 2)
	assert.Equal(t, "a", ws[0].ConversationID)
	assert.Equal(t, "b", ws[1].ConversationID)

	// a change in tab2 flows back, replacing tab1's list wholesale
	tab2.Close(ctx, "a")
	ws = tab1.Windows()
	require.Len(t, ws, 1)
	assert.Equal(t, "b", ws[0].ConversationID)
	assert.Equal(t, 0, ws[0].Position)
}

func TestRemoteChangeSkipsCallbacks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tab1 := newTestManager(t, store)
	tab2 := newTestManager(t, store)

	var mu sync.Mutex
	var opened []string
	tab2.OnOpen(func(id string) { mu.Lock(); opened = append(opened, id); mu.Unlock() })

	tab1.Open(ctx, "a")

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, opened, "only the originating tab reacts to its own open")
	assert.Len(t, tab2.Windows(), 1)
}

func TestStartLoadsPersistedState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := newTestManager(t, store)
	first.Open(ctx, "a")
	first.Open(ctx, "b")
	first.Stop()

	second := newTestManager(t, store)
	ws := second.Windows()
	require.Len(t, ws, 2)
	assert.Equal(t, "a", ws[0].ConversationID)
	assert.Equal(t, "b", ws[1].ConversationID)
}

func TestStreamEmitsOnEveryChange(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	m.Stream().Subscribe(func([]model.Window) { mu.Lock(); count++; mu.Unlock() })

	m.Open(ctx, "a")
	m.Minimize(ctx, "a")
	m.Close(ctx, "a")

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, count, 3)
}
