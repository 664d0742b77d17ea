// Package window tracks which conversations are open or minimized and
// their screen order, enforces the open-window cap, and keeps the
// state consistent across tabs of the same profile through a shared
// store. Remote changes replace the whole list (last-writer-wins);
// per-field merging would let tabs diverge.
package window

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opscrm/chatsync/internal/metrics"
	"github.com/opscrm/chatsync/internal/model"
	"github.com/opscrm/chatsync/internal/pubsub"
)

const DefaultMaxOpen = 3

type Config struct {
	// Key identifies the profile's window list in the shared store,
	// typically derived from the user ID.
	Key     string
	MaxOpen int
}

// sharedState is the persisted payload. TabID lets each tab skip the
// echo of its own writes.
type sharedState struct {
	TabID   string         `json:"tab_id"`
	Windows []model.Window `json:"windows"`
}

type Manager struct {
	cfg   Config
	store SharedStore
	log   *zap.SugaredLogger
	tabID string

	mu      sync.Mutex
	windows []model.Window
	unwatch func()

	stream *pubsub.Stream[[]model.Window]

	// onOpen fires when a conversation becomes visible in this tab
	// (open or maximize); onClose when its window is removed. Wired by
	// the engine to room join/leave and read reporting.
	onOpen  func(convID string)
	onClose func(convID string)
}

func NewManager(cfg Config, store SharedStore, log *zap.SugaredLogger) *Manager {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = DefaultMaxOpen
	}
	if cfg.Key == "" {
		cfg.Key = "windows"
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		log:    log,
		tabID:  uuid.NewString(),
		stream: pubsub.NewStream[[]model.Window](),
	}
}

func (m *Manager) OnOpen(fn func(convID string))  { m.mu.Lock(); m.onOpen = fn; m.mu.Unlock() }
func (m *Manager) OnClose(fn func(convID string)) { m.mu.Lock(); m.onClose = fn; m.mu.Unlock() }

// Start loads the persisted list and begins watching for changes from
// other tabs.
func (m *Manager) Start(ctx context.Context) error {
	b, err := m.store.Load(ctx, m.cfg.Key)
	if err != nil {
		return err
	}
	if len(b) > 0 {
		var st sharedState
		if err := json.Unmarshal(b, &st); err == nil {
			m.mu.Lock()
			m.windows = st.Windows
			m.mu.Unlock()
		}
	}
	unwatch, err := m.store.Watch(ctx, m.cfg.Key, m.applyRemote)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.unwatch = unwatch
	m.mu.Unlock()
	m.publish()
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	unwatch := m.unwatch
	m.unwatch = nil
	m.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

// Stream emits the window list on every change, local or remote.
func (m *Manager) Stream() *pubsub.Stream[[]model.Window] {
	return m.stream
}

// Windows returns the list ordered by position.
func (m *Manager) Windows() []model.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Visible reports whether the conversation has an open, non-minimized
// window in this tab's view.
func (m *Manager) Visible(convID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.windows {
		if m.windows[i].ConversationID == convID {
			return !m.windows[i].Minimized
		}
	}
	return false
}

// Open adds a non-minimized window at the end. Opening an existing
// window is equivalent to maximizing it. At the cap, the lowest
// position (oldest) non-minimized window is minimized first.
func (m *Manager) Open(ctx context.Context, convID string) {
	m.mu.Lock()
	if m.indexLocked(convID) >= 0 {
		m.mu.Unlock()
		m.Maximize(ctx, convID)
		return
	}
	m.evictIfNeededLocked()
	m.windows = append(m.windows, model.Window{
		ConversationID: convID,
		Minimized:      false,
		Position:       m.maxPositionLocked() + 1,
	})
	onOpen := m.onOpen
	m.mu.Unlock()

	m.persist(ctx)
	m.publish()
	if onOpen != nil {
		onOpen(convID)
	}
}

// Close removes the window and renumbers positions gapless, keeping
// the prior relative order.
func (m *Manager) Close(ctx context.Context, convID string) {
	m.mu.Lock()
	idx := m.indexLocked(convID)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.windows = append(m.windows[:idx], m.windows[idx+1:]...)
	m.renumberLocked()
	onClose := m.onClose
	m.mu.Unlock()

	m.persist(ctx)
	m.publish()
	if onClose != nil {
		onClose(convID)
	}
}

func (m *Manager) Minimize(ctx context.Context, convID string) {
	m.mu.Lock()
	idx := m.indexLocked(convID)
	if idx < 0 || m.windows[idx].Minimized {
		m.mu.Unlock()
		return
	}
	m.windows[idx].Minimized = true
	m.mu.Unlock()

	m.persist(ctx)
	m.publish()
}

// Maximize restores a window, applying the same eviction rule as Open.
func (m *Manager) Maximize(ctx context.Context, convID string) {
	m.mu.Lock()
	idx := m.indexLocked(convID)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	if m.windows[idx].Minimized {
		m.evictIfNeededLocked()
		m.windows[idx].Minimized = false
	}
	onOpen := m.onOpen
	m.mu.Unlock()

	m.persist(ctx)
	m.publish()
	if onOpen != nil {
		onOpen(convID)
	}
}

// applyRemote replaces the local list with one broadcast by another
// tab. Whole-list replacement avoids divergent partial states.
func (m *Manager) applyRemote(value []byte) {
	var st sharedState
	if err := json.Unmarshal(value, &st); err != nil {
		m.log.Warnw("bad window broadcast", "err", err)
		return
	}
	if st.TabID == m.tabID {
		return // our own write echoed back
	}
	m.mu.Lock()
	m.windows = st.Windows
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) persist(ctx context.Context) {
	m.mu.Lock()
	st := sharedState{TabID: m.tabID, Windows: m.snapshotLocked()}
	m.mu.Unlock()
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := m.store.Save(ctx, m.cfg.Key, b); err != nil {
		m.log.Warnw("window state persist failed", "err", err)
	}
}

func (m *Manager) publish() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	open := 0
	for i := range m.windows {
		if !m.windows[i].Minimized {
			open++
		}
	}
	m.mu.Unlock()
	metrics.OpenWindows.Set(float64(open))
	m.stream.Publish(snap)
}

// --- internals, called with m.mu held ---

func (m *Manager) indexLocked(convID string) int {
	for i := range m.windows {
		if m.windows[i].ConversationID == convID {
			return i
		}
	}
	return -1
}

// evictIfNeededLocked minimizes the oldest non-minimized window when
// one more would exceed the cap.
func (m *Manager) evictIfNeededLocked() {
	open := 0
	oldest := -1
	for i := range m.windows {
		if m.windows[i].Minimized {
			continue
		}
		open++
		if oldest < 0 || m.windows[i].Position < m.windows[oldest].Position {
			oldest = i
		}
	}
	if open >= m.cfg.MaxOpen && oldest >= 0 {
		m.windows[oldest].Minimized = true
	}
}

func (m *Manager) maxPositionLocked() int {
	max := -1
	for i := range m.windows {
		if m.windows[i].Position > max {
			max = m.windows[i].Position
		}
	}
	return max
}

func (m *Manager) renumberLocked() {
	sort.SliceStable(m.windows, func(i, j int) bool {
		return m.windows[i].Position < m.windows[j].Position
	})
	for i := range m.windows {
		m.windows[i].Position = i
	}
}

func (m *Manager) snapshotLocked() []model.Window {
	out := make([]model.Window, len(m.windows))
	copy(out, m.windows)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
