// Package unread derives per-conversation and total unread counts.
// It stores nothing of its own beyond the last reported values; the
// synchronizer and window manager drive it.
package unread

import (
	"sync"

	"github.com/opscrm/chatsync/internal/pubsub"
)

type Totals struct {
	Total           int            `json:"total"`
	PerConversation map[string]int `json:"per_conversation"`
}

type Counter struct {
	mu     sync.Mutex
	counts map[string]int
	stream *pubsub.Stream[Totals]
}

func NewCounter() *Counter {
	return &Counter{
		counts: make(map[string]int),
		stream: pubsub.NewStream[Totals](),
	}
}

// Set records the unread count for one conversation and re-publishes
// the aggregate.
func (c *Counter) Set(convID string, n int) {
	c.mu.Lock()
	if n <= 0 {
		delete(c.counts, convID)
	} else {
		c.counts[convID] = n
	}
	t := c.totalsLocked()
	c.mu.Unlock()
	c.stream.Publish(t)
}

func (c *Counter) Zero(convID string) { c.Set(convID, 0) }

func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

func (c *Counter) Conversation(convID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[convID]
}

// Stream emits new totals on every change.
func (c *Counter) Stream() *pubsub.Stream[Totals] {
	return c.stream
}

func (c *Counter) totalsLocked() Totals {
	per := make(map[string]int, len(c.counts))
	total := 0
	for id, n := range c.counts {
		per[id] = n
		total += n
	}
	return Totals{Total: total, PerConversation: per}
}
