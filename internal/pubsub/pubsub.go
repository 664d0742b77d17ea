// Package pubsub provides the in-process subscription streams the UI
// layer renders against. Handlers run synchronously on the publishing
// goroutine, in subscription order.
package pubsub

import "sync"

type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]func(T)
	nextID int
	last   T
	seen   bool
}

func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and immediately replays the last published
// value, if any. The returned func cancels the subscription.
func (s *Stream[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	replay, seen := s.last, s.seen
	s.mu.Unlock()

	if seen {
		fn(replay)
	}
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	s.last = v
	s.seen = true
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Last returns the most recently published value.
func (s *Stream[T]) Last() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.seen
}
