package window

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// SharedStore is the key-value persistence primitive shared by all
// tabs of one profile, with a change notification per key. Watch
// delivers every write, including the watcher's own; the manager
// filters by tab ID.
type SharedStore interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Watch(ctx context.Context, key string, fn func(value []byte)) (func(), error)
}

// RedisStore backs the shared store with a redis key plus a pub/sub
// channel per key for the cross-tab notification.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chatsync"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string     { return s.prefix + ":kv:" + k }
func (s *RedisStore) channel(k string) string { return s.prefix + ":notify:" + k }

func (s *RedisStore) Save(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel(key), value).Err()
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (s *RedisStore) Watch(ctx context.Context, key string, fn func(value []byte)) (func(), error) {
	sub := s.client.Subscribe(ctx, s.channel(key))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				fn([]byte(m.Payload))
			}
		}
	}()
	return func() {
		close(done)
		_ = sub.Close()
	}, nil
}

// MemoryStore is an in-process SharedStore. A single instance shared
// between managers stands in for the browser profile in tests and
// single-tab runs.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	subs   map[string]map[int]func([]byte)
	nextID int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		subs: make(map[string]map[int]func([]byte)),
	}
}

func (s *MemoryStore) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	fns := make([]func([]byte), 0, len(s.subs[key]))
	for _, fn := range s.subs[key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(cp)
	}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *MemoryStore) Watch(_ context.Context, key string, fn func(value []byte)) (func(), error) {
	s.mu.Lock()
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]func([]byte))
	}
	id := s.nextID
	s.nextID++
	s.subs[key][id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs[key], id)
		s.mu.Unlock()
	}, nil
}
