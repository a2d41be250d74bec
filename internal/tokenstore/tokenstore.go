// Package tokenstore holds the single current bearer token, persists it and
// tells subscribers whenever it is written.
package tokenstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/Skotchmaster/rbe_session/internal/storage"
)

// Key is the storage key the token lives under.
const Key = "token"

// Listener receives the token after every write. It runs synchronously on the
// writer's goroutine and must not call Set.
type Listener func(token string)

type Store struct {
	backend storage.Store

	mu    sync.RWMutex
	token string

	// notifyMu serializes delivery so every listener sees writes in order.
	notifyMu  sync.Mutex
	subsMu    sync.Mutex
	nextID    int
	listeners map[int]Listener
	order     []int
}

func New(backend storage.Store) *Store {
	return &Store{backend: backend, listeners: make(map[int]Listener)}
}

// Get returns the in-memory token, "" when none is held.
func (s *Store) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set persists then publishes token. "" clears it. On a storage failure the
// in-memory value is left unchanged and nobody is notified.
func (s *Store) Set(ctx context.Context, token string) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	var err error
	if token == "" {
		err = s.backend.Delete(ctx, Key)
	} else {
		err = s.backend.Set(ctx, Key, token)
	}
	if err != nil {
		return fmt.Errorf("persist token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	s.notify(token)
	return nil
}

// Hydrate reloads the persisted token into memory and notifies once. Calling
// it again simply re-reads storage.
func (s *Store) Hydrate(ctx context.Context) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	v, _, err := s.backend.Get(ctx, Key)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	s.mu.Lock()
	s.token = v
	s.mu.Unlock()

	s.notify(v)
	return nil
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.order = append(s.order, id)
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			delete(s.listeners, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Store) notify(token string) {
	s.subsMu.Lock()
	ls := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		ls = append(ls, s.listeners[id])
	}
	s.subsMu.Unlock()

	for _, l := range ls {
		l(token)
	}
}
