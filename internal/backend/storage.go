package backend

import (
	"context"
	"slices"
	"sync"
)

// SessionStorage persists the current session across restarts.
type SessionStorage interface {
	LoadSession(ctx context.Context) (*Session, error)
	SaveSession(ctx context.Context, sess *Session) error
	ClearSession(ctx context.Context) error
}

// MemoryStorage keeps the session in process memory only.
type MemoryStorage struct {
	mu   sync.Mutex
	sess *Session
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) LoadSession(_ context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Clone(), nil
}

func (m *MemoryStorage) SaveSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = sess.Clone()
	return nil
}

func (m *MemoryStorage) ClearSession(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = nil
	return nil
}

// AuthBroadcaster fans identity changes out to registered handlers. Backends
// embed it to implement Identity.OnAuthChange.
type AuthBroadcaster struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]AuthHandler
}

func (b *AuthBroadcaster) OnAuthChange(handler AuthHandler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[int]AuthHandler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers the event to every handler registered at call time, in
// registration order.
func (b *AuthBroadcaster) Emit(event AuthEvent, sess *Session) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		b.mu.Lock()
		h, ok := b.handlers[id]
		b.mu.Unlock()
		if ok {
			h(event, sess.Clone())
		}
	}
}

// Subscribers counts registered handlers.
func (b *AuthBroadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
