package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Store persists sessions. Get must return the same live *Session for the
// same id while it is held by the process, so in-flight flags are shared by
// every request touching that session.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Session, int, error)
}

// --------------------------------------------------------------------------
// In-memory store
// --------------------------------------------------------------------------

// MemoryStore keeps live sessions in process, newest last.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	order    []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID()]; !ok {
		m.order = append(m.order, s.ID())
	}
	m.sessions[s.ID()] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Save is a no-op beyond an existence check; the stored pointer is the live session.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[s.ID()]; !ok {
		return ErrNotFound
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit, offset int) ([]*Session, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := len(m.order)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Session, 0, end-offset)
	for _, id := range m.order[offset:end] {
		out = append(out, m.sessions[id])
	}
	return out, total, nil
}

// --------------------------------------------------------------------------
// Live cache in front of a durable store
// --------------------------------------------------------------------------

// CachedStore keeps every session it has loaded live in memory and writes
// through to backing. Use it in front of a store whose Get rebuilds a fresh
// Session on each call.
type CachedStore struct {
	backing Store

	mu   sync.Mutex
	live map[uuid.UUID]*Session
}

func NewCachedStore(backing Store) *CachedStore {
	return &CachedStore{backing: backing, live: make(map[uuid.UUID]*Session)}
}

func (c *CachedStore) Create(ctx context.Context, s *Session) error {
	if err := c.backing.Create(ctx, s); err != nil {
		return err
	}
	c.mu.Lock()
	c.live[s.ID()] = s
	c.mu.Unlock()
	return nil
}

func (c *CachedStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.live[id]; ok {
		return s, nil
	}
	s, err := c.backing.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.live[id] = s
	return s, nil
}

func (c *CachedStore) Save(ctx context.Context, s *Session) error {
	return c.backing.Save(ctx, s)
}

func (c *CachedStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := c.backing.Delete(ctx, id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.live, id)
	c.mu.Unlock()
	return nil
}

// List returns live sessions where loaded, backing copies otherwise.
func (c *CachedStore) List(ctx context.Context, limit, offset int) ([]*Session, int, error) {
	items, total, err := c.backing.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range items {
		if live, ok := c.live[s.ID()]; ok {
			items[i] = live
		}
	}
	return items, total, nil
}
