package shop

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory shop store for demo/development.
type MemoryStore struct {
	mu    sync.RWMutex
	shops map[string]*Shop  // by ID
	slugs map[string]string // slug → ID
}

// NewMemoryStore creates a new in-memory shop store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shops: make(map[string]*Shop),
		slugs: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Shop) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slugs[s.Slug]; exists {
		return ErrSlugTaken
	}

	cp := *s
	m.shops[s.ID] = &cp
	m.slugs[s.Slug] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Shop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.shops[id]
	if !ok {
		return nil, ErrShopNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetBySlug(_ context.Context, slug string) (*Shop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.slugs[slug]
	if !ok {
		return nil, ErrShopNotFound
	}
	cp := *m.shops[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, s *Shop) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shops[s.ID]; !ok {
		return ErrShopNotFound
	}
	cp := *s
	m.shops[s.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateBilling(_ context.Context, id string, b Billing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shops[id]
	if !ok {
		return ErrShopNotFound
	}
	s.Billing = b
	s.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
