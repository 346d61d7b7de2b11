package tenant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaycrm/billing/internal/pricing"
)

// MemoryStore is an in-memory tenant store for demo/development mode.
type MemoryStore struct {
	tenants map[string]*Tenant
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*Tenant)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyLocked(id)
}

func (m *MemoryStore) Create(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneTenant(t)
	m.tenants[t.ID] = cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*Tenant, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneTenant(m.tenants[id]))
	}
	return out, nil
}

func (m *MemoryStore) AddSeats(ctx context.Context, id string, quantity int) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	t.TotalSeats += quantity
	if !t.SubscriptionValidUntil.After(now) {
		t.SubscriptionValidUntil = now.AddDate(0, 0, pricing.FreshPeriodDays)
	}
	t.UpdatedAt = now
	return cloneTenant(t), nil
}

func (m *MemoryStore) ExtendValidity(ctx context.Context, id string, months int) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	t.SubscriptionValidUntil = pricing.ExtensionExpiry(t.SubscriptionValidUntil, now, months)
	t.UpdatedAt = now
	return cloneTenant(t), nil
}

func (m *MemoryStore) AddFeature(ctx context.Context, id, key string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.HasFeature(key) {
		return nil, ErrFeatureAlreadyUnlocked
	}
	t.Features = append(t.Features, key)
	t.UpdatedAt = time.Now()
	return cloneTenant(t), nil
}

func (m *MemoryStore) SetUsedSeats(ctx context.Context, id string, used int) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	if used > t.TotalSeats {
		return nil, ErrSeatsInUse
	}
	t.UsedSeats = used
	t.UpdatedAt = time.Now()
	return cloneTenant(t), nil
}

func (m *MemoryStore) copyLocked(id string) (*Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTenant(t), nil
}

func cloneTenant(t *Tenant) *Tenant {
	cp := *t
	cp.Features = append([]string(nil), t.Features...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
