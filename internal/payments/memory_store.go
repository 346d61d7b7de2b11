package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaycrm/billing/internal/idgen"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	byRef  map[string]string
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		byRef:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.ID == "" {
		o.ID = idgen.WithPrefix("ord_")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	cp := *o
	m.orders[o.ID] = &cp
	if o.GatewayRef != "" {
		m.byRef[o.GatewayRef] = o.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *MemoryStore) GetByRef(ctx context.Context, ref string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) SetGatewayRef(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.GatewayRef = ref
	m.byRef[ref] = id
	return nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string) (*Order, error) {
	return m.transition(id, StatusCompleted)
}

func (m *MemoryStore) Fail(ctx context.Context, id string) (*Order, error) {
	return m.transition(id, StatusFailed)
}

func (m *MemoryStore) transition(id, to string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return nil, ErrOrderNotPending
	}
	o.Status = to
	if to == StatusCompleted {
		now := time.Now()
		o.CompletedAt = &now
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.TenantID == tenantID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) getLocked(id string) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
