package incidents

import (
	"context"
	"sync"
	"time"

	"github.com/relaycrm/billing/internal/idgen"
)

// MemoryStore is an in-memory incident store for demo/development mode.
type MemoryStore struct {
	incidents []*Incident
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory incident store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(ctx context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inc.ID == "" {
		inc.ID = idgen.WithPrefix("inc_")
	}
	if inc.Status == "" {
		inc.Status = StatusOpen
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now()
	}
	cp := *inc
	m.incidents = append(m.incidents, &cp)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inc := range m.incidents {
		if inc.ID == id {
			cp := *inc
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context, status string, limit, offset int) ([]*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Incident
	// newest first
	for i := len(m.incidents) - 1; i >= 0; i-- {
		inc := m.incidents[i]
		if status != "" && inc.Status != status {
			continue
		}
		cp := *inc
		out = append(out, &cp)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id, resolution string) (*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inc := range m.incidents {
		if inc.ID != id {
			continue
		}
		if inc.Status == StatusResolved {
			return nil, ErrAlreadyClosed
		}
		now := time.Now()
		inc.Status = StatusResolved
		inc.Resolution = resolution
		inc.ResolvedAt = &now
		cp := *inc
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) OpenMismatch(ctx context.Context, tenantID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inc := range m.incidents {
		if inc.TenantID == tenantID && inc.Kind == KindBalanceMismatch && inc.Status == StatusOpen {
			return true, nil
		}
	}
	return false, nil
}

var _ Store = (*MemoryStore)(nil)
