package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaycrm/billing/internal/idgen"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
// The mutex plays the role the conditional UPDATE plays in Postgres: the
// balance check and the decrement happen under one critical section.
type MemoryStore struct {
	wallets map[string]*Wallet
	txns    []*Transaction
	refs    map[string]bool
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		txns:    make([]*Transaction, 0),
		refs:    make(map[string]bool),
	}
}

func (m *MemoryStore) GetWallet(ctx context.Context, tenantID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[tenantID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, tenantID string, amount int64, kind Kind, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" && m.refs[reference] {
		return nil, ErrDuplicateReference
	}

	w, ok := m.wallets[tenantID]
	if !ok {
		w = &Wallet{TenantID: tenantID}
		m.wallets[tenantID] = w
	}
	w.Balance += amount
	w.UpdatedAt = time.Now()

	return m.appendLocked(tenantID, amount, kind, reference, description), nil
}

func (m *MemoryStore) Debit(ctx context.Context, tenantID string, amount int64, kind Kind, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[tenantID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if w.Balance < amount {
		return nil, ErrInsufficientFunds
	}
	w.Balance -= amount
	w.UpdatedAt = time.Now()

	return m.appendLocked(tenantID, amount, kind, reference, description), nil
}

func (m *MemoryStore) appendLocked(tenantID string, amount int64, kind Kind, reference, description string) *Transaction {
	t := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		TenantID:    tenantID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		Reference:   reference,
		Status:      StatusSuccess,
		CreatedAt:   time.Now(),
	}
	m.txns = append(m.txns, t)
	if reference != "" {
		m.refs[reference] = true
	}
	return t
}

func (m *MemoryStore) ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, t := range m.txns {
		if t.TenantID == tenantID {
			cp := *t
			out = append(out, &cp)
		}
	}
	// newest first
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) HasReference(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[reference], nil
}

func (m *MemoryStore) SumLedger(ctx context.Context, tenantID string) (credits, debits int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.txns {
		if t.TenantID != tenantID || t.Status != StatusSuccess {
			continue
		}
		if t.Kind.IsCredit() {
			credits += t.Amount
		} else {
			debits += t.Amount
		}
	}
	return credits, debits, nil
}

func (m *MemoryStore) TenantIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
