package instruments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory instruments store for demo/development mode.
type MemoryStore struct {
	discounts map[string]*DiscountCode
	giftCards map[string]*GiftCard
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory instruments store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		discounts: make(map[string]*DiscountCode),
		giftCards: make(map[string]*GiftCard),
	}
}

func (m *MemoryStore) GetDiscountCode(ctx context.Context, code string) (*DiscountCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.discounts[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) CreateDiscountCode(ctx context.Context, d *DiscountCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.discounts[d.Code] = &cp
	return nil
}

func (m *MemoryStore) ListDiscountCodes(ctx context.Context, limit, offset int) ([]*DiscountCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	codes := make([]string, 0, len(m.discounts))
	for c := range m.discounts {
		codes = append(codes, c)
	}
	sort.Strings(codes)

	out := make([]*DiscountCode, 0, len(codes))
	for _, c := range page(codes, limit, offset) {
		cp := *m.discounts[c]
		out = append(out, &cp)
	}
	return out, nil
}

// ConsumeDiscountCode re-checks every guard and increments under one lock,
// mirroring the conditional UPDATE the Postgres store uses.
func (m *MemoryStore) ConsumeDiscountCode(ctx context.Context, code string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.discounts[code]
	if !ok {
		return ErrCodeNotFound
	}
	if err := d.Usable(now); err != nil {
		return err
	}
	d.UsesCount++
	return nil
}

func (m *MemoryStore) GetGiftCard(ctx context.Context, code string) (*GiftCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.giftCards[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) CreateGiftCard(ctx context.Context, g *GiftCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *g
	m.giftCards[g.Code] = &cp
	return nil
}

func (m *MemoryStore) ListGiftCards(ctx context.Context, limit, offset int) ([]*GiftCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	codes := make([]string, 0, len(m.giftCards))
	for c := range m.giftCards {
		codes = append(codes, c)
	}
	sort.Strings(codes)

	out := make([]*GiftCard, 0, len(codes))
	for _, c := range page(codes, limit, offset) {
		cp := *m.giftCards[c]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ClaimGiftCard(ctx context.Context, code, tenantID string, now time.Time) (*GiftCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.giftCards[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	if !g.IsActive {
		return nil, ErrCodeInactive
	}
	if g.IsRedeemed {
		return nil, ErrAlreadyRedeemed
	}
	if now.After(g.ExpiresAt) {
		return nil, ErrCodeExpired
	}
	g.IsRedeemed = true
	g.RedeemedBy = tenantID
	redeemedAt := now
	g.RedeemedAt = &redeemedAt

	cp := *g
	return &cp, nil
}

func (m *MemoryStore) RevertGiftCardClaim(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.giftCards[code]
	if !ok {
		return ErrCodeNotFound
	}
	g.IsRedeemed = false
	g.RedeemedBy = ""
	g.RedeemedAt = nil
	return nil
}

func page(keys []string, limit, offset int) []string {
	if offset >= len(keys) {
		return nil
	}
	keys = keys[offset:]
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

var _ Store = (*MemoryStore)(nil)
