// Package tenant holds each workspace's subscription state: seat counts,
// validity window and unlocked premium features.
//
// The CRM core owns most tenant data; billing only tracks the fields money
// can change. Seat and validity mutations arrive through the subscription
// package, which pairs them with wallet debits.
package tenant

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound               = errors.New("tenant: not found")
	ErrInvalidSeatCount       = errors.New("tenant: invalid seat count")
	ErrFeatureAlreadyUnlocked = errors.New("tenant: feature already unlocked")
	ErrSeatsInUse             = errors.New("tenant: used seats exceed new total")
)

// Subscription statuses, derived from the validity window at read time.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Tenant is one workspace's billing-relevant state.
//
// Invariant: TotalSeats >= UsedSeats >= 0. UsedSeats is advisory here (the
// CRM core reports it); TotalSeats is what billing sells.
type Tenant struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	TotalSeats             int       `json:"totalSeats"`
	UsedSeats              int       `json:"usedSeats"`
	SubscriptionValidUntil time.Time `json:"subscriptionValidUntil"`
	SubscriptionStatus     string    `json:"subscriptionStatus"`
	Features               []string  `json:"features"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Active reports whether the subscription window covers now.
func (t *Tenant) Active(now time.Time) bool {
	return t.SubscriptionValidUntil.After(now)
}

// HasFeature reports whether the feature is already unlocked.
func (t *Tenant) HasFeature(key string) bool {
	for _, f := range t.Features {
		if f == key {
			return true
		}
	}
	return false
}

// Store persists tenant subscription state.
type Store interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	Create(ctx context.Context, t *Tenant) error
	List(ctx context.Context, limit, offset int) ([]*Tenant, error)

	// AddSeats raises the seat total in one atomic statement. An expired
	// window restarts a fresh period from now; an active one is left
	// untouched. The window is decided against the row's current value,
	// not a caller-side read, so concurrent mutations never clobber each
	// other. Used by the saga path; the combined-transaction path goes
	// through the subscription package's AtomicStore instead.
	AddSeats(ctx context.Context, id string, quantity int) (*Tenant, error)

	// ExtendValidity appends months to whichever is later, the current
	// expiry or now, computed against the row's current value so
	// concurrent extensions stack instead of overwriting one another.
	ExtendValidity(ctx context.Context, id string, months int) (*Tenant, error)

	// AddFeature appends a feature key, failing with
	// ErrFeatureAlreadyUnlocked when it is present.
	AddFeature(ctx context.Context, id, key string) (*Tenant, error)

	// SetUsedSeats records occupancy reported by the CRM core. Fails with
	// ErrSeatsInUse when used would exceed total.
	SetUsedSeats(ctx context.Context, id string, used int) (*Tenant, error)
}

// Service wraps the store with validation and derived fields.
type Service struct {
	store Store
}

// NewService creates a tenant service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Store exposes the backing store for the subscription mutator's saga path.
func (s *Service) Store() Store { return s.store }

// Get loads a tenant with the derived subscription status filled in.
func (s *Service) Get(ctx context.Context, id string) (*Tenant, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.derive(t)
	return t, nil
}

// Create registers a workspace with billing. Zero seats and an expired
// window are valid: tenants provision state on first purchase.
func (s *Service) Create(ctx context.Context, id, name string, seats int, validUntil time.Time) (*Tenant, error) {
	if seats < 0 {
		return nil, ErrInvalidSeatCount
	}
	t := &Tenant{
		ID:                     id,
		Name:                   name,
		TotalSeats:             seats,
		SubscriptionValidUntil: validUntil,
		Features:               []string{},
		CreatedAt:              time.Now(),
		UpdatedAt:              time.Now(),
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	s.derive(t)
	return t, nil
}

// List returns tenants for the admin surface.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	tenants, err := s.store.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	for _, t := range tenants {
		s.derive(t)
	}
	return tenants, nil
}

// SetUsedSeats records seat occupancy reported by the CRM core.
func (s *Service) SetUsedSeats(ctx context.Context, id string, used int) (*Tenant, error) {
	if used < 0 {
		return nil, ErrInvalidSeatCount
	}
	t, err := s.store.SetUsedSeats(ctx, id, used)
	if err != nil {
		return nil, err
	}
	s.derive(t)
	return t, nil
}

func (s *Service) derive(t *Tenant) {
	if t.Active(time.Now()) {
		t.SubscriptionStatus = StatusActive
	} else {
		t.SubscriptionStatus = StatusExpired
	}
	if t.Features == nil {
		t.Features = []string{}
	}
}
