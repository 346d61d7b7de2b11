// Package incidents records billing anomalies that need operator attention:
// partial failures where money moved but the dependent mutation did not, and
// ledger/balance mismatches found by reconciliation.
package incidents

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("incidents: not found")
	ErrAlreadyClosed = errors.New("incidents: already resolved")
)

// Incident kinds.
const (
	KindPartialFailure  = "partial_failure"
	KindBalanceMismatch = "balance_mismatch"
)

// Incident statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Incident is one anomaly awaiting operator review.
type Incident struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	RelatedTxID string     `json:"relatedTxId,omitempty"`
	Status      string     `json:"status"`
	Resolution  string     `json:"resolution,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists incidents.
type Store interface {
	Create(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id string) (*Incident, error)
	List(ctx context.Context, status string, limit, offset int) ([]*Incident, error)
	Resolve(ctx context.Context, id, resolution string) (*Incident, error)

	// OpenMismatch reports whether an unresolved balance-mismatch incident
	// already exists for the tenant, so reconciliation sweeps don't file
	// duplicates every tick.
	OpenMismatch(ctx context.Context, tenantID string) (bool, error)
}
