package tenant

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/relaycrm/billing/internal/pricing"
)

// PostgresStore implements Store with PostgreSQL. Guards live in WHERE
// clauses and CHECK constraints so concurrent mutators serialize in the
// database, mirroring the wallet store's conditional-update discipline.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tenants table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id                        TEXT PRIMARY KEY,
			name                      TEXT NOT NULL DEFAULT '',
			total_seats               INT NOT NULL DEFAULT 0,
			used_seats                INT NOT NULL DEFAULT 0,
			subscription_valid_until  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			features                  TEXT[] NOT NULL DEFAULT '{}',
			created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_seats CHECK (total_seats >= used_seats AND used_seats >= 0)
		);
	`)
	return err
}

const tenantColumns = `id, name, total_seats, used_seats, subscription_valid_until, features, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1
	`, id)
	return scanTenant(row)
}

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, total_seats, used_seats, subscription_valid_until, features)
		VALUES ($1, $2, $3, 0, $4, $5)
	`, t.ID, t.Name, t.TotalSeats, t.SubscriptionValidUntil, pq.Array(t.Features))
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddSeats restarts a lapsed window inside the statement; an active expiry
// stays as-is even if another session moved it since the caller's read.
func (p *PostgresStore) AddSeats(ctx context.Context, id string, quantity int) (*Tenant, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE tenants SET
			total_seats              = total_seats + $2,
			subscription_valid_until = CASE
				WHEN subscription_valid_until > NOW() THEN subscription_valid_until
				ELSE NOW() + make_interval(days => $3)
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+tenantColumns+`
	`, id, quantity, pricing.FreshPeriodDays)
	return scanTenant(row)
}

// ExtendValidity stacks the extension on the row's current expiry, so two
// concurrent extensions both land.
func (p *PostgresStore) ExtendValidity(ctx context.Context, id string, months int) (*Tenant, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE tenants SET
			subscription_valid_until = GREATEST(subscription_valid_until, NOW()) + make_interval(months => $2),
			updated_at               = NOW()
		WHERE id = $1
		RETURNING `+tenantColumns+`
	`, id, months)
	return scanTenant(row)
}

// AddFeature appends the key only when absent; the WHERE clause makes the
// double-unlock check and the append one atomic statement.
func (p *PostgresStore) AddFeature(ctx context.Context, id, key string) (*Tenant, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE tenants SET
			features   = array_append(features, $2),
			updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(features))
		RETURNING `+tenantColumns+`
	`, id, key)
	t, err := scanTenant(row)
	if err == ErrNotFound {
		var exists bool
		if qerr := p.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)
		`, id).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if exists {
			return nil, ErrFeatureAlreadyUnlocked
		}
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) SetUsedSeats(ctx context.Context, id string, used int) (*Tenant, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE tenants SET
			used_seats = $2,
			updated_at = NOW()
		WHERE id = $1 AND total_seats >= $2
		RETURNING `+tenantColumns+`
	`, id, used)
	t, err := scanTenant(row)
	if err == ErrNotFound {
		var exists bool
		if qerr := p.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)
		`, id).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if exists {
			return nil, ErrSeatsInUse
		}
		return nil, ErrNotFound
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	var features pq.StringArray
	err := row.Scan(&t.ID, &t.Name, &t.TotalSeats, &t.UsedSeats,
		&t.SubscriptionValidUntil, &features, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Features = []string(features)
	return t, nil
}

var _ Store = (*PostgresStore)(nil)
