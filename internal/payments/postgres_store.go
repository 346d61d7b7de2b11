package payments

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaycrm/billing/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. The pending→completed flip
// is a conditional UPDATE so a replayed webhook finds zero rows.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the orders table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS recharge_orders (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			credit_amount BIGINT NOT NULL CHECK (credit_amount > 0),
			charge_amount BIGINT NOT NULL CHECK (charge_amount > 0),
			currency      TEXT NOT NULL DEFAULT 'usd',
			discount_code TEXT,
			gateway_ref   TEXT,
			status        TEXT NOT NULL DEFAULT 'pending',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at  TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_orders_tenant ON recharge_orders(tenant_id, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_ref ON recharge_orders(gateway_ref) WHERE gateway_ref IS NOT NULL;
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = idgen.WithPrefix("ord_")
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO recharge_orders (id, tenant_id, credit_amount, charge_amount, currency, discount_code, gateway_ref, status)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		RETURNING created_at
	`, o.ID, o.TenantID, o.CreditAmount, o.ChargeAmount, o.Currency, o.DiscountCode, o.GatewayRef, o.Status).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

const orderColumns = `id, tenant_id, credit_amount, charge_amount, currency, COALESCE(discount_code, ''), COALESCE(gateway_ref, ''), status, created_at, completed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM recharge_orders WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetByRef(ctx context.Context, ref string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM recharge_orders WHERE gateway_ref = $1
	`, ref))
}

func (p *PostgresStore) SetGatewayRef(ctx context.Context, id, ref string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE recharge_orders SET gateway_ref = $2 WHERE id = $1
	`, id, ref)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) Complete(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `
		UPDATE recharge_orders SET
			status       = 'completed',
			completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+orderColumns+`
	`, id))
	if err == ErrOrderNotFound {
		return nil, p.disambiguate(ctx, id)
	}
	return o, err
}

func (p *PostgresStore) Fail(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `
		UPDATE recharge_orders SET status = 'failed'
		WHERE id = $1 AND status = 'pending'
		RETURNING `+orderColumns+`
	`, id))
	if err == ErrOrderNotFound {
		return nil, p.disambiguate(ctx, id)
	}
	return o, err
}

func (p *PostgresStore) disambiguate(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM recharge_orders WHERE id = $1)
	`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrOrderNotPending
	}
	return ErrOrderNotFound
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM recharge_orders
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var completedAt sql.NullTime
	err := row.Scan(&o.ID, &o.TenantID, &o.CreditAmount, &o.ChargeAmount, &o.Currency,
		&o.DiscountCode, &o.GatewayRef, &o.Status, &o.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	return o, nil
}

var _ Store = (*PostgresStore)(nil)
