package subscription

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/relaycrm/billing/internal/pricing"
	"github.com/relaycrm/billing/internal/tenant"
	"github.com/relaycrm/billing/internal/wallet"
)

// PostgresTxStore runs each subscription mutation in one database
// transaction: the conditional wallet debit, the ledger insert and the
// tenant update commit together or roll back together. No compensation is
// ever needed on this path.
type PostgresTxStore struct {
	db *sql.DB
}

// NewPostgresTxStore creates the combined-transaction store. The wallet and
// tenant tables must live in the same database.
func NewPostgresTxStore(db *sql.DB) *PostgresTxStore {
	return &PostgresTxStore{db: db}
}

// PurchaseSeats restarts a lapsed window inside the statement; an active
// expiry stays as-is even if another session moved it since the quote.
func (p *PostgresTxStore) PurchaseSeats(ctx context.Context, tenantID string, quantity int, cost int64, description string) (*wallet.Transaction, *tenant.Tenant, error) {
	return p.run(ctx, tenantID, cost, wallet.KindDebitSeats, description, func(tx *sql.Tx) (*tenant.Tenant, error) {
		return scanTenantRow(tx.QueryRowContext(ctx, `
			UPDATE tenants SET
				total_seats              = total_seats + $2,
				subscription_valid_until = CASE
					WHEN subscription_valid_until > NOW() THEN subscription_valid_until
					ELSE NOW() + make_interval(days => $3)
				END,
				updated_at = NOW()
			WHERE id = $1
			RETURNING id, name, total_seats, used_seats, subscription_valid_until, features, created_at, updated_at
		`, tenantID, quantity, pricing.FreshPeriodDays))
	})
}

// ExtendSubscription stacks the extension on the row's current expiry, so
// two concurrent extensions both land.
func (p *PostgresTxStore) ExtendSubscription(ctx context.Context, tenantID string, cost int64, months int, description string) (*wallet.Transaction, *tenant.Tenant, error) {
	return p.run(ctx, tenantID, cost, wallet.KindDebitExtension, description, func(tx *sql.Tx) (*tenant.Tenant, error) {
		return scanTenantRow(tx.QueryRowContext(ctx, `
			UPDATE tenants SET
				subscription_valid_until = GREATEST(subscription_valid_until, NOW()) + make_interval(months => $2),
				updated_at               = NOW()
			WHERE id = $1
			RETURNING id, name, total_seats, used_seats, subscription_valid_until, features, created_at, updated_at
		`, tenantID, months))
	})
}

func (p *PostgresTxStore) UnlockFeature(ctx context.Context, tenantID, key string, cost int64, description string) (*wallet.Transaction, *tenant.Tenant, error) {
	return p.run(ctx, tenantID, cost, wallet.KindDebitFeature, description, func(tx *sql.Tx) (*tenant.Tenant, error) {
		t, err := scanTenantRow(tx.QueryRowContext(ctx, `
			UPDATE tenants SET
				features   = array_append(features, $2),
				updated_at = NOW()
			WHERE id = $1 AND NOT ($2 = ANY(features))
			RETURNING id, name, total_seats, used_seats, subscription_valid_until, features, created_at, updated_at
		`, tenantID, key))
		if err == tenant.ErrNotFound {
			// Rolls the debit back either way; report which guard failed.
			var exists bool
			if qerr := tx.QueryRowContext(ctx, `
				SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)
			`, tenantID).Scan(&exists); qerr != nil {
				return nil, qerr
			}
			if exists {
				return nil, tenant.ErrFeatureAlreadyUnlocked
			}
			return nil, tenant.ErrNotFound
		}
		return t, err
	})
}

// run executes debit + ledger insert + tenant mutation in one transaction.
func (p *PostgresTxStore) run(ctx context.Context, tenantID string, cost int64, kind wallet.Kind, description string, mutate func(*sql.Tx) (*tenant.Tenant, error)) (*wallet.Transaction, *tenant.Tenant, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance - $2,
			updated_at = NOW()
		WHERE tenant_id = $1 AND balance >= $2
	`, tenantID, cost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM wallets WHERE tenant_id = $1)
		`, tenantID).Scan(&exists); err != nil {
			return nil, nil, err
		}
		if !exists {
			return nil, nil, wallet.ErrWalletNotFound
		}
		return nil, nil, wallet.ErrInsufficientFunds
	}

	txn, err := wallet.InsertTransactionTx(ctx, tx, tenantID, cost, kind, "", description)
	if err != nil {
		return nil, nil, err
	}

	t, err := mutate(tx)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return txn, t, nil
}

func scanTenantRow(row *sql.Row) (*tenant.Tenant, error) {
	t := &tenant.Tenant{}
	var features pq.StringArray
	err := row.Scan(&t.ID, &t.Name, &t.TotalSeats, &t.UsedSeats,
		&t.SubscriptionValidUntil, &features, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Features = []string(features)
	return t, nil
}

var _ AtomicStore = (*PostgresTxStore)(nil)
