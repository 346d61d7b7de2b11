package wallet

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/relaycrm/billing/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// Both balance mutation and log insert run inside one database transaction;
// the debit's balance check is part of the UPDATE's WHERE clause, so two
// concurrent spenders on the same wallet serialize inside Postgres. The
// CHECK constraint on balance >= 0 backs this at the schema level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			tenant_id    TEXT PRIMARY KEY,
			balance      BIGINT NOT NULL DEFAULT 0,
			currency     TEXT NOT NULL DEFAULT 'usd',
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS wallet_transactions (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			amount       BIGINT NOT NULL CHECK (amount > 0),
			kind         TEXT NOT NULL,
			description  TEXT,
			reference    TEXT,
			status       TEXT NOT NULL DEFAULT 'success',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_wallet_txns_tenant ON wallet_transactions(tenant_id, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_txns_reference ON wallet_transactions(reference) WHERE reference <> '';
	`)
	return err
}

func (p *PostgresStore) GetWallet(ctx context.Context, tenantID string) (*Wallet, error) {
	w := &Wallet{TenantID: tenantID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, currency, updated_at FROM wallets WHERE tenant_id = $1
	`, tenantID).Scan(&w.Balance, &w.Currency, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Credit adds funds, creating the wallet row if absent. Balance upsert and
// transaction insert commit together or not at all.
func (p *PostgresStore) Credit(ctx context.Context, tenantID string, amount int64, kind Kind, reference, description string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (tenant_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			balance    = wallets.balance + $2,
			updated_at = NOW()
	`, tenantID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	txn, err := insertTransaction(ctx, tx, tenantID, amount, kind, reference, description)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// Debit conditionally decrements the balance. The WHERE clause carries the
// sufficiency check; zero rows affected means either a missing wallet or
// insufficient funds, disambiguated with a follow-up read inside the same
// transaction. No transaction row is written on failure.
//
// Read Committed is enough here: the UPDATE re-checks balance >= amount on
// the row version it locks, so concurrent spenders queue on the row lock
// rather than aborting with serialization failures.
func (p *PostgresStore) Debit(ctx context.Context, tenantID string, amount int64, kind Kind, reference, description string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance - $2,
			updated_at = NOW()
		WHERE tenant_id = $1 AND balance >= $2
	`, tenantID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM wallets WHERE tenant_id = $1)
		`, tenantID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrWalletNotFound
		}
		return nil, ErrInsufficientFunds
	}

	txn, err := insertTransaction(ctx, tx, tenantID, amount, kind, reference, description)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// insertTransaction appends the log entry within the caller's transaction.
// Shared with the subscription package's single-transaction store.
func insertTransaction(ctx context.Context, tx *sql.Tx, tenantID string, amount int64, kind Kind, reference, description string) (*Transaction, error) {
	txn := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		TenantID:    tenantID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		Reference:   reference,
		Status:      StatusSuccess,
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions (id, tenant_id, amount, kind, description, reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'success', NOW())
		RETURNING created_at
	`, txn.ID, txn.TenantID, txn.Amount, string(txn.Kind), txn.Description, txn.Reference).Scan(&txn.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	return txn, nil
}

// InsertTransactionTx exposes the log append for stores that compose wallet
// mutations into a wider database transaction.
func InsertTransactionTx(ctx context.Context, tx *sql.Tx, tenantID string, amount int64, kind Kind, reference, description string) (*Transaction, error) {
	return insertTransaction(ctx, tx, tenantID, amount, kind, reference, description)
}

func (p *PostgresStore) ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, amount, kind, COALESCE(description, ''), COALESCE(reference, ''), status, created_at
		FROM wallet_transactions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var kind string
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Amount, &kind, &t.Description, &t.Reference, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = Kind(kind)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (p *PostgresStore) HasReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM wallet_transactions WHERE reference = $1)
	`, reference).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) SumLedger(ctx context.Context, tenantID string) (credits, debits int64, err error) {
	err = p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE kind LIKE 'credit_%'), 0),
			COALESCE(SUM(amount) FILTER (WHERE kind LIKE 'debit_%'), 0)
		FROM wallet_transactions
		WHERE tenant_id = $1 AND status = 'success'
	`, tenantID).Scan(&credits, &debits)
	return credits, debits, err
}

func (p *PostgresStore) TenantIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT tenant_id FROM wallets ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
