package instruments

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. The single-winner
// operations carry their guards in the UPDATE's WHERE clause, so two racing
// redeemers resolve on the row lock inside Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed instruments store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the instrument tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS discount_codes (
			code        TEXT PRIMARY KEY,
			percentage  INT NOT NULL CHECK (percentage BETWEEN 1 AND 100),
			total_uses  INT NOT NULL CHECK (total_uses > 0),
			uses_count  INT NOT NULL DEFAULT 0,
			valid_from  TIMESTAMPTZ NOT NULL,
			valid_until TIMESTAMPTZ NOT NULL,
			is_active   BOOLEAN NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_uses CHECK (uses_count >= 0 AND uses_count <= total_uses)
		);

		CREATE TABLE IF NOT EXISTS gift_cards (
			code        TEXT PRIMARY KEY,
			amount      BIGINT NOT NULL CHECK (amount > 0),
			currency    TEXT NOT NULL DEFAULT 'usd',
			is_active   BOOLEAN NOT NULL DEFAULT TRUE,
			is_redeemed BOOLEAN NOT NULL DEFAULT FALSE,
			redeemed_by TEXT,
			redeemed_at TIMESTAMPTZ,
			expires_at  TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) GetDiscountCode(ctx context.Context, code string) (*DiscountCode, error) {
	d := &DiscountCode{}
	err := p.db.QueryRowContext(ctx, `
		SELECT code, percentage, total_uses, uses_count, valid_from, valid_until, is_active, created_at
		FROM discount_codes WHERE code = $1
	`, code).Scan(&d.Code, &d.Percentage, &d.TotalUses, &d.UsesCount,
		&d.ValidFrom, &d.ValidUntil, &d.IsActive, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) CreateDiscountCode(ctx context.Context, d *DiscountCode) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO discount_codes (code, percentage, total_uses, uses_count, valid_from, valid_until, is_active)
		VALUES ($1, $2, $3, 0, $4, $5, $6)
	`, d.Code, d.Percentage, d.TotalUses, d.ValidFrom, d.ValidUntil, d.IsActive)
	if err != nil {
		return fmt.Errorf("failed to create discount code: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListDiscountCodes(ctx context.Context, limit, offset int) ([]*DiscountCode, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT code, percentage, total_uses, uses_count, valid_from, valid_until, is_active, created_at
		FROM discount_codes ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DiscountCode
	for rows.Next() {
		d := &DiscountCode{}
		if err := rows.Scan(&d.Code, &d.Percentage, &d.TotalUses, &d.UsesCount,
			&d.ValidFrom, &d.ValidUntil, &d.IsActive, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ConsumeDiscountCode increments uses_count with every guard in the WHERE
// clause. With one use left, exactly one of two racing confirmations gets
// the row.
func (p *PostgresStore) ConsumeDiscountCode(ctx context.Context, code string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE discount_codes SET uses_count = uses_count + 1
		WHERE code = $1
		  AND is_active
		  AND valid_from <= $2
		  AND valid_until >= $2
		  AND uses_count < total_uses
	`, code, now)
	if err != nil {
		return fmt.Errorf("failed to consume discount code: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 1 {
		return nil
	}

	// Zero rows: re-read to report which guard failed.
	d, err := p.GetDiscountCode(ctx, code)
	if err != nil {
		return err
	}
	if err := d.Usable(now); err != nil {
		return err
	}
	return ErrCodeExhausted
}

func (p *PostgresStore) GetGiftCard(ctx context.Context, code string) (*GiftCard, error) {
	g := &GiftCard{}
	var redeemedBy sql.NullString
	var redeemedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT code, amount, currency, is_active, is_redeemed, redeemed_by, redeemed_at, expires_at, created_at
		FROM gift_cards WHERE code = $1
	`, code).Scan(&g.Code, &g.Amount, &g.Currency, &g.IsActive, &g.IsRedeemed, &redeemedBy, &redeemedAt, &g.ExpiresAt, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	g.RedeemedBy = redeemedBy.String
	if redeemedAt.Valid {
		t := redeemedAt.Time
		g.RedeemedAt = &t
	}
	return g, nil
}

func (p *PostgresStore) CreateGiftCard(ctx context.Context, g *GiftCard) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gift_cards (code, amount, currency, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, g.Code, g.Amount, g.Currency, g.IsActive, g.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create gift card: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListGiftCards(ctx context.Context, limit, offset int) ([]*GiftCard, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT code, amount, currency, is_active, is_redeemed, redeemed_by, redeemed_at, expires_at, created_at
		FROM gift_cards ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*GiftCard
	for rows.Next() {
		g := &GiftCard{}
		var redeemedBy sql.NullString
		var redeemedAt sql.NullTime
		if err := rows.Scan(&g.Code, &g.Amount, &g.Currency, &g.IsActive, &g.IsRedeemed,
			&redeemedBy, &redeemedAt, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.RedeemedBy = redeemedBy.String
		if redeemedAt.Valid {
			t := redeemedAt.Time
			g.RedeemedAt = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ClaimGiftCard flips is_redeemed FALSE to TRUE in one conditional UPDATE;
// the loser of a race sees zero rows and a disambiguating re-read.
func (p *PostgresStore) ClaimGiftCard(ctx context.Context, code, tenantID string, now time.Time) (*GiftCard, error) {
	g := &GiftCard{}
	var redeemedBy sql.NullString
	var redeemedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		UPDATE gift_cards SET
			is_redeemed = TRUE,
			redeemed_by = $2,
			redeemed_at = $3
		WHERE code = $1 AND is_active AND NOT is_redeemed AND expires_at > $3
		RETURNING code, amount, currency, is_active, is_redeemed, redeemed_by, redeemed_at, expires_at, created_at
	`, code, tenantID, now).Scan(&g.Code, &g.Amount, &g.Currency, &g.IsActive, &g.IsRedeemed,
		&redeemedBy, &redeemedAt, &g.ExpiresAt, &g.CreatedAt)
	if err == sql.ErrNoRows {
		existing, gerr := p.GetGiftCard(ctx, code)
		if gerr != nil {
			return nil, gerr
		}
		if !existing.IsActive {
			return nil, ErrCodeInactive
		}
		if existing.IsRedeemed {
			return nil, ErrAlreadyRedeemed
		}
		return nil, ErrCodeExpired
	}
	if err != nil {
		return nil, err
	}
	g.RedeemedBy = redeemedBy.String
	if redeemedAt.Valid {
		t := redeemedAt.Time
		g.RedeemedAt = &t
	}
	return g, nil
}

func (p *PostgresStore) RevertGiftCardClaim(ctx context.Context, code string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE gift_cards SET
			is_redeemed = FALSE,
			redeemed_by = NULL,
			redeemed_at = NULL
		WHERE code = $1
	`, code)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCodeNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
