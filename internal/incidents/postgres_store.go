package incidents

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaycrm/billing/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed incident store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the incidents table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_incidents (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			kind          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			related_tx_id TEXT,
			status        TEXT NOT NULL DEFAULT 'open',
			resolution    TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at   TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_incidents_status ON billing_incidents(status, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_incidents_tenant ON billing_incidents(tenant_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, inc *Incident) error {
	if inc.ID == "" {
		inc.ID = idgen.WithPrefix("inc_")
	}
	if inc.Status == "" {
		inc.Status = StatusOpen
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO billing_incidents (id, tenant_id, kind, description, related_tx_id, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING created_at
	`, inc.ID, inc.TenantID, inc.Kind, inc.Description, inc.RelatedTxID, inc.Status).Scan(&inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

const incidentColumns = `id, tenant_id, kind, description, COALESCE(related_tx_id, ''), status, COALESCE(resolution, ''), created_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Incident, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM billing_incidents WHERE id = $1
	`, id)
	return scanIncident(row)
}

func (p *PostgresStore) List(ctx context.Context, status string, limit, offset int) ([]*Incident, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+incidentColumns+`
		FROM billing_incidents
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id, resolution string) (*Incident, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE billing_incidents SET
			status      = 'resolved',
			resolution  = $2,
			resolved_at = NOW()
		WHERE id = $1 AND status = 'open'
		RETURNING `+incidentColumns+`
	`, id, resolution)
	inc, err := scanIncident(row)
	if err == ErrNotFound {
		var exists bool
		if qerr := p.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM billing_incidents WHERE id = $1)
		`, id).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if exists {
			return nil, ErrAlreadyClosed
		}
		return nil, ErrNotFound
	}
	return inc, err
}

func (p *PostgresStore) OpenMismatch(ctx context.Context, tenantID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM billing_incidents
			WHERE tenant_id = $1 AND kind = $2 AND status = 'open'
		)
	`, tenantID, KindBalanceMismatch).Scan(&exists)
	return exists, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	inc := &Incident{}
	var resolvedAt sql.NullTime
	err := row.Scan(&inc.ID, &inc.TenantID, &inc.Kind, &inc.Description,
		&inc.RelatedTxID, &inc.Status, &inc.Resolution, &inc.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inc.ResolvedAt = &t
	}
	return inc, nil
}

var _ Store = (*PostgresStore)(nil)
