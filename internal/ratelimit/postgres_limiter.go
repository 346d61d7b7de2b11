package ratelimit

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaycrm/billing/internal/auth"
	"github.com/relaycrm/billing/internal/logging"
)

// PostgresLimiter counts requests in per-minute buckets in Postgres, shared
// by all replicas. The upsert increments and checks the budget in one
// statement; clock-aligned buckets mean at worst a 2x burst across a bucket
// boundary, which is acceptable for a billing API.
type PostgresLimiter struct {
	db    *sql.DB
	limit int
}

// NewPostgresLimiter creates a Postgres-backed limiter with a per-minute
// request budget.
func NewPostgresLimiter(db *sql.DB, requestsPerMinute int) *PostgresLimiter {
	return &PostgresLimiter{db: db, limit: requestsPerMinute}
}

// Migrate creates the bucket table (used in dev/test; prod uses migration files).
func (p *PostgresLimiter) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_buckets (
			key       TEXT NOT NULL,
			bucket    TIMESTAMPTZ NOT NULL,
			count     INT NOT NULL DEFAULT 0,
			PRIMARY KEY (key, bucket)
		);
	`)
	return err
}

// Allow increments the key's current minute bucket, reporting whether the
// request still fits the budget.
func (p *PostgresLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().UTC().Truncate(time.Minute)
	var count int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_buckets (key, bucket, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (key, bucket) DO UPDATE SET count = rate_limit_buckets.count + 1
		RETURNING count
	`, key, bucket).Scan(&count)
	if err != nil {
		return false, err
	}
	return count <= p.limit, nil
}

// Prune deletes buckets older than the retention window. Run periodically.
func (p *PostgresLimiter) Prune(ctx context.Context, retain time.Duration) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM rate_limit_buckets WHERE bucket < $1
	`, time.Now().UTC().Add(-retain))
	return err
}

// StartPruner deletes stale buckets on an interval until ctx is done.
func (p *PostgresLimiter) StartPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Prune(ctx, 10*time.Minute); err != nil && ctx.Err() == nil {
				logging.L(ctx).Error("rate limit prune failed", "error", err)
			}
		}
	}
}

// Middleware throttles by resolved tenant, falling back to client IP.
// Limiter errors fail open: a rate-limit outage must not take billing down.
func (p *PostgresLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if tenantID := auth.GetTenantID(c); tenantID != "" {
			key = "tenant:" + tenantID
		}

		ok, err := p.Allow(c.Request.Context(), key)
		if err != nil {
			logging.L(c.Request.Context()).Error("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 60,
			})
			return
		}
		c.Next()
	}
}
