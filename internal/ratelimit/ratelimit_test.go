package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/billing/internal/testutil"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("tenant:tn_1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("tenant:tn_1"), "burst exhausted")
}

func TestAllowIndependentKeys(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("tenant:tn_1"))
	assert.False(t, l.Allow("tenant:tn_1"))
	assert.True(t, l.Allow("tenant:tn_2"), "other tenants unaffected")
}

func TestTokensRefill(t *testing.T) {
	// 6000/min = 100/sec, so ~50 tokens refill in 500ms.
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Allow("k"), "tokens refill over time")
}

func TestPostgresLimiterBudget(t *testing.T) {
	db := testutil.PGTest(t, "rate_limit_buckets")
	ctx := context.Background()

	l := NewPostgresLimiter(db, 3)
	require.NoError(t, l.Migrate(ctx))
	if _, err := db.Exec(`TRUNCATE TABLE rate_limit_buckets`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "tenant:tn_pg")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within budget", i)
	}
	ok, err := l.Allow(ctx, "tenant:tn_pg")
	require.NoError(t, err)
	assert.False(t, ok, "budget exhausted for this minute")

	ok, err = l.Allow(ctx, "tenant:tn_other")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Prune(ctx, 0))
	ok, err = l.Allow(ctx, "tenant:tn_pg")
	require.NoError(t, err)
	assert.True(t, ok, "pruned buckets reset the budget")
}
