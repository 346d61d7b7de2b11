package reconciliation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/billing/internal/incidents"
	"github.com/relaycrm/billing/internal/wallet"
)

// skewedStore lets a test corrupt a balance without touching the log.
type skewedStore struct {
	*wallet.MemoryStore
	skewTenant string
	skew       int64
}

func (s *skewedStore) GetWallet(ctx context.Context, tenantID string) (*wallet.Wallet, error) {
	w, err := s.MemoryStore.GetWallet(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenantID == s.skewTenant {
		w.Balance += s.skew
	}
	return w, nil
}

func TestRunOnceCleanWallets(t *testing.T) {
	store := wallet.NewMemoryStore()
	incidentStore := incidents.NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"tn_a", "tn_b"} {
		_, err := store.Credit(ctx, id, 1000, wallet.KindCreditRecharge, "", "")
		require.NoError(t, err)
		_, err = store.Debit(ctx, id, 400, wallet.KindDebitSeats, "", "")
		require.NoError(t, err)
	}

	svc := NewService(store, incidentStore)
	report, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.CheckedWallets)
	assert.Equal(t, 0, report.Mismatches)

	open, err := incidentStore.List(ctx, incidents.StatusOpen, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRunOnceFilesMismatchIncident(t *testing.T) {
	base := wallet.NewMemoryStore()
	store := &skewedStore{MemoryStore: base, skewTenant: "tn_bad", skew: 250}
	incidentStore := incidents.NewMemoryStore()
	ctx := context.Background()

	_, err := base.Credit(ctx, "tn_ok", 1000, wallet.KindCreditRecharge, "", "")
	require.NoError(t, err)
	_, err = base.Credit(ctx, "tn_bad", 1000, wallet.KindCreditRecharge, "", "")
	require.NoError(t, err)

	svc := NewService(store, incidentStore)
	report, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.CheckedWallets)
	assert.Equal(t, 1, report.Mismatches)

	open, err := incidentStore.List(ctx, incidents.StatusOpen, 10, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, incidents.KindBalanceMismatch, open[0].Kind)
	assert.Equal(t, "tn_bad", open[0].TenantID)
}

// Repeated sweeps over the same broken wallet keep one open incident.
func TestRunOnceDoesNotDuplicateIncidents(t *testing.T) {
	base := wallet.NewMemoryStore()
	store := &skewedStore{MemoryStore: base, skewTenant: "tn_bad", skew: -100}
	incidentStore := incidents.NewMemoryStore()
	ctx := context.Background()

	_, err := base.Credit(ctx, "tn_bad", 1000, wallet.KindCreditRecharge, "", "")
	require.NoError(t, err)

	svc := NewService(store, incidentStore)
	for i := 0; i < 3; i++ {
		_, err := svc.RunOnce(ctx)
		require.NoError(t, err)
	}

	open, err := incidentStore.List(ctx, incidents.StatusOpen, 10, 0)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// Once resolved, a persisting mismatch files a fresh incident.
	_, err = incidentStore.Resolve(ctx, open[0].ID, "adjusted manually")
	require.NoError(t, err)
	_, err = svc.RunOnce(ctx)
	require.NoError(t, err)

	open, err = incidentStore.List(ctx, incidents.StatusOpen, 10, 0)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}
