package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/billing/internal/tenant"
	"github.com/relaycrm/billing/internal/testutil"
	"github.com/relaycrm/billing/internal/wallet"
)

func newTxFixture(t *testing.T) (*PostgresTxStore, *wallet.PostgresStore, *tenant.PostgresStore) {
	t.Helper()
	db := testutil.PGTest(t, "wallet_transactions", "wallets", "tenants")
	ctx := context.Background()

	walletStore := wallet.NewPostgresStore(db)
	tenantStore := tenant.NewPostgresStore(db)
	require.NoError(t, walletStore.Migrate(ctx))
	require.NoError(t, tenantStore.Migrate(ctx))
	if _, err := db.Exec(`TRUNCATE TABLE wallet_transactions, wallets, tenants CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPostgresTxStore(db), walletStore, tenantStore
}

func TestTxStorePurchaseSeatsCommitsTogether(t *testing.T) {
	store, wallets, tenants := newTxFixture(t)
	ctx := context.Background()

	until := time.Now().AddDate(0, 0, 10)
	require.NoError(t, tenants.Create(ctx, &tenant.Tenant{
		ID: "tn_tx", TotalSeats: 2,
		SubscriptionValidUntil: until,
		Features:               []string{},
	}))
	_, err := wallets.Credit(ctx, "tn_tx", 5000, wallet.KindCreditRecharge, "", "seed")
	require.NoError(t, err)

	txn, updated, err := store.PurchaseSeats(ctx, "tn_tx", 3, 1200, "3 seats")
	require.NoError(t, err)
	assert.Equal(t, wallet.KindDebitSeats, txn.Kind)
	assert.Equal(t, 5, updated.TotalSeats)
	assert.WithinDuration(t, until, updated.SubscriptionValidUntil, time.Second,
		"mid-cycle purchase must not move the expiry")

	w, err := wallets.GetWallet(ctx, "tn_tx")
	require.NoError(t, err)
	assert.Equal(t, int64(3800), w.Balance)
}

func TestTxStoreRollsBackOnMissingTenant(t *testing.T) {
	store, wallets, _ := newTxFixture(t)
	ctx := context.Background()

	_, err := wallets.Credit(ctx, "tn_tx", 5000, wallet.KindCreditRecharge, "", "seed")
	require.NoError(t, err)

	_, _, err = store.PurchaseSeats(ctx, "tn_tx", 1, 500, "1 seat")
	assert.ErrorIs(t, err, tenant.ErrNotFound)

	// Debit and ledger insert rolled back with the failed tenant update.
	w, err := wallets.GetWallet(ctx, "tn_tx")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), w.Balance)

	txns, err := wallets.ListTransactions(ctx, "tn_tx", 10, 0)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestTxStoreInsufficientFunds(t *testing.T) {
	store, wallets, tenants := newTxFixture(t)
	ctx := context.Background()

	require.NoError(t, tenants.Create(ctx, &tenant.Tenant{
		ID: "tn_tx", TotalSeats: 1,
		SubscriptionValidUntil: time.Now(),
		Features:               []string{},
	}))
	_, err := wallets.Credit(ctx, "tn_tx", 100, wallet.KindCreditRecharge, "", "seed")
	require.NoError(t, err)

	_, _, err = store.ExtendSubscription(ctx, "tn_tx", 500, 1, "1 month")
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	got, err := tenants.Get(ctx, "tn_tx")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalSeats)
}

func TestTxStoreExtendStacksOnRowExpiry(t *testing.T) {
	store, wallets, tenants := newTxFixture(t)
	ctx := context.Background()

	until := time.Now().AddDate(0, 0, 10)
	require.NoError(t, tenants.Create(ctx, &tenant.Tenant{
		ID: "tn_tx", TotalSeats: 1,
		SubscriptionValidUntil: until,
		Features:               []string{},
	}))
	_, err := wallets.Credit(ctx, "tn_tx", 10000, wallet.KindCreditRecharge, "", "seed")
	require.NoError(t, err)

	_, first, err := store.ExtendSubscription(ctx, "tn_tx", 500, 1, "1 month")
	require.NoError(t, err)
	assert.True(t, first.SubscriptionValidUntil.After(until))

	// The second extension builds on the expiry the first one committed.
	_, second, err := store.ExtendSubscription(ctx, "tn_tx", 500, 1, "1 month")
	require.NoError(t, err)
	assert.True(t, second.SubscriptionValidUntil.After(first.SubscriptionValidUntil.AddDate(0, 0, 27)),
		"second extension must stack a month on the first, not overwrite it")
}

func TestTxStoreUnlockFeatureOnce(t *testing.T) {
	store, wallets, tenants := newTxFixture(t)
	ctx := context.Background()

	require.NoError(t, tenants.Create(ctx, &tenant.Tenant{
		ID: "tn_tx", TotalSeats: 1,
		SubscriptionValidUntil: time.Now().AddDate(0, 1, 0),
		Features:               []string{},
	}))
	_, err := wallets.Credit(ctx, "tn_tx", 10000, wallet.KindCreditRecharge, "", "seed")
	require.NoError(t, err)

	_, updated, err := store.UnlockFeature(ctx, "tn_tx", "api_access", 1500, "unlock")
	require.NoError(t, err)
	assert.Equal(t, []string{"api_access"}, updated.Features)

	_, _, err = store.UnlockFeature(ctx, "tn_tx", "api_access", 1500, "unlock")
	assert.ErrorIs(t, err, tenant.ErrFeatureAlreadyUnlocked)

	// The duplicate attempt rolled its debit back.
	w, err := wallets.GetWallet(ctx, "tn_tx")
	require.NoError(t, err)
	assert.Equal(t, int64(8500), w.Balance)
}
