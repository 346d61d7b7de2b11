package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), "usd")
}

func TestBalanceUnknownTenantIsZero(t *testing.T) {
	svc := newTestService()

	w, err := svc.Balance(context.Background(), "tn_ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)
	assert.Equal(t, "usd", w.Currency)
	assert.Equal(t, "tn_ghost", w.TenantID)
}

func TestCreditThenDebit(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, "tn_1", 10000, KindCreditRecharge, "pi_abc", "recharge")
	require.NoError(t, err)

	txn, err := svc.Debit(ctx, "tn_1", 3000, KindDebitSeats, "", "2 seats")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), txn.Amount)
	assert.Equal(t, KindDebitSeats, txn.Kind)
	assert.Equal(t, StatusSuccess, txn.Status)

	w, err := svc.Balance(ctx, "tn_1")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), w.Balance)
}

func TestDebitInsufficientFundsLeavesNoTrace(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, "tn_1", 500, KindCreditRecharge, "", "")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "tn_1", 501, KindDebitExtension, "", "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Balance unchanged and no failed row in the log.
	w, err := svc.Balance(ctx, "tn_1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Balance)

	txns, err := svc.History(ctx, "tn_1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestDebitMissingWallet(t *testing.T) {
	svc := newTestService()

	_, err := svc.Debit(context.Background(), "tn_none", 100, KindDebitSeats, "", "")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestAmountAndKindValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, "tn_1", 0, KindCreditRecharge, "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Credit(ctx, "tn_1", -5, KindCreditRecharge, "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Direction must match the operation.
	_, err = svc.Credit(ctx, "tn_1", 100, KindDebitSeats, "", "")
	assert.ErrorIs(t, err, ErrInvalidKind)

	_, err = svc.Debit(ctx, "tn_1", 100, KindCreditRecharge, "", "")
	assert.ErrorIs(t, err, ErrInvalidKind)

	_, err = svc.Credit(ctx, "tn_1", 100, Kind("credit_mystery"), "", "")
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestDuplicateReferenceRejected(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, "tn_1", 1000, KindCreditRecharge, "pi_once", "")
	require.NoError(t, err)

	_, err = svc.Credit(ctx, "tn_1", 1000, KindCreditRecharge, "pi_once", "")
	assert.ErrorIs(t, err, ErrDuplicateReference)

	w, err := svc.Balance(ctx, "tn_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.Balance, "replayed credit must not move money")
}

func TestEmptyReferenceNeverDedupes(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Credit(ctx, "tn_1", 100, KindCreditAdmin, "", "manual")
		require.NoError(t, err)
	}
	w, _ := svc.Balance(ctx, "tn_1")
	assert.Equal(t, int64(300), w.Balance)
}

func TestRefundPairsWithOriginal(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, "tn_1", 5000, KindCreditRecharge, "", "")
	require.NoError(t, err)
	debit, err := svc.Debit(ctx, "tn_1", 2000, KindDebitExtension, "", "")
	require.NoError(t, err)

	refund, err := svc.Refund(ctx, "tn_1", 2000, debit.ID, "tenant update failed")
	require.NoError(t, err)
	assert.Equal(t, KindCreditAdmin, refund.Kind)
	assert.Equal(t, "refund:"+debit.ID, refund.Reference)

	w, _ := svc.Balance(ctx, "tn_1")
	assert.Equal(t, int64(5000), w.Balance)
}

// The balance must always equal successful credits minus successful debits,
// even under concurrent spenders racing over the same wallet.
func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, "tn_1", 1000, KindCreditRecharge, "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, "tn_1", 100, KindDebitSeats, "", "")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded, "exactly 10 debits of 100 fit in 1000")

	w, err := svc.Balance(ctx, "tn_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)

	credits, debits, err := svc.Store().SumLedger(ctx, "tn_1")
	require.NoError(t, err)
	assert.Equal(t, w.Balance, credits-debits, "ledger must reconcile with balance")
}

func TestHistoryNewestFirstAndPaged(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Credit(ctx, "tn_1", int64(100+i), KindCreditAdmin, "", "")
		require.NoError(t, err)
	}

	page, err := svc.History(ctx, "tn_1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.GreaterOrEqual(t, page[0].CreatedAt.UnixNano(), page[1].CreatedAt.UnixNano())

	rest, err := svc.History(ctx, "tn_1", 10, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 3)

	beyond, err := svc.History(ctx, "tn_1", 10, 99)
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestKindDirection(t *testing.T) {
	assert.True(t, KindCreditRecharge.IsCredit())
	assert.True(t, KindCreditGiftCard.IsCredit())
	assert.False(t, KindCreditAdmin.IsDebit())
	assert.True(t, KindDebitFeature.IsDebit())
	assert.False(t, Kind("bogus").Valid())
}
