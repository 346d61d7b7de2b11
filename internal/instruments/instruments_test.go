package instruments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/billing/internal/wallet"
)

func newTestService() (*Service, *MemoryStore, *wallet.Service) {
	store := NewMemoryStore()
	wallets := wallet.NewService(wallet.NewMemoryStore(), "usd")
	return NewService(store, wallets), store, wallets
}

func seedDiscount(t *testing.T, store *MemoryStore, code string, pct, uses int) {
	t.Helper()
	err := store.CreateDiscountCode(context.Background(), &DiscountCode{
		Code:       code,
		Percentage: pct,
		TotalUses:  uses,
		ValidFrom:  time.Now().Add(-time.Hour),
		ValidUntil: time.Now().Add(time.Hour),
		IsActive:   true,
	})
	require.NoError(t, err)
}

func TestApplyDiscountRounding(t *testing.T) {
	// 999 at 10%: discount truncates to 99, tenant pays 900.
	final, discount := ApplyDiscount(999, 10)
	assert.Equal(t, int64(99), discount)
	assert.Equal(t, int64(900), final)

	final, _ = ApplyDiscount(10000, 25)
	assert.Equal(t, int64(7500), final)
}

func TestValidateDiscountDoesNotConsume(t *testing.T) {
	svc, store, _ := newTestService()
	seedDiscount(t, store, "SPRING10", 10, 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		quote, err := svc.ValidateDiscount(ctx, "SPRING10", 10000)
		require.NoError(t, err)
		assert.Equal(t, int64(9000), quote.FinalAmount)
		assert.Equal(t, 5, quote.UsesRemaining, "validation must not burn a use")
	}
}

func TestValidateDiscountGuards(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	_, err := svc.ValidateDiscount(ctx, "NOPE", 1000)
	assert.ErrorIs(t, err, ErrCodeNotFound)

	require.NoError(t, store.CreateDiscountCode(ctx, &DiscountCode{
		Code: "PAUSED", Percentage: 10, TotalUses: 5,
		ValidFrom: time.Now().Add(-time.Hour), ValidUntil: time.Now().Add(time.Hour),
		IsActive: false,
	}))
	_, err = svc.ValidateDiscount(ctx, "PAUSED", 1000)
	assert.ErrorIs(t, err, ErrCodeInactive)

	require.NoError(t, store.CreateDiscountCode(ctx, &DiscountCode{
		Code: "GONE", Percentage: 10, TotalUses: 5,
		ValidFrom: time.Now().Add(-2 * time.Hour), ValidUntil: time.Now().Add(-time.Hour),
		IsActive: true,
	}))
	_, err = svc.ValidateDiscount(ctx, "GONE", 1000)
	assert.ErrorIs(t, err, ErrCodeExpired)

	require.NoError(t, store.CreateDiscountCode(ctx, &DiscountCode{
		Code: "SOON", Percentage: 10, TotalUses: 5,
		ValidFrom: time.Now().Add(time.Hour), ValidUntil: time.Now().Add(2 * time.Hour),
		IsActive: true,
	}))
	_, err = svc.ValidateDiscount(ctx, "SOON", 1000)
	assert.ErrorIs(t, err, ErrCodeNotStarted)

	seedDiscount(t, store, "SPENT", 10, 1)
	require.NoError(t, svc.ConsumeDiscount(ctx, "SPENT"))
	_, err = svc.ValidateDiscount(ctx, "SPENT", 1000)
	assert.ErrorIs(t, err, ErrCodeExhausted)
}

func TestConsumeDiscountLastUseSingleWinner(t *testing.T) {
	svc, store, _ := newTestService()
	seedDiscount(t, store, "LAST1", 20, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	consumed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.ConsumeDiscount(ctx, "LAST1"); err == nil {
				mu.Lock()
				consumed++
				mu.Unlock()
			} else if !errors.Is(err, ErrCodeExhausted) {
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, consumed, "a code with one use admits exactly one winner")
}

func seedGiftCard(t *testing.T, store *MemoryStore, code string, amount int64) {
	t.Helper()
	err := store.CreateGiftCard(context.Background(), &GiftCard{
		Code:      code,
		Amount:    amount,
		Currency:  "usd",
		IsActive:  true,
		ExpiresAt: time.Now().AddDate(1, 0, 0),
	})
	require.NoError(t, err)
}

func TestRedeemGiftCard(t *testing.T) {
	svc, store, wallets := newTestService()
	seedGiftCard(t, store, "GIFT-100", 10000)
	ctx := context.Background()

	txn, card, err := svc.RedeemGiftCard(ctx, "tn_1", "GIFT-100")
	require.NoError(t, err)
	assert.Equal(t, wallet.KindCreditGiftCard, txn.Kind)
	assert.Equal(t, "giftcard:GIFT-100", txn.Reference)
	assert.Equal(t, "tn_1", card.RedeemedBy)

	w, err := wallets.Balance(ctx, "tn_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), w.Balance)
}

func TestRedeemGiftCardTwice(t *testing.T) {
	svc, store, wallets := newTestService()
	seedGiftCard(t, store, "GIFT-1X", 5000)
	ctx := context.Background()

	_, _, err := svc.RedeemGiftCard(ctx, "tn_1", "GIFT-1X")
	require.NoError(t, err)

	_, _, err = svc.RedeemGiftCard(ctx, "tn_2", "GIFT-1X")
	assert.ErrorIs(t, err, ErrAlreadyRedeemed)

	w, _ := wallets.Balance(ctx, "tn_2")
	assert.Equal(t, int64(0), w.Balance)
}

func TestRedeemGiftCardConcurrentSingleWinner(t *testing.T) {
	svc, store, wallets := newTestService()
	seedGiftCard(t, store, "GIFT-RACE", 2500)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		tenant := "tn_a"
		if i%2 == 1 {
			tenant = "tn_b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.RedeemGiftCard(ctx, tenant, "GIFT-RACE"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)

	wa, _ := wallets.Balance(ctx, "tn_a")
	wb, _ := wallets.Balance(ctx, "tn_b")
	assert.Equal(t, int64(2500), wa.Balance+wb.Balance, "the card credits exactly once")
}

func TestRedeemExpiredGiftCard(t *testing.T) {
	svc, store, _ := newTestService()
	err := store.CreateGiftCard(context.Background(), &GiftCard{
		Code:      "GIFT-OLD",
		Amount:    1000,
		Currency:  "usd",
		IsActive:  true,
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	_, _, err = svc.RedeemGiftCard(context.Background(), "tn_1", "GIFT-OLD")
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestRedeemDeactivatedGiftCard(t *testing.T) {
	svc, store, wallets := newTestService()
	err := store.CreateGiftCard(context.Background(), &GiftCard{
		Code:      "GIFT-OFF",
		Amount:    1000,
		Currency:  "usd",
		IsActive:  false,
		ExpiresAt: time.Now().AddDate(1, 0, 0),
	})
	require.NoError(t, err)

	_, _, err = svc.RedeemGiftCard(context.Background(), "tn_1", "GIFT-OFF")
	assert.ErrorIs(t, err, ErrCodeInactive)

	w, _ := wallets.Balance(context.Background(), "tn_1")
	assert.Equal(t, int64(0), w.Balance)
}

// A failed wallet credit must release the claim so the card stays usable.
func TestRedeemGiftCardRevertsClaimOnCreditFailure(t *testing.T) {
	store := NewMemoryStore()
	wallets := wallet.NewService(wallet.NewMemoryStore(), "usd")
	svc := NewService(store, wallets)
	ctx := context.Background()

	seedGiftCard(t, store, "GIFT-REV", 3000)

	// Burn the card's credit reference so the wallet rejects the credit.
	_, err := wallets.Credit(ctx, "tn_other", 1, wallet.KindCreditAdmin, "giftcard:GIFT-REV", "collide")
	require.NoError(t, err)

	_, _, err = svc.RedeemGiftCard(ctx, "tn_1", "GIFT-REV")
	assert.ErrorIs(t, err, wallet.ErrDuplicateReference)

	card, err := store.GetGiftCard(ctx, "GIFT-REV")
	require.NoError(t, err)
	assert.False(t, card.IsRedeemed, "claim must be reverted after credit failure")
	assert.Empty(t, card.RedeemedBy)
}
