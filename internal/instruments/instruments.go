// Package instruments manages promotional instruments: discount codes that
// reduce a recharge amount and single-use gift cards that credit a wallet.
//
// Discount validation is read-only; a code's use is consumed only at the
// moment money actually moves (payment confirmation), never at quote time.
// Gift card redemption claims the card with one atomic flip before touching
// the wallet, and reverts the claim if the credit fails.
package instruments

import (
	"context"
	"errors"
	"time"

	"github.com/relaycrm/billing/internal/logging"
	"github.com/relaycrm/billing/internal/metrics"
	"github.com/relaycrm/billing/internal/wallet"
)

var (
	ErrCodeNotFound    = errors.New("instruments: code not found")
	ErrCodeInactive    = errors.New("instruments: code is not active")
	ErrCodeExpired     = errors.New("instruments: code has expired")
	ErrCodeNotStarted  = errors.New("instruments: code is not yet valid")
	ErrCodeExhausted   = errors.New("instruments: code has no uses remaining")
	ErrAlreadyRedeemed = errors.New("instruments: gift card already redeemed")
	ErrInvalidPercent  = errors.New("instruments: percentage must be 1-100")
	ErrInvalidAmount   = errors.New("instruments: amount must be positive")
)

// DiscountCode reduces a recharge amount by a percentage, valid inside a
// time window for a bounded number of uses.
type DiscountCode struct {
	Code       string    `json:"code"`
	Percentage int       `json:"percentage"` // 1-100
	TotalUses  int       `json:"totalUses"`
	UsesCount  int       `json:"usesCount"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidUntil time.Time `json:"validUntil"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Usable reports whether the code can be applied at the given instant.
func (d *DiscountCode) Usable(now time.Time) error {
	if !d.IsActive {
		return ErrCodeInactive
	}
	if now.Before(d.ValidFrom) {
		return ErrCodeNotStarted
	}
	if now.After(d.ValidUntil) {
		return ErrCodeExpired
	}
	if d.UsesCount >= d.TotalUses {
		return ErrCodeExhausted
	}
	return nil
}

// GiftCard is a prepaid single-use credit instrument. An operator can
// deactivate a card (lost batch, fraud) without touching its redemption
// state; only active cards can be claimed.
type GiftCard struct {
	Code       string     `json:"code"`
	Amount     int64      `json:"amount"` // minor units
	Currency   string     `json:"currency"`
	IsActive   bool       `json:"isActive"`
	IsRedeemed bool       `json:"isRedeemed"`
	RedeemedBy string     `json:"redeemedBy,omitempty"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Store persists promotional instruments.
//
// ConsumeDiscountCode and ClaimGiftCard are the two single-winner
// operations: each must re-check its guards and mutate in one atomic
// statement so concurrent redeemers cannot both succeed.
type Store interface {
	GetDiscountCode(ctx context.Context, code string) (*DiscountCode, error)
	CreateDiscountCode(ctx context.Context, d *DiscountCode) error
	ListDiscountCodes(ctx context.Context, limit, offset int) ([]*DiscountCode, error)
	ConsumeDiscountCode(ctx context.Context, code string, now time.Time) error

	GetGiftCard(ctx context.Context, code string) (*GiftCard, error)
	CreateGiftCard(ctx context.Context, g *GiftCard) error
	ListGiftCards(ctx context.Context, limit, offset int) ([]*GiftCard, error)
	ClaimGiftCard(ctx context.Context, code, tenantID string, now time.Time) (*GiftCard, error)
	RevertGiftCardClaim(ctx context.Context, code string) error
}

// DiscountQuote is the result of validating a code against an amount. An
// unusable code still quotes: Valid is false, Message says why and
// FinalAmount equals the undiscounted original.
type DiscountQuote struct {
	Valid          bool   `json:"valid"`
	Message        string `json:"message,omitempty"`
	Code           string `json:"code"`
	Percentage     int    `json:"percentage,omitempty"`
	OriginalAmount int64  `json:"originalAmount"`
	DiscountAmount int64  `json:"discountAmount"`
	FinalAmount    int64  `json:"finalAmount"`
	UsesRemaining  int    `json:"usesRemaining,omitempty"`
}

// Service validates and redeems promotional instruments.
type Service struct {
	store   Store
	wallets *wallet.Service
}

// NewService creates an instruments service. The wallet service receives
// gift card credits.
func NewService(store Store, wallets *wallet.Service) *Service {
	return &Service{store: store, wallets: wallets}
}

// Store exposes the backing store for the admin surface.
func (s *Service) Store() Store { return s.store }

// ApplyDiscount computes the discounted amount, rounding the discount down
// so the tenant never pays less than amount*(100-p)/100.
func ApplyDiscount(amount int64, percentage int) (final, discount int64) {
	discount = amount * int64(percentage) / 100
	return amount - discount, discount
}

// ValidateDiscount checks a code against an amount without consuming a use.
func (s *Service) ValidateDiscount(ctx context.Context, code string, amount int64) (*DiscountQuote, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	d, err := s.store.GetDiscountCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := d.Usable(time.Now()); err != nil {
		return nil, err
	}
	final, discount := ApplyDiscount(amount, d.Percentage)
	return &DiscountQuote{
		Valid:          true,
		Code:           d.Code,
		Percentage:     d.Percentage,
		OriginalAmount: amount,
		DiscountAmount: discount,
		FinalAmount:    final,
		UsesRemaining:  d.TotalUses - d.UsesCount,
	}, nil
}

// ConsumeDiscount burns one use of a code. Called at payment confirmation,
// not at validation. The store enforces the guards atomically, so a code
// with one use left admits exactly one of two racing confirmations.
func (s *Service) ConsumeDiscount(ctx context.Context, code string) error {
	err := s.store.ConsumeDiscountCode(ctx, code, time.Now())
	if err != nil {
		metrics.DiscountConsumptionsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	metrics.DiscountConsumptionsTotal.WithLabelValues("consumed").Inc()
	return nil
}

// RedeemGiftCard claims the card for the tenant and credits its amount.
// The claim is the single-winner step; if the wallet credit then fails, the
// claim is reverted so the card stays redeemable.
func (s *Service) RedeemGiftCard(ctx context.Context, tenantID, code string) (*wallet.Transaction, *GiftCard, error) {
	g, err := s.store.ClaimGiftCard(ctx, code, tenantID, time.Now())
	if err != nil {
		metrics.GiftCardRedemptionsTotal.WithLabelValues("rejected").Inc()
		return nil, nil, err
	}

	txn, err := s.wallets.Credit(ctx, tenantID, g.Amount, wallet.KindCreditGiftCard,
		"giftcard:"+g.Code, "gift card redemption")
	if err != nil {
		if revertErr := s.store.RevertGiftCardClaim(ctx, code); revertErr != nil {
			// The card is stuck claimed with no credit; reconciliation
			// surfaces it via the ledger/claim mismatch.
			logging.L(ctx).Error("failed to revert gift card claim",
				"code", code, "error", revertErr, "creditError", err)
		}
		metrics.GiftCardRedemptionsTotal.WithLabelValues("failed").Inc()
		return nil, nil, err
	}

	metrics.GiftCardRedemptionsTotal.WithLabelValues("redeemed").Inc()
	return txn, g, nil
}
