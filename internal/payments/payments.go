// Package payments turns external gateway payments into wallet credits.
//
// A recharge is a two-step flow: the tenant creates an order (optionally
// discounted by a promo code) and pays through the gateway; the gateway's
// webhook then settles the order. Settlement is replay-safe twice over: the
// order flips pending→completed in one conditional update, and the wallet
// credit carries the gateway reference, which the ledger deduplicates.
//
// A discounted order charges the reduced price but credits the full
// requested amount; the code's use is consumed only at settlement.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaycrm/billing/internal/incidents"
	"github.com/relaycrm/billing/internal/instruments"
	"github.com/relaycrm/billing/internal/logging"
	"github.com/relaycrm/billing/internal/metrics"
	"github.com/relaycrm/billing/internal/traces"
	"github.com/relaycrm/billing/internal/validation"
	"github.com/relaycrm/billing/internal/wallet"
)

var (
	ErrOrderNotFound    = errors.New("payments: order not found")
	ErrOrderNotPending  = errors.New("payments: order is not pending")
	ErrAmountOutOfRange = errors.New("payments: amount out of range")
)

// Order statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Order is one recharge attempt.
type Order struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	CreditAmount int64      `json:"creditAmount"` // what the wallet receives
	ChargeAmount int64      `json:"chargeAmount"` // what the gateway charges
	Currency     string     `json:"currency"`
	DiscountCode string     `json:"discountCode,omitempty"`
	GatewayRef   string     `json:"gatewayRef,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Store persists recharge orders. Complete must flip pending→completed in
// one conditional statement so a replayed webhook settles at most once.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByRef(ctx context.Context, ref string) (*Order, error)
	SetGatewayRef(ctx context.Context, id, ref string) error
	Complete(ctx context.Context, id string) (*Order, error)
	Fail(ctx context.Context, id string) (*Order, error)
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Order, error)
}

// Gateway creates payment intents with the external payment provider.
type Gateway interface {
	CreatePayment(ctx context.Context, orderID, tenantID string, amount int64, currency string) (ref, clientSecret string, err error)
}

// Limits bound the accepted recharge amounts in minor units.
type Limits struct {
	Min int64
	Max int64
}

// Service manages the recharge lifecycle.
type Service struct {
	store       Store
	wallets     *wallet.Service
	instruments *instruments.Service
	incidents   incidents.Store
	gateway     Gateway
	currency    string
	limits      Limits
}

// NewService creates a payments service.
func NewService(store Store, wallets *wallet.Service, instr *instruments.Service, incidentStore incidents.Store, gateway Gateway, currency string, limits Limits) *Service {
	return &Service{
		store:       store,
		wallets:     wallets,
		instruments: instr,
		incidents:   incidentStore,
		gateway:     gateway,
		currency:    currency,
		limits:      limits,
	}
}

// RechargeResult is a created order plus the gateway's client secret for the
// front-end payment flow.
type RechargeResult struct {
	Order        *Order `json:"order"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// CreateRecharge opens a recharge order and a gateway payment for it.
// The discount, if any, is only priced here; its use is consumed when the
// payment settles.
func (s *Service) CreateRecharge(ctx context.Context, tenantID string, amount int64, discountCode string) (*RechargeResult, error) {
	if !validation.IsValidAmount(amount, s.limits.Min, s.limits.Max) {
		return nil, ErrAmountOutOfRange
	}

	charge := amount
	if discountCode != "" {
		quote, err := s.instruments.ValidateDiscount(ctx, discountCode, amount)
		if err != nil {
			return nil, err
		}
		charge = quote.FinalAmount
	}

	o := &Order{
		TenantID:     tenantID,
		CreditAmount: amount,
		ChargeAmount: charge,
		Currency:     s.currency,
		DiscountCode: discountCode,
		Status:       StatusPending,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	ref, clientSecret, err := s.gateway.CreatePayment(ctx, o.ID, tenantID, charge, s.currency)
	if err != nil {
		if _, failErr := s.store.Fail(ctx, o.ID); failErr != nil {
			logging.L(ctx).Error("failed to mark order failed", "orderId", o.ID, "error", failErr)
		}
		metrics.RechargeOrdersTotal.WithLabelValues(StatusFailed).Inc()
		return nil, fmt.Errorf("gateway payment creation failed: %w", err)
	}
	o.GatewayRef = ref
	if err := s.store.SetGatewayRef(ctx, o.ID, ref); err != nil {
		return nil, err
	}

	metrics.RechargeOrdersTotal.WithLabelValues(StatusPending).Inc()
	logging.L(ctx).Info("recharge order created",
		"orderId", o.ID, "credit", amount, "charge", charge, "ref", ref)
	return &RechargeResult{Order: o, ClientSecret: clientSecret}, nil
}

// SettlePayment handles a successful gateway payment. Safe to replay: the
// conditional order flip admits one settlement and the referenced credit is
// deduplicated by the ledger.
func (s *Service) SettlePayment(ctx context.Context, gatewayRef string) error {
	o, err := s.store.GetByRef(ctx, gatewayRef)
	if err != nil {
		return err
	}

	ctx, span := traces.StartSpan(ctx, "payments.settle",
		traces.Tenant(o.TenantID), traces.Amount(o.CreditAmount),
		traces.Kind(string(wallet.KindCreditRecharge)))
	defer span.End()

	completed, err := s.store.Complete(ctx, o.ID)
	if err != nil {
		if errors.Is(err, ErrOrderNotPending) {
			logging.L(ctx).Info("ignoring replayed settlement", "orderId", o.ID, "ref", gatewayRef)
			return nil
		}
		return err
	}
	o = completed

	_, err = s.wallets.Credit(ctx, o.TenantID, o.CreditAmount, wallet.KindCreditRecharge,
		gatewayRef, "wallet recharge")
	if err != nil && !errors.Is(err, wallet.ErrDuplicateReference) {
		// Order completed but the wallet never saw the money.
		inc := &incidents.Incident{
			TenantID:    o.TenantID,
			Kind:        incidents.KindPartialFailure,
			Description: fmt.Sprintf("order %s completed but credit failed: %v", o.ID, err),
			RelatedTxID: o.ID,
		}
		if incErr := s.incidents.Create(ctx, inc); incErr != nil {
			logging.L(ctx).Error("failed to file incident", "error", incErr, "orderId", o.ID)
		}
		metrics.PartialFailuresTotal.Inc()
		return err
	}

	if o.DiscountCode != "" {
		if err := s.instruments.ConsumeDiscount(ctx, o.DiscountCode); err != nil {
			// Money already moved at the discounted price; a stale code
			// here is operator noise, not a tenant-facing failure.
			logging.L(ctx).Warn("discount consumption failed at settlement",
				"code", o.DiscountCode, "orderId", o.ID, "error", err)
		}
	}

	metrics.RechargeOrdersTotal.WithLabelValues(StatusCompleted).Inc()
	metrics.WalletTransactionsTotal.WithLabelValues(string(wallet.KindCreditRecharge), "success").Inc()
	logging.L(ctx).Info("recharge settled", "orderId", o.ID, "credit", o.CreditAmount)
	return nil
}

// FailPayment handles a failed gateway payment.
func (s *Service) FailPayment(ctx context.Context, gatewayRef string) error {
	o, err := s.store.GetByRef(ctx, gatewayRef)
	if err != nil {
		return err
	}
	if _, err := s.store.Fail(ctx, o.ID); err != nil {
		if errors.Is(err, ErrOrderNotPending) {
			return nil
		}
		return err
	}
	metrics.RechargeOrdersTotal.WithLabelValues(StatusFailed).Inc()
	logging.L(ctx).Info("recharge failed at gateway", "orderId", o.ID, "ref", gatewayRef)
	return nil
}

// Orders lists a tenant's recharge orders, newest first.
func (s *Service) Orders(ctx context.Context, tenantID string, limit, offset int) ([]*Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListByTenant(ctx, tenantID, limit, offset)
}
