// Package subscription sells subscription changes for wallet credit: seat
// purchases, validity extensions and premium feature unlocks.
//
// Every operation pairs one wallet debit with one tenant mutation. When the
// wallet and tenant stores share a database, both run in a single database
// transaction (AtomicStore). Otherwise the debit commits first and the
// tenant mutation follows; a failed mutation triggers a compensating refund,
// and a failed refund files an incident rather than losing the money
// silently.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaycrm/billing/internal/incidents"
	"github.com/relaycrm/billing/internal/logging"
	"github.com/relaycrm/billing/internal/metrics"
	"github.com/relaycrm/billing/internal/pricing"
	"github.com/relaycrm/billing/internal/retry"
	"github.com/relaycrm/billing/internal/tenant"
	"github.com/relaycrm/billing/internal/traces"
	"github.com/relaycrm/billing/internal/wallet"
)

var (
	ErrUnknownFeature = errors.New("subscription: unknown feature")
	ErrNoSeats        = errors.New("subscription: tenant has no seats to extend")

	// ErrPartialFailure means the wallet was debited, the tenant mutation
	// failed and the compensating refund also failed. An incident exists;
	// an operator must re-credit manually.
	ErrPartialFailure = errors.New("subscription: debited but mutation and refund failed")
)

// AtomicStore runs a wallet debit and a tenant mutation in one database
// transaction. Implemented by PostgresTxStore when both stores share a
// database; nil in demo mode, where the service falls back to the saga path.
// Expiry changes are computed against the row inside the statement, never
// from a value the service read before the transaction began.
type AtomicStore interface {
	PurchaseSeats(ctx context.Context, tenantID string, quantity int, cost int64, description string) (*wallet.Transaction, *tenant.Tenant, error)
	ExtendSubscription(ctx context.Context, tenantID string, cost int64, months int, description string) (*wallet.Transaction, *tenant.Tenant, error)
	UnlockFeature(ctx context.Context, tenantID, key string, cost int64, description string) (*wallet.Transaction, *tenant.Tenant, error)
}

// Service sells subscription mutations.
type Service struct {
	wallets   *wallet.Service
	tenants   *tenant.Service
	incidents incidents.Store
	atomic    AtomicStore

	pricePerSeat int64
	features     map[string]int64
}

// NewService creates a subscription service. atomic may be nil; the service
// then uses the debit-then-mutate saga with compensating refunds.
func NewService(wallets *wallet.Service, tenants *tenant.Service, incidentStore incidents.Store, atomic AtomicStore, pricePerSeat int64, features map[string]int64) *Service {
	return &Service{
		wallets:      wallets,
		tenants:      tenants,
		incidents:    incidentStore,
		atomic:       atomic,
		pricePerSeat: pricePerSeat,
		features:     features,
	}
}

// SeatPurchase is the outcome of a seat purchase (or its preview).
type SeatPurchase struct {
	Quantity    int                 `json:"quantity"`
	Cost        int64               `json:"cost"`
	DaysCharged int                 `json:"daysCharged"`
	Reactivated bool                `json:"reactivated"`
	Transaction *wallet.Transaction `json:"transaction,omitempty"`
	Tenant      *tenant.Tenant      `json:"tenant,omitempty"`
}

// QuoteSeats prices a seat purchase without charging.
func (s *Service) QuoteSeats(ctx context.Context, tenantID string, quantity int) (*SeatPurchase, error) {
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	q, err := pricing.SeatProrationCost(s.pricePerSeat, t.SubscriptionValidUntil, quantity, time.Now())
	if err != nil {
		return nil, err
	}
	return &SeatPurchase{
		Quantity:    quantity,
		Cost:        q.Cost,
		DaysCharged: q.DaysCharged,
		Reactivated: q.Reactivate,
	}, nil
}

// PurchaseSeats charges the prorated cost and raises the seat total.
// New seats align with the current billing cycle: mid-cycle buyers pay only
// for the remaining days, lapsed tenants restart a full period.
func (s *Service) PurchaseSeats(ctx context.Context, tenantID string, quantity int) (*SeatPurchase, error) {
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	q, err := pricing.SeatProrationCost(s.pricePerSeat, t.SubscriptionValidUntil, quantity, time.Now())
	if err != nil {
		return nil, err
	}
	desc := fmt.Sprintf("%d seat(s), %d day(s) prorated", quantity, q.DaysCharged)

	ctx, span := traces.StartSpan(ctx, "subscription.purchase_seats",
		traces.Tenant(tenantID), traces.Amount(q.Cost), traces.Kind(string(wallet.KindDebitSeats)))
	defer span.End()

	var txn *wallet.Transaction
	var updated *tenant.Tenant
	if s.atomic != nil {
		txn, updated, err = s.atomic.PurchaseSeats(ctx, tenantID, quantity, q.Cost, desc)
	} else {
		txn, updated, err = s.debitThenMutate(ctx, tenantID, q.Cost, wallet.KindDebitSeats, desc,
			func(ctx context.Context) (*tenant.Tenant, error) {
				return s.tenants.Store().AddSeats(ctx, tenantID, quantity)
			})
	}
	if err != nil {
		return nil, err
	}

	metrics.WalletTransactionsTotal.WithLabelValues(string(wallet.KindDebitSeats), "success").Inc()
	logging.L(ctx).Info("seats purchased",
		"quantity", quantity, "cost", q.Cost, "daysCharged", q.DaysCharged, "txId", txn.ID)
	return &SeatPurchase{
		Quantity:    quantity,
		Cost:        q.Cost,
		DaysCharged: q.DaysCharged,
		Reactivated: q.Reactivate,
		Transaction: txn,
		Tenant:      updated,
	}, nil
}

// Extension is the outcome of a subscription extension (or its preview).
type Extension struct {
	Months      int                 `json:"months"`
	Cost        int64               `json:"cost"`
	Discount    int64               `json:"discountPercent"`
	ValidUntil  time.Time           `json:"validUntil"`
	Transaction *wallet.Transaction `json:"transaction,omitempty"`
	Tenant      *tenant.Tenant      `json:"tenant,omitempty"`
}

// QuoteExtension prices an extension without charging.
func (s *Service) QuoteExtension(ctx context.Context, tenantID string, months int) (*Extension, error) {
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.TotalSeats == 0 {
		return nil, ErrNoSeats
	}
	cost, err := pricing.ExtensionCost(s.pricePerSeat, t.TotalSeats, months)
	if err != nil {
		return nil, err
	}
	return &Extension{
		Months:     months,
		Cost:       cost,
		Discount:   pricing.ExtensionDiscount(months),
		ValidUntil: pricing.ExtensionExpiry(t.SubscriptionValidUntil, time.Now(), months),
	}, nil
}

// Extend charges for all current seats over the chosen duration and moves
// the validity window forward. Active subscriptions stack on the current
// expiry; lapsed ones restart from now.
func (s *Service) Extend(ctx context.Context, tenantID string, months int) (*Extension, error) {
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.TotalSeats == 0 {
		return nil, ErrNoSeats
	}
	cost, err := pricing.ExtensionCost(s.pricePerSeat, t.TotalSeats, months)
	if err != nil {
		return nil, err
	}
	desc := fmt.Sprintf("%d month(s), %d seat(s)", months, t.TotalSeats)

	ctx, span := traces.StartSpan(ctx, "subscription.extend",
		traces.Tenant(tenantID), traces.Amount(cost), traces.Kind(string(wallet.KindDebitExtension)))
	defer span.End()

	var txn *wallet.Transaction
	var updated *tenant.Tenant
	if s.atomic != nil {
		txn, updated, err = s.atomic.ExtendSubscription(ctx, tenantID, cost, months, desc)
	} else {
		txn, updated, err = s.debitThenMutate(ctx, tenantID, cost, wallet.KindDebitExtension, desc,
			func(ctx context.Context) (*tenant.Tenant, error) {
				return s.tenants.Store().ExtendValidity(ctx, tenantID, months)
			})
	}
	if err != nil {
		return nil, err
	}

	metrics.WalletTransactionsTotal.WithLabelValues(string(wallet.KindDebitExtension), "success").Inc()
	logging.L(ctx).Info("subscription extended",
		"months", months, "cost", cost, "validUntil", updated.SubscriptionValidUntil, "txId", txn.ID)
	return &Extension{
		Months:      months,
		Cost:        cost,
		Discount:    pricing.ExtensionDiscount(months),
		ValidUntil:  updated.SubscriptionValidUntil,
		Transaction: txn,
		Tenant:      updated,
	}, nil
}

// FeatureUnlock is the outcome of a feature unlock.
type FeatureUnlock struct {
	Feature     string              `json:"feature"`
	Cost        int64               `json:"cost"`
	Transaction *wallet.Transaction `json:"transaction,omitempty"`
	Tenant      *tenant.Tenant      `json:"tenant,omitempty"`
}

// UnlockFeature charges the catalog price and adds the feature key.
func (s *Service) UnlockFeature(ctx context.Context, tenantID, key string) (*FeatureUnlock, error) {
	cost, ok := s.features[key]
	if !ok {
		return nil, ErrUnknownFeature
	}
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.HasFeature(key) {
		return nil, tenant.ErrFeatureAlreadyUnlocked
	}
	desc := "feature unlock: " + key

	ctx, span := traces.StartSpan(ctx, "subscription.unlock_feature",
		traces.Tenant(tenantID), traces.Amount(cost), traces.Kind(string(wallet.KindDebitFeature)))
	defer span.End()

	var txn *wallet.Transaction
	var updated *tenant.Tenant
	if s.atomic != nil {
		txn, updated, err = s.atomic.UnlockFeature(ctx, tenantID, key, cost, desc)
	} else {
		txn, updated, err = s.debitThenMutate(ctx, tenantID, cost, wallet.KindDebitFeature, desc,
			func(ctx context.Context) (*tenant.Tenant, error) {
				return s.tenants.Store().AddFeature(ctx, tenantID, key)
			})
	}
	if err != nil {
		return nil, err
	}

	metrics.WalletTransactionsTotal.WithLabelValues(string(wallet.KindDebitFeature), "success").Inc()
	logging.L(ctx).Info("feature unlocked", "feature", key, "cost", cost, "txId", txn.ID)
	return &FeatureUnlock{Feature: key, Cost: cost, Transaction: txn, Tenant: updated}, nil
}

// Features returns the purchasable feature catalog.
func (s *Service) Features() map[string]int64 {
	cp := make(map[string]int64, len(s.features))
	for k, v := range s.features {
		cp[k] = v
	}
	return cp
}

// debitThenMutate is the saga path: debit first, then mutate the tenant.
// A failed mutation refunds the debit; a failed refund files an incident
// and reports ErrPartialFailure.
func (s *Service) debitThenMutate(ctx context.Context, tenantID string, cost int64, kind wallet.Kind, desc string, mutate func(context.Context) (*tenant.Tenant, error)) (*wallet.Transaction, *tenant.Tenant, error) {
	txn, err := s.wallets.Debit(ctx, tenantID, cost, kind, "", desc)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			metrics.InsufficientFundsTotal.Inc()
		}
		return nil, nil, err
	}

	updated, err := mutate(ctx)
	if err == nil {
		return txn, updated, nil
	}

	// The refund is retried before giving up: transient store errors must
	// not leave the tenant charged for a mutation that never happened. A
	// duplicate-reference error means an earlier attempt landed.
	refundErr := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		_, rerr := s.wallets.Refund(ctx, tenantID, cost, txn.ID, "compensation: "+desc)
		if errors.Is(rerr, wallet.ErrDuplicateReference) {
			return nil
		}
		if errors.Is(rerr, wallet.ErrInvalidAmount) {
			return retry.Permanent(rerr)
		}
		return rerr
	})
	if refundErr != nil {
		metrics.PartialFailuresTotal.Inc()
		logging.L(ctx).Error("refund after failed mutation also failed",
			"txId", txn.ID, "mutationError", err, "refundError", refundErr)

		inc := &incidents.Incident{
			TenantID:    tenantID,
			Kind:        incidents.KindPartialFailure,
			Description: fmt.Sprintf("debit %s (%d) not refunded after failed mutation: %v / refund: %v", txn.ID, cost, err, refundErr),
			RelatedTxID: txn.ID,
		}
		if incErr := s.incidents.Create(ctx, inc); incErr != nil {
			logging.L(ctx).Error("failed to file incident", "error", incErr, "txId", txn.ID)
		}
		return nil, nil, ErrPartialFailure
	}

	logging.L(ctx).Warn("mutation failed, debit refunded", "txId", txn.ID, "error", err)
	return nil, nil, err
}
