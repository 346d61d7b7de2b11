// Package wallet tracks per-tenant credit balances on the platform.
//
// Flow:
//  1. Tenant recharges via the payment gateway (credits balance)
//  2. Tenant spends on seats, extensions and feature unlocks (debits balance)
//  3. Every balance change writes exactly one transaction log entry in the
//     same atomic unit as the balance mutation
//
// The balance can always be reconstructed as the sum of successful credits
// minus successful debits; reconciliation checks exactly that.
package wallet

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInsufficientFunds  = errors.New("wallet: insufficient funds")
	ErrWalletNotFound     = errors.New("wallet: not found")
	ErrInvalidAmount      = errors.New("wallet: invalid amount")
	ErrInvalidKind        = errors.New("wallet: invalid transaction kind")
	ErrDuplicateReference = errors.New("wallet: reference already processed")
)

// Kind classifies a transaction. The credit_/debit_ prefix determines the
// direction; amounts are always stored positive.
type Kind string

const (
	KindCreditRecharge  Kind = "credit_recharge"
	KindCreditAdmin     Kind = "credit_admin"
	KindCreditGiftCard  Kind = "credit_giftcard"
	KindDebitSeats      Kind = "debit_seat_purchase"
	KindDebitExtension  Kind = "debit_subscription_extend"
	KindDebitFeature    Kind = "debit_feature_unlock"
)

// IsCredit reports whether the kind increases the balance.
func (k Kind) IsCredit() bool { return strings.HasPrefix(string(k), "credit_") }

// IsDebit reports whether the kind decreases the balance.
func (k Kind) IsDebit() bool { return strings.HasPrefix(string(k), "debit_") }

// Valid reports whether the kind is one of the known transaction kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreditRecharge, KindCreditAdmin, KindCreditGiftCard,
		KindDebitSeats, KindDebitExtension, KindDebitFeature:
		return true
	}
	return false
}

// Transaction statuses. Rows written by the ledger are success on commit;
// a success row is immutable. Pending/failed exist for recharge orders that
// settle asynchronously through the gateway.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Wallet is a tenant's credit balance. Created lazily on first credit.
type Wallet struct {
	TenantID  string    `json:"tenantId"`
	Balance   int64     `json:"balance"` // minor units, never negative
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Amount      int64     `json:"amount"` // minor units, always positive
	Kind        Kind      `json:"kind"`
	Description string    `json:"description,omitempty"`
	Reference   string    `json:"reference,omitempty"` // gateway payment ref, gift card code, etc.
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists wallets and their transaction log. Credit and Debit must
// mutate the balance and append the log entry in one atomic unit; Debit must
// check-and-decrement in a single conditional statement so concurrent
// spenders serialize on the store, not in this process.
type Store interface {
	GetWallet(ctx context.Context, tenantID string) (*Wallet, error)
	Credit(ctx context.Context, tenantID string, amount int64, kind Kind, reference, description string) (*Transaction, error)
	Debit(ctx context.Context, tenantID string, amount int64, kind Kind, reference, description string) (*Transaction, error)
	ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]*Transaction, error)
	HasReference(ctx context.Context, reference string) (bool, error)
	SumLedger(ctx context.Context, tenantID string) (credits, debits int64, err error)
	TenantIDs(ctx context.Context) ([]string, error)
}

// Service validates and routes ledger operations.
type Service struct {
	store    Store
	currency string
}

// NewService creates a wallet service. currency is stamped onto lazily
// created wallets.
func NewService(store Store, currency string) *Service {
	return &Service{store: store, currency: currency}
}

// Store exposes the backing store (used by reconciliation).
func (s *Service) Store() Store { return s.store }

// Balance returns the tenant's wallet, zero-valued if none exists yet.
func (s *Service) Balance(ctx context.Context, tenantID string) (*Wallet, error) {
	w, err := s.store.GetWallet(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return &Wallet{TenantID: tenantID, Currency: s.currency, UpdatedAt: time.Now()}, nil
		}
		return nil, err
	}
	if w.Currency == "" {
		w.Currency = s.currency
	}
	return w, nil
}

// Credit adds funds. reference deduplicates external events: a non-empty
// reference that was already processed returns ErrDuplicateReference and
// moves no money.
func (s *Service) Credit(ctx context.Context, tenantID string, amount int64, kind Kind, reference, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !kind.Valid() || !kind.IsCredit() {
		return nil, ErrInvalidKind
	}
	if reference != "" {
		seen, err := s.store.HasReference(ctx, reference)
		if err != nil {
			return nil, err
		}
		if seen {
			return nil, ErrDuplicateReference
		}
	}
	return s.store.Credit(ctx, tenantID, amount, kind, reference, description)
}

// Debit removes funds, failing with ErrInsufficientFunds (and writing no
// transaction row) when the balance cannot cover the amount.
func (s *Service) Debit(ctx context.Context, tenantID string, amount int64, kind Kind, reference, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !kind.Valid() || !kind.IsDebit() {
		return nil, ErrInvalidKind
	}
	return s.store.Debit(ctx, tenantID, amount, kind, reference, description)
}

// Refund credits back a previously debited amount after a dependent mutation
// failed. Recorded as an admin credit referencing the original transaction so
// reconciliation can pair the two rows.
func (s *Service) Refund(ctx context.Context, tenantID string, amount int64, originalTxID, reason string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.store.Credit(ctx, tenantID, amount, KindCreditAdmin, "refund:"+originalTxID, reason)
}

// History returns recent transactions, newest first.
func (s *Service) History(ctx context.Context, tenantID string, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTransactions(ctx, tenantID, limit, offset)
}

// HasReference reports whether an external reference was already credited.
func (s *Service) HasReference(ctx context.Context, reference string) (bool, error) {
	return s.store.HasReference(ctx, reference)
}
