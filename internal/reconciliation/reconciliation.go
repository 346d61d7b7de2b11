// Package reconciliation periodically verifies the ledger invariant: every
// wallet's balance must equal its successful credits minus successful
// debits. A wallet that disagrees gets an open incident (one per tenant at a
// time) for an operator to investigate; the sweep never mutates balances.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycrm/billing/internal/incidents"
	"github.com/relaycrm/billing/internal/logging"
	"github.com/relaycrm/billing/internal/metrics"
	"github.com/relaycrm/billing/internal/wallet"
)

// Report summarizes one sweep.
type Report struct {
	CheckedWallets int           `json:"checkedWallets"`
	Mismatches     int           `json:"mismatches"`
	Duration       time.Duration `json:"-"`
	DurationMS     int64         `json:"durationMs"`
	StartedAt      time.Time     `json:"startedAt"`
}

// Service sweeps wallets against their transaction logs.
type Service struct {
	wallets   wallet.Store
	incidents incidents.Store
}

// NewService creates a reconciliation service.
func NewService(wallets wallet.Store, incidentStore incidents.Store) *Service {
	return &Service{wallets: wallets, incidents: incidentStore}
}

// RunOnce sweeps every wallet once. Individual wallet errors are logged and
// skipped so one bad row cannot stall the whole sweep.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{StartedAt: started}

	ids, err := s.wallets.TenantIDs(ctx)
	if err != nil {
		metrics.ReconciliationRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	for _, tenantID := range ids {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := s.checkWallet(ctx, tenantID, report); err != nil {
			logging.L(ctx).Error("reconciliation check failed", "tenantId", tenantID, "error", err)
		}
	}

	report.Duration = time.Since(started)
	report.DurationMS = report.Duration.Milliseconds()
	outcome := "clean"
	if report.Mismatches > 0 {
		outcome = "mismatch"
	}
	metrics.ReconciliationRunsTotal.WithLabelValues(outcome).Inc()
	logging.L(ctx).Info("reconciliation sweep finished",
		"checked", report.CheckedWallets, "mismatches", report.Mismatches, "duration", report.Duration)
	return report, nil
}

func (s *Service) checkWallet(ctx context.Context, tenantID string, report *Report) error {
	w, err := s.wallets.GetWallet(ctx, tenantID)
	if err != nil {
		return err
	}
	credits, debits, err := s.wallets.SumLedger(ctx, tenantID)
	if err != nil {
		return err
	}
	report.CheckedWallets++

	expected := credits - debits
	if w.Balance == expected {
		return nil
	}

	report.Mismatches++
	metrics.BalanceMismatchesTotal.Inc()
	logging.L(ctx).Error("wallet balance disagrees with ledger",
		"tenantId", tenantID, "balance", w.Balance, "ledger", expected)

	open, err := s.incidents.OpenMismatch(ctx, tenantID)
	if err != nil {
		return err
	}
	if open {
		return nil
	}
	return s.incidents.Create(ctx, &incidents.Incident{
		TenantID: tenantID,
		Kind:     incidents.KindBalanceMismatch,
		Description: fmt.Sprintf("balance %d disagrees with ledger sum %d (credits %d, debits %d)",
			w.Balance, expected, credits, debits),
	})
}

// Start runs sweeps on a fixed interval until ctx is done. Call in a
// goroutine.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.L(ctx).Info("reconciliation timer started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logging.L(ctx).Info("reconciliation timer stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logging.L(ctx).Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}
