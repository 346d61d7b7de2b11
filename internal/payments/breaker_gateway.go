package payments

import (
	"context"
	"errors"
	"time"

	"github.com/relaycrm/billing/internal/circuitbreaker"
	"github.com/relaycrm/billing/internal/logging"
)

// ErrGatewayUnavailable means the payment provider is failing and the
// circuit is open; the tenant should retry shortly.
var ErrGatewayUnavailable = errors.New("payments: gateway temporarily unavailable")

// BreakerGateway wraps a Gateway with a circuit breaker. A provider outage
// trips the circuit so recharge attempts fail fast instead of stacking up
// slow gateway timeouts.
type BreakerGateway struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
}

// NewBreakerGateway wraps gw with a breaker that opens after threshold
// consecutive failures and probes again after openDuration.
func NewBreakerGateway(gw Gateway, threshold int, openDuration time.Duration) *BreakerGateway {
	return &BreakerGateway{
		inner:   gw,
		breaker: circuitbreaker.New("gateway", threshold, openDuration),
	}
}

func (g *BreakerGateway) CreatePayment(ctx context.Context, orderID, tenantID string, amount int64, currency string) (string, string, error) {
	if !g.breaker.Allow() {
		logging.L(ctx).Warn("gateway circuit open, rejecting payment creation", "orderId", orderID)
		return "", "", ErrGatewayUnavailable
	}

	ref, secret, err := g.inner.CreatePayment(ctx, orderID, tenantID, amount, currency)
	if err != nil {
		g.breaker.RecordFailure()
		return "", "", err
	}
	g.breaker.RecordSuccess()
	return ref, secret, nil
}

var _ Gateway = (*BreakerGateway)(nil)
