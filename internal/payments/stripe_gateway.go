package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
)

// StripeGateway implements Gateway with Stripe PaymentIntents.
type StripeGateway struct{}

// NewStripeGateway creates a Stripe-backed gateway. secretKey configures the
// process-wide Stripe client.
func NewStripeGateway(secretKey string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{}
}

func (g *StripeGateway) CreatePayment(ctx context.Context, orderID, tenantID string, amount int64, currency string) (string, string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", orderID)
	params.AddMetadata("tenant_id", tenantID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", "", fmt.Errorf("stripe payment intent: %w", err)
	}
	return pi.ID, pi.ClientSecret, nil
}

var _ Gateway = (*StripeGateway)(nil)
