package payments

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient holds and captures the customer's final price with
// manual-capture PaymentIntents.
type StripeClient struct{}

// NewStripeClient sets the stripe API key for the process.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual. The load id is
// the idempotency key, so a replayed hold returns the same intent.
func (s *StripeClient) Hold(ctx context.Context, h HoldRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(h.Amount)),
		Currency:      stripe.String(h.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("load-hold-" + h.LoadID)
	params.AddMetadata("load_id", h.LoadID)
	params.AddMetadata("customer_id", h.CustomerID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe hold for load %s: %w", h.LoadID, err)
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// minorUnits converts a two-decimal currency amount to its smallest unit.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
