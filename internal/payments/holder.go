// Package payments reserves the settled price on the customer's payment
// method and captures it once the trip is completed.
package payments

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/storage"
)

type HoldRequest struct {
	LoadID     string
	CustomerID string
	Amount     decimal.Decimal
	Currency   string
}

type Gateway interface {
	Hold(ctx context.Context, h HoldRequest) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Holder places a hold for every committed settlement and records the
// intent on the load. It runs after commit, so a failure leaves the
// settlement in place without a hold.
type Holder struct {
	gateway  Gateway
	store    storage.Store
	currency string
	logger   *slog.Logger
}

func NewHolder(gateway Gateway, store storage.Store, currency string, logger *slog.Logger) *Holder {
	return &Holder{gateway: gateway, store: store, currency: currency, logger: logger}
}

func (h *Holder) SettlementCompleted(ctx context.Context, res models.SettlementResult) error {
	id, err := h.gateway.Hold(ctx, HoldRequest{
		LoadID:     res.LoadID,
		CustomerID: res.CustomerID,
		Amount:     res.Financials.FinalPrice,
		Currency:   h.currency,
	})
	if err != nil {
		return err
	}
	if err := h.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SetPaymentIntent(ctx, res.LoadID, id)
	}); err != nil {
		// The intent already exists at the provider.
		if cerr := h.gateway.Cancel(ctx, id); cerr != nil && h.logger != nil {
			h.logger.Error("payment hold orphaned", "load_id", res.LoadID, "payment_intent_id", id, "error", cerr)
		}
		return err
	}
	if h.logger != nil {
		h.logger.Info("payment held", "load_id", res.LoadID, "payment_intent_id", id, "amount", res.Financials.FinalPrice.String())
	}
	return nil
}

// Capture lets the loads service finish a trip's payment.
func (h *Holder) Capture(ctx context.Context, paymentIntentID string) error {
	return h.gateway.Capture(ctx, paymentIntentID)
}
