package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/storage"
)

type fakeGateway struct {
	holds     []HoldRequest
	cancelled []string
	holdErr   error
}

func (f *fakeGateway) Hold(ctx context.Context, h HoldRequest) (string, error) {
	if f.holdErr != nil {
		return "", f.holdErr
	}
	f.holds = append(f.holds, h)
	return "pi_" + h.LoadID, nil
}

func (f *fakeGateway) Capture(ctx context.Context, id string) error { return nil }

func (f *fakeGateway) Cancel(ctx context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func seedLoad(t *testing.T, store *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertLoad(ctx, &models.Load{ID: "L1", CustomerID: "C1", Status: models.LoadAccepted})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func result() models.SettlementResult {
	return models.SettlementResult{LoadID: "L1", CustomerID: "C1", Financials: models.LoadFinancials{FinalPrice: decimal.RequireFromString("12000.50")}}
}

func TestHolderRecordsIntent(t *testing.T) {
	store := storage.NewMemoryStore()
	seedLoad(t, store)
	gw := &fakeGateway{}
	h := NewHolder(gw, store, "inr", nil)

	if err := h.SettlementCompleted(context.Background(), result()); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if len(gw.holds) != 1 || gw.holds[0].Currency != "inr" || !gw.holds[0].Amount.Equal(decimal.RequireFromString("12000.5")) {
		t.Fatalf("unexpected holds %+v", gw.holds)
	}
	l, _ := store.GetLoad(context.Background(), "L1")
	if l.PaymentIntentID != "pi_L1" {
		t.Fatalf("intent not recorded, got %q", l.PaymentIntentID)
	}
}

func TestHolderReleasesIntentWhenStoreFails(t *testing.T) {
	store := storage.NewMemoryStore()
	seedLoad(t, store)
	store.FailOn("SetPaymentIntent", errors.New("db down"))
	gw := &fakeGateway{}
	h := NewHolder(gw, store, "inr", nil)

	if err := h.SettlementCompleted(context.Background(), result()); err == nil {
		t.Fatalf("expected error")
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != "pi_L1" {
		t.Fatalf("orphaned hold not cancelled: %v", gw.cancelled)
	}
}

func TestMinorUnits(t *testing.T) {
	cases := map[string]int64{"12000": 1200000, "960.5": 96050, "0.015": 2, "11040.01": 1104001}
	for in, want := range cases {
		if got := minorUnits(decimal.RequireFromString(in)); got != want {
			t.Fatalf("%s: expected %d, got %d", in, want, got)
		}
	}
}
