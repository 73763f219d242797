package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/freight-settlement/internal/fees"
	"github.com/example/freight-settlement/internal/logging"
	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/storage"
)

type fixedSettings models.PlatformSettings

func (f fixedSettings) Snapshot() models.PlatformSettings { return models.PlatformSettings(f) }

func liveSettings() fixedSettings {
	return fixedSettings{
		Version: 3,
		Fees: models.FeeConfig{
			BasePercent: decimal.NewFromInt(10),
			MinFee:      decimal.NewFromInt(50),
			MaxFee:      decimal.NewFromInt(5000),
			Tiers: []models.FeeTier{
				{Amount: decimal.NewFromInt(5000), Percent: decimal.NewFromInt(10)},
				{Amount: decimal.NewFromInt(10000), Percent: decimal.NewFromInt(8)},
				{Amount: decimal.NewFromInt(25000), Percent: decimal.NewFromInt(6)},
			},
		},
		CommissionEnabled: true,
		CommissionMode:    models.CommissionLive,
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []models.SettlementResult
	fail error
}

func (r *recordingNotifier) SettlementCompleted(ctx context.Context, res models.SettlementResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
	return r.fail
}

// seed creates load L1 with one pending 12000 bid per transporter T1..Tn.
func seed(t *testing.T, store *storage.MemoryStore, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		tr := &models.Transporter{
			ID:       fmt.Sprintf("T%d", i),
			UserID:   fmt.Sprintf("U%d", i),
			Name:     fmt.Sprintf("Carrier %d", i),
			Active:   true,
			Verified: true,
		}
		if err := store.UpsertTransporter(ctx, tr); err != nil {
			t.Fatalf("upsert transporter: %v", err)
		}
	}
	now := time.Now().UTC()
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertLoad(ctx, &models.Load{
			ID: "L1", CustomerID: "C1", PickupPincode: "400001", DropPincode: "411001",
			Status: models.LoadBidPlaced, BiddingStatus: models.BiddingOpen, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		for i := 1; i <= n; i++ {
			if err := tx.InsertBid(ctx, &models.Bid{
				ID: fmt.Sprintf("B%d", i), LoadID: "L1", TransporterID: fmt.Sprintf("T%d", i),
				Amount: decimal.NewFromInt(12000), Status: models.BidPending, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func req(i int) Request {
	return Request{BidID: fmt.Sprintf("B%d", i), LoadID: "L1", TransporterID: fmt.Sprintf("T%d", i), AcceptedByUserID: "C1"}
}

func assertLedgerBalanced(t *testing.T, store storage.Store, loadID string) []models.LedgerEntry {
	t.Helper()
	entries, _ := store.LedgerForLoad(context.Background(), loadID)
	if len(entries) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(entries))
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	if !sum.IsZero() {
		t.Fatalf("ledger for %s sums to %s", loadID, sum)
	}
	return entries
}

func assertUntouched(t *testing.T, store *storage.MemoryStore, n int) {
	t.Helper()
	ctx := context.Background()
	l, _ := store.GetLoad(ctx, "L1")
	if l.Settled() || l.BiddingStatus != models.BiddingOpen || l.Status != models.LoadBidPlaced {
		t.Fatalf("load was partially settled: %+v", l)
	}
	for i := 1; i <= n; i++ {
		b, _ := store.GetBid(ctx, fmt.Sprintf("B%d", i))
		if b.Status != models.BidPending {
			t.Fatalf("bid %s left in %s", b.ID, b.Status)
		}
	}
	if entries, _ := store.LedgerForLoad(ctx, "L1"); len(entries) != 0 {
		t.Fatalf("ledger entries survived a rollback: %d", len(entries))
	}
}

func TestAcceptBidSettles(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 3)
	notifier := &recordingNotifier{}
	eng := NewEngine(store, liveSettings(), logging.Discard(), notifier)

	res, err := eng.AcceptBid(context.Background(), req(2))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Status != StatusSettled || res.Err() != nil || res.Settlement == nil {
		t.Fatalf("expected settled result, got %+v", res)
	}
	s := res.Settlement
	if !s.Financials.PlatformFee.Equal(decimal.NewFromInt(960)) || !s.Financials.TransporterEarning.Equal(decimal.NewFromInt(11040)) {
		t.Fatalf("unexpected financials %+v", s.Financials)
	}
	if !s.Financials.ShadowPlatformFee.Equal(s.Financials.PlatformFee) {
		t.Fatalf("live mode shadow fee should equal applied fee")
	}
	if s.WinnerUserID != "U2" || s.CustomerID != "C1" || s.SettingsVersion != 3 {
		t.Fatalf("unexpected result %+v", s)
	}
	if len(s.RejectedBidIDs) != 2 || len(s.RejectedTransporterIDs) != 2 || len(s.RejectedUserIDs) != 2 || len(s.LedgerEntryIDs) != 3 {
		t.Fatalf("unexpected cascade %+v", s)
	}

	ctx := context.Background()
	l, _ := store.GetLoad(ctx, "L1")
	if l.Status != models.LoadAccepted || l.BiddingStatus != models.BiddingClosed || *l.AcceptedBidID != "B2" || *l.TransporterID != "T2" {
		t.Fatalf("load not settled: %+v", l)
	}
	if l.Financials == nil || l.Financials.LockedAt.IsZero() {
		t.Fatalf("financials not locked")
	}
	for _, id := range []string{"B1", "B3"} {
		b, _ := store.GetBid(ctx, id)
		if b.Status != models.BidRejected {
			t.Fatalf("sibling %s should be rejected, got %s", id, b.Status)
		}
	}
	assertLedgerBalanced(t, store, "L1")
	if len(notifier.got) != 1 || notifier.got[0].BidID != "B2" {
		t.Fatalf("notifier not called once with the winner: %+v", notifier.got)
	}
}

func TestConcurrentAcceptanceHasOneWinner(t *testing.T) {
	const n = 16
	store := storage.NewMemoryStore()
	seed(t, store, n)
	eng := NewEngine(store, liveSettings(), logging.Discard())

	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = eng.AcceptBid(context.Background(), req(i+1))
		}(i)
	}
	close(start)
	wg.Wait()

	winners, losers := 0, 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("call %d failed: %v", i, errs[i])
		}
		switch results[i].Status {
		case StatusSettled:
			winners++
		case StatusAlreadySettled:
			losers++
			if !errors.Is(results[i].Err(), ErrAlreadySettled) {
				t.Fatalf("loser should map to ErrAlreadySettled")
			}
		default:
			t.Fatalf("unexpected status %s", results[i].Status)
		}
	}
	if winners != 1 || losers != n-1 {
		t.Fatalf("expected 1 winner and %d losers, got %d and %d", n-1, winners, losers)
	}

	bids, _ := store.ListBidsForLoad(context.Background(), "L1")
	accepted := 0
	for _, b := range bids {
		switch b.Status {
		case models.BidAccepted:
			accepted++
		case models.BidRejected:
		default:
			t.Fatalf("bid %s left %s", b.ID, b.Status)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted bid, got %d", accepted)
	}
	assertLedgerBalanced(t, store, "L1")
}

func TestRetryIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 2)
	eng := NewEngine(store, liveSettings(), logging.Discard())
	ctx := context.Background()

	if res, err := eng.AcceptBid(ctx, req(1)); err != nil || res.Status != StatusSettled {
		t.Fatalf("first call: %+v %v", res, err)
	}
	res, err := eng.AcceptBid(ctx, req(1))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Status != StatusAlreadySettled || res.WinningBidID != "B1" {
		t.Fatalf("retry should report AlreadySettled by B1, got %+v", res)
	}
	assertLedgerBalanced(t, store, "L1")
}

func TestFailureMidTransactionRollsBack(t *testing.T) {
	for _, op := range []string{"SetBidStatus", "SettleLoad", "AppendLedger", "ListBidsForLoad"} {
		t.Run(op, func(t *testing.T) {
			store := storage.NewMemoryStore()
			seed(t, store, 3)
			notifier := &recordingNotifier{}
			eng := NewEngine(store, liveSettings(), logging.Discard(), notifier)

			store.FailOn(op, errors.New("disk full"))
			if _, err := eng.AcceptBid(context.Background(), req(1)); err == nil {
				t.Fatalf("expected failure when %s fails", op)
			}
			assertUntouched(t, store, 3)
			if len(notifier.got) != 0 {
				t.Fatalf("notifier called for a rolled back settlement")
			}

			store.FailOn(op, nil)
			res, err := eng.AcceptBid(context.Background(), req(1))
			if err != nil || res.Status != StatusSettled {
				t.Fatalf("retry after fault cleared: %+v %v", res, err)
			}
			assertLedgerBalanced(t, store, "L1")
		})
	}
}

func TestTransientErrorsAreRetryable(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 1)
	eng := NewEngine(store, liveSettings(), logging.Discard())

	store.FailOn("LockLoad", fmt.Errorf("%w: lock timeout", storage.ErrTransient))
	_, err := eng.AcceptBid(context.Background(), req(1))
	if !errors.Is(err, ErrTransient) || !IsRetryable(err) || IsConflict(err) {
		t.Fatalf("expected retryable transient error, got %v", err)
	}
	store.FailOn("LockLoad", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eng.AcceptBid(ctx, req(1)); !errors.Is(err, ErrTransient) {
		t.Fatalf("cancelled context should be transient, got %v", err)
	}
	assertUntouched(t, store, 1)
}

func TestShadowModeChargesNothing(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 1)
	s := liveSettings()
	s.CommissionEnabled = false
	eng := NewEngine(store, s, logging.Discard())

	res, err := eng.AcceptBid(context.Background(), req(1))
	if err != nil || res.Status != StatusSettled {
		t.Fatalf("accept: %+v %v", res, err)
	}
	fin := res.Settlement.Financials
	if !fin.PlatformFee.IsZero() || !fin.TransporterEarning.Equal(decimal.NewFromInt(12000)) {
		t.Fatalf("shadow mode must not charge: %+v", fin)
	}
	if !fin.ShadowPlatformFee.Equal(decimal.NewFromInt(960)) || !fin.ShadowPlatformFeePercent.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("shadow values missing: %+v", fin)
	}
	for _, e := range assertLedgerBalanced(t, store, "L1") {
		if e.EntryType == models.EntryPlatformFee && !e.Amount.IsZero() {
			t.Fatalf("platform fee entry should be zero, got %s", e.Amount)
		}
	}
}

func TestAcceptBidRejections(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T) (*storage.MemoryStore, *Engine) {
		store := storage.NewMemoryStore()
		seed(t, store, 2)
		return store, NewEngine(store, liveSettings(), logging.Discard())
	}
	insertBid := func(t *testing.T, store *storage.MemoryStore, b models.Bid) {
		t.Helper()
		if err := store.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertBid(ctx, &b) }); err != nil {
			t.Fatalf("insert bid: %v", err)
		}
	}

	t.Run("missing fields", func(t *testing.T) {
		_, eng := setup(t)
		if _, err := eng.AcceptBid(ctx, Request{BidID: "B1"}); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	})
	t.Run("unknown load", func(t *testing.T) {
		_, eng := setup(t)
		r := req(1)
		r.LoadID = "nope"
		if _, err := eng.AcceptBid(ctx, r); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
	t.Run("unknown bid", func(t *testing.T) {
		_, eng := setup(t)
		r := req(1)
		r.BidID = "nope"
		if _, err := eng.AcceptBid(ctx, r); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
	t.Run("wrong transporter", func(t *testing.T) {
		store, eng := setup(t)
		r := req(1)
		r.TransporterID = "T2"
		if _, err := eng.AcceptBid(ctx, r); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		assertUntouched(t, store, 2)
	})
	t.Run("bid not pending", func(t *testing.T) {
		store, eng := setup(t)
		insertBid(t, store, models.Bid{ID: "B9", LoadID: "L1", TransporterID: "T1", Amount: decimal.NewFromInt(9000), Status: models.BidRejected})
		res, err := eng.AcceptBid(ctx, Request{BidID: "B9", LoadID: "L1", TransporterID: "T1", AcceptedByUserID: "C1"})
		if err != nil {
			t.Fatalf("conflicts are results, not errors: %v", err)
		}
		if res.Status != StatusBidNotPending || res.CurrentStatus != models.BidRejected || !errors.Is(res.Err(), ErrBidNotPending) {
			t.Fatalf("expected BidNotPending, got %+v", res)
		}
	})
	t.Run("invalid amount", func(t *testing.T) {
		store, eng := setup(t)
		insertBid(t, store, models.Bid{ID: "B0", LoadID: "L1", TransporterID: "T1", Amount: decimal.Zero, Status: models.BidPending})
		_, err := eng.AcceptBid(ctx, Request{BidID: "B0", LoadID: "L1", TransporterID: "T1", AcceptedByUserID: "C1"})
		if !errors.Is(err, ErrInvalidFinancials) {
			t.Fatalf("expected ErrInvalidFinancials, got %v", err)
		}
		assertUntouched(t, store, 2)
	})
	t.Run("ineligible transporter", func(t *testing.T) {
		store, eng := setup(t)
		_ = store.UpsertTransporter(ctx, &models.Transporter{ID: "T1", UserID: "U1", Active: true, Verified: false})
		if _, err := eng.AcceptBid(ctx, req(1)); !errors.Is(err, ErrTransporterIneligible) || !IsConflict(err) {
			t.Fatalf("expected ErrTransporterIneligible, got %v", err)
		}
		assertUntouched(t, store, 2)
	})
	t.Run("live fee above the bid", func(t *testing.T) {
		store, eng := setup(t)
		insertBid(t, store, models.Bid{ID: "B7", LoadID: "L1", TransporterID: "T1", Amount: decimal.RequireFromString("10.005"), Status: models.BidPending})
		_, err := eng.AcceptBid(ctx, Request{BidID: "B7", LoadID: "L1", TransporterID: "T1", AcceptedByUserID: "C1"})
		if !errors.Is(err, ErrInvalidFinancials) || !errors.Is(err, fees.ErrBelowMinimumFee) {
			t.Fatalf("expected ErrInvalidFinancials, got %v", err)
		}
		assertUntouched(t, store, 2)
	})
	t.Run("cancelled load", func(t *testing.T) {
		store, eng := setup(t)
		_ = store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.SetLoadStatus(ctx, "L1", models.LoadCancelled, models.BiddingClosed)
		})
		if _, err := eng.AcceptBid(ctx, req(1)); !errors.Is(err, ErrLoadCancelled) {
			t.Fatalf("expected ErrLoadCancelled, got %v", err)
		}
	})
	t.Run("self assigned load", func(t *testing.T) {
		store, eng := setup(t)
		_ = store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.SetLoadStatus(ctx, "L1", models.LoadAssigned, models.BiddingSelfAssigned)
		})
		res, err := eng.AcceptBid(ctx, req(1))
		if err != nil || res.Status != StatusAlreadySettled {
			t.Fatalf("expected AlreadySettled, got %+v %v", res, err)
		}
	})
}

func TestNotifierFailureDoesNotUndoSettlement(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 1)
	eng := NewEngine(store, liveSettings(), logging.Discard(), &recordingNotifier{fail: errors.New("socket closed")})

	res, err := eng.AcceptBid(context.Background(), req(1))
	if err != nil || res.Status != StatusSettled {
		t.Fatalf("expected settled despite notifier failure: %+v %v", res, err)
	}
	assertLedgerBalanced(t, store, "L1")
}

func TestSubCentBidSettlesBalanced(t *testing.T) {
	ctx := context.Background()
	for _, s := range []fixedSettings{liveSettings(), func() fixedSettings {
		f := liveSettings()
		f.CommissionMode = models.CommissionShadow
		return f
	}()} {
		store := storage.NewMemoryStore()
		seed(t, store, 1)
		err := store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.InsertBid(ctx, &models.Bid{ID: "B9", LoadID: "L1", TransporterID: "T1", Amount: decimal.RequireFromString("60.005"), Status: models.BidPending})
		})
		if err != nil {
			t.Fatalf("insert bid: %v", err)
		}
		res, err := NewEngine(store, s, logging.Discard()).AcceptBid(ctx, Request{BidID: "B9", LoadID: "L1", TransporterID: "T1", AcceptedByUserID: "C1"})
		if err != nil || res.Status != StatusSettled {
			t.Fatalf("%s: expected settled, got %+v %v", s.CommissionMode, res, err)
		}
		fin := res.Settlement.Financials
		if !fin.FinalPrice.Equal(decimal.RequireFromString("60.01")) || !fin.PlatformFee.Add(fin.TransporterEarning).Equal(fin.FinalPrice) {
			t.Fatalf("%s: price not split exactly: %+v", s.CommissionMode, fin)
		}
		assertLedgerBalanced(t, store, "L1")
	}
}

type hangUpNotifier struct{ cancel context.CancelFunc }

func (h hangUpNotifier) SettlementCompleted(ctx context.Context, res models.SettlementResult) error {
	h.cancel()
	return nil
}

type ctxCheckNotifier struct{ err error }

func (c *ctxCheckNotifier) SettlementCompleted(ctx context.Context, res models.SettlementResult) error {
	c.err = ctx.Err()
	return nil
}

func TestNotifiersOutliveRequestContext(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	check := &ctxCheckNotifier{}
	eng := NewEngine(store, liveSettings(), logging.Discard(), hangUpNotifier{cancel: cancel}, check)

	res, err := eng.AcceptBid(ctx, req(1))
	if err != nil || res.Status != StatusSettled {
		t.Fatalf("expected settled: %+v %v", res, err)
	}
	if ctx.Err() == nil {
		t.Fatalf("request context should have been cancelled")
	}
	if check.err != nil {
		t.Fatalf("later notifiers must still run with a live context, got %v", check.err)
	}
}
