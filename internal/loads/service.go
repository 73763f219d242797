// Package loads runs the load and bid lifecycle around settlement: posting
// loads, placing bids, cancelling, self-assignment and trip progress. It
// never writes financial fields; only settlement does.
package loads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/freight-settlement/internal/fees"
	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/storage"
)

var (
	ErrValidation        = errors.New("loads: invalid input")
	ErrInvalidTransition = errors.New("loads: invalid status transition")
	ErrBiddingClosed     = errors.New("loads: bidding is closed")
)

type NewLoad struct {
	CustomerID          string   `json:"customer_id" validate:"required,max=64"`
	PickupLocation      string   `json:"pickup_location" validate:"required,max=256"`
	PickupPincode       string   `json:"pickup_pincode" validate:"required,numeric,len=6"`
	DropLocation        string   `json:"drop_location" validate:"required,max=256"`
	DropPincode         string   `json:"drop_pincode" validate:"required,numeric,len=6"`
	RequiredVehicleType string   `json:"required_vehicle_type" validate:"max=64"`
	WeightKg            *float64 `json:"weight_kg" validate:"omitempty,gt=0"`
}

type NewBid struct {
	LoadID        string  `json:"load_id" validate:"required,max=64"`
	TransporterID string  `json:"transporter_id" validate:"required,max=64"`
	DriverID      string  `json:"driver_id" validate:"max=64"`
	VehicleID     string  `json:"vehicle_id" validate:"max=64"`
	Amount        float64 `json:"amount" validate:"gt=0"`
}

// Matcher alerts transporters about a freshly posted load.
type Matcher interface {
	Notify(ctx context.Context, load models.Load) ([]models.Match, error)
}

// Payments settles the customer's held payment when a trip ends.
type Payments interface {
	Capture(ctx context.Context, paymentIntentID string) error
}

// Settings exposes the active fee settings bids are checked against.
type Settings interface {
	Snapshot() models.PlatformSettings
}

type Service struct {
	store    storage.Store
	matcher  Matcher
	payments Payments
	settings Settings
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(store storage.Store, matcher Matcher, payments Payments, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		matcher:  matcher,
		payments: payments,
		settings: settings,
		logger:   logger,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateLoad(ctx context.Context, in NewLoad) (*models.Load, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	now := s.now()
	load := &models.Load{
		ID:                  uuid.NewString(),
		CustomerID:          in.CustomerID,
		PickupLocation:      in.PickupLocation,
		PickupPincode:       in.PickupPincode,
		DropLocation:        in.DropLocation,
		DropPincode:         in.DropPincode,
		RequiredVehicleType: in.RequiredVehicleType,
		WeightKg:            in.WeightKg,
		Status:              models.LoadPending,
		BiddingStatus:       models.BiddingOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertLoad(ctx, load) }); err != nil {
		return nil, err
	}
	s.logger.Info("load created", "load_id", load.ID, "customer_id", load.CustomerID, "pickup_pincode", load.PickupPincode)

	if s.matcher != nil {
		if matches, err := s.matcher.Notify(ctx, *load); err != nil {
			s.logger.Warn("load match broadcast failed", "load_id", load.ID, "error", err)
		} else {
			s.logger.Debug("load match broadcast", "load_id", load.ID, "candidates", len(matches))
		}
	}
	return load, nil
}

func (s *Service) PlaceBid(ctx context.Context, in NewBid) (*models.Bid, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	amount, err := fees.AmountFromFloat(in.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if s.settings != nil {
		if snap := s.settings.Snapshot(); !fees.CoversFee(amount, snap) {
			return nil, fmt.Errorf("%w: %w: minimum is %s", ErrValidation, fees.ErrBelowMinimumFee, snap.Fees.MinFee)
		}
	}
	now := s.now()
	bid := &models.Bid{
		ID:            uuid.NewString(),
		LoadID:        in.LoadID,
		TransporterID: in.TransporterID,
		DriverID:      in.DriverID,
		VehicleID:     in.VehicleID,
		Amount:        amount,
		Status:        models.BidPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		load, err := tx.LockLoad(ctx, in.LoadID)
		if err != nil {
			return err
		}
		if load.Settled() || load.BiddingStatus != models.BiddingOpen {
			return fmt.Errorf("%w: load %s", ErrBiddingClosed, load.ID)
		}
		if load.Status != models.LoadPending && load.Status != models.LoadBidPlaced {
			return fmt.Errorf("%w: cannot bid on %s load", ErrInvalidTransition, load.Status)
		}
		if err := s.checkTransporter(ctx, tx, in.TransporterID); err != nil {
			return err
		}
		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}
		if load.Status == models.LoadPending {
			return tx.SetLoadStatus(ctx, load.ID, models.LoadBidPlaced, models.BiddingOpen)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("bid placed", "load_id", bid.LoadID, "bid_id", bid.ID, "transporter_id", bid.TransporterID, "amount", bid.Amount.String())
	return bid, nil
}

// CancelLoad is allowed until the load is settled. Every pending bid is
// rejected.
func (s *Service) CancelLoad(ctx context.Context, loadID string) (*models.Load, error) {
	var out *models.Load
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		load, err := tx.LockLoad(ctx, loadID)
		if err != nil {
			return err
		}
		switch {
		case load.Settled():
			return fmt.Errorf("%w: load %s is settled", ErrInvalidTransition, load.ID)
		case load.Status != models.LoadPending && load.Status != models.LoadBidPlaced && load.Status != models.LoadAssigned:
			return fmt.Errorf("%w: cannot cancel %s load", ErrInvalidTransition, load.Status)
		}
		if err := tx.SetLoadStatus(ctx, load.ID, models.LoadCancelled, models.BiddingClosed); err != nil {
			return err
		}
		if _, err := rejectPending(ctx, tx, load.ID); err != nil {
			return err
		}
		out, err = tx.GetLoad(ctx, load.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("load cancelled", "load_id", loadID)
	return out, nil
}

// SelfAssign hands an open load straight to a transporter without a bid.
func (s *Service) SelfAssign(ctx context.Context, loadID, transporterID string) (*models.Load, error) {
	if loadID == "" || transporterID == "" {
		return nil, fmt.Errorf("%w: load and transporter are required", ErrValidation)
	}
	var out *models.Load
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		load, err := tx.LockLoad(ctx, loadID)
		if err != nil {
			return err
		}
		if load.Settled() || load.BiddingStatus != models.BiddingOpen {
			return fmt.Errorf("%w: load %s", ErrBiddingClosed, load.ID)
		}
		if err := s.checkTransporter(ctx, tx, transporterID); err != nil {
			return err
		}
		if err := tx.AssignTransporter(ctx, load.ID, transporterID); err != nil {
			return err
		}
		if _, err := rejectPending(ctx, tx, load.ID); err != nil {
			return err
		}
		out, err = tx.GetLoad(ctx, load.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("load self-assigned", "load_id", loadID, "transporter_id", transporterID)
	return out, nil
}

// StartTrip moves a settled or self-assigned load to active.
func (s *Service) StartTrip(ctx context.Context, loadID string) (*models.Load, error) {
	return s.advance(ctx, loadID, models.LoadActive, models.LoadAccepted, models.LoadAssigned)
}

// CompleteTrip finishes an active trip and captures the held payment.
// A capture failure is logged; the trip stays completed.
func (s *Service) CompleteTrip(ctx context.Context, loadID string) (*models.Load, error) {
	load, err := s.advance(ctx, loadID, models.LoadCompleted, models.LoadActive)
	if err != nil {
		return nil, err
	}
	if s.payments != nil && load.PaymentIntentID != "" {
		if err := s.payments.Capture(ctx, load.PaymentIntentID); err != nil {
			s.logger.Error("payment capture failed", "load_id", load.ID, "payment_intent_id", load.PaymentIntentID, "error", err)
		}
	}
	return load, nil
}

func (s *Service) advance(ctx context.Context, loadID string, to models.LoadStatus, from ...models.LoadStatus) (*models.Load, error) {
	var out *models.Load
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		load, err := tx.LockLoad(ctx, loadID)
		if err != nil {
			return err
		}
		allowed := false
		for _, f := range from {
			if load.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, load.Status, to)
		}
		if err := tx.SetLoadStatus(ctx, load.ID, to, load.BiddingStatus); err != nil {
			return err
		}
		out, err = tx.GetLoad(ctx, load.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("load status changed", "load_id", loadID, "status", string(to))
	return out, nil
}

func (s *Service) Get(ctx context.Context, loadID string) (*models.Load, error) {
	return s.store.GetLoad(ctx, loadID)
}

func (s *Service) Bids(ctx context.Context, loadID string) ([]models.Bid, error) {
	if _, err := s.store.GetLoad(ctx, loadID); err != nil {
		return nil, err
	}
	return s.store.ListBidsForLoad(ctx, loadID)
}

func (s *Service) checkTransporter(ctx context.Context, tx storage.Tx, id string) error {
	t, err := tx.GetTransporter(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: unknown transporter %s", ErrValidation, id)
	}
	if err != nil {
		return err
	}
	if !t.Eligible() {
		return fmt.Errorf("%w: transporter %s is not active and verified", ErrValidation, id)
	}
	return nil
}

func rejectPending(ctx context.Context, tx storage.Tx, loadID string) ([]string, error) {
	bids, err := tx.ListBidsForLoad(ctx, loadID)
	if err != nil {
		return nil, err
	}
	var rejected []string
	for _, b := range bids {
		if b.Status != models.BidPending {
			continue
		}
		ok, err := tx.SetBidStatus(ctx, b.ID, models.BidPending, models.BidRejected)
		if err != nil {
			return nil, err
		}
		if ok {
			rejected = append(rejected, b.ID)
		}
	}
	return rejected, nil
}
