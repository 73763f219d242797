package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoadStatus string

const (
	LoadPending   LoadStatus = "pending"
	LoadBidPlaced LoadStatus = "bid_placed"
	LoadAssigned  LoadStatus = "assigned"
	LoadAccepted  LoadStatus = "accepted"
	LoadActive    LoadStatus = "active"
	LoadCompleted LoadStatus = "completed"
	LoadCancelled LoadStatus = "cancelled"
)

type BiddingStatus string

const (
	BiddingOpen         BiddingStatus = "open"
	BiddingClosed       BiddingStatus = "closed"
	BiddingSelfAssigned BiddingStatus = "self_assigned"
)

type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

// Load is a shipment request posted by a customer.
type Load struct {
	ID                  string        `json:"id"`
	CustomerID          string        `json:"customer_id"`
	PickupLocation      string        `json:"pickup_location"`
	PickupPincode       string        `json:"pickup_pincode"`
	DropLocation        string        `json:"drop_location"`
	DropPincode         string        `json:"drop_pincode"`
	RequiredVehicleType string        `json:"required_vehicle_type,omitempty"`
	WeightKg            *float64      `json:"weight_kg,omitempty"`
	Status              LoadStatus    `json:"status"`
	BiddingStatus       BiddingStatus `json:"bidding_status"`
	AcceptedBidID       *string       `json:"accepted_bid_id,omitempty"`
	TransporterID       *string       `json:"transporter_id,omitempty"`
	// Financials is nil until the load is settled and never changes afterwards.
	Financials      *LoadFinancials `json:"financials,omitempty"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Settled reports whether the load's financial snapshot has been locked.
func (l *Load) Settled() bool {
	return l.AcceptedBidID != nil || l.Financials != nil
}

// LoadFinancials is the snapshot written once by settlement. The applied and
// shadow tracks are kept apart even when they are equal.
type LoadFinancials struct {
	FinalPrice               decimal.Decimal `json:"final_price"`
	PlatformFee              decimal.Decimal `json:"platform_fee"`
	PlatformFeePercent       decimal.Decimal `json:"platform_fee_percent"`
	TransporterEarning       decimal.Decimal `json:"transporter_earning"`
	ShadowPlatformFee        decimal.Decimal `json:"shadow_platform_fee"`
	ShadowPlatformFeePercent decimal.Decimal `json:"shadow_platform_fee_percent"`
	LockedAt                 time.Time       `json:"financial_locked_at"`
}

type Bid struct {
	ID            string          `json:"id"`
	LoadID        string          `json:"load_id"`
	TransporterID string          `json:"transporter_id"`
	DriverID      string          `json:"driver_id,omitempty"`
	VehicleID     string          `json:"vehicle_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Status        BidStatus       `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transporter is the capability snapshot used for scoring.
type Transporter struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Name            string    `json:"name"`
	Category        string    `json:"category,omitempty"`
	BasePincode     string    `json:"base_pincode,omitempty"`
	ServicePincodes []string  `json:"service_pincodes,omitempty"`
	PreferredRoutes []string  `json:"preferred_routes,omitempty"`
	OwnerOperator   bool      `json:"owner_operator"`
	Active          bool      `json:"active"`
	Verified        bool      `json:"verified"`
	Vehicles        []Vehicle `json:"vehicles,omitempty"`
}

// Eligible reports whether the transporter may be matched or win a load.
func (t *Transporter) Eligible() bool { return t.Active && t.Verified }

type Vehicle struct {
	ID             string  `json:"id"`
	TransporterID  string  `json:"transporter_id"`
	VehicleType    string  `json:"vehicle_type"`
	CapacityKg     float64 `json:"capacity_kg"`
	CurrentPincode string  `json:"current_pincode,omitempty"`
	Active         bool    `json:"active"`
}

type LedgerEntryType string

const (
	EntryTripRevenue       LedgerEntryType = "trip_revenue"
	EntryPlatformFee       LedgerEntryType = "platform_fee"
	EntryTransporterPayout LedgerEntryType = "transporter_payout"
)

// LedgerEntry is an immutable signed money movement tied to a load.
type LedgerEntry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	LoadID        string          `json:"load_id"`
	TransporterID *string         `json:"transporter_id,omitempty"`
	EntryType     LedgerEntryType `json:"entry_type"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
}

type CommissionMode string

const (
	CommissionShadow CommissionMode = "shadow"
	CommissionLive   CommissionMode = "live"
)

type FeeTier struct {
	Amount  decimal.Decimal `json:"amount"`
	Percent decimal.Decimal `json:"percent"`
}

type FeeConfig struct {
	BasePercent decimal.Decimal `json:"base_percent"`
	MinFee      decimal.Decimal `json:"min_fee"`
	MaxFee      decimal.Decimal `json:"max_fee"`
	Tiers       []FeeTier       `json:"tiers"`
}

// PlatformSettings is one version of the admin-managed fee configuration.
type PlatformSettings struct {
	Version           int64          `json:"version"`
	Fees              FeeConfig      `json:"fees"`
	CommissionEnabled bool           `json:"commission_enabled"`
	CommissionMode    CommissionMode `json:"commission_mode"`
	UpdatedBy         string         `json:"updated_by,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// CommissionLive reports whether the computed fee is actually charged.
func (s PlatformSettings) CommissionLive() bool {
	return s.CommissionEnabled && s.CommissionMode == CommissionLive
}

// SettlementResult is the deterministic payload handed to notification fan-out.
type SettlementResult struct {
	BidID                  string         `json:"bid_id"`
	LoadID                 string         `json:"load_id"`
	CustomerID             string         `json:"customer_id"`
	TransporterID          string         `json:"transporter_id"`
	WinnerUserID           string         `json:"winner_user_id"`
	AcceptedByUserID       string         `json:"accepted_by_user_id"`
	SettingsVersion        int64          `json:"settings_version"`
	Financials             LoadFinancials `json:"financials"`
	RejectedBidIDs         []string       `json:"rejected_bid_ids"`
	RejectedTransporterIDs []string       `json:"rejected_transporter_ids"`
	RejectedUserIDs        []string       `json:"rejected_user_ids"`
	LedgerEntryIDs         []string       `json:"ledger_entry_ids"`
}

// Match is one ranked candidate for a load.
type Match struct {
	Transporter      Transporter `json:"transporter"`
	MatchScore       int         `json:"match_score"`
	MatchReason      string      `json:"match_reason"`
	MatchingVehicles []Vehicle   `json:"matching_vehicles"`
}

// Notification is a role-aware message addressed to one user.
type Notification struct {
	UserID  string         `json:"user_id"`
	Role    string         `json:"role"`
	Kind    string         `json:"kind"`
	LoadID  string         `json:"load_id"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}
