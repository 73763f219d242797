package storage

import (
	"context"
	"errors"

	"github.com/example/freight-settlement/internal/models"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrTransient = errors.New("storage: transient failure")
	ErrConflict  = errors.New("storage: conflicting write")
)

// Reader is the read side shared by the store and its transactions. Reads
// made through a Tx observe that transaction's own writes.
type Reader interface {
	GetLoad(ctx context.Context, id string) (*models.Load, error)
	GetBid(ctx context.Context, id string) (*models.Bid, error)
	ListBidsForLoad(ctx context.Context, loadID string) ([]models.Bid, error)
	GetTransporter(ctx context.Context, id string) (*models.Transporter, error)
}

// Tx is a unit of work; either every write made through it is committed or
// none is.
type Tx interface {
	Reader

	// LockLoad re-reads the load and holds it until the transaction ends.
	LockLoad(ctx context.Context, id string) (*models.Load, error)
	InsertLoad(ctx context.Context, l *models.Load) error
	InsertBid(ctx context.Context, b *models.Bid) error
	SetLoadStatus(ctx context.Context, id string, status models.LoadStatus, bidding models.BiddingStatus) error
	SetPaymentIntent(ctx context.Context, id, intentID string) error
	// AssignTransporter records a self-assigned transporter on an unsettled
	// load and closes bidding.
	AssignTransporter(ctx context.Context, id, transporterID string) error
	// SetBidStatus moves a bid from one status to another and reports
	// whether the bid was still in the expected status.
	SetBidStatus(ctx context.Context, id string, from, to models.BidStatus) (bool, error)
	// SettleLoad writes the winner and the financial snapshot. It fails with
	// ErrConflict when the load already carries one.
	SettleLoad(ctx context.Context, id string, s Settlement) error
	AppendLedger(ctx context.Context, entries []models.LedgerEntry) error
}

// Settlement is the set of load fields written exactly once.
type Settlement struct {
	BidID         string
	TransporterID string
	Financials    models.LoadFinancials
}

type Store interface {
	Reader

	WithTx(ctx context.Context, fn func(tx Tx) error) error

	ListActiveTransporters(ctx context.Context) ([]models.Transporter, error)
	UpsertTransporter(ctx context.Context, t *models.Transporter) error
	SetVehiclePincode(ctx context.Context, vehicleID, pincode string) error

	LedgerForLoad(ctx context.Context, loadID string) ([]models.LedgerEntry, error)
	LedgerForTransporter(ctx context.Context, transporterID string) ([]models.LedgerEntry, error)

	// LatestSettings returns ErrNotFound until a version has been saved.
	LatestSettings(ctx context.Context) (*models.PlatformSettings, error)
	// SaveSettings stores a new version and sets s.Version.
	SaveSettings(ctx context.Context, s *models.PlatformSettings) error

	Ping(ctx context.Context) error
	Close() error
}
