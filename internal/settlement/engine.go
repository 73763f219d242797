// Package settlement accepts one bid for a load as a single atomic unit:
// the bid is accepted, the load's financials are locked, three balancing
// ledger entries are written and every other pending bid is rejected.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/freight-settlement/internal/fees"
	"github.com/example/freight-settlement/internal/ledger"
	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/observability"
	"github.com/example/freight-settlement/internal/storage"
)

// Request is validated before any store access.
type Request struct {
	BidID            string `json:"bid_id" validate:"required,max=64"`
	LoadID           string `json:"load_id" validate:"required,max=64"`
	TransporterID    string `json:"transporter_id" validate:"required,max=64"`
	AcceptedByUserID string `json:"accepted_by_user_id" validate:"required,max=64"`
}

type Status int

const (
	StatusSettled Status = iota + 1
	StatusAlreadySettled
	StatusBidNotPending
)

func (s Status) String() string {
	switch s {
	case StatusSettled:
		return "settled"
	case StatusAlreadySettled:
		return "already_settled"
	case StatusBidNotPending:
		return "bid_not_pending"
	}
	return "unknown"
}

// Result is the outcome of AcceptBid. Exactly one of the variants holds:
// Settled carries the committed settlement, AlreadySettled names the bid
// that won if known, BidNotPending carries the bid's current status.
type Result struct {
	Status        Status
	LoadID        string
	BidID         string
	Settlement    *models.SettlementResult
	WinningBidID  string
	CurrentStatus models.BidStatus
}

// Err maps the conflict variants onto their sentinel errors.
func (r Result) Err() error {
	switch r.Status {
	case StatusSettled:
		return nil
	case StatusAlreadySettled:
		return ErrAlreadySettled
	case StatusBidNotPending:
		return fmt.Errorf("%w: bid %s is %s", ErrBidNotPending, r.BidID, r.CurrentStatus)
	}
	return fmt.Errorf("settlement: unknown result status %d", r.Status)
}

const notifyTimeout = 10 * time.Second

// SettingsSource hands out one consistent settings snapshot per call.
type SettingsSource interface {
	Snapshot() models.PlatformSettings
}

// Notifier receives committed settlements. Failures never affect the
// settlement itself.
type Notifier interface {
	SettlementCompleted(ctx context.Context, res models.SettlementResult) error
}

type Engine struct {
	store     storage.Store
	settings  SettingsSource
	notifiers []Notifier
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time
}

func NewEngine(store storage.Store, settings SettingsSource, logger *slog.Logger, notifiers ...Notifier) *Engine {
	return &Engine{
		store:     store,
		settings:  settings,
		notifiers: notifiers,
		logger:    logger,
		validate:  validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// outcome aborts the transaction with a non-error business result.
type outcome struct {
	status  Status
	winner  string
	current models.BidStatus
}

func (o *outcome) Error() string { return "settlement outcome: " + o.status.String() }

// AcceptBid settles req.LoadID on req.BidID. Conflicts come back as a
// Result with a nil error; the error is reserved for validation, missing
// records, transient store failures and invariant violations.
func (e *Engine) AcceptBid(ctx context.Context, req Request) (Result, error) {
	res := Result{LoadID: req.LoadID, BidID: req.BidID}
	if err := e.validate.Struct(req); err != nil {
		return res, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	snap := e.settings.Snapshot()
	start := time.Now()

	var (
		settled models.SettlementResult
		entries []models.LedgerEntry
	)
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		settled, entries, err = e.settle(ctx, tx, req, snap)
		return err
	})
	observability.SettlementDuration.Observe(time.Since(start).Seconds())

	var out *outcome
	switch {
	case err == nil:
		res.Status = StatusSettled
		res.Settlement = &settled
	case errors.As(err, &out):
		res.Status = out.status
		res.WinningBidID = out.winner
		res.CurrentStatus = out.current
	default:
		err = classify(err)
		observability.SettlementsTotal.WithLabelValues(errorOutcome(err)).Inc()
		e.log().Warn("bid acceptance failed",
			"load_id", req.LoadID, "bid_id", req.BidID, "error", err,
			"retryable", IsRetryable(err), "duration_ms", time.Since(start).Milliseconds())
		return res, err
	}

	observability.SettlementsTotal.WithLabelValues(res.Status.String()).Inc()
	e.log().Info("bid acceptance",
		"load_id", req.LoadID, "bid_id", req.BidID, "outcome", res.Status.String(),
		"winning_bid_id", res.WinningBidID, "duration_ms", time.Since(start).Milliseconds())

	if res.Status == StatusSettled {
		ledger.Committed(entries)
		e.notify(ctx, settled)
	}
	return res, nil
}

func (e *Engine) settle(ctx context.Context, tx storage.Tx, req Request, snap models.PlatformSettings) (models.SettlementResult, []models.LedgerEntry, error) {
	var none models.SettlementResult

	load, err := tx.LockLoad(ctx, req.LoadID)
	if err != nil {
		return none, nil, err
	}
	if load.Status == models.LoadCancelled {
		return none, nil, fmt.Errorf("%w: load %s", ErrLoadCancelled, load.ID)
	}
	if load.Settled() || load.BiddingStatus != models.BiddingOpen {
		o := &outcome{status: StatusAlreadySettled}
		if load.AcceptedBidID != nil {
			o.winner = *load.AcceptedBidID
		}
		return none, nil, o
	}

	bid, err := tx.GetBid(ctx, req.BidID)
	if err != nil {
		return none, nil, err
	}
	if bid.LoadID != load.ID {
		return none, nil, fmt.Errorf("%w: bid %s does not belong to load %s", ErrNotFound, bid.ID, load.ID)
	}
	if bid.TransporterID != req.TransporterID {
		return none, nil, fmt.Errorf("%w: bid %s was placed by another transporter", ErrValidation, bid.ID)
	}
	if bid.Status != models.BidPending {
		return none, nil, &outcome{status: StatusBidNotPending, current: bid.Status}
	}

	transporter, err := tx.GetTransporter(ctx, bid.TransporterID)
	if errors.Is(err, storage.ErrNotFound) {
		return none, nil, fmt.Errorf("%w: transporter %s is unknown", ErrTransporterIneligible, bid.TransporterID)
	}
	if err != nil {
		return none, nil, err
	}
	if !transporter.Eligible() {
		return none, nil, fmt.Errorf("%w: transporter %s", ErrTransporterIneligible, transporter.ID)
	}

	fin, err := fees.Apply(bid.Amount, snap, e.now())
	if err != nil {
		return none, nil, fmt.Errorf("%w: %w", ErrInvalidFinancials, err)
	}

	ok, err := tx.SetBidStatus(ctx, bid.ID, models.BidPending, models.BidAccepted)
	if err != nil {
		return none, nil, err
	}
	if !ok {
		return none, nil, &outcome{status: StatusBidNotPending}
	}

	err = tx.SettleLoad(ctx, load.ID, storage.Settlement{BidID: bid.ID, TransporterID: bid.TransporterID, Financials: fin})
	if errors.Is(err, storage.ErrConflict) {
		return none, nil, &outcome{status: StatusAlreadySettled}
	}
	if err != nil {
		return none, nil, err
	}

	entries := ledger.SettlementEntries(load.ID, bid.TransporterID, fin)
	if err := ledger.Append(ctx, tx, entries); err != nil {
		if errors.Is(err, ledger.ErrUnbalanced) {
			return none, nil, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
		}
		return none, nil, err
	}

	siblings, err := tx.ListBidsForLoad(ctx, load.ID)
	if err != nil {
		return none, nil, err
	}
	result := models.SettlementResult{
		BidID:                  bid.ID,
		LoadID:                 load.ID,
		CustomerID:             load.CustomerID,
		TransporterID:          bid.TransporterID,
		WinnerUserID:           transporter.UserID,
		AcceptedByUserID:       req.AcceptedByUserID,
		SettingsVersion:        snap.Version,
		Financials:             fin,
		RejectedBidIDs:         []string{},
		RejectedTransporterIDs: []string{},
		RejectedUserIDs:        []string{},
		LedgerEntryIDs:         make([]string, 0, len(entries)),
	}
	seen := map[string]bool{}
	for _, s := range siblings {
		if s.ID == bid.ID || s.Status != models.BidPending {
			continue
		}
		rejected, err := tx.SetBidStatus(ctx, s.ID, models.BidPending, models.BidRejected)
		if err != nil {
			return none, nil, err
		}
		if !rejected {
			continue
		}
		result.RejectedBidIDs = append(result.RejectedBidIDs, s.ID)
		if s.TransporterID != bid.TransporterID && !seen[s.TransporterID] {
			seen[s.TransporterID] = true
			result.RejectedTransporterIDs = append(result.RejectedTransporterIDs, s.TransporterID)
			loser, err := tx.GetTransporter(ctx, s.TransporterID)
			switch {
			case err == nil:
				result.RejectedUserIDs = append(result.RejectedUserIDs, loser.UserID)
			case !errors.Is(err, storage.ErrNotFound):
				return none, nil, err
			}
		}
	}
	for _, en := range entries {
		result.LedgerEntryIDs = append(result.LedgerEntryIDs, en.ID)
	}
	return result, entries, nil
}

// notify runs after commit, so it outlives the caller's context: a client
// that hangs up must not drop the payment hold or the notifications.
func (e *Engine) notify(ctx context.Context, res models.SettlementResult) {
	if len(e.notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	for _, n := range e.notifiers {
		if err := n.SettlementCompleted(ctx, res); err != nil {
			e.log().Warn("settlement notification failed", "load_id", res.LoadID, "bid_id", res.BidID, "error", err)
		}
	}
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

// classify maps store failures onto the settlement taxonomy. Errors that
// already carry a settlement sentinel pass through unchanged.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidFinancials), errors.Is(err, ErrInvariantViolation),
		errors.Is(err, ErrLoadCancelled), errors.Is(err, ErrTransporterIneligible),
		errors.Is(err, ErrTransient):
		return err
	case errors.Is(err, storage.ErrTransient):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("settlement: %w", err)
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case IsConflict(err):
		return "conflict"
	}
	return "error"
}
