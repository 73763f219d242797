// Package ledger builds, verifies and reads the append-only record of money
// movements produced by settlement. There is no update or delete: a
// correction is a new offsetting entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/observability"
)

// ErrUnbalanced means a set of settlement entries does not net to zero or
// is not the canonical triple.
var ErrUnbalanced = errors.New("ledger: settlement entries do not balance")

// Appender is the transactional write side.
type Appender interface {
	AppendLedger(ctx context.Context, entries []models.LedgerEntry) error
}

// Source is the read side.
type Source interface {
	LedgerForLoad(ctx context.Context, loadID string) ([]models.LedgerEntry, error)
	LedgerForTransporter(ctx context.Context, transporterID string) ([]models.LedgerEntry, error)
}

// SettlementEntries returns the three canonical entries for a settled load:
// the trip revenue, the platform fee as a debit and the transporter payout
// as a debit, netting to zero.
func SettlementEntries(loadID, transporterID string, fin models.LoadFinancials) []models.LedgerEntry {
	tr := transporterID
	at := fin.LockedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	mk := func(t models.LedgerEntryType, amount decimal.Decimal, desc string) models.LedgerEntry {
		return models.LedgerEntry{
			ID:            uuid.NewString(),
			LoadID:        loadID,
			TransporterID: &tr,
			EntryType:     t,
			Amount:        amount,
			Description:   desc,
			CreatedAt:     at,
		}
	}
	return []models.LedgerEntry{
		mk(models.EntryTripRevenue, fin.FinalPrice, fmt.Sprintf("trip revenue for load %s", loadID)),
		mk(models.EntryPlatformFee, fin.PlatformFee.Neg(), fmt.Sprintf("platform fee %s%% on load %s", fin.PlatformFeePercent, loadID)),
		mk(models.EntryTransporterPayout, fin.TransporterEarning.Neg(), fmt.Sprintf("payout to transporter %s for load %s", transporterID, loadID)),
	}
}

// Verify checks the settlement invariant: exactly one entry of each
// canonical type, all for the same load, summing to zero.
func Verify(entries []models.LedgerEntry) error {
	if len(entries) != 3 {
		return fmt.Errorf("%w: expected 3 entries, got %d", ErrUnbalanced, len(entries))
	}
	seen := make(map[models.LedgerEntryType]bool, 3)
	sum := decimal.Zero
	for _, e := range entries {
		if e.LoadID != entries[0].LoadID {
			return fmt.Errorf("%w: entries span loads %s and %s", ErrUnbalanced, entries[0].LoadID, e.LoadID)
		}
		switch e.EntryType {
		case models.EntryTripRevenue, models.EntryPlatformFee, models.EntryTransporterPayout:
		default:
			return fmt.Errorf("%w: unknown entry type %q", ErrUnbalanced, e.EntryType)
		}
		if seen[e.EntryType] {
			return fmt.Errorf("%w: duplicate %s entry", ErrUnbalanced, e.EntryType)
		}
		seen[e.EntryType] = true
		sum = sum.Add(e.Amount)
	}
	if !sum.IsZero() {
		return fmt.Errorf("%w: entries sum to %s", ErrUnbalanced, sum)
	}
	return nil
}

// Append verifies the entries and writes them through the transaction.
func Append(ctx context.Context, tx Appender, entries []models.LedgerEntry) error {
	if err := Verify(entries); err != nil {
		return err
	}
	return tx.AppendLedger(ctx, entries)
}

// Committed records entries that became durable.
func Committed(entries []models.LedgerEntry) {
	for _, e := range entries {
		observability.LedgerEntriesTotal.WithLabelValues(string(e.EntryType)).Inc()
	}
}

// Balance totals entries by type.
type Balance struct {
	TripRevenue        decimal.Decimal `json:"trip_revenue"`
	PlatformFees       decimal.Decimal `json:"platform_fees"`
	TransporterPayouts decimal.Decimal `json:"transporter_payouts"`
	Net                decimal.Decimal `json:"net"`
	Entries            int             `json:"entries"`
}

func (b *Balance) add(e models.LedgerEntry) {
	switch e.EntryType {
	case models.EntryTripRevenue:
		b.TripRevenue = b.TripRevenue.Add(e.Amount)
	case models.EntryPlatformFee:
		b.PlatformFees = b.PlatformFees.Add(e.Amount)
	case models.EntryTransporterPayout:
		b.TransporterPayouts = b.TransporterPayouts.Add(e.Amount)
	}
	b.Net = b.Net.Add(e.Amount)
	b.Entries++
}

// StatementLine is an entry with the cumulative balance after it.
type StatementLine struct {
	models.LedgerEntry
	RunningBalance decimal.Decimal `json:"running_balance"`
}

type Statement struct {
	Lines   []StatementLine `json:"lines"`
	Balance Balance         `json:"balance"`
}

func buildStatement(entries []models.LedgerEntry) Statement {
	st := Statement{Lines: make([]StatementLine, 0, len(entries))}
	running := decimal.Zero
	for _, e := range entries {
		running = running.Add(e.Amount)
		st.Balance.add(e)
		st.Lines = append(st.Lines, StatementLine{LedgerEntry: e, RunningBalance: running})
	}
	return st
}

// Ledger is the query surface.
type Ledger struct {
	src Source
}

func New(src Source) *Ledger { return &Ledger{src: src} }

func (l *Ledger) EntriesForLoad(ctx context.Context, loadID string) ([]models.LedgerEntry, error) {
	return l.src.LedgerForLoad(ctx, loadID)
}

func (l *Ledger) EntriesForTransporter(ctx context.Context, transporterID string) ([]models.LedgerEntry, error) {
	return l.src.LedgerForTransporter(ctx, transporterID)
}

func (l *Ledger) LoadStatement(ctx context.Context, loadID string) (Statement, error) {
	entries, err := l.src.LedgerForLoad(ctx, loadID)
	if err != nil {
		return Statement{}, err
	}
	return buildStatement(entries), nil
}

func (l *Ledger) TransporterStatement(ctx context.Context, transporterID string) (Statement, error) {
	entries, err := l.src.LedgerForTransporter(ctx, transporterID)
	if err != nil {
		return Statement{}, err
	}
	return buildStatement(entries), nil
}
