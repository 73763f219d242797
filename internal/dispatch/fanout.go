// Package dispatch turns settlements and load matches into role-aware
// notifications and hands them to delivery channels.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/observability"
)

const (
	RoleCustomer    = "customer"
	RoleTransporter = "transporter"

	KindBidAccepted   = "bid_accepted"
	KindBidRejected   = "bid_rejected"
	KindLoadAssigned  = "load_assigned"
	KindLoadAvailable = "load_available"
)

type Sender interface {
	Send(ctx context.Context, n models.Notification) error
}

// Fanout delivers every notification through every sender. A user without
// a session on one channel is not an error.
type Fanout struct {
	senders []Sender
	logger  *slog.Logger
}

func NewFanout(logger *slog.Logger, senders ...Sender) *Fanout {
	return &Fanout{senders: senders, logger: logger}
}

func (f *Fanout) SettlementCompleted(ctx context.Context, res models.SettlementResult) error {
	return f.deliver(ctx, SettlementNotifications(res))
}

func (f *Fanout) LoadMatched(ctx context.Context, load models.Load, matches []models.Match) error {
	return f.deliver(ctx, MatchNotifications(load, matches))
}

func (f *Fanout) deliver(ctx context.Context, ns []models.Notification) error {
	var errs []error
	for _, n := range ns {
		for _, s := range f.senders {
			err := s.Send(ctx, n)
			switch {
			case err == nil:
				observability.NotificationsTotal.WithLabelValues(n.Kind, "sent").Inc()
			case errors.Is(err, ErrNoSession):
				observability.NotificationsTotal.WithLabelValues(n.Kind, "offline").Inc()
			default:
				observability.NotificationsTotal.WithLabelValues(n.Kind, "failed").Inc()
				if f.logger != nil {
					f.logger.Warn("notification delivery failed", "user_id", n.UserID, "kind", n.Kind, "load_id", n.LoadID, "error", err)
				}
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// SettlementNotifications addresses the winner, every rejected transporter
// and the customer.
func SettlementNotifications(res models.SettlementResult) []models.Notification {
	out := make([]models.Notification, 0, len(res.RejectedUserIDs)+2)
	out = append(out, models.Notification{
		UserID:  res.WinnerUserID,
		Role:    RoleTransporter,
		Kind:    KindBidAccepted,
		LoadID:  res.LoadID,
		Message: fmt.Sprintf("Your bid was accepted. You will earn %s for this load.", res.Financials.TransporterEarning.StringFixed(2)),
		Data: map[string]any{
			"bid_id":              res.BidID,
			"final_price":         res.Financials.FinalPrice.StringFixed(2),
			"platform_fee":        res.Financials.PlatformFee.StringFixed(2),
			"transporter_earning": res.Financials.TransporterEarning.StringFixed(2),
		},
	})
	for _, uid := range res.RejectedUserIDs {
		if uid == res.WinnerUserID {
			continue
		}
		out = append(out, models.Notification{
			UserID:  uid,
			Role:    RoleTransporter,
			Kind:    KindBidRejected,
			LoadID:  res.LoadID,
			Message: "This load was assigned to another transporter.",
		})
	}
	if res.CustomerID != "" {
		out = append(out, models.Notification{
			UserID:  res.CustomerID,
			Role:    RoleCustomer,
			Kind:    KindLoadAssigned,
			LoadID:  res.LoadID,
			Message: fmt.Sprintf("Your load is assigned. Final price %s.", res.Financials.FinalPrice.StringFixed(2)),
			Data: map[string]any{
				"bid_id":         res.BidID,
				"transporter_id": res.TransporterID,
				"final_price":    res.Financials.FinalPrice.StringFixed(2),
			},
		})
	}
	return out
}

func MatchNotifications(load models.Load, matches []models.Match) []models.Notification {
	out := make([]models.Notification, 0, len(matches))
	for _, m := range matches {
		if m.Transporter.UserID == "" {
			continue
		}
		out = append(out, models.Notification{
			UserID:  m.Transporter.UserID,
			Role:    RoleTransporter,
			Kind:    KindLoadAvailable,
			LoadID:  load.ID,
			Message: fmt.Sprintf("New load %s to %s matches your fleet.", load.PickupPincode, load.DropPincode),
			Data: map[string]any{
				"match_score":  m.MatchScore,
				"match_reason": m.MatchReason,
			},
		})
	}
	return out
}
