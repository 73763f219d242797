package matcher

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/observability"
)

const (
	scoreTypeMatch      = 30
	scoreTypeAny        = 10
	scoreCapacityFits   = 25
	scoreCapacityAny    = 5
	scoreVehicleAtPick  = 20
	scoreServicePincode = 15
	scoreBasePincode    = 10
	scorePreferredRoute = 20
	scoreOwnerOperator  = 5
	maxScore            = 100
)

// FindMatches scores every eligible transporter against the load and returns
// the candidates ranked by score. It has no side effects.
func FindMatches(load models.Load, transporters []models.Transporter) []models.Match {
	out := make([]models.Match, 0, len(transporters))
	for _, t := range transporters {
		if m, ok := scoreTransporter(load, t); ok {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MatchScore > out[j].MatchScore })
	return out
}

func scoreTransporter(load models.Load, t models.Transporter) (models.Match, bool) {
	if !t.Eligible() {
		return models.Match{}, false
	}
	var (
		score    int
		reasons  reasonSet
		eligible []models.Vehicle
	)
	for _, v := range t.Vehicles {
		if !v.Active {
			continue
		}
		vs := scoreVehicle(load, v, &reasons)
		if vs > 0 {
			score += vs
			eligible = append(eligible, v)
		}
	}
	if len(eligible) == 0 {
		return models.Match{}, false
	}

	// transporter-level bonuses count once
	if load.PickupPincode != "" && containsPincode(t.ServicePincodes, load.PickupPincode) {
		score += scoreServicePincode
		reasons.add("serves pickup pincode")
	}
	if load.PickupPincode != "" && t.BasePincode == load.PickupPincode {
		score += scoreBasePincode
		reasons.add("based at pickup pincode")
	}
	if onPreferredRoute(load, t.PreferredRoutes) {
		score += scorePreferredRoute
		reasons.add("preferred route")
	}
	if t.OwnerOperator {
		score += scoreOwnerOperator
		reasons.add("owner-operator")
	}
	if score > maxScore {
		score = maxScore
	}
	if score <= 0 {
		return models.Match{}, false
	}
	return models.Match{
		Transporter:      t,
		MatchScore:       score,
		MatchReason:      reasons.String(),
		MatchingVehicles: eligible,
	}, true
}

func scoreVehicle(load models.Load, v models.Vehicle, reasons *reasonSet) int {
	s := 0
	switch {
	case load.RequiredVehicleType == "":
		s += scoreTypeAny
	case strings.EqualFold(strings.TrimSpace(v.VehicleType), strings.TrimSpace(load.RequiredVehicleType)):
		s += scoreTypeMatch
		reasons.add("vehicle type " + v.VehicleType)
	}
	switch {
	case load.WeightKg == nil || *load.WeightKg <= 0:
		s += scoreCapacityAny
	case v.CapacityKg >= *load.WeightKg:
		s += scoreCapacityFits
		reasons.add("capacity fits")
	}
	if load.PickupPincode != "" && v.CurrentPincode == load.PickupPincode {
		s += scoreVehicleAtPick
		reasons.add("vehicle at pickup")
	}
	return s
}

func containsPincode(list []string, pin string) bool {
	for _, p := range list {
		if strings.TrimSpace(p) == pin {
			return true
		}
	}
	return false
}

func onPreferredRoute(load models.Load, routes []string) bool {
	pick := strings.ToLower(strings.TrimSpace(load.PickupLocation))
	drop := strings.ToLower(strings.TrimSpace(load.DropLocation))
	if pick == "" || drop == "" {
		return false
	}
	key := pick + "-" + drop
	for _, r := range routes {
		if strings.Contains(strings.ToLower(r), key) {
			return true
		}
	}
	return false
}

type reasonSet struct{ items []string }

func (r *reasonSet) add(s string) {
	for _, it := range r.items {
		if it == s {
			return
		}
	}
	r.items = append(r.items, s)
}

func (r *reasonSet) String() string { return strings.Join(r.items, ", ") }

// TransporterSource lists the transporters that are currently active.
type TransporterSource interface {
	ListActiveTransporters(ctx context.Context) ([]models.Transporter, error)
}

// Broadcaster is told about the candidates for a newly posted load.
type Broadcaster interface {
	LoadMatched(ctx context.Context, load models.Load, matches []models.Match) error
}

type Service struct {
	Source    TransporterSource
	Broadcast []Broadcaster
	TopN      int
	MinScore  int
	Logger    *slog.Logger
}

// Match returns up to limit ranked candidates at or above MinScore.
// limit <= 0 falls back to TopN.
func (s *Service) Match(ctx context.Context, load models.Load, limit int) ([]models.Match, error) {
	start := time.Now()
	ts, err := s.Source.ListActiveTransporters(ctx)
	if err != nil {
		return nil, err
	}
	matches := FindMatches(load, ts)
	if s.MinScore > 0 {
		kept := matches[:0]
		for _, m := range matches {
			if m.MatchScore >= s.MinScore {
				kept = append(kept, m)
			}
		}
		matches = kept
	}
	if limit <= 0 {
		limit = s.TopN
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	observability.MatchCandidates.Observe(float64(len(matches)))
	return matches, nil
}

// Notify matches a freshly posted load and hands the candidates to every
// broadcaster. Broadcast failures are logged only.
func (s *Service) Notify(ctx context.Context, load models.Load) ([]models.Match, error) {
	matches, err := s.Match(ctx, load, 0)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return matches, nil
	}
	observability.MatchesTotal.Add(float64(len(matches)))
	for _, b := range s.Broadcast {
		if err := b.LoadMatched(ctx, load, matches); err != nil && s.Logger != nil {
			s.Logger.Warn("load match broadcast failed", "load_id", load.ID, "error", err)
		}
	}
	return matches, nil
}
