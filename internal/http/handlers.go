package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/example/freight-settlement/internal/dispatch"
	"github.com/example/freight-settlement/internal/ledger"
	"github.com/example/freight-settlement/internal/loads"
	"github.com/example/freight-settlement/internal/matcher"
	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/settings"
	"github.com/example/freight-settlement/internal/settlement"
	"github.com/example/freight-settlement/internal/storage"
)

const userHeader = "X-User-ID"

// Deps are the collaborators the API is built from.
type Deps struct {
	Store    storage.Store
	Loads    *loads.Service
	Engine   *settlement.Engine
	Matcher  *matcher.Service
	Ledger   *ledger.Ledger
	Settings *settings.Provider
	WS       *dispatch.WSRegistry
	// Ready holds extra readiness probes, e.g. a Redis ping.
	Ready  []func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	store    storage.Store
	loads    *loads.Service
	engine   *settlement.Engine
	matcher  *matcher.Service
	ledger   *ledger.Ledger
	settings *settings.Provider
	ws       *dispatch.WSRegistry
	ready    []func(ctx context.Context) error
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    d.Store,
		loads:    d.Loads,
		engine:   d.Engine,
		matcher:  d.Matcher,
		ledger:   d.Ledger,
		settings: d.Settings,
		ws:       d.WS,
		ready:    d.Ready,
		logger:   logger,
		validate: validator.New(),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/loads", s.handleCreateLoad).Methods("POST")
	api.HandleFunc("/loads/{id}", s.handleGetLoad).Methods("GET")
	api.HandleFunc("/loads/{id}/bids", s.handlePlaceBid).Methods("POST")
	api.HandleFunc("/loads/{id}/bids", s.handleListBids).Methods("GET")
	api.HandleFunc("/loads/{id}/bids/{bid_id}/accept", s.handleAcceptBid).Methods("POST")
	api.HandleFunc("/loads/{id}/cancel", s.handleCancelLoad).Methods("POST")
	api.HandleFunc("/loads/{id}/self-assign", s.handleSelfAssign).Methods("POST")
	api.HandleFunc("/loads/{id}/start", s.handleStartTrip).Methods("POST")
	api.HandleFunc("/loads/{id}/complete", s.handleCompleteTrip).Methods("POST")
	api.HandleFunc("/loads/{id}/matches", s.handleMatches).Methods("GET")
	api.HandleFunc("/loads/{id}/ledger", s.handleLoadLedger).Methods("GET")
	api.HandleFunc("/transporters/{id}", s.handleUpsertTransporter).Methods("PUT")
	api.HandleFunc("/transporters/{id}/ledger", s.handleTransporterLedger).Methods("GET")
	api.HandleFunc("/admin/platform-settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/admin/platform-settings", s.handlePutSettings).Methods("PUT")

	s.mux.HandleFunc("/internal/vehicles/{id}/pincode", s.handleVehiclePincode).Methods("PUT")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleCreateLoad(w http.ResponseWriter, r *http.Request) {
	var in loads.NewLoad
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	load, err := s.loads.CreateLoad(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, load)
}

func (s *Server) handleGetLoad(w http.ResponseWriter, r *http.Request) {
	load, err := s.loads.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

type bidRequest struct {
	TransporterID string  `json:"transporter_id"`
	DriverID      string  `json:"driver_id"`
	VehicleID     string  `json:"vehicle_id"`
	Amount        float64 `json:"amount"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var in bidRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	bid, err := s.loads.PlaceBid(r.Context(), loads.NewBid{
		LoadID:        mux.Vars(r)["id"],
		TransporterID: in.TransporterID,
		DriverID:      in.DriverID,
		VehicleID:     in.VehicleID,
		Amount:        in.Amount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.loads.Bids(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

type acceptRequest struct {
	TransporterID string `json:"transporter_id" validate:"required"`
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	var in acceptRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(in); err != nil {
		s.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	res, err := s.engine.AcceptBid(r.Context(), settlement.Request{
		BidID:            vars["bid_id"],
		LoadID:           vars["id"],
		TransporterID:    in.TransporterID,
		AcceptedByUserID: r.Header.Get(userHeader),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if conflict := res.Err(); conflict != nil {
		status, body := classifyError(conflict)
		body.WinningBidID = res.WinningBidID
		if res.Status == settlement.StatusAlreadySettled {
			body.Error = "this load was already assigned"
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res.Settlement)
}

func (s *Server) handleCancelLoad(w http.ResponseWriter, r *http.Request) {
	load, err := s.loads.CancelLoad(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

func (s *Server) handleSelfAssign(w http.ResponseWriter, r *http.Request) {
	var in acceptRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(in); err != nil {
		s.writeError(w, r, err)
		return
	}
	load, err := s.loads.SelfAssign(r.Context(), mux.Vars(r)["id"], in.TransporterID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	load, err := s.loads.StartTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	load, err := s.loads.CompleteTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		limit = n
	}
	load, err := s.loads.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	matches, err := s.matcher.Match(r.Context(), *load, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"load_id": load.ID, "matches": matches})
}

func (s *Server) handleLoadLedger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetLoad(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.ledger.LoadStatement(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTransporterLedger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetTransporter(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.ledger.TransporterStatement(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type vehicleRequest struct {
	ID             string  `json:"id" validate:"required,max=64"`
	VehicleType    string  `json:"vehicle_type" validate:"required,max=64"`
	CapacityKg     float64 `json:"capacity_kg" validate:"gte=0"`
	CurrentPincode string  `json:"current_pincode" validate:"omitempty,numeric,len=6"`
	Active         bool    `json:"active"`
}

type transporterRequest struct {
	UserID          string           `json:"user_id" validate:"required,max=64"`
	Name            string           `json:"name" validate:"required,max=256"`
	Category        string           `json:"category" validate:"max=64"`
	BasePincode     string           `json:"base_pincode" validate:"omitempty,numeric,len=6"`
	ServicePincodes []string         `json:"service_pincodes" validate:"dive,numeric,len=6"`
	PreferredRoutes []string         `json:"preferred_routes" validate:"dive,max=128"`
	OwnerOperator   bool             `json:"owner_operator"`
	Active          bool             `json:"active"`
	Verified        bool             `json:"verified"`
	Vehicles        []vehicleRequest `json:"vehicles" validate:"dive"`
}

func (s *Server) handleUpsertTransporter(w http.ResponseWriter, r *http.Request) {
	var in transporterRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(in); err != nil {
		s.writeError(w, r, err)
		return
	}
	t := &models.Transporter{
		ID:              mux.Vars(r)["id"],
		UserID:          in.UserID,
		Name:            in.Name,
		Category:        in.Category,
		BasePincode:     in.BasePincode,
		ServicePincodes: in.ServicePincodes,
		PreferredRoutes: in.PreferredRoutes,
		OwnerOperator:   in.OwnerOperator,
		Active:          in.Active,
		Verified:        in.Verified,
	}
	for _, v := range in.Vehicles {
		t.Vehicles = append(t.Vehicles, models.Vehicle{
			ID:             v.ID,
			TransporterID:  t.ID,
			VehicleType:    v.VehicleType,
			CapacityKg:     v.CapacityKg,
			CurrentPincode: v.CurrentPincode,
			Active:         v.Active,
		})
	}
	if err := s.store.UpsertTransporter(r.Context(), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type pincodeRequest struct {
	Pincode string `json:"pincode" validate:"required,numeric,len=6"`
}

func (s *Server) handleVehiclePincode(w http.ResponseWriter, r *http.Request) {
	var in pincodeRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.SetVehiclePincode(r.Context(), mux.Vars(r)["id"], in.Pincode); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Snapshot())
}

type settingsRequest struct {
	BasePercent       decimal.Decimal  `json:"base_percent"`
	MinFee            decimal.Decimal  `json:"min_fee"`
	MaxFee            decimal.Decimal  `json:"max_fee"`
	Tiers             []models.FeeTier `json:"tiers"`
	CommissionEnabled bool             `json:"commission_enabled"`
	CommissionMode    string           `json:"commission_mode" validate:"required,oneof=shadow live"`
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	by := r.Header.Get(userHeader)
	if by == "" {
		s.writeError(w, r, fmt.Errorf("%w: %s header is required", errBadRequest, userHeader))
		return
	}
	var in settingsRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(in); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.settings.Update(r.Context(), models.PlatformSettings{
		Fees: models.FeeConfig{
			BasePercent: in.BasePercent,
			MinFee:      in.MinFee,
			MaxFee:      in.MaxFee,
			Tiers:       in.Tiers,
		},
		CommissionEnabled: in.CommissionEnabled,
		CommissionMode:    models.CommissionMode(in.CommissionMode),
	}, by)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("platform settings updated", "version", saved.Version, "updated_by", by, "commission_live", saved.CommissionLive())
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	for _, probe := range s.ready {
		if err := probe(r.Context()); err != nil {
			http.Error(w, "dependency not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "user_id", id, "error", err)
		return
	}
	s.ws.Add(id, conn)
}
