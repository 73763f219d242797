package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/example/freight-settlement/internal/fees"
	"github.com/example/freight-settlement/internal/ledger"
	"github.com/example/freight-settlement/internal/loads"
	"github.com/example/freight-settlement/internal/logging"
	"github.com/example/freight-settlement/internal/matcher"
	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/settings"
	"github.com/example/freight-settlement/internal/settlement"
	"github.com/example/freight-settlement/internal/storage"
)

type testAPI struct {
	srv   *Server
	store *storage.MemoryStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := logging.Discard()
	provider := settings.NewProvider(store, models.PlatformSettings{
		Fees: models.FeeConfig{
			BasePercent: decimal.NewFromInt(10),
			MinFee:      decimal.NewFromInt(50),
			MaxFee:      decimal.NewFromInt(5000),
			Tiers:       []models.FeeTier{{Amount: decimal.NewFromInt(10000), Percent: decimal.NewFromInt(8)}},
		},
		CommissionEnabled: true,
		CommissionMode:    models.CommissionLive,
	}, nil, logger)
	m := &matcher.Service{Source: store, TopN: 5, Logger: logger}
	srv := NewServer(Deps{
		Store:    store,
		Loads:    loads.NewService(store, m, nil, provider, logger),
		Engine:   settlement.NewEngine(store, provider, logger),
		Matcher:  m,
		Ledger:   ledger.New(store),
		Settings: provider,
		Logger:   logger,
	})
	return &testAPI{srv: srv, store: store}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (a *testAPI) seedTransporters(t *testing.T) {
	t.Helper()
	for i, pin := range []string{"400001", "400002"} {
		rec := a.do(t, http.MethodPut, fmt.Sprintf("/api/v1/transporters/T%d", i+1), map[string]any{
			"user_id": fmt.Sprintf("U%d", i+1), "name": fmt.Sprintf("Carrier %d", i+1),
			"active": true, "verified": true,
			"vehicles": []map[string]any{{"id": fmt.Sprintf("V%d", i+1), "vehicle_type": "Truck", "capacity_kg": 6000, "current_pincode": pin, "active": true}},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("upsert transporter: %d %s", rec.Code, rec.Body)
		}
	}
}

func (a *testAPI) createLoad(t *testing.T) models.Load {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/loads", map[string]any{
		"customer_id": "C1", "pickup_location": "Mumbai", "pickup_pincode": "400001",
		"drop_location": "Pune", "drop_pincode": "411001", "required_vehicle_type": "Truck", "weight_kg": 5000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create load: %d %s", rec.Code, rec.Body)
	}
	return decodeBody[models.Load](t, rec)
}

func (a *testAPI) placeBid(t *testing.T, loadID, transporterID string, amount float64) models.Bid {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/loads/"+loadID+"/bids", map[string]any{"transporter_id": transporterID, "amount": amount})
	if rec.Code != http.StatusCreated {
		t.Fatalf("place bid: %d %s", rec.Code, rec.Body)
	}
	return decodeBody[models.Bid](t, rec)
}

func TestAcceptFlow(t *testing.T) {
	a := newTestAPI(t)
	a.seedTransporters(t)
	load := a.createLoad(t)
	b1 := a.placeBid(t, load.ID, "T1", 12000)
	b2 := a.placeBid(t, load.ID, "T2", 11500)

	accept := fmt.Sprintf("/api/v1/loads/%s/bids/%s/accept", load.ID, b1.ID)
	rec := a.do(t, http.MethodPost, accept, map[string]any{"transporter_id": "T1"}, "X-User-ID", "C1")
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body)
	}
	res := decodeBody[models.SettlementResult](t, rec)
	if !res.Financials.PlatformFee.Equal(decimal.NewFromInt(960)) || len(res.RejectedBidIDs) != 1 || res.RejectedBidIDs[0] != b2.ID {
		t.Fatalf("unexpected settlement %+v", res)
	}

	rec = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/loads/%s/bids/%s/accept", load.ID, b2.ID), map[string]any{"transporter_id": "T2"}, "X-User-ID", "C1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second accept should conflict, got %d", rec.Code)
	}
	body := decodeBody[errorBody](t, rec)
	if body.Code != "already_settled" || body.WinningBidID != b1.ID || body.Retryable {
		t.Fatalf("unexpected conflict body %+v", body)
	}

	rec = a.do(t, http.MethodGet, "/api/v1/loads/"+load.ID+"/ledger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger: %d", rec.Code)
	}
	st := decodeBody[ledger.Statement](t, rec)
	if st.Balance.Entries != 3 || !st.Balance.Net.IsZero() {
		t.Fatalf("ledger does not balance: %+v", st.Balance)
	}

	rec = a.do(t, http.MethodGet, "/api/v1/transporters/T1/ledger", nil)
	ts := decodeBody[ledger.Statement](t, rec)
	if rec.Code != http.StatusOK || !ts.Balance.TransporterPayouts.Equal(decimal.NewFromInt(-11040)) {
		t.Fatalf("transporter ledger: %d %+v", rec.Code, ts.Balance)
	}
}

func TestAcceptErrors(t *testing.T) {
	a := newTestAPI(t)
	a.seedTransporters(t)
	load := a.createLoad(t)
	bid := a.placeBid(t, load.ID, "T1", 9000)
	path := fmt.Sprintf("/api/v1/loads/%s/bids/%s/accept", load.ID, bid.ID)

	if rec := a.do(t, http.MethodPost, path, map[string]any{"transporter_id": "T1"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user header should be 400, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, path, map[string]any{}, "X-User-ID", "C1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing transporter should be 400, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/api/v1/loads/nope/bids/"+bid.ID+"/accept", map[string]any{"transporter_id": "T1"}, "X-User-ID", "C1"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown load should be 404, got %d", rec.Code)
	}

	a.store.FailOn("LockLoad", fmt.Errorf("%w: statement timeout", storage.ErrTransient))
	rec := a.do(t, http.MethodPost, path, map[string]any{"transporter_id": "T1"}, "X-User-ID", "C1")
	if rec.Code != http.StatusServiceUnavailable || !decodeBody[errorBody](t, rec).Retryable {
		t.Fatalf("transient failure should be retryable 503, got %d %s", rec.Code, rec.Body)
	}
	a.store.FailOn("LockLoad", nil)

	if rec := a.do(t, http.MethodPost, path, map[string]any{"transporter_id": "T1"}, "X-User-ID", "C1"); rec.Code != http.StatusOK {
		t.Fatalf("retry after transient failure should settle, got %d %s", rec.Code, rec.Body)
	}
}

func TestBidAmountChecks(t *testing.T) {
	a := newTestAPI(t)
	a.seedTransporters(t)
	load := a.createLoad(t)
	for _, amount := range []float64{10.005, 49.99} {
		rec := a.do(t, http.MethodPost, "/api/v1/loads/"+load.ID+"/bids", map[string]any{"transporter_id": "T1", "amount": amount})
		if rec.Code != http.StatusBadRequest || decodeBody[errorBody](t, rec).Code != "validation" {
			t.Fatalf("amount %v: expected 400, got %d %s", amount, rec.Code, rec.Body)
		}
	}
	bid := a.placeBid(t, load.ID, "T1", 60.01)
	rec := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/loads/%s/bids/%s/accept", load.ID, bid.ID), map[string]any{"transporter_id": "T1"}, "X-User-ID", "C1")
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body)
	}
	st := decodeBody[ledger.Statement](t, a.do(t, http.MethodGet, "/api/v1/loads/"+load.ID+"/ledger", nil))
	if st.Balance.Entries != 3 || !st.Balance.Net.IsZero() || !st.Balance.TransporterPayouts.Equal(decimal.RequireFromString("-10.01")) {
		t.Fatalf("unexpected ledger balance %+v", st.Balance)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	a := newTestAPI(t)
	a.seedTransporters(t)
	load := a.createLoad(t)

	rec := a.do(t, http.MethodGet, "/api/v1/loads/"+load.ID+"/matches?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("matches: %d", rec.Code)
	}
	matches := decodeBody[struct {
		Matches []models.Match `json:"matches"`
	}](t, rec).Matches
	if len(matches) != 1 || matches[0].Transporter.ID != "T1" || matches[0].MatchScore != 75 {
		t.Fatalf("unexpected matches %+v", matches)
	}
	if rec := a.do(t, http.MethodGet, "/api/v1/loads/"+load.ID+"/matches?limit=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit should be 400, got %d", rec.Code)
	}

	if rec := a.do(t, http.MethodPost, "/api/v1/loads/"+load.ID+"/start", nil); rec.Code != http.StatusConflict {
		t.Fatalf("starting a pending load should conflict, got %d", rec.Code)
	}
	rec = a.do(t, http.MethodPost, "/api/v1/loads/"+load.ID+"/cancel", nil)
	if rec.Code != http.StatusOK || decodeBody[models.Load](t, rec).Status != models.LoadCancelled {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body)
	}
	rec = a.do(t, http.MethodPost, "/api/v1/loads/"+load.ID+"/bids", map[string]any{"transporter_id": "T1", "amount": 100})
	if rec.Code != http.StatusConflict || decodeBody[errorBody](t, rec).Code != "bidding_closed" {
		t.Fatalf("bid on cancelled load: %d %s", rec.Code, rec.Body)
	}

	other := a.createLoad(t)
	rec = a.do(t, http.MethodPost, "/api/v1/loads/"+other.ID+"/self-assign", map[string]any{"transporter_id": "T2"})
	if rec.Code != http.StatusOK || decodeBody[models.Load](t, rec).BiddingStatus != models.BiddingSelfAssigned {
		t.Fatalf("self assign: %d %s", rec.Code, rec.Body)
	}
	if rec := a.do(t, http.MethodPost, "/api/v1/loads/"+other.ID+"/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body)
	}
	if rec := a.do(t, http.MethodPost, "/api/v1/loads/"+other.ID+"/complete", nil); rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body)
	}
}

func TestSettingsAdmin(t *testing.T) {
	a := newTestAPI(t)
	payload := map[string]any{
		"base_percent": "9", "min_fee": "25", "max_fee": "4000",
		"tiers":              []map[string]any{{"amount": "20000", "percent": "5"}},
		"commission_enabled": false, "commission_mode": "shadow",
	}
	if rec := a.do(t, http.MethodPut, "/api/v1/admin/platform-settings", payload); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user should be 400, got %d", rec.Code)
	}
	rec := a.do(t, http.MethodPut, "/api/v1/admin/platform-settings", payload, "X-User-ID", "admin")
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rec.Code, rec.Body)
	}
	saved := decodeBody[models.PlatformSettings](t, rec)
	if saved.Version != 1 || saved.UpdatedBy != "admin" {
		t.Fatalf("unexpected saved settings %+v", saved)
	}
	got := decodeBody[models.PlatformSettings](t, a.do(t, http.MethodGet, "/api/v1/admin/platform-settings", nil))
	if got.Version != 1 || got.CommissionLive() || !got.Fees.MaxFee.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("active settings not switched: %+v", got)
	}

	payload["min_fee"] = "5000"
	if rec := a.do(t, http.MethodPut, "/api/v1/admin/platform-settings", payload, "X-User-ID", "admin"); rec.Code != http.StatusBadRequest {
		t.Fatalf("inverted clamp should be 400, got %d", rec.Code)
	}
}

func TestVehiclePincodeAndHealth(t *testing.T) {
	a := newTestAPI(t)
	a.seedTransporters(t)
	if rec := a.do(t, http.MethodPut, "/internal/vehicles/V2/pincode", map[string]any{"pincode": "400001"}); rec.Code != http.StatusNoContent {
		t.Fatalf("pincode: %d %s", rec.Code, rec.Body)
	}
	tr, _ := a.store.GetTransporter(t.Context(), "T2")
	if tr.Vehicles[0].CurrentPincode != "400001" {
		t.Fatalf("pincode not updated")
	}
	if rec := a.do(t, http.MethodPut, "/internal/vehicles/V9/pincode", map[string]any{"pincode": "400001"}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown vehicle should be 404, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPut, "/internal/vehicles/V2/pincode", map[string]any{"pincode": "4000"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad pincode should be 400, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/ready", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK || rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("healthz should answer with a request id")
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{loads.ErrValidation, http.StatusBadRequest, "validation"},
		{settlement.ErrNotFound, http.StatusNotFound, "not_found"},
		{storage.ErrNotFound, http.StatusNotFound, "not_found"},
		{settlement.ErrBidNotPending, http.StatusConflict, "bid_not_pending"},
		{settlement.ErrTransporterIneligible, http.StatusConflict, "transporter_ineligible"},
		{loads.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{fmt.Errorf("%w: x", settlement.ErrTransient), http.StatusServiceUnavailable, "transient"},
		{settlement.ErrInvariantViolation, http.StatusInternalServerError, "invariant_violation"},
		{fmt.Errorf("%w: %w", settlement.ErrInvalidFinancials, fees.ErrBelowMinimumFee), http.StatusBadRequest, "validation"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, body := classifyError(tc.err)
		if status != tc.status || body.Code != tc.code {
			t.Fatalf("%v: expected %d/%s, got %d/%s", tc.err, tc.status, tc.code, status, body.Code)
		}
	}
}
