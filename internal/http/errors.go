package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/freight-settlement/internal/fees"
	"github.com/example/freight-settlement/internal/loads"
	"github.com/example/freight-settlement/internal/settings"
	"github.com/example/freight-settlement/internal/settlement"
	"github.com/example/freight-settlement/internal/storage"
)

var errBadRequest = errors.New("malformed request")

type errorBody struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	Retryable    bool   `json:"retryable,omitempty"`
	WinningBidID string `json:"winning_bid_id,omitempty"`
}

var conflictCodes = []struct {
	err  error
	code string
}{
	{settlement.ErrAlreadySettled, "already_settled"},
	{settlement.ErrBidNotPending, "bid_not_pending"},
	{settlement.ErrLoadCancelled, "load_cancelled"},
	{settlement.ErrTransporterIneligible, "transporter_ineligible"},
	{loads.ErrBiddingClosed, "bidding_closed"},
	{loads.ErrInvalidTransition, "invalid_transition"},
	{storage.ErrConflict, "conflict"},
}

// classifyError maps domain errors onto a status code and a stable code
// string clients can switch on.
func classifyError(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, loads.ErrValidation),
		errors.Is(err, settlement.ErrValidation), errors.Is(err, settings.ErrInvalidSettings),
		errors.Is(err, fees.ErrInvalidAmount), errors.Is(err, fees.ErrInvalidConfig),
		errors.Is(err, fees.ErrBelowMinimumFee):
		body.Code = "validation"
		return http.StatusBadRequest, body
	case errors.Is(err, settlement.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, settlement.ErrTransient), errors.Is(err, storage.ErrTransient):
		body.Code = "transient"
		body.Retryable = true
		return http.StatusServiceUnavailable, body
	case errors.Is(err, settlement.ErrInvariantViolation):
		body.Code = "invariant_violation"
		return http.StatusInternalServerError, body
	}
	for _, c := range conflictCodes {
		if errors.Is(err, c.err) {
			body.Code = c.code
			return http.StatusConflict, body
		}
	}
	body.Error = "internal error"
	body.Code = "internal"
	return http.StatusInternalServerError, body
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classifyError(err)
	if status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
