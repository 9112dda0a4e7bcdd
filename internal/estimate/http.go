package estimate

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/livetrack/internal/dispatch/domain"
	"github.com/example/livetrack/internal/geocode"
)

// HTTP exposes the /v1/estimate and /v1/geocode endpoints.
type HTTP struct {
	svc *Service
}

// NewHTTP creates the handler.
func NewHTTP(svc *Service) *HTTP {
	return &HTTP{svc: svc}
}

// Routes mounts the endpoints on r.
func (h *HTTP) Routes(r chi.Router) {
	r.Post("/v1/estimate", h.estimate)
	r.Get("/v1/geocode", h.geocode)
}

func (h *HTTP) estimate(w http.ResponseWriter, r *http.Request) {
	var payload Request
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	resp, err := h.svc.Estimate(r.Context(), payload)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTP) geocode(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Geocode(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidCoordinate):
		return http.StatusBadRequest, "invalid_coordinate"
	case errors.Is(err, ErrInvalidVehicleType):
		return http.StatusBadRequest, "invalid_vehicle_type"
	case errors.Is(err, ErrMissingLocation):
		return http.StatusBadRequest, "missing_location"
	case errors.Is(err, geocode.ErrEmptyQuery):
		return http.StatusBadRequest, "empty_query"
	case errors.Is(err, geocode.ErrNoResult):
		return http.StatusNotFound, "no_result"
	case errors.Is(err, geocode.ErrRateLimited):
		return http.StatusTooManyRequests, "geocoder_rate_limited"
	case errors.Is(err, geocode.ErrTimeout):
		return http.StatusGatewayTimeout, "geocoder_timeout"
	case errors.Is(err, geocode.ErrUnavailable), errors.Is(err, ErrGeocoderDisabled):
		return http.StatusServiceUnavailable, "geocoder_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
