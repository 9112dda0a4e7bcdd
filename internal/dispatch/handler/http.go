package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/riandyrn/otelchi"
	"go.uber.org/zap"

	"github.com/example/livetrack/internal/auth"
	"github.com/example/livetrack/internal/dispatch/domain"
	"github.com/example/livetrack/internal/dispatch/matching"
)

// Registry is the slice of the driver registry the transport needs.
type Registry interface {
	ReportLocation(ctx context.Context, driverID string, p domain.GeoPoint, reportedAt time.Time) (domain.DriverRecord, error)
	SetStatus(ctx context.Context, driverID string, status domain.DriverStatus) error
	Get(ctx context.Context, driverID string) (domain.DriverRecord, bool)
}

// Matcher reserves drivers for riders.
type Matcher interface {
	FindAndReserve(ctx context.Context, req matching.Request) (matching.Match, error)
	Release(ctx context.Context, driverID, token string) error
	Renew(ctx context.Context, driverID, token string, ttl time.Duration) (domain.Reservation, error)
}

// IdempotencyStore caches match responses per Idempotency-Key. Claim must be
// atomic: exactly one caller wins a key until it is answered or forgotten.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key, token string, payload []byte, expiresAt time.Time) error
	Forget(ctx context.Context, key string) error
	ForgetToken(ctx context.Context, token string) error
}

// idempotencyClaimTTL bounds how long a crashed request can hold a key.
const idempotencyClaimTTL = 30 * time.Second

// Config holds transport settings.
type Config struct {
	ServiceName string
	// JWTSecret enables bearer auth; empty disables it.
	JWTSecret string
	// WSRate and WSBurst throttle location messages per connection.
	WSRate       float64
	WSBurst      int
	WSPingPeriod time.Duration
	WSPongWait   time.Duration
}

// HTTP exposes driver and match endpoints.
type HTTP struct {
	reg     Registry
	matcher Matcher
	idem    IdempotencyStore
	cfg     Config
	logger  *zap.Logger
}

// NewHTTP constructs a handler. idem may be nil to disable idempotent replay.
func NewHTTP(reg Registry, matcher Matcher, idem IdempotencyStore, cfg Config, logger *zap.Logger) *HTTP {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dispatchd"
	}
	if cfg.WSRate <= 0 {
		cfg.WSRate = 5
	}
	if cfg.WSBurst <= 0 {
		cfg.WSBurst = 10
	}
	if cfg.WSPongWait <= 0 {
		cfg.WSPongWait = 60 * time.Second
	}
	if cfg.WSPingPeriod <= 0 || cfg.WSPingPeriod >= cfg.WSPongWait {
		cfg.WSPingPeriod = cfg.WSPongWait * 9 / 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{reg: reg, matcher: matcher, idem: idem, cfg: cfg, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares. mounts
// attach additional route groups (estimates, geocoding) behind the same stack.
func (h *HTTP) Router(mounts ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(otelchi.Middleware(h.cfg.ServiceName, otelchi.WithChiRoutes(r)))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.cfg.JWTSecret, auth.RoleDriver, auth.RoleAdmin))
		r.Post("/v1/drivers/{id}/location", h.reportLocation)
		r.Post("/v1/drivers/{id}/offline", h.goOffline)
		r.Get("/ws/driver/{id}", h.driverSocket)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.cfg.JWTSecret))
		r.Get("/v1/drivers/{id}", h.getDriver)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.cfg.JWTSecret, auth.RoleRider, auth.RoleAdmin))
		r.Post("/v1/matches", h.createMatch)
		r.Post("/v1/matches/{driver_id}/release", h.releaseMatch)
		r.Post("/v1/matches/{driver_id}/renew", h.renewMatch)
	})
	for _, mount := range mounts {
		r.Group(mount)
	}
	return r
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
	// Timestamp is the client capture time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func (l locationRequest) point() (domain.GeoPoint, error) {
	if l.Lat == nil || l.Lng == nil {
		return domain.GeoPoint{}, errors.Join(domain.ErrInvalidCoordinate, errors.New("lat and lng are required"))
	}
	return domain.GeoPoint{Lat: *l.Lat, Lng: *l.Lng}, nil
}

func (l locationRequest) reportedAt() time.Time {
	if l.Timestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(l.Timestamp).UTC()
}

func (h *HTTP) reportLocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := auth.AuthorizeSubject(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	var payload locationRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	p, err := payload.point()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := h.reg.ReportLocation(r.Context(), id, p, payload.reportedAt())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTP) getDriver(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.reg.Get(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeDomainError(w, domain.ErrDriverNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTP) goOffline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := auth.AuthorizeSubject(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.reg.SetStatus(r.Context(), id, domain.StatusOffline); err != nil {
		writeDomainError(w, err)
		return
	}
	rec, _ := h.reg.Get(r.Context(), id)
	writeJSON(w, http.StatusOK, rec)
}

type matchRequest struct {
	RiderLat      *float64 `json:"rider_lat"`
	RiderLng      *float64 `json:"rider_lng"`
	MaxRadiusKM   float64  `json:"max_radius_km"`
	MaxCandidates int      `json:"max_candidates"`
	TTLSeconds    int      `json:"ttl_seconds"`
}

type matchResponse struct {
	DriverID         string    `json:"driver_id"`
	ReservationToken string    `json:"reservation_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	DistanceKM       float64   `json:"distance_km"`
	RequestID        string    `json:"request_id"`
}

func (h *HTTP) createMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.Header.Get("Idempotency-Key")
	if h.idem == nil {
		key = ""
	}
	if key != "" {
		key = idempotencyScope(ctx) + key
		if cached, ok := h.cachedResponse(ctx, key); ok {
			writeReplay(w, cached)
			return
		}
	}

	var payload matchRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if payload.RiderLat == nil || payload.RiderLng == nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", "rider_lat and rider_lng are required")
		return
	}

	if key != "" {
		claimed, err := h.idem.Claim(ctx, key, idempotencyClaimTTL)
		if err != nil {
			h.logger.Warn("idempotency claim failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "idempotency_unavailable", err.Error())
			return
		}
		if !claimed {
			if cached, ok := h.cachedResponse(ctx, key); ok {
				writeReplay(w, cached)
				return
			}
			writeError(w, http.StatusConflict, "idempotency_in_progress", "a request with this Idempotency-Key is still being processed")
			return
		}
	}

	requestID := middleware.GetReqID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	match, err := h.matcher.FindAndReserve(ctx, matching.Request{
		RequestID:     requestID,
		Rider:         domain.GeoPoint{Lat: *payload.RiderLat, Lng: *payload.RiderLng},
		MaxRadiusKM:   payload.MaxRadiusKM,
		MaxCandidates: payload.MaxCandidates,
		TTL:           time.Duration(payload.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.forgetClaim(ctx, key)
		writeDomainError(w, err)
		return
	}

	body, err := json.Marshal(matchResponse{
		DriverID:         match.DriverID,
		ReservationToken: match.Token,
		ExpiresAt:        match.ExpiresAt,
		DistanceKM:       match.DistanceKM,
		RequestID:        requestID,
	})
	if err != nil {
		h.forgetClaim(ctx, key)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if key != "" {
		// On failure the claim stays until its TTL so retries cannot reserve twice.
		if err := h.idem.PutResponse(ctx, key, match.Token, body, match.ExpiresAt); err != nil {
			h.logger.Warn("idempotency store failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func writeReplay(w http.ResponseWriter, cached []byte) {
	w.Header().Set("Idempotent-Replay", "true")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(cached)
}

func (h *HTTP) cachedResponse(ctx context.Context, key string) ([]byte, bool) {
	cached, ok, err := h.idem.GetResponse(ctx, key)
	if err != nil {
		h.logger.Warn("idempotency lookup failed", zap.Error(err))
		return nil, false
	}
	return cached, ok
}

func (h *HTTP) forgetClaim(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := h.idem.Forget(ctx, key); err != nil {
		h.logger.Warn("idempotency claim release failed", zap.Error(err))
	}
}

func idempotencyScope(ctx context.Context) string {
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		return claims.Subject + ":"
	}
	return ""
}

type tokenRequest struct {
	ReservationToken string `json:"reservation_token"`
	TTLSeconds       int    `json:"ttl_seconds"`
}

func (h *HTTP) releaseMatch(w http.ResponseWriter, r *http.Request) {
	var payload tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	driverID := chi.URLParam(r, "driver_id")
	err := h.matcher.Release(r.Context(), driverID, payload.ReservationToken)
	switch {
	case err == nil:
		if h.idem != nil {
			if err := h.idem.ForgetToken(r.Context(), payload.ReservationToken); err != nil {
				h.logger.Warn("idempotency invalidation failed", zap.String("driver_id", driverID), zap.Error(err))
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
	case errors.Is(err, domain.ErrReservationExpired), errors.Is(err, domain.ErrReservationTokenMismatch):
		writeJSON(w, http.StatusOK, map[string]string{"status": "noop", "detail": err.Error()})
	default:
		writeDomainError(w, err)
	}
}

func (h *HTTP) renewMatch(w http.ResponseWriter, r *http.Request) {
	var payload tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	driverID := chi.URLParam(r, "driver_id")
	res, err := h.matcher.Renew(r.Context(), driverID, payload.ReservationToken, time.Duration(payload.TTLSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matchResponse{
		DriverID:         driverID,
		ReservationToken: res.Token,
		ExpiresAt:        res.ExpiresAt,
		RequestID:        res.RequestID,
	})
}

// errorStatus maps domain errors onto HTTP statuses and stable codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidCoordinate):
		return http.StatusBadRequest, "invalid_coordinate"
	case errors.Is(err, domain.ErrInvalidDriverID):
		return http.StatusBadRequest, "invalid_driver_id"
	case errors.Is(err, domain.ErrStaleTimestamp):
		return http.StatusConflict, "stale_timestamp"
	case errors.Is(err, domain.ErrDriverNotFound):
		return http.StatusNotFound, "driver_not_found"
	case errors.Is(err, domain.ErrNoDriverAvailable):
		return http.StatusNotFound, "no_driver_available"
	case errors.Is(err, domain.ErrDriverUnavailable):
		return http.StatusConflict, "driver_unavailable"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrReservationExpired):
		return http.StatusConflict, "reservation_expired"
	case errors.Is(err, domain.ErrReservationTokenMismatch):
		return http.StatusConflict, "reservation_token_mismatch"
	case errors.Is(err, auth.ErrSubjectMismatch):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
