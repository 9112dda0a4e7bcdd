package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/livetrack/internal/dispatch/domain"
)

// Config bounds what a single request may ask for.
type Config struct {
	DefaultRadiusKM   float64
	MaxRadiusKM       float64
	DefaultCandidates int
	MaxCandidates     int
	ReservationTTL    time.Duration
	MaxReservationTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultRadiusKM <= 0 {
		c.DefaultRadiusKM = 5
	}
	if c.MaxRadiusKM <= 0 {
		c.MaxRadiusKM = 50
	}
	if c.DefaultRadiusKM > c.MaxRadiusKM {
		c.DefaultRadiusKM = c.MaxRadiusKM
	}
	if c.DefaultCandidates <= 0 {
		c.DefaultCandidates = 10
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 50
	}
	if c.DefaultCandidates > c.MaxCandidates {
		c.DefaultCandidates = c.MaxCandidates
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 30 * time.Second
	}
	if c.MaxReservationTTL <= 0 {
		c.MaxReservationTTL = 5 * time.Minute
	}
	if c.ReservationTTL > c.MaxReservationTTL {
		c.ReservationTTL = c.MaxReservationTTL
	}
	return c
}

// Request asks for the nearest reservable driver. Zero values take the
// engine defaults; values above the configured caps are clamped.
type Request struct {
	RequestID     string
	Rider         domain.GeoPoint
	MaxRadiusKM   float64
	MaxCandidates int
	TTL           time.Duration
}

// Match is a successful reservation.
type Match struct {
	DriverID   string
	Token      string
	ExpiresAt  time.Time
	DistanceKM float64
}

// Engine pairs riders with the closest driver it can reserve.
type Engine struct {
	source CandidateSource
	store  ReservationStore
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine builds an engine from its collaborators. The registry satisfies
// both interfaces.
func NewEngine(source CandidateSource, store ReservationStore, cfg Config, logger *zap.Logger) (*Engine, error) {
	if source == nil {
		return nil, errors.New("candidate source is required")
	}
	if store == nil {
		return nil, errors.New("reservation store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source: source,
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		tracer: otel.Tracer("livetrack.matching"),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// FindAndReserve walks candidates in ascending distance and returns the first
// one whose reservation succeeds. Losing a race falls through to the next
// candidate; when none is left ErrNoDriverAvailable is returned at once.
func (e *Engine) FindAndReserve(ctx context.Context, req Request) (Match, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "matching.find_and_reserve")
	defer span.End()

	if err := req.Rider.Validate(); err != nil {
		matchingDuration.WithLabelValues("invalid").Observe(time.Since(start).Seconds())
		span.SetStatus(codes.Error, "invalid rider location")
		return Match{}, err
	}
	radius, limit, ttl := e.bounds(req)
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.Float64("match.radius_km", radius),
		attribute.Int("match.max_candidates", limit),
	)

	candidates := e.source.Nearby(ctx, req.Rider, radius, limit)
	candidatesConsidered.Observe(float64(len(candidates)))

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			matchingDuration.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
			return Match{}, err
		}
		res, err := e.store.Reserve(ctx, c.ID, req.RequestID, ttl)
		switch {
		case err == nil:
			assignmentAttempts.WithLabelValues("reserved").Inc()
			matchingDuration.WithLabelValues("matched").Observe(time.Since(start).Seconds())
			span.SetAttributes(attribute.String("driver.id", c.ID))
			e.logger.Debug("driver reserved",
				zap.String("request_id", req.RequestID),
				zap.String("driver_id", c.ID),
				zap.Float64("distance_km", c.DistanceKM))
			return Match{DriverID: c.ID, Token: res.Token, ExpiresAt: res.ExpiresAt, DistanceKM: c.DistanceKM}, nil
		case errors.Is(err, domain.ErrDriverUnavailable), errors.Is(err, domain.ErrDriverNotFound):
			assignmentAttempts.WithLabelValues("lost").Inc()
		default:
			assignmentAttempts.WithLabelValues("error").Inc()
			matchingDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
			span.RecordError(err)
			span.SetStatus(codes.Error, "reserve failed")
			return Match{}, fmt.Errorf("reserve driver %s: %w", c.ID, err)
		}
	}

	matchingDuration.WithLabelValues("no_driver").Observe(time.Since(start).Seconds())
	span.SetStatus(codes.Error, domain.ErrNoDriverAvailable.Error())
	return Match{}, fmt.Errorf("%w within %.2f km (%d candidates)", domain.ErrNoDriverAvailable, radius, len(candidates))
}

// Release frees a reservation held under token.
func (e *Engine) Release(ctx context.Context, driverID, token string) error {
	return e.store.Release(ctx, driverID, token)
}

// Renew extends a reservation; ttl is clamped like in FindAndReserve.
func (e *Engine) Renew(ctx context.Context, driverID, token string, ttl time.Duration) (domain.Reservation, error) {
	return e.store.Renew(ctx, driverID, token, e.clampTTL(ttl))
}

func (e *Engine) bounds(req Request) (float64, int, time.Duration) {
	radius := req.MaxRadiusKM
	if radius <= 0 {
		radius = e.cfg.DefaultRadiusKM
	}
	if radius > e.cfg.MaxRadiusKM {
		radius = e.cfg.MaxRadiusKM
	}
	limit := req.MaxCandidates
	if limit <= 0 {
		limit = e.cfg.DefaultCandidates
	}
	if limit > e.cfg.MaxCandidates {
		limit = e.cfg.MaxCandidates
	}
	return radius, limit, e.clampTTL(req.TTL)
}

func (e *Engine) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return e.cfg.ReservationTTL
	}
	if ttl > e.cfg.MaxReservationTTL {
		return e.cfg.MaxReservationTTL
	}
	return ttl
}
