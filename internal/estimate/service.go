package estimate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/livetrack/internal/dispatch/domain"
	"github.com/example/livetrack/internal/dispatch/geoindex"
	"github.com/example/livetrack/internal/geocode"
)

var (
	ErrMissingLocation  = errors.New("location requires coordinates or an address")
	ErrGeocoderDisabled = errors.New("address lookup is not configured")
)

// DriverLocator finds available drivers around a point.
type DriverLocator interface {
	Nearby(ctx context.Context, center domain.GeoPoint, radiusKM float64, limit int) []geoindex.Neighbor
}

// Config tunes the estimator.
type Config struct {
	Fare FareConfig
	// TripSpeedKMH and DriverSpeedKMH are straight-line average speeds.
	TripSpeedKMH   float64
	DriverSpeedKMH float64
	DriverRadiusKM float64
}

// Location is either coordinates or a free-form address.
type Location struct {
	Point   *domain.GeoPoint `json:"point,omitempty"`
	Address string           `json:"address,omitempty"`
}

// Request asks for a trip estimate.
type Request struct {
	Pickup      Location `json:"pickup"`
	Dropoff     Location `json:"dropoff"`
	VehicleType string   `json:"vehicle_type"`
	Pet         bool     `json:"pet"`
}

// ResolvedLocation is a location after geocoding.
type ResolvedLocation struct {
	domain.GeoPoint
	DisplayName string `json:"display_name,omitempty"`
}

// DriverETA describes the closest available driver.
type DriverETA struct {
	DriverID   string  `json:"driver_id"`
	DistanceKM float64 `json:"distance_km"`
	ETASeconds float64 `json:"eta_seconds"`
}

// Response is a priced trip estimate.
type Response struct {
	Pickup          ResolvedLocation `json:"pickup"`
	Dropoff         ResolvedLocation `json:"dropoff"`
	DistanceKM      float64          `json:"distance_km"`
	DurationMinutes float64          `json:"duration_minutes"`
	Fare            Fare             `json:"fare"`
	NearestDriver   *DriverETA       `json:"nearest_driver,omitempty"`
}

// Service calculates straight-line trip estimates using haversine distance and average speeds.
type Service struct {
	geocoder geocode.Geocoder
	drivers  DriverLocator
	cfg      Config
	logger   *zap.Logger
}

// New creates an estimate service. geocoder and drivers may be nil.
func New(geocoder geocode.Geocoder, drivers DriverLocator, cfg Config, logger *zap.Logger) *Service {
	if cfg.Fare == (FareConfig{}) {
		cfg.Fare = DefaultFare
	}
	if cfg.TripSpeedKMH <= 0 {
		cfg.TripSpeedKMH = 35
	}
	if cfg.DriverSpeedKMH <= 0 {
		cfg.DriverSpeedKMH = 30
	}
	if cfg.DriverRadiusKM <= 0 {
		cfg.DriverRadiusKM = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{geocoder: geocoder, drivers: drivers, cfg: cfg, logger: logger}
}

// Estimate resolves both ends, prices the trip and looks up the nearest driver.
func (s *Service) Estimate(ctx context.Context, req Request) (Response, error) {
	vehicle, err := ParseVehicleType(req.VehicleType)
	if err != nil {
		return Response{}, err
	}
	pickup, err := s.resolve(ctx, req.Pickup)
	if err != nil {
		return Response{}, fmt.Errorf("pickup: %w", err)
	}
	dropoff, err := s.resolve(ctx, req.Dropoff)
	if err != nil {
		return Response{}, fmt.Errorf("dropoff: %w", err)
	}

	// Distance is priced at meter precision.
	dist := round3(geoindex.DistanceKM(pickup.GeoPoint, dropoff.GeoPoint))
	resp := Response{
		Pickup:          pickup,
		Dropoff:         dropoff,
		DistanceKM:      dist,
		DurationMinutes: round2(dist / s.cfg.TripSpeedKMH * 60),
		Fare:            s.cfg.Fare.Calculate(dist, vehicle, req.Pet),
	}
	resp.NearestDriver = s.EstimateDriverETA(ctx, pickup.GeoPoint)

	s.logger.Debug("trip estimated",
		zap.Float64("distance_km", resp.DistanceKM),
		zap.Float64("fare", resp.Fare.Total))
	return resp, nil
}

// EstimateDriverETA returns the closest available driver and its arrival time.
func (s *Service) EstimateDriverETA(ctx context.Context, pickup domain.GeoPoint) *DriverETA {
	if s.drivers == nil {
		return nil
	}
	nearest := s.drivers.Nearby(ctx, pickup, s.cfg.DriverRadiusKM, 1)
	if len(nearest) == 0 {
		return nil
	}
	n := nearest[0]
	eta := time.Duration(n.DistanceKM / s.cfg.DriverSpeedKMH * float64(time.Hour))
	return &DriverETA{DriverID: n.ID, DistanceKM: round2(n.DistanceKM), ETASeconds: eta.Round(time.Second).Seconds()}
}

// Geocode resolves an address through the configured provider.
func (s *Service) Geocode(ctx context.Context, query string) (geocode.Result, error) {
	if s.geocoder == nil {
		return geocode.Result{}, ErrGeocoderDisabled
	}
	return s.geocoder.Geocode(ctx, query)
}

func (s *Service) resolve(ctx context.Context, loc Location) (ResolvedLocation, error) {
	if loc.Point != nil {
		if err := loc.Point.Validate(); err != nil {
			return ResolvedLocation{}, err
		}
		return ResolvedLocation{GeoPoint: *loc.Point, DisplayName: loc.Address}, nil
	}
	if strings.TrimSpace(loc.Address) == "" {
		return ResolvedLocation{}, ErrMissingLocation
	}
	res, err := s.Geocode(ctx, loc.Address)
	if err != nil {
		return ResolvedLocation{}, err
	}
	return ResolvedLocation{GeoPoint: domain.GeoPoint{Lat: res.Lat, Lng: res.Lng}, DisplayName: res.DisplayName}, nil
}
