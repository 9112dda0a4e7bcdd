package matching

import (
	"context"
	"time"

	"github.com/example/livetrack/internal/dispatch/domain"
	"github.com/example/livetrack/internal/dispatch/geoindex"
)

// CandidateSource returns AVAILABLE drivers around a point, closest first.
type CandidateSource interface {
	Nearby(ctx context.Context, center domain.GeoPoint, radiusKM float64, limit int) []geoindex.Neighbor
}

// ReservationStore coordinates exclusive driver reservations. Reserve must be
// a compare-and-swap: of any number of concurrent callers for one driver,
// exactly one succeeds.
type ReservationStore interface {
	Reserve(ctx context.Context, driverID, requestID string, ttl time.Duration) (domain.Reservation, error)
	Release(ctx context.Context, driverID, token string) error
	Renew(ctx context.Context, driverID, token string, ttl time.Duration) (domain.Reservation, error)
}
