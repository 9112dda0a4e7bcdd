package domain

import (
	"fmt"
	"math"
	"time"
)

type DriverStatus string

const (
	StatusAvailable DriverStatus = "AVAILABLE"
	StatusReserved  DriverStatus = "RESERVED"
	StatusOffline   DriverStatus = "OFFLINE"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusReserved, StatusOffline:
		return true
	default:
		return false
	}
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects non-finite and out-of-range coordinates. Values are never clamped.
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90, 90]", ErrInvalidCoordinate, p.Lat)
	}
	if math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180, 180]", ErrInvalidCoordinate, p.Lng)
	}
	return nil
}

type Reservation struct {
	Token     string    `json:"token"`
	RequestID string    `json:"request_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// DriverRecord is the authoritative state of one driver. ReportedAt orders
// reports from the client; LastSeenAt is the server receipt time and drives
// staleness.
type DriverRecord struct {
	DriverID     string       `json:"driver_id"`
	Position     GeoPoint     `json:"position"`
	ReportedAt   time.Time    `json:"reported_at"`
	LastSeenAt   time.Time    `json:"last_seen_at"`
	Status       DriverStatus `json:"status"`
	Reservation  *Reservation `json:"reservation,omitempty"`
	OfflineSince *time.Time   `json:"offline_since,omitempty"`
}

// Clone returns a deep copy safe to hand out of the registry.
func (r DriverRecord) Clone() DriverRecord {
	out := r
	if r.Reservation != nil {
		res := *r.Reservation
		out.Reservation = &res
	}
	if r.OfflineSince != nil {
		ts := *r.OfflineSince
		out.OfflineSince = &ts
	}
	return out
}

type DriverEventType string

const (
	EventDriverOnline       DriverEventType = "driver.online"
	EventDriverLocated      DriverEventType = "driver.located"
	EventDriverReserved     DriverEventType = "driver.reserved"
	EventDriverReleased     DriverEventType = "driver.released"
	EventReservationExpired DriverEventType = "driver.reservation_expired"
	EventDriverOffline      DriverEventType = "driver.offline"
	EventDriverPurged       DriverEventType = "driver.purged"
	EventReservationRenewed DriverEventType = "driver.reservation_renewed"
)

type DriverEvent struct {
	Type       DriverEventType `json:"type"`
	DriverID   string          `json:"driver_id"`
	Record     DriverRecord    `json:"record"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
