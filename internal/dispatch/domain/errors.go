package domain

import "errors"

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidDriverID   = errors.New("invalid driver id")
	ErrStaleTimestamp    = errors.New("stale timestamp")
	ErrDriverNotFound    = errors.New("driver not found")
	ErrDriverUnavailable = errors.New("driver not available")
	ErrInvalidTransition = errors.New("invalid driver status transition")
	ErrNoDriverAvailable = errors.New("no driver available")

	ErrReservationExpired       = errors.New("reservation expired")
	ErrReservationTokenMismatch = errors.New("reservation token mismatch")

	// ErrIndexDivergence marks a registry/index inconsistency. It is a programming
	// error: logged and repaired for the affected driver only.
	ErrIndexDivergence = errors.New("spatial index diverged from registry")
)
