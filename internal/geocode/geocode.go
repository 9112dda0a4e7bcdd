package geocode

import (
	"context"
	"errors"
	"net"
)

var (
	ErrEmptyQuery  = errors.New("empty geocode query")
	ErrNoResult    = errors.New("no geocode result")
	ErrRateLimited = errors.New("geocode provider rate limited")
	ErrTimeout     = errors.New("geocode provider timed out")
	ErrUnavailable = errors.New("geocode provider unavailable")
)

// Result is a resolved address.
type Result struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	DisplayName string  `json:"display_name"`
}

// Geocoder resolves free-form addresses to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, query string) (Result, error)
}

// ProviderError tags a failure with the provider that produced it. Err wraps
// one of the package sentinels.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string { return e.Provider + ": " + e.Err.Error() }

func (e *ProviderError) Unwrap() error { return e.Err }

func providerErr(provider string, err error) error {
	return &ProviderError{Provider: provider, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
