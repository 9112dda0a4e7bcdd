package geocode

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"googlemaps.github.io/maps"
)

const googleProvider = "google"

// GoogleConfig configures the Google Geocoding API client.
type GoogleConfig struct {
	APIKey string
	// BaseURL overrides the API host, mainly for tests.
	BaseURL  string
	Language string
	Region   string
}

// Google geocodes through the Google Maps Geocoding API.
type Google struct {
	client *maps.Client
	cfg    GoogleConfig
}

// NewGoogle creates the client. httpClient may be nil.
func NewGoogle(httpClient *http.Client, cfg GoogleConfig) (*Google, error) {
	opts := []maps.ClientOption{maps.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, maps.WithHTTPClient(httpClient))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Google{client: client, cfg: cfg}, nil
}

func (g *Google) Geocode(ctx context.Context, query string) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, providerErr(googleProvider, ErrEmptyQuery)
	}
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{
		Address:  query,
		Language: g.cfg.Language,
		Region:   g.cfg.Region,
	})
	if err != nil {
		return Result{}, providerErr(googleProvider, classifyGoogle(err))
	}
	if len(results) == 0 {
		return Result{}, providerErr(googleProvider, ErrNoResult)
	}
	best := results[0]
	name := best.FormattedAddress
	if name == "" {
		name = query
	}
	return Result{Lat: best.Geometry.Location.Lat, Lng: best.Geometry.Location.Lng, DisplayName: name}, nil
}

func classifyGoogle(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "OVER_QUERY_LIMIT"), strings.Contains(msg, "OVER_DAILY_LIMIT"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "ZERO_RESULTS"):
		return ErrNoResult
	}
	return classify(err)
}
