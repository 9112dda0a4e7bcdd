package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	defaultUserAgent    = "livetrack/1.0"
	nominatimProvider   = "nominatim"
)

// NominatimConfig configures the OpenStreetMap Nominatim client.
type NominatimConfig struct {
	BaseURL   string
	UserAgent string
	// Email is sent as the From header, as the Nominatim usage policy asks.
	Email   string
	Timeout time.Duration
	// MaxRetries defaults to 3; negative disables retries.
	MaxRetries int
	Backoff    time.Duration
}

// Nominatim geocodes through the Nominatim search API.
type Nominatim struct {
	client *http.Client
	cfg    NominatimConfig
	logger *zap.Logger
}

// NewNominatim builds the client. A nil client gets one with cfg.Timeout.
func NewNominatim(client *http.Client, cfg NominatimConfig, logger *zap.Logger) *Nominatim {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNominatimURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Nominatim{client: client, cfg: cfg, logger: logger}
}

type nominatimItem struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
}

// Geocode returns the best match for query. Transport failures, 5xx and 429
// responses are retried with a linear backoff before giving up.
func (n *Nominatim) Geocode(ctx context.Context, query string) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, providerErr(nominatimProvider, ErrEmptyQuery)
	}
	endpoint := n.cfg.BaseURL + "/search?" + url.Values{
		"q":      {query},
		"format": {"json"},
		"limit":  {"1"},
	}.Encode()

	var lastErr error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(n.cfg.Backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return Result{}, providerErr(nominatimProvider, classify(ctx.Err()))
			}
		}
		res, retry, err := n.do(ctx, endpoint, query)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retry {
			break
		}
		n.logger.Warn("geocode attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return Result{}, providerErr(nominatimProvider, lastErr)
}

func (n *Nominatim) do(ctx context.Context, endpoint, query string) (Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", n.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if n.cfg.Email != "" {
		req.Header.Set("From", n.cfg.Email)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return Result{}, ctx.Err() == nil, classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, true, ErrRateLimited
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, true, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Result{}, false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var items []nominatimItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return Result{}, false, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(items) == 0 {
		return Result{}, false, ErrNoResult
	}
	lat, errLat := strconv.ParseFloat(items[0].Lat, 64)
	lng, errLng := strconv.ParseFloat(items[0].Lon, 64)
	if errLat != nil || errLng != nil {
		return Result{}, false, fmt.Errorf("%w: unparseable coordinates", ErrNoResult)
	}
	name := items[0].DisplayName
	if name == "" {
		name = query
	}
	return Result{Lat: lat, Lng: lng, DisplayName: name}, false, nil
}

func classify(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
