package geocode_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/example/livetrack/internal/geocode"
)

func TestNominatimGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.Equal(t, "Alexanderplatz, Berlin", r.URL.Query().Get("q"))
		require.Equal(t, "json", r.URL.Query().Get("format"))
		require.Equal(t, "1", r.URL.Query().Get("limit"))
		require.Equal(t, "livetrack-test/1.0", r.Header.Get("User-Agent"))
		require.Equal(t, "ops@example.com", r.Header.Get("From"))
		_, _ = w.Write([]byte(`[{"display_name":"Alexanderplatz, Mitte, Berlin","lat":"52.5219","lon":"13.4132"}]`))
	}))
	defer srv.Close()

	g := geocode.NewNominatim(nil, geocode.NominatimConfig{
		BaseURL:   srv.URL + "/",
		UserAgent: "livetrack-test/1.0",
		Email:     "ops@example.com",
	}, nil)
	res, err := g.Geocode(context.Background(), "  Alexanderplatz, Berlin ")
	require.NoError(t, err)
	require.InDelta(t, 52.5219, res.Lat, 1e-9)
	require.InDelta(t, 13.4132, res.Lng, 1e-9)
	require.Equal(t, "Alexanderplatz, Mitte, Berlin", res.DisplayName)
}

func TestNominatimRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"lat":"1.5","lon":"2.5"}]`))
	}))
	defer srv.Close()

	g := geocode.NewNominatim(nil, geocode.NominatimConfig{BaseURL: srv.URL, Backoff: time.Millisecond}, nil)
	res, err := g.Geocode(context.Background(), "somewhere")
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, "somewhere", res.DisplayName)
}

func TestNominatimTypedErrors(t *testing.T) {
	var calls atomic.Int32
	status := http.StatusTooManyRequests
	body := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	g := geocode.NewNominatim(nil, geocode.NominatimConfig{BaseURL: srv.URL, Backoff: time.Millisecond}, nil)
	ctx := context.Background()

	_, err := g.Geocode(ctx, "busy")
	require.ErrorIs(t, err, geocode.ErrRateLimited)
	require.EqualValues(t, 4, calls.Load())
	var perr *geocode.ProviderError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "nominatim", perr.Provider)

	status, body = http.StatusOK, "[]"
	_, err = g.Geocode(ctx, "nowhere")
	require.ErrorIs(t, err, geocode.ErrNoResult)

	status, body = http.StatusBadRequest, ""
	calls.Store(0)
	_, err = g.Geocode(ctx, "bad")
	require.ErrorIs(t, err, geocode.ErrUnavailable)
	require.EqualValues(t, 1, calls.Load())

	_, err = g.Geocode(ctx, "   ")
	require.ErrorIs(t, err, geocode.ErrEmptyQuery)
}

func TestNominatimTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := geocode.NewNominatim(nil, geocode.NominatimConfig{BaseURL: srv.URL, MaxRetries: -1}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Geocode(ctx, "slow")
	require.ErrorIs(t, err, geocode.ErrTimeout)
}

func TestGoogleGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/maps/api/geocode/json", r.URL.Path)
		require.Equal(t, "AIzaTestKey", r.URL.Query().Get("key"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("address") == "atlantis" {
			_, _ = w.Write([]byte(`{"results":[],"status":"ZERO_RESULTS"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"OK","results":[{"formatted_address":"Brandenburger Tor, Berlin","geometry":{"location":{"lat":52.5163,"lng":13.3777}}}]}`))
	}))
	defer srv.Close()

	g, err := geocode.NewGoogle(srv.Client(), geocode.GoogleConfig{APIKey: "AIzaTestKey", BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := g.Geocode(context.Background(), "Brandenburger Tor")
	require.NoError(t, err)
	require.Equal(t, geocode.Result{Lat: 52.5163, Lng: 13.3777, DisplayName: "Brandenburger Tor, Berlin"}, res)

	_, err = g.Geocode(context.Background(), "atlantis")
	require.ErrorIs(t, err, geocode.ErrNoResult)

	_, err = geocode.NewGoogle(nil, geocode.GoogleConfig{})
	require.Error(t, err)
}

type scriptedGeocoder struct {
	calls int
	err   error
}

func (s *scriptedGeocoder) Geocode(context.Context, string) (geocode.Result, error) {
	s.calls++
	if s.err != nil {
		return geocode.Result{}, s.err
	}
	return geocode.Result{Lat: 1, Lng: 2, DisplayName: "ok"}, nil
}

func TestBreakerOpensOnProviderFailures(t *testing.T) {
	ctx := context.Background()
	next := &scriptedGeocoder{err: &geocode.ProviderError{Provider: "x", Err: geocode.ErrNoResult}}
	b := geocode.NewBreaker(next, geocode.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour}, nil)

	for i := 0; i < 5; i++ {
		_, err := b.Geocode(ctx, "q")
		require.ErrorIs(t, err, geocode.ErrNoResult)
	}
	require.Equal(t, gobreaker.StateClosed, b.State())

	next.err = &geocode.ProviderError{Provider: "x", Err: geocode.ErrUnavailable}
	for i := 0; i < 2; i++ {
		_, err := b.Geocode(ctx, "q")
		require.ErrorIs(t, err, geocode.ErrUnavailable)
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	before := next.calls
	_, err := b.Geocode(ctx, "q")
	require.ErrorIs(t, err, geocode.ErrUnavailable)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, before, next.calls)
}

func TestBreakerPassesResults(t *testing.T) {
	b := geocode.NewBreaker(&scriptedGeocoder{}, geocode.BreakerConfig{}, nil)
	res, err := b.Geocode(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, "ok", res.DisplayName)
}
