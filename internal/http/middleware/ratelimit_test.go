package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, read, write RateConfig) (*RateLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(client, read, write, nil)
	l.now = func() time.Time { return now }
	return l, mr, &now
}

func do(h http.Handler, method, client string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/drivers/d1/location", nil)
	req.Header.Set("X-Client-ID", client)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterTokenBucket(t *testing.T) {
	l, _, now := newLimiter(t, RateConfig{}, RateConfig{Rate: 1, Burst: 2})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	require.Equal(t, http.StatusNoContent, do(h, http.MethodPost, "drv-1").Code)
	require.Equal(t, http.StatusNoContent, do(h, http.MethodPost, "drv-1").Code)

	limited := do(h, http.MethodPost, "drv-1")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.Equal(t, "1", limited.Header().Get("Retry-After"))
	require.JSONEq(t, `{"error":"rate_limited","message":"too many requests"}`, limited.Body.String())

	// other clients have their own bucket
	require.Equal(t, http.StatusNoContent, do(h, http.MethodPost, "drv-2").Code)
	// reads are unlimited here
	require.Equal(t, http.StatusNoContent, do(h, http.MethodGet, "drv-1").Code)

	*now = now.Add(time.Second)
	require.Equal(t, http.StatusNoContent, do(h, http.MethodPost, "drv-1").Code)
	require.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "drv-1").Code)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	l, mr, _ := newLimiter(t, RateConfig{Rate: 1, Burst: 1}, RateConfig{Rate: 1, Burst: 1})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mr.Close()
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "rider-1").Code)
}

func TestRateLimiterDisabled(t *testing.T) {
	var l *RateLimiter
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
	require.Equal(t, http.StatusAccepted, do(l.Middleware(next), http.MethodPost, "x").Code)
	require.Nil(t, NewRateLimiter(nil, RateConfig{}, RateConfig{}, nil))
}

func TestClientIdentifier(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	require.Equal(t, "10.0.0.9", clientIdentifier(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.4, 10.0.0.1")
	require.Equal(t, "203.0.113.4", clientIdentifier(req))
	req.Header.Set("X-Client-ID", "drv-1")
	require.Equal(t, "drv-1", clientIdentifier(req))
}
