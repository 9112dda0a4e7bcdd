package matching_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/livetrack/internal/dispatch/domain"
	"github.com/example/livetrack/internal/dispatch/geoindex"
	"github.com/example/livetrack/internal/dispatch/matching"
	"github.com/example/livetrack/internal/dispatch/registry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newEngine(t *testing.T, clock domain.Clock, regCfg registry.Config) (*matching.Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New(geoindex.NewGridIndex(0), clock, nil, nil, regCfg)
	engine, err := matching.NewEngine(reg, reg, matching.Config{}, nil)
	require.NoError(t, err)
	return engine, reg
}

func report(t *testing.T, reg *registry.Registry, id string, lat, lng float64) {
	t.Helper()
	_, err := reg.ReportLocation(context.Background(), id, domain.GeoPoint{Lat: lat, Lng: lng}, time.Time{})
	require.NoError(t, err)
}

func TestFindAndReserveWalksCandidatesByDistance(t *testing.T) {
	ctx := context.Background()
	engine, reg := newEngine(t, newClock(), registry.Config{})
	report(t, reg, "A", 10.0, 10.0)
	report(t, reg, "B", 10.01, 10.01)
	report(t, reg, "C", 50.0, 50.0)

	req := matching.Request{RequestID: "r1", Rider: domain.GeoPoint{Lat: 10, Lng: 10}, MaxRadiusKM: 5, MaxCandidates: 3}

	first, err := engine.FindAndReserve(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "A", first.DriverID)
	require.Zero(t, first.DistanceKM)
	require.NotEmpty(t, first.Token)

	second, err := engine.FindAndReserve(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "B", second.DriverID)
	require.InDelta(t, 1.56, second.DistanceKM, 0.01)

	_, err = engine.FindAndReserve(ctx, req)
	require.ErrorIs(t, err, domain.ErrNoDriverAvailable)

	rec, _ := reg.Get(ctx, "C")
	require.Equal(t, domain.StatusAvailable, rec.Status)

	require.NoError(t, engine.Release(ctx, "A", first.Token))
	again, err := engine.FindAndReserve(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "A", again.DriverID)
}

func TestConcurrentRequestsNeverShareADriver(t *testing.T) {
	ctx := context.Background()
	engine, reg := newEngine(t, nil, registry.Config{})
	report(t, reg, "solo", 40.7128, -74.006)

	const riders = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, misses := 0, 0
	start := make(chan struct{})
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := engine.FindAndReserve(ctx, matching.Request{
				RequestID: fmt.Sprintf("r-%d", i),
				Rider:     domain.GeoPoint{Lat: 40.7128, Lng: -74.006},
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, domain.ErrNoDriverAvailable) {
				misses++
			}
		}(i)
	}
	close(start)
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, riders-1, misses)
}

func TestConcurrentRequestsSpreadAcrossFleet(t *testing.T) {
	ctx := context.Background()
	engine, reg := newEngine(t, nil, registry.Config{})
	const drivers = 20
	for i := 0; i < drivers; i++ {
		report(t, reg, fmt.Sprintf("d-%02d", i), 48.8566+float64(i)*0.001, 2.3522)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)
	for i := 0; i < 3*drivers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := engine.FindAndReserve(ctx, matching.Request{
				Rider:         domain.GeoPoint{Lat: 48.8566, Lng: 2.3522},
				MaxCandidates: drivers,
			})
			if err != nil {
				return
			}
			mu.Lock()
			seen[m.DriverID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, drivers)
	for id, n := range seen {
		require.Equal(t, 1, n, "driver %s assigned twice", id)
	}
}

func TestExpiredReservationIsOfferedAgain(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	engine, reg := newEngine(t, clock, registry.Config{})
	report(t, reg, "A", 10, 10)

	req := matching.Request{Rider: domain.GeoPoint{Lat: 10, Lng: 10}, TTL: 10 * time.Second}
	first, err := engine.FindAndReserve(ctx, req)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(10*time.Second), first.ExpiresAt)

	_, err = engine.FindAndReserve(ctx, req)
	require.ErrorIs(t, err, domain.ErrNoDriverAvailable)

	clock.Advance(11 * time.Second)
	second, err := engine.FindAndReserve(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "A", second.DriverID)
	require.NotEqual(t, first.Token, second.Token)

	require.ErrorIs(t, engine.Release(ctx, "A", first.Token), domain.ErrReservationTokenMismatch)
}

func TestSilentDriverIsSkipped(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	engine, reg := newEngine(t, clock, registry.Config{StalenessThreshold: 30 * time.Second})
	_, err := reg.ReportLocation(ctx, "silent", domain.GeoPoint{Lat: 10, Lng: 10}, clock.Now())
	require.NoError(t, err)
	clock.Advance(31 * time.Second)
	_, err = reg.ReportLocation(ctx, "fresh", domain.GeoPoint{Lat: 10.01, Lng: 10.01}, clock.Now())
	require.NoError(t, err)

	m, err := engine.FindAndReserve(ctx, matching.Request{Rider: domain.GeoPoint{Lat: 10, Lng: 10}})
	require.NoError(t, err)
	require.Equal(t, "fresh", m.DriverID)

	rec, _ := reg.Get(ctx, "silent")
	require.Equal(t, domain.StatusOffline, rec.Status)
}

func TestRequestBoundsAreClamped(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	reg := registry.New(nil, clock, nil, nil, registry.Config{})
	engine, err := matching.NewEngine(reg, reg, matching.Config{MaxRadiusKM: 2, MaxReservationTTL: time.Minute}, nil)
	require.NoError(t, err)
	report(t, reg, "far", 10.05, 10) // ~5.6 km north

	_, err = engine.FindAndReserve(ctx, matching.Request{Rider: domain.GeoPoint{Lat: 10, Lng: 10}, MaxRadiusKM: 1000})
	require.ErrorIs(t, err, domain.ErrNoDriverAvailable)

	report(t, reg, "near", 10.001, 10)
	m, err := engine.FindAndReserve(ctx, matching.Request{Rider: domain.GeoPoint{Lat: 10, Lng: 10}, TTL: time.Hour})
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(time.Minute), m.ExpiresAt)

	renewed, err := engine.Renew(ctx, "near", m.Token, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(time.Minute), renewed.ExpiresAt)
	require.Equal(t, 2.0, engine.Config().DefaultRadiusKM)
}

func TestInvalidRiderLocation(t *testing.T) {
	engine, _ := newEngine(t, nil, registry.Config{})
	_, err := engine.FindAndReserve(context.Background(), matching.Request{Rider: domain.GeoPoint{Lat: 91}})
	require.ErrorIs(t, err, domain.ErrInvalidCoordinate)
}

type stubSource []geoindex.Neighbor

func (s stubSource) Nearby(context.Context, domain.GeoPoint, float64, int) []geoindex.Neighbor {
	return s
}

type stubStore struct {
	errs map[string]error
}

func (s stubStore) Reserve(_ context.Context, id, _ string, ttl time.Duration) (domain.Reservation, error) {
	if err := s.errs[id]; err != nil {
		return domain.Reservation{}, err
	}
	return domain.Reservation{Token: "tok-" + id, ExpiresAt: time.Unix(0, 0).Add(ttl)}, nil
}

func (stubStore) Release(context.Context, string, string) error { return nil }

func (stubStore) Renew(context.Context, string, string, time.Duration) (domain.Reservation, error) {
	return domain.Reservation{}, nil
}

func TestFallsThroughLostRacesButSurfacesStoreFailures(t *testing.T) {
	ctx := context.Background()
	source := stubSource{{ID: "gone"}, {ID: "busy"}, {ID: "ok"}}
	engine, err := matching.NewEngine(source, stubStore{errs: map[string]error{
		"gone": domain.ErrDriverNotFound,
		"busy": fmt.Errorf("%w: status RESERVED", domain.ErrDriverUnavailable),
	}}, matching.Config{}, nil)
	require.NoError(t, err)

	m, err := engine.FindAndReserve(ctx, matching.Request{Rider: domain.GeoPoint{}})
	require.NoError(t, err)
	require.Equal(t, "ok", m.DriverID)
	require.Equal(t, "tok-ok", m.Token)

	boom := errors.New("store offline")
	engine, err = matching.NewEngine(source, stubStore{errs: map[string]error{"gone": boom}}, matching.Config{}, nil)
	require.NoError(t, err)
	_, err = engine.FindAndReserve(ctx, matching.Request{Rider: domain.GeoPoint{}})
	require.ErrorIs(t, err, boom)

	_, err = matching.NewEngine(nil, stubStore{}, matching.Config{}, nil)
	require.Error(t, err)
}
