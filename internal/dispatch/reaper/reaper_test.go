package reaper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/livetrack/internal/dispatch/domain"
	"github.com/example/livetrack/internal/dispatch/geoindex"
	"github.com/example/livetrack/internal/dispatch/reaper"
	"github.com/example/livetrack/internal/dispatch/registry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

func TestSweepAppliesExpiryStalenessAndRetention(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	idx := geoindex.NewGridIndex(0)
	reg := registry.New(idx, clock, nil, nil, registry.Config{})
	r := reaper.New(reg, reaper.Config{Staleness: 30 * time.Second, Retention: time.Minute}, nil)

	for _, id := range []string{"silent", "busy", "active"} {
		_, err := reg.ReportLocation(ctx, id, domain.GeoPoint{Lat: 52.52, Lng: 13.405}, clock.Now())
		require.NoError(t, err)
	}
	_, err := reg.Reserve(ctx, "busy", "req-1", 10*time.Second)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	_, err = reg.ReportLocation(ctx, "active", domain.GeoPoint{Lat: 52.52, Lng: 13.405}, clock.Now())
	require.NoError(t, err)
	require.Equal(t, reaper.Result{Expired: 1}, r.Sweep(ctx))
	_, err = reg.ReportLocation(ctx, "busy", domain.GeoPoint{Lat: 52.52, Lng: 13.405}, clock.Now())
	require.NoError(t, err)

	clock.Advance(15 * time.Second)
	require.Equal(t, reaper.Result{Stale: 1}, r.Sweep(ctx))
	require.Equal(t, reaper.Result{}, r.Sweep(ctx))

	rec, ok := reg.Get(ctx, "silent")
	require.True(t, ok)
	require.Equal(t, domain.StatusOffline, rec.Status)
	require.Equal(t, 2, idx.Len())

	clock.Advance(time.Minute + time.Second)
	res := r.Sweep(ctx)
	require.Equal(t, 1, res.Purged)
	require.Equal(t, 2, res.Stale)
	_, ok = reg.Get(ctx, "silent")
	require.False(t, ok)
	require.Zero(t, idx.Len())
}

func TestSweepIsSafeConcurrentlyWithReports(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(nil, nil, nil, nil, registry.Config{})
	r := reaper.New(reg, reaper.Config{Staleness: time.Hour}, nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = reg.ReportLocation(ctx, string(rune('a'+w)), domain.GeoPoint{Lat: float64(i % 80), Lng: 1}, time.Time{})
			}
		}(w)
	}
	for i := 0; i < 50; i++ {
		r.Sweep(ctx)
	}
	wg.Wait()
	require.Equal(t, registry.Stats{Available: 4, Indexed: 4}, reg.Stats())
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(nil, nil, nil, nil, registry.Config{})
	_, err := reg.ReportLocation(ctx, "drv-1", domain.GeoPoint{Lat: 1, Lng: 1}, time.Time{})
	require.NoError(t, err)

	r := reaper.New(reg, reaper.Config{Interval: 5 * time.Millisecond, Staleness: 10 * time.Millisecond}, nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(runCtx) }()

	require.Eventually(t, func() bool {
		rec, _ := reg.Get(ctx, "drv-1")
		return rec.Status == domain.StatusOffline
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
