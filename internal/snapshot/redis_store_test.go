package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/livetrack/internal/dispatch/domain"
	"github.com/example/livetrack/internal/dispatch/events"
	"github.com/example/livetrack/internal/dispatch/registry"
	"github.com/example/livetrack/internal/snapshot"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestApplyMirrorsLifecycle(t *testing.T) {
	client, mr := newRedisClient(t)
	store := snapshot.NewRedisStore(client, "", nil)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := domain.DriverRecord{
		DriverID:   "drv-1",
		Position:   domain.GeoPoint{Lat: 59.3293, Lng: 18.0686},
		ReportedAt: now,
		LastSeenAt: now,
		Status:     domain.StatusAvailable,
	}
	require.NoError(t, store.Apply(ctx, domain.DriverEvent{Type: domain.EventDriverOnline, DriverID: "drv-1", Record: rec}))
	require.True(t, mr.Exists("driver:rec:drv-1"))
	ok, err := mr.SIsMember("driver:ids", "drv-1")
	require.NoError(t, err)
	require.True(t, ok)

	pos, err := client.GeoPos(ctx, "driver:locs", "drv-1").Result()
	require.NoError(t, err)
	require.NotNil(t, pos[0])
	require.InDelta(t, 59.3293, pos[0].Latitude, 1e-4)

	rec.Status = domain.StatusReserved
	rec.Reservation = &domain.Reservation{Token: "tok", RequestID: "req", ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, store.Apply(ctx, domain.DriverEvent{Type: domain.EventDriverReserved, DriverID: "drv-1", Record: rec}))
	pos, err = client.GeoPos(ctx, "driver:locs", "drv-1").Result()
	require.NoError(t, err)
	require.Nil(t, pos[0])

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, rec, loaded[0])

	offline := now.Add(time.Hour)
	rec.Status = domain.StatusOffline
	rec.Reservation = nil
	rec.OfflineSince = &offline
	require.NoError(t, store.Apply(ctx, domain.DriverEvent{Type: domain.EventDriverOffline, DriverID: "drv-1", Record: rec}))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded[0].Reservation)
	require.Equal(t, offline, *loaded[0].OfflineSince)

	require.NoError(t, store.Apply(ctx, domain.DriverEvent{Type: domain.EventDriverPurged, DriverID: "drv-1", Record: rec}))
	require.False(t, mr.Exists("driver:rec:drv-1"))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestLoadSkipsCorruptAndPrunesOrphans(t *testing.T) {
	client, mr := newRedisClient(t)
	store := snapshot.NewRedisStore(client, "fleet:", nil)
	ctx := context.Background()

	_, err := mr.SAdd("fleet:ids", "ghost", "broken")
	require.NoError(t, err)
	mr.HSet("fleet:rec:broken", "lat", "north", "lng", "1", "status", "AVAILABLE")

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
	members, err := mr.Members("fleet:ids")
	require.NoError(t, err)
	require.Equal(t, []string{"broken"}, members)
}

func TestRegistryRoundTripThroughQueue(t *testing.T) {
	client, _ := newRedisClient(t)
	store := snapshot.NewRedisStore(client, "", nil)
	ctx, cancel := context.WithCancel(context.Background())

	queue := events.NewQueue("snapshot", 64, store.Apply, nil, nil)
	done := make(chan error, 1)
	go func() { done <- queue.Run(ctx) }()

	reg := registry.New(nil, nil, queue, nil, registry.Config{})
	for id, p := range map[string]domain.GeoPoint{
		"a": {Lat: 1, Lng: 1},
		"b": {Lat: 1.001, Lng: 1},
		"c": {Lat: 1.002, Lng: 1},
	} {
		_, err := reg.ReportLocation(ctx, id, p, time.Time{})
		require.NoError(t, err)
	}
	_, err := reg.Reserve(ctx, "b", "req", time.Hour)
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus(ctx, "c", domain.StatusOffline))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	restored := registry.New(nil, nil, nil, nil, registry.Config{})
	require.Equal(t, 3, restored.Restore(loaded))
	require.Equal(t, registry.Stats{Available: 1, Reserved: 1, Offline: 1, Indexed: 1}, restored.Stats())
}

func TestPingReportsReachability(t *testing.T) {
	client, mr := newRedisClient(t)
	store := snapshot.NewRedisStore(client, "", nil)
	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	require.Error(t, store.Ping(context.Background()))
}
