package location_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/livetrack/internal/auth"
	"github.com/example/livetrack/internal/dispatch/domain"
	"github.com/example/livetrack/internal/dispatch/registry"
	"github.com/example/livetrack/internal/location"
)

func startServer(t *testing.T, secret string) (location.LocationClient, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil, nil, nil, registry.Config{})
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.StreamInterceptor(auth.StreamInterceptor(secret, auth.RoleDriver)))
	location.RegisterLocationServer(srv, location.NewServer(reg, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return location.NewLocationClient(conn), reg
}

func TestStreamLocationAcknowledges(t *testing.T) {
	client, reg := startServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StreamLocation(ctx)
	require.NoError(t, err)
	base := time.Now().UnixMilli()
	msgs := []*location.DriverLocation{
		{DriverId: "drv-1", Lat: 41.01, Lng: 28.97, Ts: base},
		{DriverId: "drv-1", Lat: 41.02, Lng: 28.97, Ts: base + 1000},
		{DriverId: "drv-1", Lat: 41.03, Lng: 28.97, Ts: base},
		{DriverId: "drv-2", Lat: 400, Lng: 28.97, Ts: base},
		{DriverId: "drv-3", Lat: 41.0, Lng: 29.0},
	}
	for _, m := range msgs {
		require.NoError(t, stream.Send(m))
	}
	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	require.Equal(t, &location.Ack{Accepted: 3, Rejected: 1, Stale: 1}, ack)

	rec, ok := reg.Get(ctx, "drv-1")
	require.True(t, ok)
	require.Equal(t, domain.GeoPoint{Lat: 41.02, Lng: 28.97}, rec.Position)
	_, ok = reg.Get(ctx, "drv-2")
	require.False(t, ok)
}

func TestStreamLocationAuth(t *testing.T) {
	const secret = "grpc-secret"
	client, reg := startServer(t, secret)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StreamLocation(ctx)
	require.NoError(t, err)
	_, err = stream.CloseAndRecv()
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	token, err := auth.Issue(secret, "drv-1", auth.RoleDriver, time.Minute)
	require.NoError(t, err)
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	stream, err = client.StreamLocation(authed)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&location.DriverLocation{DriverId: "drv-1", Lat: 1, Lng: 1}))
	require.NoError(t, stream.Send(&location.DriverLocation{DriverId: "drv-9", Lat: 1, Lng: 1}))
	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	require.EqualValues(t, 1, ack.Accepted)
	require.EqualValues(t, 1, ack.Rejected)

	_, ok := reg.Get(ctx, "drv-9")
	require.False(t, ok)
}
