package location

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/livetrack/internal/auth"
	"github.com/example/livetrack/internal/dispatch/domain"
)

var streamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "location_stream_messages_total",
	Help: "Driver locations received over gRPC grouped by outcome.",
}, []string{"result"})

// Reporter records driver positions.
type Reporter interface {
	ReportLocation(ctx context.Context, driverID string, p domain.GeoPoint, reportedAt time.Time) (domain.DriverRecord, error)
}

// Server implements the LocationServer interface on top of the registry.
type Server struct {
	reporter Reporter
	logger   *zap.Logger
}

// NewServer constructs a server.
func NewServer(reporter Reporter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{reporter: reporter, logger: logger}
}

// StreamLocation ingests driver locations until the client half-closes, then
// acknowledges how many were applied. A rejected message never ends the stream.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	ctx := stream.Context()
	ack := &Ack{}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(ack)
		}
		if err != nil {
			return err
		}

		if err := auth.AuthorizeSubject(ctx, msg.DriverId); err != nil {
			ack.Rejected++
			streamMessages.WithLabelValues("forbidden").Inc()
			continue
		}
		var reportedAt time.Time
		if msg.Ts > 0 {
			reportedAt = time.UnixMilli(msg.Ts).UTC()
		}
		_, err = s.reporter.ReportLocation(ctx, msg.DriverId, domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}, reportedAt)
		switch {
		case err == nil:
			ack.Accepted++
			streamMessages.WithLabelValues("accepted").Inc()
		case errors.Is(err, domain.ErrStaleTimestamp):
			ack.Stale++
			streamMessages.WithLabelValues("stale").Inc()
		default:
			ack.Rejected++
			streamMessages.WithLabelValues("rejected").Inc()
			s.logger.Debug("location rejected", zap.String("driver_id", msg.DriverId), zap.Error(err))
		}
	}
}
