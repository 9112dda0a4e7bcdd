package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/example/livetrack/internal/auth"
	"github.com/example/livetrack/internal/config"
	"github.com/example/livetrack/internal/dispatch/domain"
	"github.com/example/livetrack/internal/dispatch/events"
	"github.com/example/livetrack/internal/dispatch/geoindex"
	"github.com/example/livetrack/internal/dispatch/handler"
	"github.com/example/livetrack/internal/dispatch/matching"
	"github.com/example/livetrack/internal/dispatch/reaper"
	"github.com/example/livetrack/internal/dispatch/registry"
	"github.com/example/livetrack/internal/estimate"
	"github.com/example/livetrack/internal/location"
	"github.com/example/livetrack/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		observability.SetupLogger("dispatchd", false).Fatal("load config", zap.Error(err))
	}

	logger := observability.SetupLogger(cfg.ServiceName, cfg.Development)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, cfg.ServiceName)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("dispatchd stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	deps, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	clock := domain.SystemClock{}
	queues := deps.eventQueues(cfg, logger)
	sinks := make(events.Multi, 0, len(queues))
	for _, q := range queues {
		sinks = append(sinks, q)
	}

	reg := registry.New(geoindex.NewGridIndex(cfg.GridCellDeg), clock, sinks, logger.Named("registry"), registry.Config{
		StalenessThreshold: cfg.StalenessThreshold,
	})
	if deps.snapshot != nil {
		records, err := deps.snapshot.Load(ctx)
		if err != nil {
			logger.Warn("snapshot load failed, starting empty", zap.Error(err))
		} else {
			logger.Info("registry restored", zap.Int("drivers", reg.Restore(records)))
		}
	}

	engine, err := matching.NewEngine(reg, reg, matching.Config{
		DefaultRadiusKM:   cfg.MatchRadiusKM,
		MaxRadiusKM:       cfg.MatchMaxRadiusKM,
		DefaultCandidates: cfg.MatchMaxCandidates,
		ReservationTTL:    cfg.ReserveTTL,
		MaxReservationTTL: cfg.ReserveMaxTTL,
	}, logger.Named("matching"))
	if err != nil {
		return err
	}

	var idem handler.IdempotencyStore
	var memIdem *matching.MemoryIdempotencyCache
	if deps.redis != nil {
		idem = matching.NewRedisIdempotencyCache(deps.redis, "")
	} else {
		memIdem = matching.NewMemoryIdempotencyCache(clock)
		idem = memIdem
	}

	geocoder, err := newGeocoder(cfg, logger.Named("geocode"))
	if err != nil {
		return err
	}
	estimates := estimate.NewHTTP(estimate.New(geocoder, reg, estimate.Config{
		Fare: estimate.FareConfig{
			BaseFare:    cfg.FareBase,
			PerKM:       cfg.FarePerKM,
			XLSurcharge: cfg.FareXLSurcharge,
			PetFee:      cfg.FarePetFee,
		},
		TripSpeedKMH:   cfg.TripSpeedKMH,
		DriverSpeedKMH: cfg.DriverSpeedKMH,
	}, logger.Named("estimate")))

	metrics, err := observability.MetricsRouter(cfg.ServiceName, deps.healthChecks()...)
	if err != nil {
		return err
	}
	api := handler.NewHTTP(reg, engine, idem, handler.Config{
		ServiceName: cfg.ServiceName,
		JWTSecret:   cfg.JWTSecret,
		WSRate:      cfg.WSRate,
		WSBurst:     cfg.WSBurst,
	}, logger.Named("http"))

	root := chi.NewRouter()
	root.Mount("/observability", metrics)
	root.Mount("/", api.Router(estimates.Routes))
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: root, ReadHeaderTimeout: 5 * time.Second}

	grpcSrv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(cfg.JWTSecret, auth.RoleDriver, auth.RoleAdmin)),
	)
	location.RegisterLocationServer(grpcSrv, location.NewServer(reg, logger.Named("grpc")))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dispatch http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return nil
	})
	g.Go(func() error {
		return reaper.New(reg, reaper.Config{
			Interval:  cfg.ReaperInterval,
			Staleness: cfg.StalenessThreshold,
			Retention: cfg.RetentionWindow,
		}, logger.Named("reaper")).Run(gctx)
	})
	if memIdem != nil {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.ReaperInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					memIdem.Prune()
				}
			}
		})
	}
	for _, q := range queues {
		g.Go(func() error { return q.Run(gctx) })
	}
	if deps.relay != nil {
		g.Go(func() error { return deps.relay.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
