package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/riandyrn/otelchi"
	"go.uber.org/zap"

	"github.com/example/livetrack/internal/config"
	ratelimitmw "github.com/example/livetrack/internal/http/middleware"
	"github.com/example/livetrack/pkg/observability"
)

const serviceName = "api-gateway"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		observability.SetupLogger(serviceName, false).Fatal("load config", zap.Error(err))
	}
	logger := observability.SetupLogger(serviceName, cfg.Development)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, serviceName)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	redisClient := newRedisClient(ctx, cfg.RedisAddr, logger)
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	var limiter *ratelimitmw.RateLimiter
	if redisClient != nil {
		limiter = ratelimitmw.NewRateLimiter(redisClient,
			ratelimitmw.RateConfig{Rate: cfg.RateReadRPS, Burst: cfg.RateReadBurst},
			ratelimitmw.RateConfig{Rate: cfg.RateWriteRPS, Burst: cfg.RateWriteBurst},
			logger.Named("ratelimit"))
	}

	handler, err := newRouter(cfg.DispatchURL, limiter, redisClient)
	if err != nil {
		logger.Fatal("build router", zap.Error(err))
	}

	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr), zap.String("upstream", cfg.DispatchURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// newRouter fronts dispatchd. redisClient may be nil, in which case the
// health report has no checks.
func newRouter(upstream string, limiter *ratelimitmw.RateLimiter, redisClient *redis.Client) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", upstream)
	}
	var checks []observability.Check
	if redisClient != nil {
		checks = append(checks, observability.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	metrics, err := observability.MetricsRouter(serviceName, checks...)
	if err != nil {
		return nil, err
	}

	// ReverseProxy handles the WebSocket upgrade on /ws as well.
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = fmt.Fprintf(w, `{"error":"upstream_unavailable","message":%q}`, err.Error())
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Logger, chimiddleware.Recoverer)
	r.Mount("/observability", metrics)
	r.Get("/docs", swaggerHandler)
	r.Get("/docs/", swaggerHandler)
	r.Get("/docs/index.html", swaggerHandler)
	r.Get("/docs/openapi.yaml", openAPIHandler)
	r.Group(func(r chi.Router) {
		r.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(r)))
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Handle("/v1/*", proxy)
		r.Handle("/ws/*", proxy)
	})
	return r, nil
}

func newRedisClient(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, rate limiting disabled", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
