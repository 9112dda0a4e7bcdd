package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/livetrack/internal/config"
	"github.com/example/livetrack/internal/dispatch/events"
	"github.com/example/livetrack/internal/geocode"
	"github.com/example/livetrack/internal/outbox"
	"github.com/example/livetrack/internal/snapshot"
	"github.com/example/livetrack/pkg/observability"
	pubsub "github.com/example/livetrack/pkg/outbox"
)

// dependencies holds the optional external systems. Each is nil when its
// address is not configured, and the matching feature is switched off.
type dependencies struct {
	redis    *redis.Client
	snapshot *snapshot.RedisStore
	nats     *nats.Conn
	db       *sql.DB
	recorder *outbox.Recorder
	relay    *outbox.Worker
}

func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	d := &dependencies{}
	if cfg.RedisAddr != "" {
		d.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		d.snapshot = snapshot.NewRedisStore(d.redis, cfg.SnapshotPrefix, logger.Named("snapshot"))
	}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		d.nats = nc
	}
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		d.db = db
		if err := db.PingContext(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		d.recorder = outbox.NewRecorder(db, cfg.EventsSubject)
		if err := d.recorder.EnsureSchema(ctx); err != nil {
			d.Close()
			return nil, err
		}
		if d.nats != nil {
			d.relay = outbox.NewWorker(db, d.nats, logger.Named("outbox"), outbox.WorkerConfig{
				PollInterval: cfg.OutboxPoll,
				BatchSize:    cfg.OutboxBatch,
				RetryMax:     cfg.OutboxRetryMax,
			})
		}
	}
	return d, nil
}

// eventQueues builds one queue per configured consumer of registry events.
// With Postgres, status events go through the outbox table and the relay;
// with NATS alone they are published directly.
func (d *dependencies) eventQueues(cfg *config.Config, logger *zap.Logger) []*events.Queue {
	var queues []*events.Queue
	if d.snapshot != nil {
		queues = append(queues, events.NewQueue("snapshot", 4096, d.snapshot.Apply, nil, logger))
	}
	switch {
	case d.recorder != nil:
		queues = append(queues, events.NewQueue("outbox", 1024, d.recorder.Handle, events.StatusOnly, logger))
	case d.nats != nil:
		pub := pubsub.NewPublisher(d.nats, cfg.EventsSubject)
		queues = append(queues, events.NewQueue("nats", 1024, pub.Publish, events.StatusOnly, logger))
	}
	return queues
}

func (d *dependencies) healthChecks() []observability.Check {
	var checks []observability.Check
	if d.snapshot != nil {
		checks = append(checks, observability.Check{Name: "redis", Probe: d.snapshot.Ping})
	}
	if d.db != nil {
		checks = append(checks, observability.Check{Name: "postgres", Timeout: 5 * time.Second, Probe: d.db.PingContext})
	}
	if d.nats != nil {
		checks = append(checks, observability.Check{Name: "nats", Probe: func(context.Context) error {
			if !d.nats.IsConnected() {
				return fmt.Errorf("nats status %s", d.nats.Status())
			}
			return nil
		}})
	}
	return checks
}

func (d *dependencies) Close() {
	if d.nats != nil {
		_ = d.nats.Drain()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
}

// newGeocoder returns nil when geocoding is disabled.
func newGeocoder(cfg *config.Config, logger *zap.Logger) (geocode.Geocoder, error) {
	client := &http.Client{Timeout: cfg.GeocoderTimeout}
	switch strings.ToLower(cfg.GeocoderProvider) {
	case "none":
		return nil, nil
	case "google":
		g, err := geocode.NewGoogle(client, geocode.GoogleConfig{APIKey: cfg.GoogleMapsAPIKey})
		if err != nil {
			return nil, err
		}
		return geocode.NewBreaker(g, geocode.BreakerConfig{Name: "google"}, logger), nil
	default:
		n := geocode.NewNominatim(client, geocode.NominatimConfig{
			BaseURL:   cfg.NominatimURL,
			UserAgent: cfg.NominatimUserAgent,
			Email:     cfg.NominatimEmail,
			Timeout:   cfg.GeocoderTimeout,
		}, logger)
		return geocode.NewBreaker(n, geocode.BreakerConfig{Name: "nominatim"}, logger), nil
	}
}
