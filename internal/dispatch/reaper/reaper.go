package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/livetrack/internal/dispatch/registry"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultStaleness = 30 * time.Second
	DefaultRetention = 10 * time.Minute
)

// Registry is the subset of the driver registry the reaper sweeps.
type Registry interface {
	ExpireReservations(ctx context.Context) int
	MarkStale(ctx context.Context, olderThan time.Duration) int
	RemoveOffline(ctx context.Context, olderThan time.Duration) int
	Stats() registry.Stats
}

// Config controls sweep cadence and thresholds.
type Config struct {
	Interval  time.Duration
	Staleness time.Duration
	Retention time.Duration
}

// Result summarises one sweep.
type Result struct {
	Expired int
	Stale   int
	Purged  int
}

// Reaper periodically enforces reservation expiry, staleness and retention.
type Reaper struct {
	reg    Registry
	cfg    Config
	logger *zap.Logger
}

// New constructs a Reaper, filling zero config values with defaults.
func New(reg Registry, cfg Config, logger *zap.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{reg: reg, cfg: cfg, logger: logger}
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reaper started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("staleness", r.cfg.Staleness),
		zap.Duration("retention", r.cfg.Retention))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Every step is idempotent, so overlapping sweeps or a
// sweep racing with reports and matches only ever converge.
func (r *Reaper) Sweep(ctx context.Context) Result {
	start := time.Now()
	res := Result{
		Expired: r.reg.ExpireReservations(ctx),
		Stale:   r.reg.MarkStale(ctx, r.cfg.Staleness),
		Purged:  r.reg.RemoveOffline(ctx, r.cfg.Retention),
	}
	sweepDuration.Observe(time.Since(start).Seconds())
	swept.WithLabelValues("expired").Add(float64(res.Expired))
	swept.WithLabelValues("stale").Add(float64(res.Stale))
	swept.WithLabelValues("purged").Add(float64(res.Purged))

	st := r.reg.Stats()
	drivers.WithLabelValues("available").Set(float64(st.Available))
	drivers.WithLabelValues("reserved").Set(float64(st.Reserved))
	drivers.WithLabelValues("offline").Set(float64(st.Offline))

	if res != (Result{}) {
		r.logger.Debug("reaper sweep",
			zap.Int("expired", res.Expired),
			zap.Int("stale", res.Stale),
			zap.Int("purged", res.Purged))
	}
	return res
}
