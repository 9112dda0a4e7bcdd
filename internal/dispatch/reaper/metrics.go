package reaper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	swept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_swept_total",
		Help: "Drivers touched by the reaper grouped by action.",
	}, []string{"action"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reaper_sweep_seconds",
		Help:    "Duration of a full reaper sweep.",
		Buckets: prometheus.DefBuckets,
	})

	drivers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "registry_drivers",
		Help: "Drivers currently known to the registry grouped by status.",
	}, []string{"status"})
)
