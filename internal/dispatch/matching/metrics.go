package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matching_time_seconds",
		Help:    "Time spent attempting to match a rider to a driver.",
		Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
	}, []string{"result"})

	assignmentAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assignment_attempts_total",
		Help: "Reservation attempts against candidates grouped by outcome.",
	}, []string{"result"})

	candidatesConsidered = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_candidates",
		Help:    "Number of candidates returned by the spatial query per request.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})
)
