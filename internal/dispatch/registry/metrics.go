package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	locationReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_location_reports_total",
		Help: "Driver location reports grouped by outcome.",
	}, []string{"result"})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_events_total",
		Help: "Driver lifecycle events emitted by the registry.",
	}, []string{"event"})

	reservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_reservations_expired_total",
		Help: "Reservations reverted to AVAILABLE after their TTL lapsed.",
	})

	indexDivergence = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_index_divergence_total",
		Help: "Registry/index inconsistencies detected and repaired.",
	})
)
