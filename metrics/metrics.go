package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_registrations_total",
			Help: "Server registration attempts",
		},
		[]string{"result"}, // registered|reregistered|retried|failure
	)

	RegistrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_registration_duration_seconds",
			Help:    "Duration of registration processing",
			Buckets: prometheus.DefBuckets,
		},
	)

	IDAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_id_allocations_total",
			Help: "Identifier allocations by namespace kind",
		},
		[]string{"namespace"},
	)

	IDReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_id_releases_total",
			Help: "Identifier releases by namespace kind",
		},
		[]string{"namespace"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_heartbeats_total",
			Help: "Heartbeats applied to server records",
		},
	)

	SlotUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_slot_updates_total",
			Help: "Slot status updates by outcome",
		},
		[]string{"outcome"}, // created|updated|removed
	)

	FamilyReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_family_reservations_total",
			Help: "Family slot reservation attempts",
		},
		[]string{"result"}, // reserved|rejected
	)

	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_proxy_state_transitions_total",
			Help: "Proxy registration state transitions by target state",
		},
		[]string{"to"},
	)
)

func init() {
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(RegistrationDuration)
	prometheus.MustRegister(IDAllocationsTotal)
	prometheus.MustRegister(IDReleasesTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(SlotUpdatesTotal)
	prometheus.MustRegister(FamilyReservationsTotal)
	prometheus.MustRegister(StateTransitionsTotal)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}

// RegisterFleetOpenSeats wires a callback gauge reporting the fleet's
// remaining admissible player capacity, computed from live registry state at
// scrape time.
func RegisterFleetOpenSeats(openSeats func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "registry_fleet_open_seats",
			Help: "Remaining admissible player capacity across bounded slots",
		},
		openSeats,
	))
}
