package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/ruteri/rfid-tag-provisioning-backend/common"
)

// Registry holds every collector exported by the backend.
var Registry = prometheus.NewRegistry()

var (
	ChipsEncoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "chips_encoded_total",
		Help:      "Tags fully encoded and protected.",
	})

	EncodingFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "encoding_failures_total",
		Help:      "Encoding attempts that failed, by error kind.",
	}, []string{"kind"})

	Verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "verifications_total",
		Help:      "Tag verifications by outcome and source (reader or mobile).",
	}, []string{"outcome", "source"})

	StockReservations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "stock_reservations_total",
		Help:      "Stock reservation attempts by result.",
	}, []string{"result"})

	LifecycleTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "lifecycle_transitions_total",
		Help:      "Applied lifecycle transitions by target status.",
	}, []string{"to"})

	ReadersInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: common.PackageName,
		Name:      "readers_in_use",
		Help:      "Readers currently leased to an encode or verify call.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ChipsEncoded,
		EncodingFailures,
		Verifications,
		StockReservations,
		LifecycleTransitions,
		ReadersInUse,
	)
}
