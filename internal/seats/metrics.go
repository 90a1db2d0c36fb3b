package seats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	seatChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seats",
			Name:      "changes_total",
			Help:      "Seat changes confirmed by the billing provider.",
		},
		[]string{"billing_type", "charged_at"},
	)

	seatChangeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seats",
			Name:      "change_failures_total",
			Help:      "Seat changes that failed, by error kind.",
		},
		[]string{"kind"},
	)

	prorationAmount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "seats",
			Name:      "proration_amount",
			Help:      "Prorated amounts charged immediately for added seats.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)
)

func observeFailure(err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = "internal"
	}
	seatChangeFailuresTotal.WithLabelValues(string(kind)).Inc()
}
