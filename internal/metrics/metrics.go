package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Currently open relay sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Total sessions accepted",
	})

	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_rejected_total",
		Help: "Connection attempts refused before a session was created",
	}, []string{"reason"})

	UnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_units_total",
		Help: "Audio units echoed, by MIME type",
	}, []string{"mime"})

	UnitBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_unit_bytes",
		Help:    "Size of echoed audio units",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})

	EchoDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_echo_duration_seconds",
		Help:    "Time from unit receipt to echo write completing",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_session_duration_seconds",
		Help:    "Lifetime of closed sessions",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
	})
)
