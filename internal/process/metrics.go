package process

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the processing-side instrumentation, tagged by team where
// cardinality allows.
type Metrics struct {
	ProcessDuration *prometheus.HistogramVec
	EventsProcessed *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	IdentityErrors  prometheus.Counter
}

// NewMetrics registers the processing metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProcessDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meridian_event_processing_duration_seconds",
			Help:    "Wall time spent processing one event, end to end.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"team_id"}),
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_events_processed_total",
			Help: "Events that completed processing and were emitted.",
		}, []string{"team_id"}),
		EventsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_events_failed_total",
			Help: "Events that failed processing and were propagated for retry.",
		}, []string{"team_id"}),
		IdentityErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "meridian_identity_errors_total",
			Help: "Identity-resolution errors swallowed so the event still records.",
		}),
	}
}
