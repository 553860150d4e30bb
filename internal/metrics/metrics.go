package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RowsProcessed  *prometheus.CounterVec
	APIErrors      prometheus.Counter
	RequestSeconds prometheus.Histogram
	ActiveWorkers  prometheus.Gauge
}

// NewMetrics builds the pipeline collectors. A nil registerer yields
// working but unregistered collectors, which is what library callers and
// tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RowsProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_batch_rows_processed_total",
			Help: "Total number of processed batch rows.",
		}, []string{"status"}),
		APIErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "waypoint_geocode_api_errors_total",
			Help: "Total number of errors received from the geocoding API.",
		}),
		RequestSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "waypoint_geocode_request_duration_seconds",
			Help:    "Duration of requests to the geocoding API.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveWorkers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "waypoint_batch_active_workers",
			Help: "Current number of active workers processing rows.",
		}),
	}
}
