package host

import "github.com/prometheus/client_golang/prometheus"

// RenderBuckets spans a fast cached render up to a cold esbuild start.
var RenderBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	// RequestsTotal counts worker requests by message type and outcome
	// (start, err, ssrConfig, noSsrConfig, canceled, gone).
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssr_worker_requests_total",
			Help: "Worker requests",
		},
		[]string{"type", "outcome"},
	)

	// RequestDuration records the time to the terminal response.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ssr_worker_request_duration_seconds",
			Help:    "Worker request duration",
			Buckets: RenderBuckets,
		},
		[]string{"type"},
	)

	// InflightRequests tracks requests awaiting their terminal response.
	InflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssr_worker_inflight_requests",
			Help: "Worker requests in flight",
		},
	)

	// EventsTotal counts unsolicited worker events by type.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssr_worker_events_total",
			Help: "Unsolicited worker events",
		},
		[]string{"type"},
	)

	// RestartsTotal counts worker process restarts.
	RestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ssr_worker_restarts_total",
			Help: "Worker process restarts",
		},
	)

	// ReloadClients tracks connected reload websocket clients.
	ReloadClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssr_reload_clients_active",
			Help: "Active reload websocket clients",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		InflightRequests,
		EventsTotal,
		RestartsTotal,
		ReloadClients,
	)
}
