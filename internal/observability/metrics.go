package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec
	dispatchesTotal    *prometheus.CounterVec
	callbacksTotal     *prometheus.CounterVec
	attemptEventsTotal *prometheus.CounterVec
	websocketClients   prometheus.Gauge
	poolJobsTotal      *prometheus.CounterVec
	poolQueueDepth     prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors of the grading services.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gema_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		dispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_xqueue_dispatches_total",
			Help: "Submissions handed to the grader pool by outcome.",
		}, []string{"queue", "outcome"})

		callbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_xqueue_callbacks_total",
			Help: "Grader callbacks received by outcome.",
		}, []string{"outcome"})

		attemptEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_attempt_events_total",
			Help: "Attempt change events published by type.",
		}, []string{"type"})

		websocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gema_attempt_websocket_clients",
			Help: "Open attempt websocket subscriptions.",
		})

		poolJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_grader_pool_jobs_total",
			Help: "Jobs processed by the grader pool by queue and outcome.",
		}, []string{"queue", "outcome"})

		poolQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gema_grader_pool_queue_depth",
			Help: "Jobs accepted by the grader pool and not yet graded.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			dispatchesTotal, callbacksTotal, attemptEventsTotal, websocketClients,
			poolJobsTotal, poolQueueDepth,
		)
	})
}

// HTTPRequests exposes the request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the request latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the error response counter.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// Dispatches counts submissions sent to the grader pool.
func Dispatches() *prometheus.CounterVec {
	RegisterMetrics()
	return dispatchesTotal
}

// Callbacks counts received grader verdicts.
func Callbacks() *prometheus.CounterVec {
	RegisterMetrics()
	return callbacksTotal
}

// AttemptEvents counts published attempt events.
func AttemptEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return attemptEventsTotal
}

// WebsocketClients tracks open websocket subscriptions.
func WebsocketClients() prometheus.Gauge {
	RegisterMetrics()
	return websocketClients
}

// PoolJobs counts jobs graded by the grader pool.
func PoolJobs() *prometheus.CounterVec {
	RegisterMetrics()
	return poolJobsTotal
}

// PoolQueueDepth tracks jobs waiting in the grader pool.
func PoolQueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return poolQueueDepth
}
