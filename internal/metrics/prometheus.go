package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for kernel metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	cranksTotal             *prometheus.CounterVec
	gcActionsTotal          *prometheus.CounterVec
	promiseResolutionsTotal prometheus.Counter
	remoteFramesTotal       *prometheus.CounterVec
	vatRestartsTotal        *prometheus.CounterVec
	vatTerminationsTotal    *prometheus.CounterVec

	// Histograms
	crankDuration *prometheus.HistogramVec

	// Gauges
	uptime        prometheus.GaugeFunc
	runQueueDepth prometheus.Gauge

	// Circuit breaker (vat supervisor restart tracking)
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for crank duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		cranksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cranks_total",
				Help:      "Total number of crank cycles (run-queue item dispatches) executed",
			},
			[]string{"vat", "status"},
		),

		gcActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_actions_total",
				Help:      "Total number of GC actions emitted by the collector",
			},
			[]string{"kind"},
		),

		promiseResolutionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "promise_resolutions_total",
				Help:      "Total number of promises resolved, rejected, or forwarded",
			},
		),

		remoteFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_frames_total",
				Help:      "Total number of RemoteComms frames transferred",
			},
			[]string{"direction"}, // in, out
		),

		vatRestartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vat_restarts_total",
				Help:      "Total number of vat restarts performed by the supervisor",
			},
			[]string{"vat"},
		),

		vatTerminationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vat_terminations_total",
				Help:      "Total number of vats permanently terminated",
			},
			[]string{"vat", "reason"},
		),

		crankDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "crank_duration_milliseconds",
				Help:      "Duration of crank cycles in milliseconds",
				Buckets:   buckets,
			},
			[]string{"vat"},
		),

		runQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_queue_depth",
				Help:      "Current depth of the kernel run queue as last observed by the crank loop",
			},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current restart circuit breaker state per vat (0=closed, 1=open, 2=half_open)",
			},
			[]string{"vat"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions per vat",
			},
			[]string{"vat", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since kerneld started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.cranksTotal,
		pm.gcActionsTotal,
		pm.promiseResolutionsTotal,
		pm.remoteFramesTotal,
		pm.vatRestartsTotal,
		pm.vatTerminationsTotal,
		pm.crankDuration,
		pm.uptime,
		pm.runQueueDepth,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusCrank records a crank cycle in Prometheus collectors
func RecordPrometheusCrank(vatID string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}

	status := "ok"
	if !success {
		status = "failed"
	}
	promMetrics.cranksTotal.WithLabelValues(vatID, status).Inc()
	promMetrics.crankDuration.WithLabelValues(vatID).Observe(float64(durationMs))
}

// SetPrometheusRunQueueDepth sets the run queue depth gauge
func SetPrometheusRunQueueDepth(depth int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.runQueueDepth.Set(float64(depth))
}

// RecordPrometheusGCAction records a GC action in Prometheus
func RecordPrometheusGCAction(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.gcActionsTotal.WithLabelValues(kind).Inc()
}

// RecordPrometheusPromiseResolution records a promise resolution in Prometheus
func RecordPrometheusPromiseResolution() {
	if promMetrics == nil {
		return
	}
	promMetrics.promiseResolutionsTotal.Inc()
}

// RecordPrometheusRemoteFrame records an inbound or outbound RemoteComms frame
func RecordPrometheusRemoteFrame(inbound bool) {
	if promMetrics == nil {
		return
	}
	direction := "out"
	if inbound {
		direction = "in"
	}
	promMetrics.remoteFramesTotal.WithLabelValues(direction).Inc()
}

// RecordPrometheusVatRestart records a vat restart in Prometheus
func RecordPrometheusVatRestart(vatID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.vatRestartsTotal.WithLabelValues(vatID).Inc()
}

// RecordPrometheusVatTermination records a vat termination in Prometheus
func RecordPrometheusVatTermination(vatID, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.vatTerminationsTotal.WithLabelValues(vatID, reason).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// SetCircuitBreakerState sets the restart circuit breaker state gauge for a vat.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(vatID string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(vatID).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition for a vat.
func RecordCircuitBreakerTrip(vatID, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(vatID, toState).Inc()
}
