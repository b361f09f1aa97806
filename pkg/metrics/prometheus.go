package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the global metrics container for the balancer.
type Metrics struct {
	DispatchRequestsTotal *prometheus.CounterVec
	DispatchDuration      *prometheus.HistogramVec
	DispatchRetriesTotal  *prometheus.CounterVec

	InstanceInFlight *prometheus.GaugeVec
	InstanceAlive    *prometheus.GaugeVec

	HealthCheckTotal *prometheus.CounterVec

	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics initializes the metrics container under the given namespace/subsystem.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		DispatchRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_requests_total",
				Help:      "Total number of requests dispatched to upstream instances",
			},
			[]string{"protocol", "outcome"},
		),

		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of a full dispatch attempt, including failover",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"protocol"},
		),

		DispatchRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_retries_total",
				Help:      "Total number of failover retries across all dispatches",
			},
			[]string{"protocol"},
		),

		InstanceInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "instance_in_flight",
				Help:      "Current number of in-flight requests to an upstream instance",
			},
			[]string{"instance"},
		),

		InstanceAlive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "instance_alive",
				Help:      "Whether an upstream instance is currently alive (1) or dead (0)",
			},
			[]string{"instance"},
		),

		HealthCheckTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "health_check_total",
				Help:      "Total number of health check probes, by result",
			},
			[]string{"instance", "result"},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	prometheus.MustRegister(NewRuntimeCollector(namespace, subsystem))

	defaultMetrics = m
	return m
}

// Get returns the global metrics container, initializing it with the
// balancer's default namespace if it hasn't been set up yet.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("balancer", "")
	}
	return defaultMetrics
}

// RecordDispatch records the outcome of a full dispatch (including any
// failover retries) for a single inbound request.
func (m *Metrics) RecordDispatch(protocol, outcome string, duration time.Duration, retries int) {
	m.DispatchRequestsTotal.WithLabelValues(protocol, outcome).Inc()
	m.DispatchDuration.WithLabelValues(protocol).Observe(duration.Seconds())
	if retries > 0 {
		m.DispatchRetriesTotal.WithLabelValues(protocol).Add(float64(retries))
	}
}

// SetInstanceInFlight records an instance's current in-flight request count.
func (m *Metrics) SetInstanceInFlight(instance string, count int64) {
	m.InstanceInFlight.WithLabelValues(instance).Set(float64(count))
}

// SetInstanceAlive records an instance's current liveness.
func (m *Metrics) SetInstanceAlive(instance string, alive bool) {
	v := 0.0
	if alive {
		v = 1.0
	}
	m.InstanceAlive.WithLabelValues(instance).Set(v)
}

// RecordHealthCheck records the result of a single health probe.
func (m *Metrics) RecordHealthCheck(instance, result string) {
	m.HealthCheckTotal.WithLabelValues(instance, result).Inc()
}

// SetServiceInfo sets the service version/environment info gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts the HTTP server exposing Prometheus metrics.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write failure is not actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
