package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for leasekeeper.
//
// Every Record method is safe to call on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Monitoring metrics
	monitorCycles   *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	leasesScanned   prometheus.Counter
	leaseFailures   *prometheus.CounterVec
	leaseEvents     *prometheus.CounterVec
	leaseTransition *prometheus.CounterVec

	// Deployment metrics
	actionsHandled       *prometheus.CounterVec
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec

	// Provisioning metrics
	provisioningCalls    *prometheus.CounterVec
	provisioningDuration *prometheus.HistogramVec
	provisioningErrors   *prometheus.CounterVec
	retries              *prometheus.CounterVec

	// Event delivery metrics
	eventsPublished *prometheus.CounterVec
	eventFailures   *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		monitorCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_cycles_total",
				Help:      "Total number of lease monitoring cycles",
			},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "monitor_cycle_duration_seconds",
				Help:      "Duration of lease monitoring cycles in seconds",
				Buckets:   buckets,
			},
		),
		leasesScanned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_scanned_total",
				Help:      "Total number of leases evaluated by monitoring cycles",
			},
		),
		leaseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_failures_total",
				Help:      "Total number of per-lease monitoring failures",
			},
			[]string{"stage"},
		),
		leaseEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_events_total",
				Help:      "Total number of lease threshold and lifecycle events emitted",
			},
			[]string{"type"},
		),
		leaseTransition: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_transitions_total",
				Help:      "Total number of lease status transitions",
			},
			[]string{"from", "to"},
		),

		actionsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_actions_total",
				Help:      "Total number of deployment orchestration actions handled",
			},
			[]string{"action", "status"},
		),
		deploymentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of deployments that reached a terminal status",
			},
			[]string{"status", "error_type"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of completed deployments in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		provisioningCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_calls_total",
				Help:      "Total number of provisioning API calls",
			},
			[]string{"operation"},
		),
		provisioningDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioning_call_duration_seconds",
				Help:      "Duration of provisioning API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		provisioningErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_errors_total",
				Help:      "Total number of provisioning API errors by class",
			},
			[]string{"operation", "class"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried calls",
			},
			[]string{"operation"},
		),

		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of events delivered to a sink",
			},
			[]string{"type", "sink"},
		),
		eventFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_failures_total",
				Help:      "Total number of events a sink failed to accept",
			},
			[]string{"type", "sink"},
		),
	}

	registry.MustRegister(
		m.monitorCycles,
		m.cycleDuration,
		m.leasesScanned,
		m.leaseFailures,
		m.leaseEvents,
		m.leaseTransition,
		m.actionsHandled,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.provisioningCalls,
		m.provisioningDuration,
		m.provisioningErrors,
		m.retries,
		m.eventsPublished,
		m.eventFailures,
	)

	return m, nil
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Monitoring

// RecordCycle records a finished monitoring cycle.
func (m *Metrics) RecordCycle(result string, scanned int, duration time.Duration) {
	if m.monitorCycles == nil {
		return
	}
	m.monitorCycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(duration.Seconds())
	m.leasesScanned.Add(float64(scanned))
}

// RecordLeaseFailure counts a lease that could not be processed at stage.
func (m *Metrics) RecordLeaseFailure(stage string) {
	if m.leaseFailures == nil {
		return
	}
	m.leaseFailures.WithLabelValues(stage).Inc()
}

// RecordLeaseEvent counts an emitted lease event.
func (m *Metrics) RecordLeaseEvent(eventType string) {
	if m.leaseEvents == nil {
		return
	}
	m.leaseEvents.WithLabelValues(eventType).Inc()
}

// RecordLeaseTransition counts a lease status change.
func (m *Metrics) RecordLeaseTransition(from, to string) {
	if m.leaseTransition == nil {
		return
	}
	m.leaseTransition.WithLabelValues(from, to).Inc()
}

// Deployments

// RecordAction counts a handled orchestration action by resulting status.
func (m *Metrics) RecordAction(action, status string) {
	if m.actionsHandled == nil {
		return
	}
	m.actionsHandled.WithLabelValues(action, status).Inc()
}

// RecordDeploymentCompleted records a deployment reaching a terminal status.
func (m *Metrics) RecordDeploymentCompleted(status, errorType string, duration time.Duration) {
	if m.deploymentsCompleted == nil {
		return
	}
	m.deploymentsCompleted.WithLabelValues(status, errorType).Inc()
	m.deploymentDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Provisioning

// RecordProvisioningCall records a provisioning API call with its duration.
func (m *Metrics) RecordProvisioningCall(operation string, duration time.Duration) {
	if m.provisioningCalls == nil {
		return
	}
	m.provisioningCalls.WithLabelValues(operation).Inc()
	m.provisioningDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordProvisioningError records a failed provisioning call by error class.
func (m *Metrics) RecordProvisioningError(operation, class string) {
	if m.provisioningErrors == nil {
		return
	}
	m.provisioningErrors.WithLabelValues(operation, class).Inc()
}

// RecordRetry counts a retried call.
func (m *Metrics) RecordRetry(operation string) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// Events

// RecordEventPublished counts an event delivered to sink.
func (m *Metrics) RecordEventPublished(eventType, sink string) {
	if m.eventsPublished == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType, sink).Inc()
}

// RecordEventFailure counts an event a sink rejected.
func (m *Metrics) RecordEventFailure(eventType, sink string) {
	if m.eventFailures == nil {
		return
	}
	m.eventFailures.WithLabelValues(eventType, sink).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics. Serve errors are
// reported to logger.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}

// StopMetricsServer shuts the metrics server down if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
