package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the CSE. A nil *Metrics is valid
// and records nothing, so components take it without guarding call sites.
type Metrics struct {
	config MetricsConfig

	// Request metrics
	requestsReceived *prometheus.CounterVec
	requestsHandled  *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec

	// Resource metrics
	resourcesTotal   *prometheus.GaugeVec
	resourcesExpired *prometheus.CounterVec

	// Notification metrics
	notificationsSent    *prometheus.CounterVec
	notificationDuration *prometheus.HistogramVec
	notificationQueue    prometheus.Gauge
	activeSubscriptions  prometheus.Gauge

	// Group metrics
	fanoutRequests *prometheus.CounterVec
	fanoutDuration *prometheus.HistogramVec

	// Announcement metrics
	announcements *prometheus.CounterVec

	// Scheduler metrics
	taskRuns *prometheus.CounterVec

	// Error metrics
	errorsByRSC *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Request metrics
		requestsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_received_total",
				Help:      "Total number of request primitives received",
			},
			[]string{"operation"},
		),
		requestsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_handled_total",
				Help:      "Total number of request primitives handled by status code",
			},
			[]string{"operation", "rsc"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of request handling in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "resource_type"},
		),

		// Resource metrics
		resourcesTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_total",
				Help:      "Current number of resources in the tree by type",
			},
			[]string{"type"},
		),
		resourcesExpired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_expired_total",
				Help:      "Total number of resources removed by the expiry sweep",
			},
			[]string{"type"},
		),

		// Notification metrics
		notificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Total number of notifications sent by outcome",
			},
			[]string{"status"},
		),
		notificationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "notification_duration_seconds",
				Help:      "Duration of notification delivery in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		notificationQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notification_queue_depth",
				Help:      "Current number of notifications waiting for delivery",
			},
		),
		activeSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_subscriptions",
				Help:      "Current number of subscription resources",
			},
		),

		// Group metrics
		fanoutRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_requests_total",
				Help:      "Total number of group fan-out member requests",
			},
			[]string{"operation", "status"},
		),
		fanoutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fanout_duration_seconds",
				Help:      "Duration of complete group fan-outs in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		// Announcement metrics
		announcements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "announcements_total",
				Help:      "Total number of announcement operations",
			},
			[]string{"operation", "status"},
		),

		// Scheduler metrics
		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_task_runs_total",
				Help:      "Total number of background task executions",
			},
			[]string{"task", "status"},
		),

		// Error metrics
		errorsByRSC: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of failed requests by response status code",
			},
			[]string{"rsc"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.requestsReceived,
		m.requestsHandled,
		m.requestDuration,
		m.resourcesTotal,
		m.resourcesExpired,
		m.notificationsSent,
		m.notificationDuration,
		m.notificationQueue,
		m.activeSubscriptions,
		m.fanoutRequests,
		m.fanoutDuration,
		m.announcements,
		m.taskRuns,
		m.errorsByRSC,
	)

	return m, nil
}

// Request Metrics

// RecordRequestReceived increments the counter for received requests.
func (m *Metrics) RecordRequestReceived(operation string) {
	if m == nil || m.requestsReceived == nil {
		return
	}
	m.requestsReceived.WithLabelValues(operation).Inc()
}

// RecordRequestHandled records a handled request with its status code,
// duration and the type of the targeted resource.
func (m *Metrics) RecordRequestHandled(operation, rsc, resourceType string, duration time.Duration) {
	if m == nil || m.requestsHandled == nil {
		return
	}
	m.requestsHandled.WithLabelValues(operation, rsc).Inc()
	m.requestDuration.WithLabelValues(operation, resourceType).Observe(duration.Seconds())
}

// Resource Metrics

// SetResourceCount sets the current count of resources of a type.
func (m *Metrics) SetResourceCount(resourceType string, count float64) {
	if m == nil || m.resourcesTotal == nil {
		return
	}
	m.resourcesTotal.WithLabelValues(resourceType).Set(count)
}

// RecordResourceExpired records a resource removed by the expiry sweep.
func (m *Metrics) RecordResourceExpired(resourceType string) {
	if m == nil || m.resourcesExpired == nil {
		return
	}
	m.resourcesExpired.WithLabelValues(resourceType).Inc()
}

// Notification Metrics

// RecordNotification records a notification delivery attempt.
func (m *Metrics) RecordNotification(status string, duration time.Duration) {
	if m == nil || m.notificationsSent == nil {
		return
	}
	m.notificationsSent.WithLabelValues(status).Inc()
	m.notificationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetNotificationQueueDepth sets the current notifier queue depth.
func (m *Metrics) SetNotificationQueueDepth(depth float64) {
	if m == nil || m.notificationQueue == nil {
		return
	}
	m.notificationQueue.Set(depth)
}

// SetActiveSubscriptions sets the current number of subscriptions.
func (m *Metrics) SetActiveSubscriptions(count float64) {
	if m == nil || m.activeSubscriptions == nil {
		return
	}
	m.activeSubscriptions.Set(count)
}

// Group Metrics

// RecordFanoutRequest records a single member request of a group fan-out.
func (m *Metrics) RecordFanoutRequest(operation, status string) {
	if m == nil || m.fanoutRequests == nil {
		return
	}
	m.fanoutRequests.WithLabelValues(operation, status).Inc()
}

// RecordFanoutDuration records the duration of a complete fan-out.
func (m *Metrics) RecordFanoutDuration(operation string, duration time.Duration) {
	if m == nil || m.fanoutDuration == nil {
		return
	}
	m.fanoutDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Announcement Metrics

// RecordAnnouncement records an announcement operation and its outcome.
func (m *Metrics) RecordAnnouncement(operation, status string) {
	if m == nil || m.announcements == nil {
		return
	}
	m.announcements.WithLabelValues(operation, status).Inc()
}

// Scheduler Metrics

// RecordTaskRun records a background task execution.
func (m *Metrics) RecordTaskRun(task, status string) {
	if m == nil || m.taskRuns == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, status).Inc()
}

// Error Metrics

// RecordError records a failed request by response status code.
func (m *Metrics) RecordError(rsc string) {
	if m == nil || m.errorsByRSC == nil {
		return
	}
	m.errorsByRSC.WithLabelValues(rsc).Inc()
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. It is a no-op
// when metrics are disabled or no listen address is configured, which is
// the case when the admin listener serves the metrics handler instead.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
