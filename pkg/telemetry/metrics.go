package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/handlerkit/pkg/proxy"
)

// Metrics provides Prometheus metrics for handlerkit and implements proxy.MetricsPublisher.
type Metrics struct {
	config MetricsConfig

	// Invocation metrics
	invocations     *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	handlerFailures *prometheus.CounterVec
	errorsByClass   *prometheus.CounterVec
	reinvocations   *prometheus.CounterVec
	callbackReports *prometheus.CounterVec
	triggersFired   *prometheus.CounterVec
	inFlight        prometheus.Gauge

	registry *prometheus.Registry
}

var _ proxy.MetricsPublisher = (*Metrics)(nil)

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

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of host invocations",
			},
			[]string{"action"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Duration of one handler cycle in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_exceptions_total",
				Help:      "Total number of mapped failures by action and error code",
			},
			[]string{"action", "error_code"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of failures by retry class",
			},
			[]string{"class"},
		),
		reinvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reinvocations_total",
				Help:      "Total number of continuations by mode (local, external, failed)",
			},
			[]string{"mode"},
		),
		callbackReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_reports_total",
				Help:      "Total number of progress reports by status and outcome",
			},
			[]string{"status", "outcome"},
		),
		triggersFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_dispatched_total",
				Help:      "Total number of delayed re-invocations dispatched",
			},
			[]string{"outcome"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "invocations_in_flight",
				Help:      "Current number of invocations being handled",
			},
		),
	}

	registry.MustRegister(
		m.invocations,
		m.handlerDuration,
		m.handlerFailures,
		m.errorsByClass,
		m.reinvocations,
		m.callbackReports,
		m.triggersFired,
		m.inFlight,
	)

	return m, nil
}

// PublishInvocation increments the invocation counter for action.
func (m *Metrics) PublishInvocation(_ context.Context, action proxy.Action) {
	if m.invocations == nil {
		return
	}
	m.invocations.WithLabelValues(string(action)).Inc()
}

// PublishDuration records the duration of one handler cycle.
func (m *Metrics) PublishDuration(_ context.Context, action proxy.Action, d time.Duration) {
	if m.handlerDuration == nil {
		return
	}
	m.handlerDuration.WithLabelValues(string(action)).Observe(d.Seconds())
}

// PublishException records a mapped failure by code and retry class.
func (m *Metrics) PublishException(_ context.Context, action proxy.Action, code proxy.HandlerErrorCode, err error) {
	if m.handlerFailures == nil {
		return
	}
	m.handlerFailures.WithLabelValues(string(action), string(code)).Inc()

	class := code.Class()
	var he *proxy.HandlerError
	if errors.As(err, &he) {
		class = he.Class()
	}
	m.errorsByClass.WithLabelValues(string(class)).Inc()
}

// RecordReinvocation records how an IN_PROGRESS event was continued.
func (m *Metrics) RecordReinvocation(mode string) {
	if m.reinvocations == nil {
		return
	}
	m.reinvocations.WithLabelValues(mode).Inc()
}

// RecordCallbackReport records the outcome of one progress report.
func (m *Metrics) RecordCallbackReport(status proxy.OperationStatus, err error) {
	if m.callbackReports == nil {
		return
	}
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	m.callbackReports.WithLabelValues(string(status), outcome).Inc()
}

// RecordTriggerDispatch records the outcome of dispatching a delayed re-invocation.
func (m *Metrics) RecordTriggerDispatch(outcome string) {
	if m.triggersFired == nil {
		return
	}
	m.triggersFired.WithLabelValues(outcome).Inc()
}

// InvocationStarted increments the in-flight gauge and returns a func that decrements it.
func (m *Metrics) InvocationStarted() func() {
	if m.inFlight == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// NewMetricsServer returns an HTTP server exposing the metrics endpoint, or nil
// when metrics are disabled.
func (m *Metrics) NewMetricsServer() *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
