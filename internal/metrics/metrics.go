// Package metrics provides Prometheus metrics for anylink endpoints.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "anylink"

// OverflowTarget is used as the target label when the number of unique
// targets exceeds MaxTargets.
const OverflowTarget = "__other__"

const (
	ReasonTimeout     = "timeout"
	ReasonTransport   = "transport"
	ReasonStatus      = "status"
	ReasonInvalidJSON = "invalid_json"
	ReasonCanceled    = "canceled"
)

// Metrics holds all Prometheus metrics for anylink.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxTargets is the maximum number of unique target label values.
	// Once exceeded, new targets are recorded as OverflowTarget.
	// Zero means unlimited.
	MaxTargets int

	sendsTotal        *prometheus.CounterVec
	sendErrors        *prometheus.CounterVec
	sendDuration      *prometheus.HistogramVec
	discoveryTotal    *prometheus.CounterVec
	fallbacksTotal    prometheus.Counter
	connectionsTotal  *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	queuedCalls       *prometheus.GaugeVec
	pushesTotal       *prometheus.CounterVec
	dialDuration      *prometheus.HistogramVec
	dialRetriesTotal  *prometheus.CounterVec

	targetCount atomic.Int64
	targets     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Total routes sent through an endpoint, by carrier protocol and outcome.",
		}, []string{"protocol", "target", "status"}),

		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total failed sends, by reason.",
		}, []string{"protocol", "reason"}),

		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Round-trip time of a send, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"protocol"}),

		discoveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_total",
			Help:      "Total service discovery attempts, by outcome.",
		}, []string{"status"}),

		fallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_fallbacks_total",
			Help:      "Total discoveries retried over a forced WebSocket subscription.",
		}),

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total subscription connections established, by protocol.",
		}, []string{"protocol"}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open subscription connections.",
		}, []string{"protocol"}),

		queuedCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_calls",
			Help:      "Calls deferred until a service becomes available.",
		}, []string{"service"}),

		pushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Total pushed messages received over subscriptions, by outcome.",
		}, []string{"outcome"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Total time spent opening a subscription carrier, including retry backoff, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"protocol"}),

		dialRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_retries_total",
			Help:      "Total number of carrier dial retry attempts.",
		}, []string{"protocol"}),
	}

	reg.MustRegister(
		m.sendsTotal,
		m.sendErrors,
		m.sendDuration,
		m.discoveryTotal,
		m.fallbacksTotal,
		m.connectionsTotal,
		m.activeConnections,
		m.queuedCalls,
		m.pushesTotal,
		m.dialDuration,
		m.dialRetriesTotal,
	)

	return m
}

// SanitizeTarget returns target if it is within the cardinality budget,
// or OverflowTarget if the cap has been reached. Targets that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeTarget(target string) string {
	if m == nil {
		return target
	}
	if m.MaxTargets <= 0 {
		return target
	}

	for {
		if _, ok := m.targets.Load(target); ok {
			return target
		}

		cur := m.targetCount.Load()
		if cur >= int64(m.MaxTargets) {
			// Another goroutine may have stored this target between the
			// Load and the cap check.
			if _, ok := m.targets.Load(target); ok {
				return target
			}
			return OverflowTarget
		}

		if !m.targetCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		if _, loaded := m.targets.LoadOrStore(target, struct{}{}); loaded {
			m.targetCount.Add(-1)
		}

		return target
	}
}

// ObserveSend records the outcome and latency of one send. reason is
// only used when err is non-nil.
func (m *Metrics) ObserveSend(protocol, target string, seconds float64, err error, reason string) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		m.sendErrors.WithLabelValues(protocol, reason).Inc()
	}
	m.sendsTotal.WithLabelValues(protocol, m.SanitizeTarget(target), status).Inc()
	m.sendDuration.WithLabelValues(protocol).Observe(seconds)
}

// DiscoveryResult counts a finished service discovery.
func (m *Metrics) DiscoveryResult(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.discoveryTotal.WithLabelValues("error").Inc()
		return
	}
	m.discoveryTotal.WithLabelValues("success").Inc()
}

// Fallback counts a discovery retried over a forced WebSocket subscription.
func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.fallbacksTotal.Inc()
}

// ConnectionOpened records a new subscription connection.
func (m *Metrics) ConnectionOpened(protocol string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(protocol).Inc()
	m.activeConnections.WithLabelValues(protocol).Inc()
}

// ConnectionClosed records a subscription connection going away.
func (m *Metrics) ConnectionClosed(protocol string) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(protocol).Dec()
}

// SetQueued sets the number of deferred calls waiting on service.
func (m *Metrics) SetQueued(service string, n int) {
	if m == nil {
		return
	}
	if service == "" {
		service = "any"
	}
	m.queuedCalls.WithLabelValues(service).Set(float64(n))
}

// PushDelivered counts a push that reached the endpoint stream.
func (m *Metrics) PushDelivered() {
	if m == nil {
		return
	}
	m.pushesTotal.WithLabelValues("delivered").Inc()
}

// PushDropped counts a push that did not fit in the endpoint stream or
// could not be parsed.
func (m *Metrics) PushDropped() {
	if m == nil {
		return
	}
	m.pushesTotal.WithLabelValues("dropped").Inc()
}

// ObserveDialDuration records how long opening a carrier took.
func (m *Metrics) ObserveDialDuration(protocol string, seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(protocol).Observe(seconds)
}

// IncrDialRetries increments the retry counter for a protocol.
func (m *Metrics) IncrDialRetries(protocol string) {
	if m == nil {
		return
	}
	m.dialRetriesTotal.WithLabelValues(protocol).Inc()
}

// ErrorReason returns ReasonTimeout for deadline and network timeouts,
// ReasonCanceled for cancellation, otherwise fallback.
func ErrorReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return fallback
}
