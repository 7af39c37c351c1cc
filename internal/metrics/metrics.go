package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine collectors. All methods are safe on a nil receiver
// so components can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	pollTicks    *prometheus.CounterVec
	pollSkipped  *prometheus.CounterVec
	pollFailures *prometheus.CounterVec
	pollStale    *prometheus.CounterVec
	pollLatency  *prometheus.HistogramVec
	sends        *prometheus.CounterVec
	callChanges  *prometheus.CounterVec
	unread       prometheus.Gauge
}

// New registers the engine collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hsync", Subsystem: "poll", Name: "ticks_total",
			Help: "Poll task invocations that issued a request.",
		}, []string{"task"}),
		pollSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hsync", Subsystem: "poll", Name: "skipped_total",
			Help: "Ticks skipped because the previous invocation was still in flight.",
		}, []string{"task"}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hsync", Subsystem: "poll", Name: "failures_total",
			Help: "Poll invocations that returned an error.",
		}, []string{"task"}),
		pollStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hsync", Subsystem: "poll", Name: "stale_total",
			Help: "Responses discarded because their task was cancelled or replaced.",
		}, []string{"task"}),
		pollLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hsync", Subsystem: "poll", Name: "duration_seconds",
			Help:    "Time spent in a poll request.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"task"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hsync", Name: "messages_sent_total",
			Help: "Outbound messages by result.",
		}, []string{"result"}),
		callChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hsync", Name: "call_transitions_total",
			Help: "Call state machine transitions.",
		}, []string{"from", "to"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hsync", Name: "unread_messages",
			Help: "Total unread messages across conversations.",
		}),
	}
	m.registry.MustRegister(
		m.pollTicks, m.pollSkipped, m.pollFailures, m.pollStale, m.pollLatency,
		m.sends, m.callChanges, m.unread,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PollTick(task string) {
	if m != nil {
		m.pollTicks.WithLabelValues(task).Inc()
	}
}

func (m *Metrics) PollSkipped(task string) {
	if m != nil {
		m.pollSkipped.WithLabelValues(task).Inc()
	}
}

func (m *Metrics) PollFailed(task string) {
	if m != nil {
		m.pollFailures.WithLabelValues(task).Inc()
	}
}

func (m *Metrics) PollStale(task string) {
	if m != nil {
		m.pollStale.WithLabelValues(task).Inc()
	}
}

func (m *Metrics) PollObserve(task string, seconds float64) {
	if m != nil {
		m.pollLatency.WithLabelValues(task).Observe(seconds)
	}
}

func (m *Metrics) MessageSent(result string) {
	if m != nil {
		m.sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) CallTransition(from, to string) {
	if m != nil {
		m.callChanges.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) SetUnread(n int) {
	if m != nil {
		m.unread.Set(float64(n))
	}
}
