// Package monitoring exposes Prometheus metrics for the agent's own
// bookkeeping: span throughput, shed work, and transport health. These are
// about the agent, not the monitored application - the application's traces
// go to the core agent, not to Prometheus.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	// Request lifecycle
	RequestsStarted  prometheus.Counter
	RequestsFinished prometheus.Counter
	RequestsIgnored  prometheus.Counter
	RequestsSwept    prometheus.Counter
	RequestsActive   prometheus.Gauge

	// Span lifecycle
	SpansStarted    prometheus.Counter
	SpansCompleted  prometheus.Counter
	SpansForced     prometheus.Counter
	SpanMismatches  prometheus.Counter
	QueueTimeTagged prometheus.Counter

	// N+1 detection
	BacktraceCaptures prometheus.Counter

	// Transport
	SendsTotal   prometheus.Counter
	SendErrors   prometheus.Counter
	SendsDropped prometheus.Counter
}

// NewMetrics creates the agent metric set on the given registerer. Tests pass
// a private registry so repeated construction never collides.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_requests_started_total",
			Help: "Total number of tracked requests started",
		}),
		RequestsFinished: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_requests_finished_total",
			Help: "Total number of tracked requests finished and handed to transport",
		}),
		RequestsIgnored: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_requests_ignored_total",
			Help: "Total number of finished requests dropped as not-real or ignored",
		}),
		RequestsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_requests_swept_total",
			Help: "Total number of abandoned requests reclaimed by the registry sweep",
		}),
		RequestsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scout_requests_active",
			Help: "Number of requests currently tracked in the registry",
		}),
		SpansStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_spans_started_total",
			Help: "Total number of spans started",
		}),
		SpansCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_spans_completed_total",
			Help: "Total number of spans stopped in order",
		}),
		SpansForced: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_spans_forced_total",
			Help: "Total number of spans force-closed by request finish",
		}),
		SpanMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_span_mismatches_total",
			Help: "Total number of out-of-order span stop attempts",
		}),
		QueueTimeTagged: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_queue_time_tagged_total",
			Help: "Total number of requests tagged with upstream queue time",
		}),
		BacktraceCaptures: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_backtrace_captures_total",
			Help: "Total number of N+1 backtrace captures",
		}),
		SendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_transport_sends_total",
			Help: "Total number of command batches sent to the core agent",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_transport_send_errors_total",
			Help: "Total number of failed sends to the core agent",
		}),
		SendsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_transport_dropped_total",
			Help: "Total number of finished requests dropped due to a full send queue",
		}),
	}
}

// NewNopMetrics creates a metric set bound to a throwaway registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
