package correlate

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes engine counters. Pass prometheus.DefaultRegisterer to
// publish them; a nil registerer yields working but unregistered collectors,
// which keeps tests independent of global registry state.
type Metrics struct {
	inboundTotal      prometheus.Counter
	inboundMalformed  prometheus.Counter
	matchedTotal      prometheus.Counter
	dispatchedTotal   prometheus.Counter
	matcherFaults     prometheus.Counter
	transformFaults   prometheus.Counter
	emittedTotal      prometheus.Counter
	requestsStarted   prometheus.Counter
	requestsCompleted *prometheus.CounterVec
	activeRequests    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fluxbridge",
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		inboundTotal:     counter("inbound_messages_total", "Inbound messages offered to the registry."),
		inboundMalformed: counter("inbound_malformed_total", "Inbound messages dropped before matching."),
		matchedTotal:     counter("matches_total", "Inbound messages claimed by a pending request."),
		dispatchedTotal:  counter("dispatched_messages_total", "Messages published to the dispatch bus."),
		matcherFaults:    counter("matcher_faults_total", "Requests failed by a panicking matcher."),
		transformFaults:  counter("transform_faults_total", "Transform applications that panicked."),
		emittedTotal:     counter("emitted_messages_total", "Initial messages sent over the channel."),
		requestsStarted:  counter("requests_started_total", "Requests that passed registration."),
		requestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxbridge",
			Subsystem: "engine",
			Name:      "requests_completed_total",
			Help:      "Requests finished, by outcome.",
		}, []string{"outcome"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fluxbridge",
			Subsystem: "engine",
			Name:      "active_requests",
			Help:      "Requests currently registered and waiting.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.inboundTotal,
			m.inboundMalformed,
			m.matchedTotal,
			m.dispatchedTotal,
			m.matcherFaults,
			m.transformFaults,
			m.emittedTotal,
			m.requestsStarted,
			m.requestsCompleted,
			m.activeRequests,
		)
	}
	return m
}

const (
	outcomeOK               = "ok"
	outcomeError            = "error"
	outcomeTimeout          = "timeout"
	outcomeCanceled         = "canceled"
	outcomeEmitError        = "emit_error"
	outcomeSubscriptionLost = "subscription_lost"
)
