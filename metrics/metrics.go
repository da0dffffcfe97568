// Package metrics exposes Prometheus collectors for the transport core.
//
// A nil *Collector is valid and records nothing, so components take an
// optional collector without guarding every call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/socket"
)

// Collector groups the counters and gauges of one core instance.
type Collector struct {
	polls           prometheus.Counter
	dispatched      prometheus.Counter
	suppressed      prometheus.Counter
	unconsumed      prometheus.Counter
	retransmissions prometheus.Counter
	nacks           *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	sessions        *prometheus.GaugeVec
}

// New creates a collector whose metric names start with namespace.
func New(namespace string) *Collector {
	return &Collector{
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "polls_total",
			Help:      "Number of completed poll cycles.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "dispatched_events_total",
			Help:      "Readiness events dispatched to handlers.",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "suppressed_events_total",
			Help:      "Readiness events dropped because their handle was closed or unregistered.",
		}),
		unconsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "unconsumed_readiness_total",
			Help:      "Handlers that returned with readiness flags still raised.",
		}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "retransmissions_total",
			Help:      "Retransmissions triggered by acknowledgement timeouts.",
		}),
		nacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "nacks_total",
			Help:      "Classified transport failures by transport kind and reason.",
		}, []string{"kind", "reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "outcomes_total",
			Help:      "Terminal exchange outcomes.",
		}, []string{"result", "reason"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "sessions",
			Help:      "Sessions currently in endpoint session tables.",
		}, []string{"kind"}),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.polls, c.dispatched, c.suppressed, c.unconsumed,
		c.retransmissions, c.nacks, c.outcomes, c.sessions,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// Register adds the collector to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if c == nil {
		return nil
	}
	return reg.Register(c)
}

// ObservePoll counts one completed poll cycle.
func (c *Collector) ObservePoll() {
	if c == nil {
		return
	}
	c.polls.Inc()
}

// ObserveDispatched counts events handed to handlers.
func (c *Collector) ObserveDispatched(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.dispatched.Add(float64(n))
}

// ObserveSuppressed counts events dropped for closed or unregistered handles.
func (c *Collector) ObserveSuppressed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.suppressed.Add(float64(n))
}

// ObserveUnconsumed counts a handler that left readiness unconsumed.
func (c *Collector) ObserveUnconsumed() {
	if c == nil {
		return
	}
	c.unconsumed.Inc()
}

// ObserveRetransmission counts one timer-driven retransmission.
func (c *Collector) ObserveRetransmission() {
	if c == nil {
		return
	}
	c.retransmissions.Inc()
}

// ObserveNack counts one classified failure.
func (c *Collector) ObserveNack(kind socket.Kind, reason nack.Reason) {
	if c == nil {
		return
	}
	c.nacks.WithLabelValues(kind.String(), reason.String()).Inc()
}

// ObserveOutcome counts a terminal exchange outcome. reason is ignored for
// delivered exchanges.
func (c *Collector) ObserveOutcome(delivered bool, reason nack.Reason) {
	if c == nil {
		return
	}
	if delivered {
		c.outcomes.WithLabelValues("delivered", "").Inc()
		return
	}
	c.outcomes.WithLabelValues("failed", reason.String()).Inc()
}

// SessionOpened increments the session gauge for kind.
func (c *Collector) SessionOpened(kind socket.Kind) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(kind.String()).Inc()
}

// SessionClosed decrements the session gauge for kind.
func (c *Collector) SessionClosed(kind socket.Kind) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(kind.String()).Dec()
}
