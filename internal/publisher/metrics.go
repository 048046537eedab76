package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for broker delivery.
type Metrics struct {
	Published          prometheus.Counter
	Retries            prometheus.Counter
	DeadLettered       prometheus.Counter
	DeadLetterFailures prometheus.Counter
	Connected          prometheus.Gauge
	BreakerState       prometheus.Gauge
}

// NewMetrics registers publisher metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_publisher_events_published_total",
			Help: "Total number of events acknowledged by the main destination",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_publisher_retries_total",
			Help: "Total number of send retries after transient failures",
		}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_publisher_events_dead_lettered_total",
			Help: "Total number of events routed to the dead-letter destination",
		}),
		DeadLetterFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_publisher_dead_letter_failures_total",
			Help: "Total number of events the dead-letter destination also rejected",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "eventrelay_publisher_connected",
			Help: "Broker connectivity from the last probe (1=connected)",
		}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "eventrelay_publisher_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed/healthy, 1=open/unhealthy)",
		}),
	}
}

func (m *Metrics) IncPublished() { m.Published.Inc() }

func (m *Metrics) IncRetries() { m.Retries.Inc() }

func (m *Metrics) IncDeadLettered() { m.DeadLettered.Inc() }

func (m *Metrics) IncDeadLetterFailures() { m.DeadLetterFailures.Inc() }

// SetConnected sets the connectivity gauge.
func (m *Metrics) SetConnected(ok bool) {
	if ok {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// SetBreakerOpen sets the circuit breaker state gauge.
func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.BreakerState.Set(1)
	} else {
		m.BreakerState.Set(0)
	}
}
