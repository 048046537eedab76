package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for ingest and the dispatch loop.
type Metrics struct {
	EventsAccepted     prometheus.Counter
	EventsRejected     prometheus.Counter
	Cycles             *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	BatchesRemoved     prometheus.Counter
	BatchesRetained    prometheus.Counter
	GarbageBatches     prometheus.Counter
	UndecodableEvents  prometheus.Counter
	EventsPublished    prometheus.Counter
	EventsDeadLettered prometheus.Counter
	Running            prometheus.Gauge
}

// NewMetrics registers dispatch metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_ingest_events_accepted_total",
			Help: "Total number of events durably accepted at intake",
		}),
		EventsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_ingest_events_rejected_total",
			Help: "Total number of events rejected at intake",
		}),
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrelay_dispatch_cycles_total",
			Help: "Total number of dispatch cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventrelay_dispatch_cycle_duration_seconds",
			Help:    "Duration of dispatch cycles that did work",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		BatchesRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_dispatch_batches_removed_total",
			Help: "Total number of batches removed after every event was accounted for",
		}),
		BatchesRetained: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_dispatch_batches_retained_total",
			Help: "Total number of batches kept for another cycle",
		}),
		GarbageBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_dispatch_garbage_batches_total",
			Help: "Total number of batches removed because no event in them decoded",
		}),
		UndecodableEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_dispatch_undecodable_events_total",
			Help: "Total number of buffered events dropped because they no longer decode",
		}),
		EventsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_dispatch_events_published_total",
			Help: "Total number of events delivered by dispatch cycles",
		}),
		EventsDeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_dispatch_events_dead_lettered_total",
			Help: "Total number of events dead-lettered by dispatch cycles",
		}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Name: "eventrelay_dispatch_running",
			Help: "Whether the dispatch loop is running (1=running)",
		}),
	}
}

func (m *Metrics) AddAccepted(n int) { m.EventsAccepted.Add(float64(n)) }

func (m *Metrics) AddRejected(n int) { m.EventsRejected.Add(float64(n)) }

func (m *Metrics) IncCycles(outcome string) { m.Cycles.WithLabelValues(outcome).Inc() }

func (m *Metrics) ObserveCycle(d time.Duration) { m.CycleDuration.Observe(d.Seconds()) }

func (m *Metrics) IncRemoved() { m.BatchesRemoved.Inc() }

func (m *Metrics) IncRetained() { m.BatchesRetained.Inc() }

func (m *Metrics) IncGarbage() { m.GarbageBatches.Inc() }

func (m *Metrics) IncUndecodable() { m.UndecodableEvents.Inc() }

// AddEvents records per-cycle delivery outcomes.
func (m *Metrics) AddEvents(published, deadLettered int) {
	m.EventsPublished.Add(float64(published))
	m.EventsDeadLettered.Add(float64(deadLettered))
}

// SetRunning sets the loop gauge.
func (m *Metrics) SetRunning(running bool) {
	if running {
		m.Running.Set(1)
	} else {
		m.Running.Set(0)
	}
}
