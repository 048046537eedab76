package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the durable buffer.
type Metrics struct {
	BatchesAccepted prometheus.Counter
	EventsAccepted  prometheus.Counter
	WriteFailures   prometheus.Counter
	BatchesRemoved  prometheus.Counter
	Rotations       *prometheus.CounterVec
	PurgedFiles     prometheus.Counter
	PurgedEvents    prometheus.Counter
	CorruptRecords  prometheus.Counter
	CorruptSegments prometheus.Counter
	BufferedEvents  prometheus.Gauge
	BufferedBytes   prometheus.Gauge
	BufferedFiles   prometheus.Gauge
}

// NewMetrics registers buffer metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BatchesAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_buffer_batches_accepted_total",
			Help: "Total number of batches durably written to the buffer",
		}),
		EventsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_buffer_events_accepted_total",
			Help: "Total number of events durably written to the buffer",
		}),
		WriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_buffer_write_failures_total",
			Help: "Total number of failed buffer appends",
		}),
		BatchesRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_buffer_batches_removed_total",
			Help: "Total number of batches removed after delivery",
		}),
		Rotations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrelay_buffer_rotations_total",
			Help: "Total number of segment rotations by reason",
		}, []string{"reason"}),
		PurgedFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_buffer_purged_files_total",
			Help: "Total number of segments deleted by the retention sweep",
		}),
		PurgedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_buffer_purged_events_total",
			Help: "Total number of undelivered events lost to the retention sweep",
		}),
		CorruptRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_buffer_corrupt_records_total",
			Help: "Total number of undecodable buffer lines skipped on read",
		}),
		CorruptSegments: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_buffer_unreadable_segments_total",
			Help: "Total number of segment reads that failed and were skipped",
		}),
		BufferedEvents: f.NewGauge(prometheus.GaugeOpts{
			Name: "eventrelay_buffer_events",
			Help: "Events currently staged on disk",
		}),
		BufferedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "eventrelay_buffer_bytes",
			Help: "Bytes currently staged on disk",
		}),
		BufferedFiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "eventrelay_buffer_files",
			Help: "Segment files currently on disk",
		}),
	}
}

func (m *Metrics) IncBatchesAccepted() { m.BatchesAccepted.Inc() }

func (m *Metrics) AddEventsAccepted(n int) { m.EventsAccepted.Add(float64(n)) }

func (m *Metrics) IncWriteFailures() { m.WriteFailures.Inc() }

func (m *Metrics) IncBatchesRemoved() { m.BatchesRemoved.Inc() }

func (m *Metrics) IncRotations(reason string) { m.Rotations.WithLabelValues(reason).Inc() }

func (m *Metrics) IncCorruptRecords() { m.CorruptRecords.Inc() }

func (m *Metrics) IncCorruptSegments() { m.CorruptSegments.Inc() }

// AddPurged records a retention sweep.
func (m *Metrics) AddPurged(files, events int) {
	m.PurgedFiles.Add(float64(files))
	m.PurgedEvents.Add(float64(events))
}

// SetBacklog mirrors the latest stats into the backlog gauges.
func (m *Metrics) SetBacklog(st Stats) {
	m.BufferedEvents.Set(float64(st.TotalEvents))
	m.BufferedBytes.Set(float64(st.TotalBytes))
	m.BufferedFiles.Set(float64(st.FileCount))
}
