package dispatch

import (
	"context"
	"time"

	"eventrelay/internal/publisher"
)

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// staleTicks is how many missed intervals mark a running loop as stuck.
const staleTicks = 3

type HealthStatus struct {
	Status string       `json:"status"`
	Loop   LoopHealth   `json:"loop"`
	Buffer BufferHealth `json:"buffer"`
	Broker BrokerHealth `json:"broker"`
}

type LoopHealth struct {
	State string    `json:"state"`
	Stale bool      `json:"stale"`
	Stats LoopStats `json:"stats"`
}

type BufferHealth struct {
	EventCount    int       `json:"event_count"`
	BatchCount    int       `json:"batch_count"`
	Bytes         int64     `json:"bytes"`
	FileCount     int       `json:"file_count"`
	OldestEventAt time.Time `json:"oldest_event_at,omitempty"`
	NewestEventAt time.Time `json:"newest_event_at,omitempty"`
	Error         string    `json:"error,omitempty"`
}

type BrokerHealth struct {
	Connected    bool            `json:"connected"`
	BreakerState string          `json:"breaker_state,omitempty"`
	Destinations map[string]bool `json:"destinations,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// HealthStatus aggregates buffer stats, an active broker probe and loop
// liveness. The loop being down or the buffer being unreadable is unhealthy;
// a broker problem or a stuck loop is degraded, since ingest still works.
func (o *Orchestrator) HealthStatus(ctx context.Context) HealthStatus {
	state := o.State()
	stats := o.Stats()
	h := HealthStatus{
		Loop: LoopHealth{
			State: state.String(),
			Stats: stats,
		},
	}
	if state == StateRunning && !stats.LastTickAt.IsZero() {
		h.Loop.Stale = o.now().Sub(stats.LastTickAt) > staleTicks*o.cfg.Interval
	}

	bufOK := true
	if st, err := o.buf.Stats(); err != nil {
		bufOK = false
		h.Buffer.Error = err.Error()
	} else {
		h.Buffer = BufferHealth{
			EventCount:    st.TotalEvents,
			BatchCount:    st.TotalBatches,
			Bytes:         st.TotalBytes,
			FileCount:     st.FileCount,
			OldestEventAt: st.OldestEventAt,
			NewestEventAt: st.NewestEventAt,
		}
	}

	bh := o.pub.HealthCheck(ctx)
	h.Broker = brokerHealth(bh)

	switch {
	case state != StateRunning || !bufOK:
		h.Status = StatusUnhealthy
	case !bh.Healthy() || h.Loop.Stale:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}
	return h
}

func brokerHealth(h publisher.Health) BrokerHealth {
	return BrokerHealth{
		Connected:    h.Connected,
		BreakerState: h.BreakerState,
		Destinations: h.Destinations,
		Error:        h.Error,
	}
}
