package publisher

import (
	"context"
	"fmt"
	"time"
)

// Health is the result of an active broker probe.
type Health struct {
	Connected    bool            `json:"connected"`
	BreakerState string          `json:"breaker_state"`
	Destinations map[string]bool `json:"destinations"`
	Error        string          `json:"error,omitempty"`
	CheckedAt    time.Time       `json:"checked_at"`
}

// Healthy is true when the broker is reachable and both destinations exist.
func (h Health) Healthy() bool {
	if !h.Connected {
		return false
	}
	for _, ok := range h.Destinations {
		if !ok {
			return false
		}
	}
	return true
}

// HealthCheck pings both producers and checks that the main and dead-letter
// destinations exist. No data is sent. It is a read-only probe: the connected
// flag and the circuit breaker are only moved by sends, Refresh and
// MonitorConnection, so probe traffic never changes how fast the breaker
// recovers.
func (p *Publisher) HealthCheck(ctx context.Context) Health {
	h := Health{
		Destinations: map[string]bool{
			p.cfg.Topic:           false,
			p.cfg.DeadLetterTopic: false,
		},
		CheckedAt: p.now().UTC(),
	}

	if err := p.ping(ctx); err != nil {
		h.Error = fmt.Sprintf("broker ping: %v", err)
		h.BreakerState = p.breaker.State().String()
		return h
	}
	h.Connected = true

	var problems []string
	if err := p.checkDestination(ctx, p.producer, p.cfg.Topic, h.Destinations); err != nil {
		problems = append(problems, err.Error())
	}
	if p.deadLetter != p.producer {
		if err := p.deadLetter.Ping(ctx); err != nil {
			problems = append(problems, fmt.Sprintf("dead-letter ping: %v", err))
		}
	}
	if err := p.checkDestination(ctx, p.deadLetter, p.cfg.DeadLetterTopic, h.Destinations); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		h.Error = fmt.Sprint(problems)
	}
	h.BreakerState = p.breaker.State().String()
	return h
}

func (p *Publisher) checkDestination(ctx context.Context, producer interface {
	DestinationExists(context.Context, string) (bool, error)
}, name string, into map[string]bool) error {
	ok, err := producer.DestinationExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check destination %s: %w", name, err)
	}
	into[name] = ok
	if !ok {
		return fmt.Errorf("destination %s does not exist", name)
	}
	return nil
}

func (p *Publisher) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	return p.producer.Ping(pingCtx)
}

// Refresh pings the main producer and updates the connected flag and breaker.
func (p *Publisher) Refresh(ctx context.Context) error {
	if err := p.ping(ctx); err != nil {
		wasConnected := p.connected.Swap(false)
		p.recordFailure()
		if wasConnected {
			p.logger.WarnContext(ctx, "broker connection lost", "destination", p.cfg.Topic, "error", err)
		}
		if p.metrics != nil {
			p.metrics.SetConnected(false)
		}
		return fmt.Errorf("broker ping: %w", err)
	}
	if !p.connected.Swap(true) {
		p.logger.InfoContext(ctx, "broker connection established", "destination", p.cfg.Topic)
	}
	p.recordSuccess()
	if p.metrics != nil {
		p.metrics.SetConnected(true)
	}
	return nil
}

// MonitorConnection probes the broker immediately and then every
// HealthInterval until ctx is cancelled.
func (p *Publisher) MonitorConnection(ctx context.Context) {
	_ = p.Refresh(ctx)
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}
