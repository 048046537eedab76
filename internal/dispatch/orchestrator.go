// Package dispatch runs the control loop that drains the durable buffer into
// the broker publisher and exposes the pipeline's ingest and health surface.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"eventrelay/internal/buffer"
	"eventrelay/internal/domain"
	"eventrelay/internal/publisher"
)

var tracer = otel.Tracer("eventrelay/dispatch")

var (
	ErrAlreadyRunning = errors.New("orchestrator already running")
	ErrNotRunning     = errors.New("orchestrator not running")
)

// State is the orchestrator lifecycle position.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Buffer is the slice of the durable buffer the orchestrator drives.
type Buffer interface {
	Open() error
	Close() error
	Accept(ctx context.Context, batch domain.Batch) error
	ReadBatches(ctx context.Context, maxCount int) []buffer.StagedBatch
	RemoveBatch(filePath, batchID string) error
	Stats() (buffer.Stats, error)
	RunMaintenance(ctx context.Context)
}

// Publisher is the slice of the broker publisher the orchestrator drives.
type Publisher interface {
	Publish(ctx context.Context, batchID string, events []domain.Event) publisher.Result
	IsConnected() bool
	HealthCheck(ctx context.Context) publisher.Health
	MonitorConnection(ctx context.Context)
}

type Config struct {
	Interval   time.Duration
	MaxBatches int
}

func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, MaxBatches: 50}
}

// Orchestrator owns the dispatch loop. Ingest calls go straight to the buffer
// and never wait on the loop or the broker.
type Orchestrator struct {
	cfg     Config
	buf     Buffer
	pub     Publisher
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{} // closed once a stop reaches StateStopped
	stopErr error

	// cycleMu serializes cycles between the loop and direct RunCycle calls.
	cycleMu sync.Mutex

	statsMu sync.Mutex
	stats   LoopStats
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates a stopped orchestrator.
func New(cfg Config, buf Buffer, pub Publisher, opts ...Option) (*Orchestrator, error) {
	if buf == nil {
		return nil, errors.New("buffer is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}
	o := &Orchestrator{
		cfg:   cfg,
		buf:   buf,
		pub:   pub,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// State returns the lifecycle position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start opens the buffer and launches the dispatch loop, the buffer's
// maintenance tasks and the broker connection monitor. Failing to open the
// buffer is the only fatal startup error. The background tasks outlive ctx;
// Stop ends them.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateStopped {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.state = StateStarting
	o.mu.Unlock()

	if err := o.buf.Open(); err != nil {
		o.setState(StateStopped)
		return fmt.Errorf("open buffer: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.statsMu.Lock()
	o.stats.LastTickAt = o.now()
	o.statsMu.Unlock()

	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.loop(loopCtx)
	}()
	go func() {
		defer o.wg.Done()
		o.buf.RunMaintenance(loopCtx)
	}()
	go func() {
		defer o.wg.Done()
		o.pub.MonitorConnection(loopCtx)
	}()

	o.mu.Lock()
	o.cancel = cancel
	o.state = StateRunning
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.SetRunning(true)
	}
	o.logger.InfoContext(ctx, "dispatch orchestrator started",
		"interval", o.cfg.Interval.String(),
		"max_batches", o.cfg.MaxBatches,
	)
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish. An
// in-flight broker send completes; pending backoff sleeps are cut short. If
// ctx ends first Stop returns its error while the shutdown carries on in the
// background: the buffer is closed and the state reaches StateStopped once the
// tasks exit. Calling Stop again during that window waits for the same
// shutdown.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	var done chan struct{}
	switch o.state {
	case StateRunning:
		o.state = StateStopping
		o.stopped = make(chan struct{})
		done = o.stopped
		cancel := o.cancel
		o.mu.Unlock()
		cancel()
		go o.finishStop(done)
	case StateStopping:
		done = o.stopped
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		return ErrNotRunning
	}

	select {
	case <-done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.stopErr
	case <-ctx.Done():
		o.logger.WarnContext(ctx, "dispatch orchestrator stop timed out waiting for in-flight cycle")
		return fmt.Errorf("stop orchestrator: %w", ctx.Err())
	}
}

// finishStop waits for the background tasks, closes the buffer and completes
// the Stopping to Stopped transition.
func (o *Orchestrator) finishStop(done chan struct{}) {
	o.wg.Wait()
	err := o.buf.Close()
	if err != nil {
		err = fmt.Errorf("close buffer: %w", err)
	}

	o.mu.Lock()
	o.state = StateStopped
	o.cancel = nil
	o.stopErr = err
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.SetRunning(false)
	}
	o.logger.Info("dispatch orchestrator stopped")
	close(done)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

func (o *Orchestrator) loop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// IsReady is true only while the loop is running and the broker is connected.
func (o *Orchestrator) IsReady() bool {
	return o.State() == StateRunning && o.pub.IsConnected()
}
