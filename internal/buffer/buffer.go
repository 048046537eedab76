// Package buffer implements the durable, file-backed staging area that every
// accepted event passes through before dispatch.
//
// Batches are appended as one JSON line each to segment files in a single
// directory. A segment is rotated when the next line would push it past the
// configured size cap, when it has been open longer than RotateAfter, or when a
// batch is removed from it. Segment names encode their creation time so a
// restart can find and drain what a previous process left behind.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"eventrelay/internal/domain"
	"eventrelay/pkg/platform/sentinel"
)

// ErrEmptyBatch is returned when Accept is called with no events.
var ErrEmptyBatch = errors.New("batch has no events")

// Config controls segment sizing, retention and stats caching.
type Config struct {
	Dir           string
	MaxFileBytes  int64
	Retention     time.Duration
	SweepInterval time.Duration
	RotateAfter   time.Duration
	StatsTTL      time.Duration
}

// DefaultConfig returns the production defaults for a buffer rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		MaxFileBytes:  10 << 20,
		Retention:     24 * time.Hour,
		SweepInterval: 10 * time.Minute,
		RotateAfter:   5 * time.Minute,
		StatsTTL:      30 * time.Second,
	}
}

func (c *Config) withDefaults() {
	def := DefaultConfig(c.Dir)
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = def.MaxFileBytes
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.RotateAfter <= 0 {
		c.RotateAfter = def.RotateAfter
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = def.StatsTTL
	}
}

// Buffer is the single owner of the segment files in its directory. One mutex
// serializes every file mutation so no two writers interleave bytes and a
// rewrite never races an append.
type Buffer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu             sync.Mutex
	opened         bool
	active         *os.File
	activePath     string
	activeSize     int64
	activeOpenedAt time.Time

	stats      Stats
	statsAt    time.Time
	statsValid bool
}

// Option configures the Buffer.
type Option func(*Buffer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Buffer) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(b *Buffer) {
		b.metrics = m
	}
}

// New creates a buffer for cfg.Dir. Nothing touches the disk until Open.
func New(cfg Config, opts ...Option) (*Buffer, error) {
	if cfg.Dir == "" {
		return nil, errors.New("buffer directory is required")
	}
	cfg.withDefaults()
	b := &Buffer{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

// Dir returns the buffer directory.
func (b *Buffer) Dir() string { return b.cfg.Dir }

// Config returns the effective configuration after defaults.
func (b *Buffer) Config() Config { return b.cfg }

// Open prepares the directory. Leftover temp files from an interrupted
// rewrite are discarded; the originals they were replacing are still intact.
func (b *Buffer) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create buffer dir: %w", err)
	}
	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		return fmt.Errorf("read buffer dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != tempExt {
			continue
		}
		path := filepath.Join(b.cfg.Dir, e.Name())
		if err := os.Remove(path); err != nil {
			b.logger.Warn("failed to remove stale temp segment", "file", path, "error", err)
		}
	}
	b.opened = true
	b.statsValid = false
	return nil
}

// Close releases the active segment. Accept fails after Close until Open is
// called again.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = false
	return b.closeActiveLocked()
}

// Accept durably appends batch to the active segment. When it returns nil the
// line has been fsynced; when it returns an error nothing from this batch is
// visible to readers.
func (b *Buffer) Accept(ctx context.Context, batch domain.Batch) error {
	if len(batch.Events) == 0 {
		return ErrEmptyBatch
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := encodeBatch(batch)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", batch.BatchID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.opened {
		return fmt.Errorf("accept batch %s: %w", batch.BatchID, sentinel.ErrClosed)
	}
	if err := b.prepareActiveLocked(int64(len(line))); err != nil {
		b.recordWriteFailure()
		return err
	}
	if err := b.appendLocked(line); err != nil {
		b.recordWriteFailure()
		return fmt.Errorf("append batch %s: %w", batch.BatchID, err)
	}
	b.statsValid = false
	if b.metrics != nil {
		b.metrics.IncBatchesAccepted()
		b.metrics.AddEventsAccepted(len(batch.Events))
	}
	return nil
}

// prepareActiveLocked rotates before a write that would overflow the cap.
// A line larger than the cap still goes into a fresh segment on its own, so
// no segment exceeds the cap by more than one batch.
func (b *Buffer) prepareActiveLocked(lineLen int64) error {
	if b.active != nil && b.activeSize > 0 && b.activeSize+lineLen > b.cfg.MaxFileBytes {
		if err := b.rotateLocked("size"); err != nil {
			return err
		}
	}
	if b.active == nil {
		return b.openSegmentLocked()
	}
	return nil
}

func (b *Buffer) openSegmentLocked() error {
	created := b.now()
	for attempt := 0; attempt < 16; attempt++ {
		path := filepath.Join(b.cfg.Dir, segmentName(created))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
		if errors.Is(err, os.ErrExist) {
			created = created.Add(time.Nanosecond)
			continue
		}
		if err != nil {
			return fmt.Errorf("create segment: %w", err)
		}
		if err := syncDir(b.cfg.Dir); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return fmt.Errorf("sync buffer dir: %w", err)
		}
		b.active = f
		b.activePath = path
		b.activeSize = 0
		b.activeOpenedAt = b.now()
		return nil
	}
	return errors.New("create segment: name collision")
}

func (b *Buffer) appendLocked(line []byte) error {
	n, err := b.active.Write(line)
	if err == nil && n < len(line) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(line))
	}
	if err == nil {
		err = b.active.Sync()
	}
	if err != nil {
		// Drop the torn tail so readers never see a partial batch.
		if terr := b.active.Truncate(b.activeSize); terr != nil {
			b.logger.Error("failed to truncate segment after write error",
				"file", b.activePath,
				"error", terr,
			)
			_ = b.closeActiveLocked()
		}
		return err
	}
	b.activeSize += int64(n)
	return nil
}

func (b *Buffer) rotateLocked(reason string) error {
	if b.active == nil {
		return nil
	}
	path := b.activePath
	if err := b.closeActiveLocked(); err != nil {
		return fmt.Errorf("rotate segment: %w", err)
	}
	if b.metrics != nil {
		b.metrics.IncRotations(reason)
	}
	b.logger.Debug("segment rotated", "file", path, "reason", reason)
	return nil
}

func (b *Buffer) closeActiveLocked() error {
	if b.active == nil {
		return nil
	}
	err := b.active.Close()
	b.active = nil
	b.activePath = ""
	b.activeSize = 0
	b.activeOpenedAt = time.Time{}
	return err
}

func (b *Buffer) recordWriteFailure() {
	if b.metrics != nil {
		b.metrics.IncWriteFailures()
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
