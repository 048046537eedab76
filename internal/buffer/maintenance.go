package buffer

import (
	"context"
	"errors"
	"os"
	"time"
)

// SweepResult reports what a retention sweep deleted.
type SweepResult struct {
	Files   int
	Batches int
	Events  int
}

// Sweep deletes every segment whose modification time is older than the
// retention window, drained or not. This bounds disk use when the broker is
// down for longer than the window, at the cost of losing those events.
func (b *Buffer) Sweep(ctx context.Context) SweepResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res SweepResult
	segs, err := listSegments(b.cfg.Dir)
	if err != nil {
		b.logger.ErrorContext(ctx, "retention sweep could not list segments", "dir", b.cfg.Dir, "error", err)
		return res
	}
	cutoff := b.now().Add(-b.cfg.Retention)
	for _, seg := range segs {
		if !seg.modTime.Before(cutoff) {
			continue
		}
		batches, events := b.countSegment(seg.path)
		if seg.path == b.activePath {
			_ = b.closeActiveLocked()
		}
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.ErrorContext(ctx, "retention sweep failed to delete segment", "file", seg.path, "error", err)
			continue
		}
		res.Files++
		res.Batches += batches
		res.Events += events
	}
	if res.Files == 0 {
		return res
	}
	if err := syncDir(b.cfg.Dir); err != nil {
		b.logger.WarnContext(ctx, "failed to sync buffer dir after sweep", "error", err)
	}
	b.statsValid = false
	if b.metrics != nil {
		b.metrics.AddPurged(res.Files, res.Events)
	}
	b.logger.WarnContext(ctx, "retention sweep purged undelivered segments",
		"files", res.Files,
		"batches", res.Batches,
		"events", res.Events,
		"retention", b.cfg.Retention.String(),
	)
	return res
}

func (b *Buffer) countSegment(path string) (batches, events int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	_, _ = scanLines(f, func(line []byte) bool {
		if rec, err := decodeRecord(line); err == nil {
			batches++
			events += len(rec.Events)
		}
		return true
	})
	return batches, events
}

// RotateIfStale closes the active segment when it holds data and has been
// open for at least RotateAfter. It reports whether a rotation happened.
func (b *Buffer) RotateIfStale() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active == nil || b.activeSize == 0 {
		return false
	}
	if b.now().Sub(b.activeOpenedAt) < b.cfg.RotateAfter {
		return false
	}
	if err := b.rotateLocked("age"); err != nil {
		b.logger.Warn("stale segment rotation failed", "error", err)
		return false
	}
	return true
}

// RunMaintenance runs the retention sweep and rotation watchdog until ctx is
// cancelled.
func (b *Buffer) RunMaintenance(ctx context.Context) {
	sweep := time.NewTicker(b.cfg.SweepInterval)
	defer sweep.Stop()
	rotate := time.NewTicker(watchdogInterval(b.cfg.RotateAfter))
	defer rotate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			b.Sweep(ctx)
		case <-rotate.C:
			b.RotateIfStale()
		}
	}
}

func watchdogInterval(rotateAfter time.Duration) time.Duration {
	d := rotateAfter / 4
	if d < time.Second {
		d = time.Second
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
