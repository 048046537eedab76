package buffer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StagedBatch is a batch read back from a segment. Events are left encoded;
// the dispatcher decides which of them are usable.
type StagedBatch struct {
	FilePath string
	BatchID  string
	StagedAt time.Time
	Events   []json.RawMessage
}

// ReadBatches returns up to maxCount whole batches, oldest segment first and
// in write order within a segment. Nothing is deleted. A segment that cannot
// be read is logged and skipped so it never blocks the others.
func (b *Buffer) ReadBatches(ctx context.Context, maxCount int) []StagedBatch {
	if maxCount <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	segs, err := listSegments(b.cfg.Dir)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to list buffer segments", "dir", b.cfg.Dir, "error", err)
		return nil
	}

	out := make([]StagedBatch, 0, maxCount)
	for _, seg := range segs {
		if len(out) >= maxCount || ctx.Err() != nil {
			break
		}
		batches, err := b.readSegment(ctx, seg.path, maxCount-len(out))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			b.logger.WarnContext(ctx, "skipping unreadable buffer segment", "file", seg.path, "error", err)
			if b.metrics != nil {
				b.metrics.IncCorruptSegments()
			}
			continue
		}
		out = append(out, batches...)
	}
	return out
}

func (b *Buffer) readSegment(ctx context.Context, path string, limit int) ([]StagedBatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var batches []StagedBatch
	lineNo := 0
	torn, err := scanLines(f, func(line []byte) bool {
		lineNo++
		rec, derr := decodeRecord(line)
		if derr != nil {
			b.logger.WarnContext(ctx, "skipping corrupt buffer record",
				"file", path,
				"line", lineNo,
				"error", derr,
			)
			if b.metrics != nil {
				b.metrics.IncCorruptRecords()
			}
			return true
		}
		batches = append(batches, StagedBatch{
			FilePath: path,
			BatchID:  rec.BatchID,
			StagedAt: rec.StagedAt,
			Events:   rec.Events,
		})
		return len(batches) < limit
	})
	if torn {
		b.logger.WarnContext(ctx, "ignoring torn trailing record", "file", path)
	}
	if err != nil {
		return batches, fmt.Errorf("read segment: %w", err)
	}
	return batches, nil
}

// RemoveBatch drops every line carrying batchID from filePath. The survivors
// are written to a temp file and renamed over the original, keeping the
// original modification time so the segment keeps its place in drain order.
// A file left empty is deleted. Removing a batch or file that is already gone
// succeeds.
func (b *Buffer) RemoveBatch(filePath, batchID string) error {
	if batchID == "" {
		return errors.New("batch id is required")
	}
	path := filepath.Clean(filePath)
	if filepath.Dir(path) != filepath.Clean(b.cfg.Dir) || !isSegment(filepath.Base(path)) {
		return fmt.Errorf("remove batch %s: %s is not a segment of %s", batchID, filePath, b.cfg.Dir)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// The active segment is about to be replaced; later writes go to a new one.
	if path == b.activePath {
		if err := b.rotateLocked("remove"); err != nil {
			return err
		}
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat segment: %w", err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read segment: %w", err)
	}

	var kept bytes.Buffer
	removed := 0
	_, err = scanLines(bytes.NewReader(data), func(line []byte) bool {
		if id, ok := batchIDOf(line); ok && id == batchID {
			removed++
			return true
		}
		kept.Write(line)
		kept.WriteByte('\n')
		return true
	})
	if err != nil {
		return fmt.Errorf("scan segment: %w", err)
	}
	if removed == 0 {
		return nil
	}

	if kept.Len() == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete drained segment: %w", err)
		}
	} else if err := rewriteSegment(path, kept.Bytes(), info.ModTime()); err != nil {
		return err
	}
	if err := syncDir(b.cfg.Dir); err != nil {
		b.logger.Warn("failed to sync buffer dir after remove", "dir", b.cfg.Dir, "error", err)
	}
	b.statsValid = false
	if b.metrics != nil {
		b.metrics.IncBatchesRemoved()
	}
	return nil
}

func rewriteSegment(path string, data []byte, modTime time.Time) error {
	tmp := path + tempExt
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp segment: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp segment: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp segment: %w", err)
	}
	if err := os.Chtimes(tmp, modTime, modTime); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("preserve segment mtime: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace segment: %w", err)
	}
	return nil
}
