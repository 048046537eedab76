package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Stats summarizes what is currently staged on disk.
type Stats struct {
	TotalEvents     int       `json:"total_events"`
	TotalBatches    int       `json:"total_batches"`
	TotalBytes      int64     `json:"total_bytes"`
	FileCount       int       `json:"file_count"`
	OldestEventAt   time.Time `json:"oldest_event_at,omitempty"`
	NewestEventAt   time.Time `json:"newest_event_at,omitempty"`
	OldestSegmentAt time.Time `json:"oldest_segment_at,omitempty"`
	ComputedAt      time.Time `json:"computed_at"`
}

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	ModTime   time.Time `json:"mod_time"`
	SizeBytes int64     `json:"size_bytes"`
}

// Stats returns buffer totals. The result is cached for StatsTTL; any
// accept, removal or purge invalidates the cache.
func (b *Buffer) Stats() (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.statsValid && now.Sub(b.statsAt) < b.cfg.StatsTTL {
		return b.stats, nil
	}
	st, err := b.computeStatsLocked(now)
	if err != nil {
		return Stats{}, err
	}
	b.stats = st
	b.statsAt = now
	b.statsValid = true
	if b.metrics != nil {
		b.metrics.SetBacklog(st)
	}
	return st, nil
}

// Segments lists segment files oldest first.
func (b *Buffer) Segments() ([]SegmentInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	segs, err := listSegments(b.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	out := make([]SegmentInfo, 0, len(segs))
	for _, s := range segs {
		created, _ := segmentCreatedAt(s.name)
		out = append(out, SegmentInfo{
			Path:      s.path,
			CreatedAt: created,
			ModTime:   s.modTime,
			SizeBytes: s.size,
		})
	}
	return out, nil
}

type eventTimestamp struct {
	OccurredAt time.Time `json:"occurred_at"`
}

func (b *Buffer) computeStatsLocked(now time.Time) (Stats, error) {
	segs, err := listSegments(b.cfg.Dir)
	if err != nil {
		return Stats{}, fmt.Errorf("list segments: %w", err)
	}
	st := Stats{ComputedAt: now}
	for _, seg := range segs {
		f, err := os.Open(seg.path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			b.logger.Warn("stats skipped unreadable segment", "file", seg.path, "error", err)
			continue
		}
		st.FileCount++
		st.TotalBytes += seg.size
		if created, ok := segmentCreatedAt(seg.name); ok {
			if st.OldestSegmentAt.IsZero() || created.Before(st.OldestSegmentAt) {
				st.OldestSegmentAt = created
			}
		}
		_, err = scanLines(f, func(line []byte) bool {
			rec, derr := decodeRecord(line)
			if derr != nil {
				return true
			}
			st.TotalBatches++
			st.TotalEvents += len(rec.Events)
			for _, raw := range rec.Events {
				var ts eventTimestamp
				if json.Unmarshal(raw, &ts) != nil || ts.OccurredAt.IsZero() {
					continue
				}
				if st.OldestEventAt.IsZero() || ts.OccurredAt.Before(st.OldestEventAt) {
					st.OldestEventAt = ts.OccurredAt
				}
				if ts.OccurredAt.After(st.NewestEventAt) {
					st.NewestEventAt = ts.OccurredAt
				}
			}
			return true
		})
		_ = f.Close()
		if err != nil {
			b.logger.Warn("stats stopped early on segment", "file", seg.path, "error", err)
		}
	}
	return st, nil
}
