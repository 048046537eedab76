package buffer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"eventrelay/internal/domain"
)

const (
	segmentPrefix = "segment-"
	segmentExt    = ".jsonl"
	tempExt       = ".tmp"
)

// record is the on-disk form of one batch: a single self-describing line.
// Events stay raw so a single undecodable event does not hide its siblings.
type record struct {
	BatchID  string            `json:"batch_id"`
	StagedAt time.Time         `json:"staged_at"`
	Events   []json.RawMessage `json:"events"`
}

// segmentInfo describes one segment file on disk.
type segmentInfo struct {
	path    string
	name    string
	size    int64
	modTime time.Time
}

// segmentName encodes the creation time as a zero-padded nanosecond stamp so
// lexical order matches creation order.
func segmentName(created time.Time) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, created.UnixNano(), segmentExt)
}

// segmentCreatedAt recovers the creation time from a segment name.
func segmentCreatedAt(name string) (time.Time, bool) {
	if !isSegment(name) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentExt)
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func isSegment(name string) bool {
	return strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentExt)
}

// listSegments returns segments oldest first by modification time, falling
// back to name order when two files share an mtime.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	segs := make([]segmentInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isSegment(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		segs = append(segs, segmentInfo{
			path:    filepath.Join(dir, e.Name()),
			name:    e.Name(),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	sort.SliceStable(segs, func(i, j int) bool {
		if !segs[i].modTime.Equal(segs[j].modTime) {
			return segs[i].modTime.Before(segs[j].modTime)
		}
		return segs[i].name < segs[j].name
	})
	return segs, nil
}

func encodeBatch(batch domain.Batch) ([]byte, error) {
	rec := record{
		BatchID:  batch.BatchID,
		StagedAt: batch.StagedAt.UTC(),
		Events:   make([]json.RawMessage, 0, len(batch.Events)),
	}
	for _, ev := range batch.Events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
		rec.Events = append(rec.Events, raw)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func decodeRecord(line []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return record{}, err
	}
	if rec.BatchID == "" {
		return record{}, errors.New("record has no batch_id")
	}
	return rec, nil
}

// batchIDOf extracts only the batch id from a line.
func batchIDOf(line []byte) (string, bool) {
	var head struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(line, &head); err != nil || head.BatchID == "" {
		return "", false
	}
	return head.BatchID, true
}

// scanLines calls fn for every complete line in r. A trailing fragment with
// no newline is a torn write from a crash and is reported via torn.
func scanLines(r io.Reader, fn func(line []byte) bool) (torn bool, err error) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 && !fn(trimmed) {
				return false, nil
			}
		} else if len(bytes.TrimSpace(line)) > 0 {
			torn = true
		}
		if err == io.EOF {
			return torn, nil
		}
		if err != nil {
			return torn, err
		}
	}
}
