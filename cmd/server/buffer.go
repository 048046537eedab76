package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"eventrelay/internal/buffer"
)

// bufferReport is the offline view printed by `buffer stats`.
type bufferReport struct {
	Dir             string          `json:"dir" yaml:"dir"`
	TotalEvents     int             `json:"total_events" yaml:"total_events"`
	TotalBatches    int             `json:"total_batches" yaml:"total_batches"`
	TotalBytes      int64           `json:"total_bytes" yaml:"total_bytes"`
	FileCount       int             `json:"file_count" yaml:"file_count"`
	OldestEventAt   *time.Time      `json:"oldest_event_at,omitempty" yaml:"oldest_event_at,omitempty"`
	NewestEventAt   *time.Time      `json:"newest_event_at,omitempty" yaml:"newest_event_at,omitempty"`
	OldestSegmentAt *time.Time      `json:"oldest_segment_at,omitempty" yaml:"oldest_segment_at,omitempty"`
	Segments        []segmentReport `json:"segments,omitempty" yaml:"segments,omitempty"`
}

type segmentReport struct {
	Path      string    `json:"path" yaml:"path"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	ModTime   time.Time `json:"mod_time" yaml:"mod_time"`
	SizeBytes int64     `json:"size_bytes" yaml:"size_bytes"`
}

func newBufferCmd() *cobra.Command {
	bufferCmd := &cobra.Command{Use: "buffer", Short: "Inspect the on-disk buffer"}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print buffer totals without starting the pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			format, _ := cmd.Flags().GetString("format")
			withSegments, _ := cmd.Flags().GetBool("segments")
			if dir == "" {
				return errors.New("--dir is required")
			}
			report, err := inspectBuffer(dir, withSegments)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), format, report)
		},
	}
	statsCmd.Flags().String("dir", "", "Buffer directory")
	statsCmd.Flags().String("format", "json", "Output format: json|yaml")
	statsCmd.Flags().Bool("segments", false, "Include per-segment details")
	bufferCmd.AddCommand(statsCmd)
	return bufferCmd
}

// inspectBuffer reads segment files without opening the buffer for writes,
// so it is safe to run next to a live process.
func inspectBuffer(dir string, withSegments bool) (bufferReport, error) {
	b, err := buffer.New(buffer.DefaultConfig(dir), buffer.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return bufferReport{}, err
	}
	st, err := b.Stats()
	if err != nil {
		return bufferReport{}, fmt.Errorf("buffer stats: %w", err)
	}
	report := bufferReport{
		Dir:             dir,
		TotalEvents:     st.TotalEvents,
		TotalBatches:    st.TotalBatches,
		TotalBytes:      st.TotalBytes,
		FileCount:       st.FileCount,
		OldestEventAt:   nonZero(st.OldestEventAt),
		NewestEventAt:   nonZero(st.NewestEventAt),
		OldestSegmentAt: nonZero(st.OldestSegmentAt),
	}
	if withSegments {
		segs, err := b.Segments()
		if err != nil {
			return bufferReport{}, err
		}
		for _, s := range segs {
			report.Segments = append(report.Segments, segmentReport(s))
		}
	}
	return report, nil
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeReport(w io.Writer, format string, report bufferReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("invalid --format %q; use json|yaml", format)
	}
}
