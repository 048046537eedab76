package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"eventrelay/internal/buffer"
	"eventrelay/internal/domain"
)

// ewmaAlpha weights the newest cycle in the rolling duration average.
const ewmaAlpha = 0.2

// Skip reasons reported by RunCycle.
const (
	SkipDisconnected = "disconnected"
	SkipEmpty        = "empty"
)

// CycleResult describes one pass of the dispatch loop.
type CycleResult struct {
	SkipReason string

	Batches  int
	Removed  int
	Retained int
	Garbage  int

	Published    int
	DeadLettered int
	Unaccounted  int

	Duration time.Duration
}

// Skipped reports whether the cycle did no work.
func (r CycleResult) Skipped() bool { return r.SkipReason != "" }

// LoopStats are rolling counters across cycles.
type LoopStats struct {
	Cycles           int64         `json:"cycles"`
	SkippedCycles    int64         `json:"skipped_cycles"`
	BatchesProcessed int64         `json:"batches_processed"`
	EventsProcessed  int64         `json:"events_processed"`
	Errors           int64         `json:"errors"`
	AvgCycleDuration time.Duration `json:"avg_cycle_duration"`
	LastCycleAt      time.Time     `json:"last_cycle_at,omitempty"`
	LastTickAt       time.Time     `json:"last_tick_at,omitempty"`
}

// Stats returns a snapshot of the loop counters.
func (o *Orchestrator) Stats() LoopStats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return o.stats
}

// RunCycle drains up to MaxBatches batches. A batch is removed once every
// event in it was delivered or dead-lettered; any event left unaccounted keeps
// the whole batch for the next cycle, so events that did get through will be
// sent again. The loop calls this on every tick; it is exported so operators
// and tests can force a drain.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleResult {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := o.now()
	o.statsMu.Lock()
	o.stats.LastTickAt = start
	o.statsMu.Unlock()

	var res CycleResult
	if !o.pub.IsConnected() {
		res.SkipReason = SkipDisconnected
		o.recordSkip(ctx, res.SkipReason)
		return res
	}
	batches := o.buf.ReadBatches(ctx, o.cfg.MaxBatches)
	if len(batches) == 0 {
		res.SkipReason = SkipEmpty
		o.recordSkip(ctx, res.SkipReason)
		return res
	}

	ctx, span := tracer.Start(ctx, "dispatch.cycle")
	defer span.End()

	var errs int64
	var events int64
	for _, sb := range batches {
		if ctx.Err() != nil {
			break
		}
		res.Batches++
		n, failed := o.dispatchBatch(ctx, sb, &res)
		events += int64(n)
		if failed {
			errs++
		}
	}

	res.Duration = o.now().Sub(start)
	span.SetAttributes(
		attribute.Int("cycle.batches", res.Batches),
		attribute.Int("cycle.removed", res.Removed),
		attribute.Int("cycle.retained", res.Retained),
		attribute.Int("cycle.published", res.Published),
		attribute.Int("cycle.dead_lettered", res.DeadLettered),
	)
	if res.Retained > 0 {
		span.SetStatus(codes.Error, "batches retained")
	}
	o.recordCycle(res, events, errs)
	o.logger.InfoContext(ctx, "dispatch cycle complete",
		"batches", res.Batches,
		"removed", res.Removed,
		"retained", res.Retained,
		"garbage", res.Garbage,
		"published", res.Published,
		"dead_lettered", res.DeadLettered,
		"duration", res.Duration.String(),
	)
	return res
}

// dispatchBatch publishes one staged batch and removes or retains it. It
// returns the number of events handled and whether anything went wrong.
func (o *Orchestrator) dispatchBatch(ctx context.Context, sb buffer.StagedBatch, res *CycleResult) (int, bool) {
	events := o.decodeEvents(ctx, sb)
	if len(events) == 0 {
		o.logger.WarnContext(ctx, "removing batch with no valid events",
			"batch_id", sb.BatchID,
			"file", sb.FilePath,
			"raw_events", len(sb.Events),
		)
		res.Garbage++
		if o.metrics != nil {
			o.metrics.IncGarbage()
		}
		return 0, !o.remove(ctx, sb)
	}

	pr := o.pub.Publish(ctx, sb.BatchID, events)
	res.Published += pr.Succeeded
	res.DeadLettered += pr.DeadLettered
	res.Unaccounted += pr.Unaccounted()

	if pr.Unaccounted() > 0 {
		res.Retained++
		if o.metrics != nil {
			o.metrics.IncRetained()
		}
		o.logger.WarnContext(ctx, "batch retained for next cycle",
			"batch_id", sb.BatchID,
			"file", sb.FilePath,
			"succeeded", pr.Succeeded,
			"dead_lettered", pr.DeadLettered,
			"unaccounted", pr.Unaccounted(),
		)
		return len(events), true
	}
	if pr.Failed > 0 {
		o.logger.WarnContext(ctx, "batch drained with dead-lettered events",
			"batch_id", sb.BatchID,
			"succeeded", pr.Succeeded,
			"dead_lettered", pr.DeadLettered,
		)
	}
	if !o.remove(ctx, sb) {
		return len(events), true
	}
	res.Removed++
	return len(events), false
}

func (o *Orchestrator) remove(ctx context.Context, sb buffer.StagedBatch) bool {
	if err := o.buf.RemoveBatch(sb.FilePath, sb.BatchID); err != nil {
		o.logger.ErrorContext(ctx, "failed to remove dispatched batch",
			"batch_id", sb.BatchID,
			"file", sb.FilePath,
			"error", err,
		)
		return false
	}
	if o.metrics != nil {
		o.metrics.IncRemoved()
	}
	return true
}

// decodeEvents keeps events that decode and carry both keys. Anything else
// passed intake validation at some point and then got damaged on disk; it is
// logged with its raw bytes and dropped.
func (o *Orchestrator) decodeEvents(ctx context.Context, sb buffer.StagedBatch) []domain.Event {
	out := make([]domain.Event, 0, len(sb.Events))
	for i, raw := range sb.Events {
		var ev domain.Event
		err := json.Unmarshal(raw, &ev)
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			o.logger.ErrorContext(ctx, "dropping undecodable buffered event",
				"batch_id", sb.BatchID,
				"index", i,
				"raw", string(raw),
				"error", err,
			)
			if o.metrics != nil {
				o.metrics.IncUndecodable()
			}
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (o *Orchestrator) recordSkip(ctx context.Context, reason string) {
	o.statsMu.Lock()
	o.stats.SkippedCycles++
	o.statsMu.Unlock()
	if o.metrics != nil {
		o.metrics.IncCycles(reason)
	}
	if reason == SkipDisconnected {
		o.logger.DebugContext(ctx, "dispatch cycle skipped, broker disconnected")
	}
}

func (o *Orchestrator) recordCycle(res CycleResult, events, errs int64) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats.Cycles++
	o.stats.BatchesProcessed += int64(res.Batches)
	o.stats.EventsProcessed += events
	o.stats.Errors += errs
	o.stats.LastCycleAt = o.now()
	if o.stats.AvgCycleDuration == 0 {
		o.stats.AvgCycleDuration = res.Duration
	} else {
		avg := ewmaAlpha*float64(res.Duration) + (1-ewmaAlpha)*float64(o.stats.AvgCycleDuration)
		o.stats.AvgCycleDuration = time.Duration(avg)
	}
	if o.metrics != nil {
		o.metrics.IncCycles("run")
		o.metrics.ObserveCycle(res.Duration)
		o.metrics.AddEvents(res.Published, res.DeadLettered)
	}
}
