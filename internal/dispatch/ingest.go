package dispatch

import (
	"context"
	"fmt"

	"eventrelay/internal/domain"
)

// AcceptResult is the per-call outcome of CollectIngest.
type AcceptResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	BatchID  string   `json:"batch_id,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// CollectIngest validates events one by one, stages the valid ones as a new
// batch and returns once that batch is durable. Invalid events are rejected
// individually. A non-nil error means the buffer write failed and nothing from
// this call was staged; the caller should apply backpressure.
func (o *Orchestrator) CollectIngest(ctx context.Context, events []domain.Event) (AcceptResult, error) {
	var res AcceptResult
	valid := make([]domain.Event, 0, len(events))
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("events[%d]: %v", i, err))
			continue
		}
		valid = append(valid, ev)
	}
	if o.metrics != nil && res.Rejected > 0 {
		o.metrics.AddRejected(res.Rejected)
	}
	if len(valid) == 0 {
		return res, nil
	}

	batch := domain.Batch{
		BatchID:  o.newID(),
		StagedAt: o.now().UTC(),
		Events:   valid,
	}
	if err := o.buf.Accept(ctx, batch); err != nil {
		o.logger.ErrorContext(ctx, "failed to stage ingested events",
			"batch_id", batch.BatchID,
			"events", len(valid),
			"error", err,
		)
		res.Rejected += len(valid)
		res.Errors = append(res.Errors, fmt.Sprintf("buffer unavailable: %v", err))
		return res, fmt.Errorf("stage batch %s: %w", batch.BatchID, err)
	}
	res.Accepted = len(valid)
	res.BatchID = batch.BatchID
	if o.metrics != nil {
		o.metrics.AddAccepted(res.Accepted)
	}
	return res, nil
}
