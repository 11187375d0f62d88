package webhook

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/resilience"
)

// tally accumulates event outcomes from concurrent workers.
type tally struct {
	mu      sync.Mutex
	report  model.BatchReport
	changed model.FieldSet
	failed  []failure
}

type failure struct {
	ev  model.Event
	err error
}

func newTally(batchID string) *tally {
	return &tally{report: model.BatchReport{BatchID: batchID}, changed: model.NewFieldSet()}
}

func (t *tally) add(ev model.Event, outcome model.Outcome, changed model.FieldSet, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case model.OutcomeApplied:
		t.report.Applied++
		t.changed.Union(changed)
	case model.OutcomeSkipped:
		t.report.Skipped++
	default:
		t.report.Failed++
		t.report.FailedEvents = append(t.report.FailedEvents, model.EventFailure{Event: ev, Error: err.Error()})
		t.failed = append(t.failed, failure{ev: ev, err: err})
	}
	eventsTotal.WithLabelValues(string(outcome)).Inc()
}

// seal copies out the accumulated outcomes. Callers do their I/O on the
// copies after the lock is released.
func (t *tally) seal() (*model.BatchReport, model.FieldSet, []failure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	report := t.report
	report.FailedEvents = append([]model.EventFailure(nil), t.report.FailedEvents...)
	report.ChangedFields = t.changed.Sorted()
	changed := model.NewFieldSet(report.ChangedFields...)
	failed := append([]failure(nil), t.failed...)
	return &report, changed, failed
}

// groupByObject splits events into per-object runs that keep arrival order.
func groupByObject(events []model.Event) [][]model.Event {
	idx := make(map[string]int)
	var groups [][]model.Event
	for _, ev := range events {
		i, ok := idx[ev.ObjectID]
		if !ok {
			i = len(groups)
			idx[ev.ObjectID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}

// applyGroups runs each object's events in order while distinct objects
// proceed concurrently. Event failures are recorded, never returned.
func (p *Processor) applyGroups(ctx context.Context, t *tally, groups [][]model.Event) {
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, group := range groups {
		g.Go(func() error {
			for _, ev := range group {
				outcome, changed, err := p.apply(ctx, ev)
				if err != nil {
					outcome = model.OutcomeFailed
					p.log.Warn("event failed",
						zap.String("event_id", ev.EventID),
						zap.String("object_id", ev.ObjectID),
						zap.String("event_type", string(ev.Type)),
						zap.Error(err),
					)
				}
				t.add(ev, outcome, changed, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ProcessBatch applies a batch of events. Segment counts are refreshed
// once for the union of changed fields and failed events go to the dead
// letter queue.
func (p *Processor) ProcessBatch(ctx context.Context, batchID string, events []model.Event) *model.BatchReport {
	start := time.Now()
	t := newTally(batchID)
	p.applyGroups(ctx, t, groupByObject(events))
	report := p.finish(ctx, t)
	batchDuration.Observe(time.Since(start).Seconds())
	return report
}

// finish dead-letters failures, refreshes segments and seals the report.
func (p *Processor) finish(ctx context.Context, t *tally) *model.BatchReport {
	report, changed, failed := t.seal()

	if len(failed) > 0 && p.dlq != nil {
		now := p.now()
		entries := make([]resilience.DLQEntry, len(failed))
		for i, f := range failed {
			entries[i] = resilience.NewDLQEntry(f.ev, report.BatchID, f.err, p.cfg.DLQRetries, now)
		}
		if err := p.dlq.EnqueueDLQ(ctx, entries...); err != nil {
			p.log.Error("dead-letter enqueue failed",
				zap.String("batch_id", report.BatchID),
				zap.Int("events", len(entries)),
				zap.Error(err),
			)
		}
	}

	if len(changed) > 0 && p.segments != nil {
		if _, err := p.segments.Refresh(ctx, changed); err != nil {
			p.log.Error("segment refresh failed", zap.String("batch_id", report.BatchID), zap.Error(err))
		}
	}

	p.log.Info("webhook batch processed",
		zap.String("batch_id", report.BatchID),
		zap.Int("applied", report.Applied),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report
}
