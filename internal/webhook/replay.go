package webhook

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/resilience"
)

// ReplayStore is the dead letter queue as seen by replay.
type ReplayStore interface {
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// ReplayReport counts one replay pass.
type ReplayReport struct {
	Replayed  int `json:"replayed"`
	Applied   int `json:"applied"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// Replay drains due dead-letter entries through the processor. Entries
// that succeed are removed; failures are rescheduled with backoff until
// their retry budget is spent.
func (p *Processor) Replay(ctx context.Context, st ReplayStore, filter resilience.DLQFilter) (*ReplayReport, error) {
	report := &ReplayReport{}
	changed := model.NewFieldSet()

	for {
		entries, err := st.DequeueDLQ(ctx, filter)
		if err != nil {
			return report, eris.Wrap(err, "webhook: dequeue dead letters")
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return report, eris.Wrap(err, "webhook: replay")
			}
			report.Replayed++
			outcome, fields, err := p.apply(ctx, e.Event)
			if err == nil {
				if outcome == model.OutcomeApplied {
					report.Applied++
					changed.Union(fields)
				} else {
					report.Skipped++
				}
				if err := st.RemoveDLQ(ctx, e.ID); err != nil {
					return report, eris.Wrapf(err, "webhook: remove dead letter %s", e.ID)
				}
				continue
			}

			report.Failed++
			if e.RetryCount+1 >= e.MaxRetries {
				report.Exhausted++
				p.log.Error("dead letter exhausted its retries",
					zap.String("id", e.ID),
					zap.String("object_id", e.Event.ObjectID),
					zap.Error(err),
				)
			}
			next := p.now().Add(resilience.ReplayBackoff(e.RetryCount + 1))
			if ierr := st.IncrementDLQRetry(ctx, e.ID, next, err.Error()); ierr != nil {
				return report, eris.Wrapf(ierr, "webhook: reschedule dead letter %s", e.ID)
			}
		}
	}

	if len(changed) > 0 && p.segments != nil {
		if _, err := p.segments.Refresh(ctx, changed); err != nil {
			return report, eris.Wrap(err, "webhook: refresh segments after replay")
		}
	}

	p.log.Info("dead-letter replay complete",
		zap.Int("replayed", report.Replayed),
		zap.Int("applied", report.Applied),
		zap.Int("failed", report.Failed),
		zap.Int("exhausted", report.Exhausted),
	)
	return report, nil
}
