// Package pipeline runs bulk synchronization: one extraction run from the
// stored cursor, the segment refresh its committed pages call for, and the
// secondary dedup pass that only a complete run unlocks.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/extract"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/normalize"
	"github.com/sells-group/crm-sync/internal/segment"
	"github.com/sells-group/crm-sync/internal/store"
)

// RunNotifier is told about every finished run.
type RunNotifier interface {
	RunFinished(ctx context.Context, r *model.RunReport)
}

// Options tunes a Syncer.
type Options struct {
	Extract       extract.Config
	StaleRunAfter time.Duration
	DedupAfterRun bool
}

// RunOptions selects where a run starts.
type RunOptions struct {
	// FromStart ignores the stored cursor.
	FromStart bool
}

// Syncer orchestrates bulk runs for one source.
type Syncer struct {
	store      store.Store
	source     extract.Source
	normalizer *normalize.Normalizer
	resolver   *dedup.Resolver
	segments   *segment.Materializer
	notifier   RunNotifier
	opts       Options
	newRunID   func() string
	log        *zap.Logger
}

// NewSyncer wires a Syncer. notifier may be nil.
func NewSyncer(
	st store.Store,
	src extract.Source,
	n *normalize.Normalizer,
	r *dedup.Resolver,
	segments *segment.Materializer,
	notifier RunNotifier,
	opts Options,
) *Syncer {
	return &Syncer{
		store:      st,
		source:     src,
		normalizer: n,
		resolver:   r,
		segments:   segments,
		notifier:   notifier,
		opts:       opts,
		newRunID:   func() string { return ulid.Make().String() },
		log:        zap.L().With(zap.String("component", "pipeline"), zap.String("source", src.Name())),
	}
}

// Run performs one bulk run. The report is returned whenever the run was
// started; the error is non-nil when it did not complete or when the run
// log could not be written.
func (s *Syncer) Run(ctx context.Context, opts RunOptions) (*model.RunReport, error) {
	runID := s.newRunID()
	if _, err := s.store.StartRun(ctx, runID, s.source.Name(), s.opts.StaleRunAfter); err != nil {
		if errors.Is(err, store.ErrRunInProgress) {
			return nil, err
		}
		return nil, eris.Wrap(err, "pipeline: start run")
	}
	log := s.log.With(zap.String("run_id", runID))

	var cursor string
	if !opts.FromStart {
		cur, err := s.store.GetCursor(ctx, s.source.Name())
		if err != nil {
			now := time.Now().UTC()
			if ferr := s.finish(ctx, &model.RunReport{
				RunID:      runID,
				Source:     s.source.Name(),
				Status:     model.RunFailed,
				HaltReason: err.Error(),
				StartedAt:  now,
				FinishedAt: now,
			}); ferr != nil {
				log.Error("run log not written", zap.Error(ferr))
			}
			return nil, eris.Wrap(err, "pipeline: load cursor")
		}
		if cur != nil {
			cursor = cur.Cursor
		}
	}
	if cursor != "" {
		log.Info("resuming from checkpoint", zap.String("cursor", cursor))
	}

	sink := NewStoreSink(s.store, s.normalizer, s.resolver)
	ext := extract.New(s.source, sink, s.normalizer.Properties(), s.opts.Extract)
	report, runErr := ext.Run(ctx, extract.RunOptions{RunID: runID, Cursor: cursor})

	s.afterRun(ctx, report, log)

	if err := s.finish(ctx, report); err != nil && runErr == nil {
		runErr = err
	}
	return report, runErr
}

// afterRun runs the secondary dedup pass after a complete run and
// refreshes segments after any run that committed records. Both are best
// effort: the run outcome is already decided.
func (s *Syncer) afterRun(ctx context.Context, report *model.RunReport, log *zap.Logger) {
	refreshAll := false
	if s.opts.DedupAfterRun && report.Status == model.RunComplete {
		dr, err := s.resolver.SecondaryPass(ctx)
		switch {
		case errors.Is(err, dedup.ErrPassRunning):
			log.Info("dedup pass already running, skipped")
		case err != nil:
			log.Warn("dedup pass failed", zap.Error(err))
		default:
			report.Dedup = dr
			refreshAll = dr.Deleted > 0
		}
	}

	if s.segments == nil || (report.Committed == 0 && !refreshAll) {
		return
	}
	// A cancelled run still committed pages; their counts are owed.
	ctx = context.WithoutCancel(ctx)
	var (
		rr  *segment.RefreshReport
		err error
	)
	if refreshAll {
		// Collapsed duplicates leave every segment's membership stale.
		rr, err = s.segments.RefreshAll(ctx)
	} else {
		rr, err = s.segments.Refresh(ctx, model.NewFieldSet(report.ChangedFields...))
	}
	if err != nil {
		log.Warn("segment refresh failed", zap.Error(err))
		return
	}
	log.Info("segments refreshed",
		zap.String("status", string(report.Status)),
		zap.Int("refreshed", rr.Refreshed),
		zap.Int("skipped", rr.Skipped),
	)
}

// finish writes the run log and notifies even when ctx was cancelled.
func (s *Syncer) finish(ctx context.Context, report *model.RunReport) error {
	ctx = context.WithoutCancel(ctx)
	err := s.store.FinishRun(ctx, report)
	if s.notifier != nil {
		s.notifier.RunFinished(ctx, report)
	}
	return eris.Wrap(err, "pipeline: finish run")
}
