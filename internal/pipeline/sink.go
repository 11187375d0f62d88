package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/extract"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/normalize"
	"github.com/sells-group/crm-sync/internal/store"
)

// StoreSink normalizes extracted pages, writes them through the identity
// resolver and checkpoints the cursor after every page and every gap.
type StoreSink struct {
	store      store.Store
	normalizer *normalize.Normalizer
	resolver   *dedup.Resolver
	log        *zap.Logger
}

var _ extract.Sink = (*StoreSink)(nil)

// NewStoreSink creates a sink over st.
func NewStoreSink(st store.Store, n *normalize.Normalizer, r *dedup.Resolver) *StoreSink {
	return &StoreSink{
		store:      st,
		normalizer: n,
		resolver:   r,
		log:        zap.L().With(zap.String("component", "pipeline.sink")),
	}
}

// CommitPage stores the page and then checkpoints commit.Next. A crash
// between the two replays the page on resume; the upsert is idempotent.
func (s *StoreSink) CommitPage(ctx context.Context, commit extract.PageCommit) (extract.CommitResult, error) {
	contacts := make([]model.Contact, 0, len(commit.Records))
	for _, raw := range commit.Records {
		res := s.normalizer.Normalize(raw)
		for _, issue := range res.Issues {
			s.log.Debug("field dropped", zap.String("external_id", res.Contact.ExternalID), zap.Error(issue))
		}
		contacts = append(contacts, res.Contact)
	}

	batch, err := s.resolver.UpsertBatch(ctx, contacts, model.ChannelBulkAPI)
	if err != nil {
		return extract.CommitResult{}, eris.Wrap(err, "pipeline: upsert page")
	}

	p := commit.Progress
	p.Errors += batch.Errored
	if err := s.checkpoint(ctx, commit.Next, p); err != nil {
		return extract.CommitResult{}, err
	}
	return extract.CommitResult{Committed: batch.Committed, Errored: batch.Errored, Changed: batch.Changed}, nil
}

// RecordGap persists the gap marker before moving the cursor past it.
func (s *StoreSink) RecordGap(ctx context.Context, gap model.Gap, next string, p extract.Progress) error {
	if err := s.store.RecordGap(ctx, gap); err != nil {
		return eris.Wrap(err, "pipeline: record gap")
	}
	return s.checkpoint(ctx, next, p)
}

func (s *StoreSink) checkpoint(ctx context.Context, cursor string, p extract.Progress) error {
	err := s.store.SaveCursor(ctx, model.SyncCursor{
		Source:    p.Source,
		Cursor:    cursor,
		RunID:     p.RunID,
		Pages:     p.Pages,
		Errors:    p.Errors,
		Gaps:      p.Gaps,
		UpdatedAt: time.Now().UTC(),
	})
	return eris.Wrap(err, "pipeline: save cursor")
}
