// Package segment keeps saved-filter counts current. Counts are recomputed
// only for segments whose predicate depends on a field that changed.
package segment

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/store"
)

const maxRefreshConcurrency = 4

// Materializer owns segment definitions and their cached counts.
type Materializer struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// NewMaterializer creates a Materializer over s.
func NewMaterializer(s store.Store) *Materializer {
	return &Materializer{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "segment")),
	}
}

// RefreshReport counts one refresh.
type RefreshReport struct {
	Refreshed int `json:"refreshed"`
	Skipped   int `json:"skipped"`
}

// Define creates or replaces the named segment and computes its count.
func (m *Materializer) Define(ctx context.Context, name string, p model.Predicate) (*model.Segment, error) {
	if name == "" {
		return nil, eris.New("segment: name is required")
	}
	if err := p.Validate(); err != nil {
		return nil, eris.Wrapf(err, "segment: invalid predicate for %s", name)
	}

	count, err := m.store.CountContacts(ctx, p)
	if err != nil {
		return nil, eris.Wrapf(err, "segment: count %s", name)
	}
	computed := m.now()
	seg := &model.Segment{
		Name:       name,
		Predicate:  p,
		DependsOn:  p.DependsOn().Sorted(),
		Count:      count,
		ComputedAt: &computed,
	}
	if err := m.store.SaveSegment(ctx, seg); err != nil {
		return nil, eris.Wrapf(err, "segment: save %s", name)
	}

	m.log.Info("segment defined",
		zap.String("name", name),
		zap.Int64("count", count),
		zap.Strings("depends_on", p.DependsOn().Strings()),
	)
	return seg, nil
}

// Delete removes a segment by name or id.
func (m *Materializer) Delete(ctx context.Context, nameOrID string) error {
	seg, err := m.store.GetSegment(ctx, nameOrID)
	if err != nil {
		return eris.Wrapf(err, "segment: get %s", nameOrID)
	}
	if seg == nil {
		return eris.Errorf("segment not found: %s", nameOrID)
	}
	return eris.Wrapf(m.store.DeleteSegment(ctx, seg.ID), "segment: delete %s", nameOrID)
}

// List returns all segments with their cached counts.
func (m *Materializer) List(ctx context.Context) ([]model.Segment, error) {
	segs, err := m.store.ListSegments(ctx)
	return segs, eris.Wrap(err, "segment: list")
}

// Refresh recomputes the segments whose dependencies intersect changed.
func (m *Materializer) Refresh(ctx context.Context, changed model.FieldSet) (*RefreshReport, error) {
	if len(changed) == 0 {
		return &RefreshReport{}, nil
	}
	return m.refresh(ctx, func(seg *model.Segment) bool {
		return seg.Dependencies().Intersects(changed)
	})
}

// RefreshAll recomputes every segment.
func (m *Materializer) RefreshAll(ctx context.Context) (*RefreshReport, error) {
	return m.refresh(ctx, func(*model.Segment) bool { return true })
}

func (m *Materializer) refresh(ctx context.Context, want func(*model.Segment) bool) (*RefreshReport, error) {
	segs, err := m.store.ListSegments(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "segment: list for refresh")
	}

	var refreshed atomic.Int64
	report := &RefreshReport{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxRefreshConcurrency)
	for i := range segs {
		seg := &segs[i]
		if !want(seg) {
			report.Skipped++
			continue
		}
		g.Go(func() error {
			count, err := m.store.CountContacts(gctx, seg.Predicate)
			if err != nil {
				return eris.Wrapf(err, "segment: count %s", seg.Name)
			}
			if err := m.store.UpdateSegmentCount(gctx, seg.ID, count, m.now()); err != nil {
				return eris.Wrapf(err, "segment: update %s", seg.Name)
			}
			refreshed.Add(1)
			m.log.Debug("segment refreshed", zap.String("name", seg.Name), zap.Int64("count", count))
			return nil
		})
	}
	err = g.Wait()
	report.Refreshed = int(refreshed.Load())
	if err != nil {
		return report, err
	}
	return report, nil
}
