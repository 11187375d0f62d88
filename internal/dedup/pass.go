package dedup

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
)

// ErrPassRunning is returned when a secondary pass is already in progress.
var ErrPassRunning = eris.New("dedup: secondary pass already running")

// SecondaryPass collapses email groups whose members all carry the same
// non-empty external id, keeping one record per group. Groups with
// differing or missing external ids are left alone.
func (r *Resolver) SecondaryPass(ctx context.Context) (*model.DedupReport, error) {
	if !r.pass.TryLock() {
		return nil, ErrPassRunning
	}
	defer r.pass.Unlock()

	keys, err := r.store.DuplicateEmailKeys(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: list duplicate email groups")
	}

	report := &model.DedupReport{}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, eris.Wrap(err, "dedup: secondary pass")
		}
		report.Groups++
		err := r.store.WithEmailGroupLock(ctx, key, func(ctx context.Context) error {
			return r.collapseGroup(ctx, key, report)
		})
		if err != nil {
			return report, eris.Wrapf(err, "dedup: collapse group %q", key)
		}
	}

	r.log.Info("secondary pass complete",
		zap.Int("groups", report.Groups),
		zap.Int("collapsed", report.Collapsed),
		zap.Int("deleted", report.Deleted),
		zap.Int("conflicted", report.Conflicted),
	)
	return report, nil
}

func (r *Resolver) collapseGroup(ctx context.Context, key string, report *model.DedupReport) error {
	members, err := r.store.ListByEmailKey(ctx, key)
	if err != nil {
		return err
	}
	if len(members) < 2 {
		report.Untouched++
		return nil
	}

	externalID := members[0].ExternalID
	for _, m := range members {
		if m.ExternalID == "" || m.ExternalID != externalID {
			report.Conflicted++
			r.log.Debug("duplicate conflict, group left untouched",
				zap.String("email_key", key),
				zap.Int("members", len(members)),
			)
			return nil
		}
	}

	keeper := Keeper(members)
	var drop []string
	for _, m := range members {
		if m.ID != keeper.ID {
			drop = append(drop, m.ID)
		}
	}
	n, err := r.store.DeleteContacts(ctx, drop)
	if err != nil {
		return err
	}
	report.Collapsed++
	report.Deleted += int(n)
	r.log.Debug("email group collapsed",
		zap.String("email_key", key),
		zap.String("keeper", keeper.ID),
		zap.Int64("deleted", n),
	)
	return nil
}

// Keeper picks the surviving member of a group: latest LastSyncedAt, then
// earliest CreatedAt, then lowest id.
func Keeper(members []model.Contact) model.Contact {
	sorted := make([]model.Contact, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.LastSyncedAt.Equal(b.LastSyncedAt) {
			return a.LastSyncedAt.After(b.LastSyncedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sorted[0]
}
