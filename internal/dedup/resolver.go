// Package dedup resolves incoming contacts to local records: the primary
// path keyed on upstream identity and the secondary email-group pass.
package dedup

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/normalize"
	"github.com/sells-group/crm-sync/internal/store"
)

// ErrNoExternalID is returned by Upsert for a contact without upstream identity.
var ErrNoExternalID = eris.New("dedup: contact has no external id")

// Resolver handles contact identity resolution.
type Resolver struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger

	// pass guards SecondaryPass so only one runs per process.
	pass sync.Mutex
}

// NewResolver creates a contact resolver.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "dedup")),
	}
}

// UpsertResult is the stored record and what changed on it.
type UpsertResult struct {
	Contact *model.Contact
	Created bool
	Changed model.FieldSet
}

// BatchResult counts a bulk page's upserts.
type BatchResult struct {
	Committed int
	Errored   int
	Changed   model.FieldSet
}

// IngestResult reports a file-import or manual entry. Updated is set when
// the entry matched an active contact and was merged into it.
type IngestResult struct {
	Contact *model.Contact
	Created bool
	Updated bool
	Changed model.FieldSet
}

// LockKey is the email group a contact belongs to. Contacts without an
// email lock on their identity instead.
func LockKey(c *model.Contact) string {
	if key := normalize.EmailKey(c.Email); key != "" {
		return key
	}
	if c.ExternalID != "" {
		return "ext:" + c.ExternalID
	}
	if key := normalize.PhoneKey(c.Phone); key != "" {
		return "phone:" + key
	}
	return "id:" + c.ID
}

// prepare stamps identity and bookkeeping onto an upstream-identified
// contact. Fields owned by the local store come from existing when present.
func (r *Resolver) prepare(c *model.Contact, existing *model.Contact, via model.Channel, now time.Time) {
	c.Channel = model.ChannelBulkAPI
	c.LastIngestedVia = via
	c.LastSyncedAt = now
	c.ProtectionTags = model.NormalizeTags(c.ProtectionTags)
	if c.LifecycleStage == "" {
		c.LifecycleStage = model.DefaultStage
	}
	if c.DNCStatus == "" {
		c.DNCStatus = model.DNCCallable
	}

	if existing == nil {
		c.ID = uuid.NewString()
		c.CreatedAt = now
		c.Status = model.StatusActive
		c.RemovedUpstream = false
		c.RemovedUpstreamAt = nil
		c.RetentionDecision = model.DecisionNone
		c.DecidedAt = nil
		return
	}
	c.ID = existing.ID
	c.CreatedAt = existing.CreatedAt
	c.Status = existing.Status
	c.RemovedUpstream = existing.RemovedUpstream
	c.RemovedUpstreamAt = existing.RemovedUpstreamAt
	c.RetentionDecision = existing.RetentionDecision
	c.DecidedAt = existing.DecidedAt
}

// Upsert writes an upstream-identified contact keyed on its external id,
// holding the email group lock for the local read and write.
func (r *Resolver) Upsert(ctx context.Context, c model.Contact, via model.Channel) (*UpsertResult, error) {
	if c.ExternalID == "" {
		return nil, ErrNoExternalID
	}

	var res *UpsertResult
	err := r.store.WithEmailGroupLock(ctx, LockKey(&c), func(ctx context.Context) error {
		existing, err := r.store.GetByExternalID(ctx, model.ChannelBulkAPI, c.ExternalID)
		if err != nil {
			return err
		}
		r.prepare(&c, existing, via, r.now())
		if err := r.store.UpsertContact(ctx, &c); err != nil {
			return err
		}
		res = &UpsertResult{Contact: &c, Created: existing == nil, Changed: model.Diff(existing, &c)}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "dedup: upsert %s", c.ExternalID)
	}

	r.log.Debug("contact upserted",
		zap.String("external_id", c.ExternalID),
		zap.String("id", c.ID),
		zap.Bool("created", res.Created),
		zap.Strings("changed", res.Changed.Strings()),
	)
	return res, nil
}

// UpsertBatch writes one bulk page. Duplicate external ids within the page
// collapse to their last occurrence. The page is written in one statement;
// when that fails each record is retried alone so one bad row cannot sink
// the page. Records without an external id count as errored.
func (r *Resolver) UpsertBatch(ctx context.Context, contacts []model.Contact, via model.Channel) (*BatchResult, error) {
	res := &BatchResult{Changed: model.NewFieldSet()}

	pos := make(map[string]int, len(contacts))
	batch := make([]model.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.ExternalID == "" {
			res.Errored++
			continue
		}
		if i, ok := pos[c.ExternalID]; ok {
			batch[i] = c
			continue
		}
		pos[c.ExternalID] = len(batch)
		batch = append(batch, c)
	}
	if len(batch) == 0 {
		return res, nil
	}

	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].ExternalID
	}
	existing, err := r.store.GetByExternalIDs(ctx, model.ChannelBulkAPI, ids)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: load page identities")
	}

	now := r.now()
	diffs := make([]model.FieldSet, len(batch))
	for i := range batch {
		prev := existing[batch[i].ExternalID]
		r.prepare(&batch[i], prev, via, now)
		diffs[i] = model.Diff(prev, &batch[i])
	}

	_, err = r.store.UpsertContacts(ctx, batch)
	if err == nil {
		res.Committed = len(batch)
		for _, d := range diffs {
			res.Changed.Union(d)
		}
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, eris.Wrap(err, "dedup: upsert page")
	}
	r.log.Warn("page upsert failed, retrying per record", zap.Int("records", len(batch)), zap.Error(err))

	for i := range batch {
		c := batch[i]
		one, err := r.Upsert(ctx, c, via)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "dedup: upsert page")
			}
			res.Errored++
			r.log.Warn("record upsert failed", zap.String("external_id", c.ExternalID), zap.Error(err))
			continue
		}
		res.Committed++
		res.Changed.Union(one.Changed)
	}
	return res, nil
}

// Ingest adds a contact that arrived without upstream identity. An
// active contact with the same email, or with the same phone when the
// entry has no email, is updated in place instead: non-empty incoming
// fields overwrite, tags and custom fields are unioned. Contacts that do
// carry an external id take the primary path.
func (r *Resolver) Ingest(ctx context.Context, c model.Contact, channel model.Channel) (*IngestResult, error) {
	if c.ExternalID != "" {
		res, err := r.Upsert(ctx, c, channel)
		if err != nil {
			return nil, err
		}
		return &IngestResult{Contact: res.Contact, Created: res.Created, Updated: !res.Created, Changed: res.Changed}, nil
	}
	if !channel.Valid() || channel == model.ChannelBulkAPI {
		return nil, eris.Errorf("dedup: cannot ingest into channel %q", channel)
	}

	now := r.now()
	c.ID = uuid.NewString()
	c.ProtectionTags = model.NormalizeTags(c.ProtectionTags)

	var res *IngestResult
	err := r.store.WithEmailGroupLock(ctx, LockKey(&c), func(ctx context.Context) error {
		match, err := r.findMatch(ctx, &c)
		if err != nil {
			return err
		}
		if match != nil {
			merged := mergeIngest(match, &c, channel, now)
			if err := r.store.UpdateContact(ctx, merged); err != nil {
				return err
			}
			res = &IngestResult{Contact: merged, Updated: true, Changed: model.Diff(match, merged)}
			return nil
		}

		c.Channel = channel
		c.LastIngestedVia = channel
		c.Status = model.StatusActive
		c.CreatedAt = now
		c.LastSyncedAt = now
		if c.LifecycleStage == "" {
			c.LifecycleStage = model.DefaultStage
		}
		if c.DNCStatus == "" {
			c.DNCStatus = model.DNCCallable
		}
		if err := r.store.InsertContact(ctx, &c); err != nil {
			return err
		}
		res = &IngestResult{Contact: &c, Created: true, Changed: model.Diff(nil, &c)}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "dedup: ingest %s contact", channel)
	}
	if res.Updated {
		r.log.Debug("ingest merged into existing contact",
			zap.String("channel", string(channel)),
			zap.String("id", res.Contact.ID),
			zap.Strings("changed", res.Changed.Strings()),
		)
	}
	return res, nil
}

// findMatch looks up the active contact an entry without upstream identity
// belongs to. Phone only decides when the entry has no email.
func (r *Resolver) findMatch(ctx context.Context, c *model.Contact) (*model.Contact, error) {
	if normalize.EmailKey(c.Email) != "" {
		return r.store.FindActiveByEmail(ctx, c.Email)
	}
	return r.store.FindActiveByPhone(ctx, c.Phone)
}

// mergeIngest returns existing updated with the non-empty fields of in.
// Identity, status and retention stay with existing. A do-not-call flag is
// only ever raised here, and the default stage does not overwrite a more
// specific one.
func mergeIngest(existing, in *model.Contact, channel model.Channel, now time.Time) *model.Contact {
	out := *existing
	for _, f := range model.TextFields {
		if v := model.FieldValue(in, f); v != "" {
			model.SetText(&out, f, v)
		}
	}
	if in.LifecycleStage != "" && in.LifecycleStage != model.DefaultStage {
		out.LifecycleStage = in.LifecycleStage
	}
	if in.DNCStatus != "" && in.DNCStatus != model.DNCCallable {
		out.DNCStatus = in.DNCStatus
	}
	out.ProtectionTags = model.NormalizeTags(append(slices.Clone(existing.ProtectionTags), in.ProtectionTags...))
	if len(in.Custom) > 0 {
		out.Custom = maps.Clone(existing.Custom)
		if out.Custom == nil {
			out.Custom = make(map[string]string, len(in.Custom))
		}
		maps.Copy(out.Custom, in.Custom)
	}
	if in.UpstreamUpdatedAt != nil {
		out.UpstreamUpdatedAt = in.UpstreamUpdatedAt
	}
	out.LastIngestedVia = channel
	out.LastSyncedAt = now
	return &out
}
