// Package retention decides what happens to a local contact when upstream
// deletes it. Contacts are never hard-deleted: protected ones stay active
// with a removal annotation, the rest are archived.
package retention

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/store"
)

// Decision is the outcome of one deletion signal.
type Decision string

const (
	DecisionPreserved Decision = "preserved"
	DecisionArchived  Decision = "archived"
	DecisionNoop      Decision = "noop"
)

// Signal is an upstream deletion of one object.
type Signal struct {
	ExternalID string
	OccurredAt time.Time
}

// Result is the decision taken and the record it applied to. Replayed is
// set when the decision had already been stored by an earlier signal.
type Result struct {
	Decision Decision
	Contact  *model.Contact
	Replayed bool
}

// Engine applies the retention policy.
type Engine struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// NewEngine creates a retention engine.
func NewEngine(s store.Store) *Engine {
	return &Engine{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "retention")),
	}
}

// HandleDeletion records the policy decision for sig. A contact whose
// decision is already stored is returned unchanged.
func (e *Engine) HandleDeletion(ctx context.Context, sig Signal) (*Result, error) {
	if sig.ExternalID == "" {
		return nil, eris.New("retention: deletion signal without external id")
	}

	current, err := e.store.GetByExternalID(ctx, model.ChannelBulkAPI, sig.ExternalID)
	if err != nil {
		return nil, eris.Wrapf(err, "retention: load %s", sig.ExternalID)
	}
	if current == nil {
		e.log.Info("deletion for unknown contact, nothing to do", zap.String("external_id", sig.ExternalID))
		return &Result{Decision: DecisionNoop}, nil
	}

	res := &Result{}
	err = e.store.WithEmailGroupLock(ctx, dedup.LockKey(current), func(ctx context.Context) error {
		c, err := e.store.GetByExternalID(ctx, model.ChannelBulkAPI, sig.ExternalID)
		if err != nil {
			return err
		}
		if c == nil {
			res.Decision = DecisionNoop
			return nil
		}
		res.Contact = c
		if c.RetentionDecision != model.DecisionNone {
			res.Decision = Decision(c.RetentionDecision)
			res.Replayed = true
			return nil
		}

		Decide(c, sig.OccurredAt, e.now())
		res.Decision = Decision(c.RetentionDecision)
		return e.store.UpdateRetention(ctx, c)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "retention: handle deletion %s", sig.ExternalID)
	}

	if res.Contact != nil {
		e.log.Info("deletion handled",
			zap.String("external_id", sig.ExternalID),
			zap.String("id", res.Contact.ID),
			zap.String("decision", string(res.Decision)),
			zap.Bool("replayed", res.Replayed),
		)
	}
	return res, nil
}

// Decide applies the policy to c in memory. Every deleted contact is
// annotated; only unprotected ones change status.
func Decide(c *model.Contact, occurredAt, now time.Time) {
	if occurredAt.IsZero() {
		occurredAt = now
	}
	occurredAt = occurredAt.UTC()
	c.RemovedUpstream = true
	c.RemovedUpstreamAt = &occurredAt
	c.DecidedAt = &now
	if c.Protected() {
		c.RetentionDecision = model.DecisionPreserved
		return
	}
	c.Status = model.StatusArchived
	c.RetentionDecision = model.DecisionArchived
}

// Restore returns an archived contact to active.
func (e *Engine) Restore(ctx context.Context, id string) (*model.Contact, error) {
	if err := e.store.RestoreContact(ctx, id); err != nil {
		return nil, eris.Wrapf(err, "retention: restore %s", id)
	}
	c, err := e.store.GetContact(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "retention: reload %s", id)
	}
	e.log.Info("contact restored", zap.String("id", id))
	return c, nil
}
