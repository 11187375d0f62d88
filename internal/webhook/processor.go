// Package webhook applies upstream change notifications to the local store.
// Events carry ids only; creates and updates re-fetch the current record.
package webhook

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/normalize"
	"github.com/sells-group/crm-sync/internal/resilience"
	"github.com/sells-group/crm-sync/internal/retention"
	"github.com/sells-group/crm-sync/internal/segment"
)

// Fetcher re-reads one upstream object. A nil record with a nil error
// means the object no longer exists upstream.
type Fetcher interface {
	Fetch(ctx context.Context, objectID string) (*model.RawRecord, error)
}

// Resolver is the primary identity path.
type Resolver interface {
	Upsert(ctx context.Context, c model.Contact, via model.Channel) (*dedup.UpsertResult, error)
}

// Retention decides upstream deletions.
type Retention interface {
	HandleDeletion(ctx context.Context, sig retention.Signal) (*retention.Result, error)
}

// Refresher recomputes segment counts after a batch.
type Refresher interface {
	Refresh(ctx context.Context, changed model.FieldSet) (*segment.RefreshReport, error)
}

// DeadLetters persists failed events for replay.
type DeadLetters interface {
	EnqueueDLQ(ctx context.Context, entries ...resilience.DLQEntry) error
}

// Config tunes a Processor. Zero values take the defaults.
type Config struct {
	FetchRetries int
	FetchBackoff time.Duration
	Concurrency  int
	DLQRetries   int
	// BreakerThreshold consecutive transient fetch failures stop upstream
	// calls for BreakerCooldown; events fail straight to the dead letter
	// queue meanwhile.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.FetchRetries <= 0 {
		c.FetchRetries = 3
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = 500 * time.Millisecond
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.DLQRetries <= 0 {
		c.DLQRetries = 5
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 10
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Processor turns events into local writes.
type Processor struct {
	fetcher    Fetcher
	normalizer *normalize.Normalizer
	resolver   Resolver
	retention  Retention
	segments   Refresher
	dlq        DeadLetters
	breaker    *resilience.Breaker
	cfg        Config
	now        func() time.Time
	log        *zap.Logger
}

// NewProcessor wires a Processor. segments and dlq may be nil.
func NewProcessor(f Fetcher, n *normalize.Normalizer, r Resolver, ret Retention, segments Refresher, dlq DeadLetters, cfg Config) *Processor {
	cfg = cfg.withDefaults()
	log := zap.L().With(zap.String("component", "webhook"))
	breaker := resilience.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown).OnOpen(func(n int) {
		log.Warn("upstream fetches failing, pausing", zap.Int("consecutive_failures", n), zap.Duration("cooldown", cfg.BreakerCooldown))
	})
	return &Processor{
		fetcher:    f,
		normalizer: n,
		resolver:   r,
		retention:  ret,
		segments:   segments,
		dlq:        dlq,
		breaker:    breaker,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// Process applies one event.
func (p *Processor) Process(ctx context.Context, ev model.Event) (model.Outcome, error) {
	outcome, _, err := p.apply(ctx, ev)
	return outcome, err
}

// apply applies one event and reports the canonical fields it changed.
func (p *Processor) apply(ctx context.Context, ev model.Event) (model.Outcome, model.FieldSet, error) {
	if ev.ObjectID == "" {
		return model.OutcomeFailed, nil, eris.New("webhook: event without object id")
	}

	switch ev.Type {
	case model.EventDelete:
		res, err := p.retention.HandleDeletion(ctx, retention.Signal{ExternalID: ev.ObjectID, OccurredAt: ev.OccurredAt})
		if err != nil {
			return model.OutcomeFailed, nil, err
		}
		if res.Decision == retention.DecisionNoop || res.Replayed {
			return model.OutcomeSkipped, nil, nil
		}
		changed := model.NewFieldSet(model.FieldRemovedUpstream)
		if res.Decision == retention.DecisionArchived {
			changed.Add(model.FieldStatus)
		}
		return model.OutcomeApplied, changed, nil

	case model.EventCreate, model.EventUpdate:
		raw, err := p.fetch(ctx, ev.ObjectID)
		if err != nil {
			return model.OutcomeFailed, nil, err
		}
		if raw == nil {
			p.log.Debug("object gone upstream, skipping", zap.String("object_id", ev.ObjectID))
			return model.OutcomeSkipped, nil, nil
		}
		norm := p.normalizer.Normalize(*raw)
		for _, issue := range norm.Issues {
			p.log.Debug("normalization issue", zap.String("object_id", ev.ObjectID), zap.Error(issue))
		}
		c := norm.Contact
		if c.ExternalID == "" {
			c.ExternalID = ev.ObjectID
		}
		res, err := p.resolver.Upsert(ctx, c, model.ChannelWebhook)
		if err != nil {
			return model.OutcomeFailed, nil, err
		}
		return model.OutcomeApplied, res.Changed, nil
	}
	return model.OutcomeFailed, nil, eris.Errorf("webhook: unknown event type %q", ev.Type)
}

func (p *Processor) fetch(ctx context.Context, objectID string) (*model.RawRecord, error) {
	if err := p.breaker.Allow(); err != nil {
		return nil, eris.Wrapf(err, "webhook: fetch %s", objectID)
	}
	retry := resilience.Policy{
		Attempts: p.cfg.FetchRetries,
		Base:     p.cfg.FetchBackoff,
		Jitter:   0.25,
		Op:       "upstream.fetch_object",
	}
	raw, err := resilience.Retry(ctx, retry, func(ctx context.Context) (*model.RawRecord, error) {
		return p.fetcher.Fetch(ctx, objectID)
	})
	if resilience.ClassifyError(err) == "transient" {
		p.breaker.Record(err)
	} else {
		p.breaker.Record(nil)
	}
	return raw, eris.Wrapf(err, "webhook: fetch %s", objectID)
}
