package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/resilience"
)

// Ladder is the sequence of page sizes tried while localizing a bad record.
var Ladder = []int{100, 50, 25, 10, 5, 1}

// Config tunes an Extractor. Zero values take the defaults.
type Config struct {
	PageSize            int
	SkipSize            int
	MaxConsecutiveGaps  int
	MaxRateLimitWaits   int
	RateLimitBackoff    time.Duration
	RateLimitMaxBackoff time.Duration
	TransientRetries    int
	TransientBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 || c.PageSize > Ladder[0] {
		c.PageSize = Ladder[0]
	}
	if c.SkipSize <= 0 {
		c.SkipSize = 1
	}
	if c.SkipSize > 10 {
		c.SkipSize = 10
	}
	if c.MaxConsecutiveGaps <= 0 {
		c.MaxConsecutiveGaps = 5
	}
	if c.MaxRateLimitWaits <= 0 {
		c.MaxRateLimitWaits = 8
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 2 * time.Second
	}
	if c.RateLimitMaxBackoff <= 0 {
		c.RateLimitMaxBackoff = 2 * time.Minute
	}
	if c.TransientRetries < 0 {
		c.TransientRetries = 0
	}
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = 500 * time.Millisecond
	}
	return c
}

// RunOptions starts a run at Cursor. An empty cursor walks from the start.
type RunOptions struct {
	RunID  string
	Cursor string
}

// Extractor walks one source into one sink.
type Extractor struct {
	source     Source
	sink       Sink
	properties []string
	cfg        Config
	ladder     []int
	sleep      func(ctx context.Context, d time.Duration) error
	log        *zap.Logger
}

// New creates an Extractor requesting properties from source.
func New(source Source, sink Sink, properties []string, cfg Config) *Extractor {
	cfg = cfg.withDefaults()
	ladder := []int{cfg.PageSize}
	for _, size := range Ladder {
		if size < cfg.PageSize {
			ladder = append(ladder, size)
		}
	}
	return &Extractor{
		source:     source,
		sink:       sink,
		properties: properties,
		cfg:        cfg,
		ladder:     ladder,
		sleep:      resilience.Sleep,
		log:        zap.L().With(zap.String("component", "extract"), zap.String("source", source.Name())),
	}
}

// walk is the mutable state of one run.
type walk struct {
	report     *model.RunReport
	cursor     string
	level      int
	windowLeft int
	rateWaits  int
	breaker    *resilience.Breaker
	changed    model.FieldSet
}

// Run walks the listing from opts.Cursor until it ends, the gap budget or
// rate-limit budget is exhausted, a transient failure outlasts its retries,
// or ctx is cancelled. The report is returned on every path; the error is
// non-nil only when the run did not complete.
func (e *Extractor) Run(ctx context.Context, opts RunOptions) (*model.RunReport, error) {
	w := &walk{
		report: &model.RunReport{
			RunID:       opts.RunID,
			Source:      e.source.Name(),
			Status:      model.RunRunning,
			StartCursor: opts.Cursor,
			FinalCursor: opts.Cursor,
			StartedAt:   time.Now().UTC(),
		},
		cursor:  opts.Cursor,
		breaker: resilience.NewBreaker(e.cfg.MaxConsecutiveGaps, 0),
		changed: model.NewFieldSet(),
	}
	log := e.log.With(zap.String("run_id", opts.RunID))
	log.Info("extraction started", zap.String("cursor", opts.Cursor), zap.Int("page_size", e.cfg.PageSize))

	err := e.walk(ctx, w)
	r := w.report
	r.FinalCursor = w.cursor
	r.FinishedAt = time.Now().UTC()
	r.ChangedFields = w.changed.Sorted()

	fields := []zap.Field{
		zap.String("status", string(r.Status)),
		zap.Int("pages", r.Pages),
		zap.Int("fetched", r.Fetched),
		zap.Int("committed", r.Committed),
		zap.Int("skipped", r.Skipped),
		zap.Int("gapped", r.Gapped),
		zap.Int("errored", r.Errored),
		zap.String("final_cursor", r.FinalCursor),
	}
	if err != nil {
		log.Warn("extraction halted", append(fields, zap.String("reason", r.HaltReason))...)
	} else {
		log.Info("extraction complete", fields...)
	}
	observeRun(r)
	return r, err
}

func (e *Extractor) walk(ctx context.Context, w *walk) error {
	r := w.report
	for {
		if err := ctx.Err(); err != nil {
			return e.halt(w, model.RunCancelled, err)
		}

		size := e.ladder[w.level]
		if w.windowLeft > 0 && w.windowLeft < size {
			size = w.windowLeft
		}

		page, err := e.fetch(ctx, w.cursor, size)
		if err != nil {
			if ctx.Err() != nil {
				return e.halt(w, model.RunCancelled, ctx.Err())
			}
			if wait, ok := resilience.IsRateLimited(err); ok {
				if herr := e.backoff(ctx, w, wait); herr != nil {
					return herr
				}
				continue
			}
			// Only record-localized failures shrink the page. Anything else
			// (exhausted transient retries, auth, bad request) ends the run.
			if !resilience.IsCorrupt(err) {
				return e.halt(w, model.RunFailed, eris.Wrapf(err, "extract: list page at %q", w.cursor))
			}
			if herr := e.shrinkOrSkip(ctx, w, size, err); herr != nil {
				return herr
			}
			if w.report.Status != model.RunRunning {
				return nil
			}
			continue
		}
		w.rateWaits = 0

		if err := e.commit(ctx, w, page); err != nil {
			return e.halt(w, model.RunFailed, err)
		}
		w.breaker.Record(nil)

		if w.windowLeft > 0 {
			w.windowLeft -= len(page.Records)
			if w.windowLeft <= 0 || page.Next == "" {
				w.windowLeft, w.level = 0, 0
			}
		}

		if page.Next == "" {
			w.cursor = ""
			r.Status = model.RunComplete
			return nil
		}
		if len(page.Records) == 0 && page.Next == w.cursor {
			return e.halt(w, model.RunFailed, eris.Errorf("extract: source returned an empty page without advancing at %q", w.cursor))
		}
		w.cursor = page.Next
	}
}

// fetch lists one page, retrying transient failures within the budget.
func (e *Extractor) fetch(ctx context.Context, cursor string, size int) (*Page, error) {
	retry := resilience.Policy{
		Attempts: e.cfg.TransientRetries + 1,
		Base:     e.cfg.TransientBackoff,
		Op:       e.source.Name() + ".list_page",
	}
	return resilience.Retry(ctx, retry, func(ctx context.Context) (*Page, error) {
		return e.source.ListPage(ctx, PageRequest{Properties: e.properties, Limit: size, After: cursor})
	})
}

func (e *Extractor) commit(ctx context.Context, w *walk, page *Page) error {
	r := w.report
	r.Pages++
	r.Fetched += len(page.Records)

	res, err := e.sink.CommitPage(ctx, PageCommit{
		Progress: e.progress(w),
		Records:  page.Records,
		After:    w.cursor,
		Next:     page.Next,
	})
	if err != nil {
		r.Pages--
		r.Fetched -= len(page.Records)
		return eris.Wrapf(err, "extract: commit page at %q", w.cursor)
	}
	r.Committed += res.Committed
	r.Errored += res.Errored
	w.changed.Union(res.Changed)
	recordsFetched.WithLabelValues(r.Source).Add(float64(len(page.Records)))
	return nil
}

// backoff waits out a rate limit and leaves the cursor and size untouched.
func (e *Extractor) backoff(ctx context.Context, w *walk, retryAfter time.Duration) error {
	w.rateWaits++
	w.report.RateLimited++
	rateLimited.WithLabelValues(w.report.Source).Inc()
	if w.rateWaits > e.cfg.MaxRateLimitWaits {
		return e.halt(w, model.RunCircuitBroken,
			eris.Errorf("extract: rate limited %d times in a row at %q", w.rateWaits-1, w.cursor))
	}

	wait := resilience.Policy{
		Base: e.cfg.RateLimitBackoff,
		Cap:  e.cfg.RateLimitMaxBackoff,
	}.Delay(w.rateWaits - 1)
	if retryAfter > wait {
		wait = retryAfter
	}
	e.log.Warn("rate limited, backing off",
		zap.String("cursor", w.cursor),
		zap.Duration("wait", wait),
		zap.Int("attempt", w.rateWaits),
	)
	if err := e.sleep(ctx, wait); err != nil {
		return e.halt(w, model.RunCancelled, err)
	}
	return nil
}

// shrinkOrSkip handles a page that upstream could not serve. Above size 1
// the next request is smaller and anchored at the same cursor; at size 1
// the record is given up as a gap and the cursor skips past it.
func (e *Extractor) shrinkOrSkip(ctx context.Context, w *walk, size int, cause error) error {
	if w.level < len(e.ladder)-1 && size > 1 {
		if w.windowLeft == 0 {
			w.windowLeft = size
		}
		w.level++
		for w.level < len(e.ladder)-1 && e.ladder[w.level] >= size {
			w.level++
		}
		e.log.Debug("page failed, shrinking",
			zap.String("cursor", w.cursor),
			zap.Int("failed_size", size),
			zap.Int("next_size", e.ladder[w.level]),
			zap.Error(cause),
		)
		return nil
	}
	return e.skip(ctx, w, cause)
}

func (e *Extractor) skip(ctx context.Context, w *walk, cause error) error {
	r := w.report
	position := w.cursor

	type advance struct {
		next    string
		skipped int
	}
	retry := resilience.Policy{
		Attempts: e.cfg.TransientRetries + 1,
		Base:     e.cfg.TransientBackoff,
		Op:       e.source.Name() + ".advance",
	}
	adv, err := resilience.Retry(ctx, retry, func(ctx context.Context) (advance, error) {
		next, skipped, err := e.source.Advance(ctx, position, e.cfg.SkipSize)
		return advance{next, skipped}, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return e.halt(w, model.RunCancelled, ctx.Err())
		}
		return e.halt(w, model.RunFailed, eris.Wrapf(err, "extract: advance past %q", position))
	}

	gap := model.Gap{
		Source:    r.Source,
		RunID:     r.RunID,
		Position:  position,
		Reason:    gapReason(cause),
		Skipped:   adv.skipped,
		CreatedAt: time.Now().UTC(),
	}
	r.Gapped++
	r.Skipped += adv.skipped
	progress := e.progress(w)
	if err := e.sink.RecordGap(ctx, gap, adv.next, progress); err != nil {
		r.Gapped--
		r.Skipped -= adv.skipped
		return e.halt(w, model.RunFailed, eris.Wrapf(err, "extract: record gap at %q", position))
	}
	r.Gaps = append(r.Gaps, gap)
	gapsTotal.WithLabelValues(r.Source).Inc()

	e.log.Warn("record unreadable, skipped",
		zap.String("position", position),
		zap.String("next", adv.next),
		zap.Int("skipped", adv.skipped),
		zap.String("reason", gap.Reason),
	)

	w.cursor = adv.next
	w.windowLeft -= adv.skipped
	if w.windowLeft < 0 {
		w.windowLeft = 0
	}
	w.level = 0

	if adv.next == "" {
		r.Status = model.RunComplete
		return nil
	}

	w.breaker.Record(cause)
	if w.breaker.Open() {
		return e.halt(w, model.RunCircuitBroken,
			eris.Errorf("extract: %d consecutive gaps without a successful page", e.cfg.MaxConsecutiveGaps))
	}
	return nil
}

func (e *Extractor) progress(w *walk) Progress {
	r := w.report
	return Progress{
		RunID:  r.RunID,
		Source: r.Source,
		Pages:  r.Pages,
		Errors: r.Errored,
		Gaps:   r.Gapped,
	}
}

func (e *Extractor) halt(w *walk, status model.RunStatus, err error) error {
	w.report.Status = status
	w.report.HaltReason = err.Error()
	return err
}

func gapReason(err error) string {
	var ce *resilience.CorruptRecordError
	if errors.As(err, &ce) && ce.StatusCode > 0 {
		return fmt.Sprintf("upstream status %d: %v", ce.StatusCode, ce.Err)
	}
	return err.Error()
}
