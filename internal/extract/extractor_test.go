package extract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeSource serves total records addressed by integer offset cursors.
// Any page covering a bad index fails as corrupt.
type fakeSource struct {
	total int
	bad   map[int]bool
	// failures are returned, in order, before the listing is consulted.
	failures []error
	requests []PageRequest
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) ListPage(_ context.Context, req PageRequest) (*Page, error) {
	f.requests = append(f.requests, req)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	offset := offsetOf(req.After)
	end := min(offset+req.Limit, f.total)
	for i := offset; i < end; i++ {
		if f.bad[i] {
			return nil, resilience.NewCorruptRecordError(fmt.Errorf("record %d unreadable", i), 500)
		}
	}
	page := &Page{}
	for i := offset; i < end; i++ {
		page.Records = append(page.Records, model.RawRecord{
			ID:         strconv.Itoa(i),
			Properties: map[string]any{"email": fmt.Sprintf("c%d@example.com", i)},
		})
	}
	if end < f.total {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeSource) Advance(_ context.Context, cursor string, n int) (string, int, error) {
	offset := offsetOf(cursor)
	end := min(offset+n, f.total)
	if end >= f.total {
		return "", end - offset, nil
	}
	return strconv.Itoa(end), end - offset, nil
}

func offsetOf(cursor string) int {
	if cursor == "" {
		return 0
	}
	n, _ := strconv.Atoi(cursor)
	return n
}

// memSink records commits and checkpoints in memory.
type memSink struct {
	ids        []string
	gaps       []model.Gap
	checkpoint string
	progress   Progress
	erroredIDs map[string]bool
	commitErr  error
	onCommit   func()
}

func (m *memSink) CommitPage(_ context.Context, c PageCommit) (CommitResult, error) {
	if m.commitErr != nil {
		return CommitResult{}, m.commitErr
	}
	var res CommitResult
	for _, r := range c.Records {
		if m.erroredIDs[r.ID] {
			res.Errored++
			continue
		}
		m.ids = append(m.ids, r.ID)
		res.Committed++
	}
	res.Changed = model.NewFieldSet(model.FieldEmail)
	m.checkpoint = c.Next
	m.progress = c.Progress
	if m.onCommit != nil {
		m.onCommit()
	}
	return res, nil
}

func (m *memSink) RecordGap(_ context.Context, gap model.Gap, next string, p Progress) error {
	m.gaps = append(m.gaps, gap)
	m.checkpoint = next
	m.progress = p
	return nil
}

func newTestExtractor(src Source, sink Sink, cfg Config) (*Extractor, *[]time.Duration) {
	if cfg.TransientBackoff == 0 {
		cfg.TransientBackoff = time.Millisecond
	}
	e := New(src, sink, []string{"email"}, cfg)
	var sleeps []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return e, &sleeps
}

func TestRun_CleanWalk(t *testing.T) {
	src := &fakeSource{total: 250}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, r.Status)
	assert.Equal(t, 3, r.Pages)
	assert.Equal(t, 250, r.Fetched)
	assert.Equal(t, 250, r.Committed)
	assert.Zero(t, r.Gapped)
	assert.Empty(t, r.FinalCursor)
	assert.Equal(t, []model.Field{model.FieldEmail}, r.ChangedFields)
	assert.Len(t, sink.ids, 250)
	assert.Equal(t, []string{"email"}, src.requests[0].Properties)
	assert.Equal(t, 100, src.requests[0].Limit)
}

func TestRun_OneBadRecordInPage(t *testing.T) {
	src := &fakeSource{total: 100, bad: map[int]bool{37: true}}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, r.Status)
	assert.Equal(t, 99, r.Fetched)
	assert.Equal(t, 99, r.Committed)
	assert.Equal(t, 1, r.Gapped)
	assert.Equal(t, 1, r.Skipped)
	require.Len(t, sink.gaps, 1)
	assert.Equal(t, "37", sink.gaps[0].Position)
	assert.Equal(t, "r1", sink.gaps[0].RunID)
	assert.Contains(t, sink.gaps[0].Reason, "status 500")
	assert.NotContains(t, sink.ids, "37")

	// The ladder descends from the failing page instead of giving up.
	var sizes []int
	for _, req := range src.requests[:4] {
		sizes = append(sizes, req.Limit)
	}
	assert.Equal(t, []int{100, 50, 25, 25}, sizes)
}

func TestRun_ReturnsToTargetAfterWindow(t *testing.T) {
	src := &fakeSource{total: 300, bad: map[int]bool{3: true}}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 299, r.Committed)

	last := src.requests[len(src.requests)-1]
	assert.Equal(t, 100, last.Limit)
	assert.Equal(t, "200", last.After)
}

func TestRun_GapAtEndOfListingCompletes(t *testing.T) {
	src := &fakeSource{total: 10, bad: map[int]bool{9: true}}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{PageSize: 10})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, r.Status)
	assert.Equal(t, 9, r.Committed)
	assert.Equal(t, 1, r.Gapped)
	assert.Empty(t, sink.checkpoint)
}

func TestRun_CircuitBreaksOnConsecutiveGaps(t *testing.T) {
	bad := map[int]bool{}
	for i := 10; i < 20; i++ {
		bad[i] = true
	}
	src := &fakeSource{total: 100, bad: bad}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{MaxConsecutiveGaps: 3})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.Error(t, err)
	assert.Equal(t, model.RunCircuitBroken, r.Status)
	assert.Equal(t, 10, r.Committed)
	assert.Equal(t, 3, r.Gapped)
	assert.Equal(t, 3, r.Skipped)
	assert.Equal(t, "13", r.FinalCursor)
	assert.Equal(t, "13", sink.checkpoint, "checkpoint matches the final cursor")
	assert.Equal(t, 3, sink.progress.Gaps)
	assert.Contains(t, r.HaltReason, "consecutive gaps")
}

func TestRun_SuccessfulPageResetsGapBudget(t *testing.T) {
	src := &fakeSource{total: 100, bad: map[int]bool{10: true, 20: true, 30: true}}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{MaxConsecutiveGaps: 2})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, r.Status)
	assert.Equal(t, 3, r.Gapped)
	assert.Equal(t, 97, r.Committed)
}

func TestRun_SkipSize(t *testing.T) {
	src := &fakeSource{total: 50, bad: map[int]bool{5: true}}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{SkipSize: 3})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Skipped)
	assert.Equal(t, 1, r.Gapped)
	assert.Equal(t, 47, r.Committed)
	assert.Equal(t, 50, r.Fetched+r.Skipped, "every record is either fetched or skipped")
}

func TestRun_RateLimitedResumesAtSameCursor(t *testing.T) {
	src := &fakeSource{
		total: 150,
		failures: []error{
			nil,
			&resilience.RateLimitedError{},
			&resilience.RateLimitedError{RetryAfter: 10 * time.Second},
		},
	}
	sink := &memSink{}
	e, sleeps := newTestExtractor(src, sink, Config{RateLimitBackoff: time.Second, RateLimitMaxBackoff: time.Minute})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, r.Status)
	assert.Equal(t, 2, r.RateLimited)
	assert.Equal(t, 150, r.Committed)
	assert.Zero(t, r.Gapped, "rate limits never skip")
	assert.Equal(t, []time.Duration{time.Second, 10 * time.Second}, *sleeps)

	// The retries asked for the same cursor at the same size.
	for _, req := range src.requests[1:4] {
		assert.Equal(t, "100", req.After)
		assert.Equal(t, 100, req.Limit)
	}
}

func TestRun_RateLimitBudgetExhausted(t *testing.T) {
	failures := make([]error, 10)
	for i := range failures {
		failures[i] = &resilience.RateLimitedError{}
	}
	src := &fakeSource{total: 50, failures: failures}
	sink := &memSink{}
	e, sleeps := newTestExtractor(src, sink, Config{MaxRateLimitWaits: 2, RateLimitBackoff: time.Second})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1", Cursor: "20"})
	require.Error(t, err)
	assert.Equal(t, model.RunCircuitBroken, r.Status)
	assert.Equal(t, "20", r.FinalCursor)
	assert.Len(t, *sleeps, 2)
	assert.Zero(t, r.Fetched)
}

func TestRun_TransientRetriedThenSucceeds(t *testing.T) {
	src := &fakeSource{
		total:    20,
		failures: []error{resilience.NewTransientError(errors.New("connection reset by peer"), 0)},
	}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{TransientRetries: 2})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, r.Status)
	assert.Equal(t, 20, r.Committed)
}

func TestRun_TransientExhaustedFailsWithoutSkipping(t *testing.T) {
	transient := resilience.NewTransientError(errors.New("i/o timeout"), 0)
	src := &fakeSource{total: 200, failures: []error{nil, transient, transient, transient}}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{TransientRetries: 2})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.Error(t, err)
	assert.Equal(t, model.RunFailed, r.Status)
	assert.Equal(t, 100, r.Committed)
	assert.Zero(t, r.Gapped)
	assert.Zero(t, r.Skipped)
	assert.Equal(t, "100", r.FinalCursor)
	assert.Equal(t, "100", sink.checkpoint)
}

func TestRun_UnclassifiedErrorFailsWithoutSkipping(t *testing.T) {
	src := &fakeSource{total: 50, failures: []error{errors.New("unexpected status 401: invalid token")}}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{TransientRetries: 2})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.Error(t, err)
	assert.Equal(t, model.RunFailed, r.Status)
	assert.Len(t, src.requests, 1, "not retried")
	assert.Zero(t, r.Gapped)
	assert.Empty(t, r.FinalCursor)
}

func TestRun_CancelledBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{total: 500}
	sink := &memSink{onCommit: cancel}
	e, _ := newTestExtractor(src, sink, Config{})

	r, err := e.Run(ctx, RunOptions{RunID: "r1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.RunCancelled, r.Status)
	assert.Equal(t, 1, r.Pages)
	assert.Equal(t, "100", r.FinalCursor)
	assert.Equal(t, "100", sink.checkpoint)
}

func TestRun_ResumesFromCursor(t *testing.T) {
	src := &fakeSource{total: 250}
	sink := &memSink{}
	e, _ := newTestExtractor(src, sink, Config{})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r2", Cursor: "150"})
	require.NoError(t, err)
	assert.Equal(t, "150", r.StartCursor)
	assert.Equal(t, 100, r.Fetched)
	assert.Equal(t, "150", sink.ids[0])
}

func TestRun_SinkFailureHalts(t *testing.T) {
	src := &fakeSource{total: 50}
	sink := &memSink{commitErr: errors.New("database is locked")}
	e, _ := newTestExtractor(src, sink, Config{})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1", Cursor: "10"})
	require.Error(t, err)
	assert.Equal(t, model.RunFailed, r.Status)
	assert.Zero(t, r.Pages)
	assert.Zero(t, r.Fetched)
	assert.Equal(t, "10", r.FinalCursor)
}

func TestRun_CountsSinkErrors(t *testing.T) {
	src := &fakeSource{total: 10}
	sink := &memSink{erroredIDs: map[string]bool{"2": true, "7": true}}
	e, _ := newTestExtractor(src, sink, Config{})

	r, err := e.Run(context.Background(), RunOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 10, r.Fetched)
	assert.Equal(t, 8, r.Committed)
	assert.Equal(t, 2, r.Errored)
}

func TestNew_LadderBelowPageSize(t *testing.T) {
	e := New(&fakeSource{}, &memSink{}, nil, Config{PageSize: 30})
	assert.Equal(t, []int{30, 25, 10, 5, 1}, e.ladder)

	e = New(&fakeSource{}, &memSink{}, nil, Config{PageSize: 500})
	assert.Equal(t, Ladder, e.ladder)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{SkipSize: 50}.withDefaults()
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, 10, cfg.SkipSize)
	assert.Equal(t, 5, cfg.MaxConsecutiveGaps)
	assert.Equal(t, 8, cfg.MaxRateLimitWaits)
}
