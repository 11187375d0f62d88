package webhook

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-sync/internal/model"
)

func TestDispatcher_ProcessesAndReports(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := range 10 {
		h.fetcher.set(fmt.Sprint(i), map[string]any{"email": fmt.Sprintf("c%d@example.com", i)})
	}

	var mu sync.Mutex
	var reports []*model.BatchReport
	done := make(chan struct{})
	d := NewDispatcher(h.proc, 4, 8, func(r *model.BatchReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
		close(done)
	})
	d.Start(ctx)

	var events []model.Event
	for i := range 10 {
		events = append(events, ev(fmt.Sprint(i), model.EventCreate))
	}
	require.NoError(t, d.Submit("batch-1", events))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("batch never completed")
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1, "sub-batches merge into one report")
	assert.Equal(t, "batch-1", reports[0].BatchID)
	assert.Equal(t, 10, reports[0].Applied)
}

func TestDispatcher_SameObjectSameShard(t *testing.T) {
	d := NewDispatcher(nil, 8, 1, nil)
	for _, id := range []string{"1", "42", "abc", "9999999"} {
		assert.Equal(t, d.shard(id), d.shard(id))
		assert.Less(t, d.shard(id), 8)
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	// Not started, so nothing drains the single slot.
	d := NewDispatcher(nil, 1, 1, nil)
	require.NoError(t, d.Submit("b1", []model.Event{{ObjectID: "1", Type: model.EventUpdate}}))
	err := d.Submit("b2", []model.Event{{ObjectID: "2", Type: model.EventUpdate}})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatcher_Closed(t *testing.T) {
	h := newHarness(t)
	d := NewDispatcher(h.proc, 2, 2, nil)
	d.Start(context.Background())
	d.Close()
	d.Close()

	err := d.Submit("b1", []model.Event{{ObjectID: "1", Type: model.EventUpdate}})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcher_EmptyBatch(t *testing.T) {
	d := NewDispatcher(nil, 1, 1, nil)
	assert.NoError(t, d.Submit("b1", nil))
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set("1", map[string]any{"email": "one@example.com"})

	var count int
	var mu sync.Mutex
	d := NewDispatcher(h.proc, 1, 4, func(*model.BatchReport) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	d.Start(context.Background())
	for i := range 3 {
		require.NoError(t, d.Submit(fmt.Sprintf("b%d", i), []model.Event{ev("1", model.EventUpdate)}))
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count)
}
