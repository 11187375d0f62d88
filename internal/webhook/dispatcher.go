package webhook

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
)

var (
	// ErrQueueFull is returned by Submit when a shard has no room.
	ErrQueueFull = eris.New("webhook: dispatcher queue full")
	// ErrDispatcherClosed is returned by Submit after Close.
	ErrDispatcherClosed = eris.New("webhook: dispatcher closed")
)

// pending is a submitted batch whose sub-batches are still in flight.
type pending struct {
	tally     *tally
	remaining atomic.Int32
}

type job struct {
	batch  *pending
	events []model.Event
}

// Dispatcher is a bounded worker pool. Events are sharded by object id so
// one object's events are always handled by the same worker, in arrival
// order, across batches.
type Dispatcher struct {
	proc   *Processor
	shards []chan job
	onDone func(*model.BatchReport)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewDispatcher creates a dispatcher with workers shards of depth queued
// sub-batches each. onDone, if set, receives every completed batch report.
func NewDispatcher(proc *Processor, workers, depth int, onDone func(*model.BatchReport)) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 64
	}
	shards := make([]chan job, workers)
	for i := range shards {
		shards[i] = make(chan job, depth)
	}
	return &Dispatcher{
		proc:   proc,
		shards: shards,
		onDone: onDone,
		log:    zap.L().With(zap.String("component", "webhook.dispatcher")),
	}
}

// Start launches the workers. They stop after Close drains the queues.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.shards {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range ch {
				queueDepth.Dec()
				d.run(ctx, j)
			}
			d.log.Debug("worker stopped", zap.Int("shard", i))
		}()
	}
	d.log.Info("dispatcher started", zap.Int("workers", len(d.shards)))
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	d.proc.applyGroups(ctx, j.batch.tally, groupByObject(j.events))
	if j.batch.remaining.Add(-1) > 0 {
		return
	}
	report := d.proc.finish(ctx, j.batch.tally)
	if d.onDone != nil {
		d.onDone(report)
	}
}

func (d *Dispatcher) shard(objectID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(objectID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// Submit queues a batch without blocking. The whole batch is rejected with
// ErrQueueFull when any shard it touches is saturated.
func (d *Dispatcher) Submit(batchID string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	split := make(map[int][]model.Event)
	for _, ev := range events {
		s := d.shard(ev.ObjectID)
		split[s] = append(split[s], ev)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	for s := range split {
		if len(d.shards[s]) >= cap(d.shards[s]) {
			batchesRejected.WithLabelValues("queue_full").Inc()
			return ErrQueueFull
		}
	}

	// Only Submit sends, and it holds mu, so the room checked above is
	// still there.
	p := &pending{tally: newTally(batchID)}
	p.remaining.Store(int32(len(split)))
	for s, evs := range split {
		d.shards[s] <- job{batch: p, events: evs}
		queueDepth.Inc()
	}
	return nil
}

// Close stops accepting batches and waits for queued work to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}
