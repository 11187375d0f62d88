// Package resilience provides the error taxonomy, retry and circuit breaker
// primitives shared by the extractor and the webhook processor.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// Breaker opens after a run of consecutive failures. A zero cooldown keeps
// it open for the rest of its owner's life, which is how a run's gap budget
// is enforced. With a cooldown, the first call after it elapses is a trial:
// success closes the breaker and failure restarts the cooldown.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	onOpen    func(failures int)

	mu          sync.Mutex
	consecutive int
	open        bool
	probing     bool
	openedAt    time.Time
	now         func() time.Time
}

// NewBreaker creates a breaker that opens at threshold consecutive
// failures. A threshold below 1 is treated as 1.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnOpen registers fn to run, under the breaker's lock, each time it opens.
func (b *Breaker) OnOpen(fn func(failures int)) *Breaker {
	b.onOpen = fn
	return b
}

// Allow returns ErrCircuitOpen while the breaker is open. Once the cooldown
// has passed it lets exactly one trial through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	if b.cooldown > 0 && !b.probing && b.now().Sub(b.openedAt) >= b.cooldown {
		b.probing = true
		return nil
	}
	return ErrCircuitOpen
}

// Record feeds one outcome into the breaker. Cancellation is not a
// failure of the guarded dependency and is ignored.
func (b *Breaker) Record(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutive = 0
		if b.probing {
			b.open, b.probing = false, false
		}
		return
	}

	b.consecutive++
	if b.probing || (!b.open && b.consecutive >= b.threshold) {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.open, b.probing = true, false
	b.openedAt = b.now()
	if b.onOpen != nil {
		b.onOpen(b.consecutive)
	}
}

// Open reports whether the breaker is rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failures returns the current streak of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
