package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy bounds how a failing call is retried. Delays double from Base up
// to Cap.
type Policy struct {
	// Attempts is the total number of tries including the first. Default 3.
	Attempts int
	// Base is the delay before the first retry. Default 500ms.
	Base time.Duration
	// Cap bounds any single delay. Default 30s.
	Cap time.Duration
	// Jitter spreads each delay by up to this fraction either way.
	Jitter float64
	// Retryable picks the errors worth another try. Default IsTransient.
	Retryable func(err error) bool
	// Op names the call in retry logs. Empty disables logging.
	Op string
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Delay returns the wait before retry number n+1.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := p.Cap
	if n < 32 {
		d = min(p.Base<<n, p.Cap)
		if d <= 0 {
			d = p.Cap
		}
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return max(d, 0)
}

// Retry calls fn until it succeeds, returns an error p does not retry,
// runs out of attempts or ctx ends. The last error from fn is returned.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	for attempt := 0; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !p.Retryable(err) || attempt+1 >= p.Attempts {
			return zero, err
		}
		wait := p.Delay(attempt)
		if p.Op != "" {
			zap.L().Warn("retrying",
				zap.String("op", p.Op),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}
		if Sleep(ctx, wait) != nil {
			return zero, err
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
