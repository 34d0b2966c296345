package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// schedule returns the redelivery delays for p: MinBackoff doubling on every
// attempt, capped at MaxBackoff.
func (p RetryPolicy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.MinBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	} else {
		b.MaxInterval = max(b.MaxInterval, p.MinBackoff)
	}
	b.Reset()
	return b
}

// Delays lists the first n redelivery delays of the policy.
func (p RetryPolicy) Delays(n int) []time.Duration {
	b := p.schedule()
	out := make([]time.Duration, 0, n)
	for range n {
		out = append(out, next(b))
	}
	return out
}

func next(b backoff.BackOff) time.Duration {
	d := b.NextBackOff()
	if d < 0 {
		return 0
	}
	return d
}

// receiveBackoff paces retries after transient receive errors.
func receiveBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
