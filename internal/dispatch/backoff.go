package dispatch

import (
	"math/rand"
	"time"

	"castbot/internal/transport"
)

type RetryPolicy struct {
	Max      int
	Base     time.Duration
	MaxDelay time.Duration
	// Jitter is the +/- fraction applied to each delay.
	Jitter float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Max < 0 {
		p.Max = 0
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// backoffDelayWithHint honors a server retry-after hint. The hint is a floor:
// jitter only ever adds to it.
func backoffDelayWithHint(p RetryPolicy, retry int, err error, rng *rand.Rand) time.Duration {
	if hint, ok := transport.RetryAfterHint(err); ok {
		d := hint
		if p.Jitter > 0 && rng != nil {
			d += time.Duration(float64(hint) * rng.Float64() * p.Jitter)
		}
		return d
	}
	return backoffDelay(p, retry, rng)
}

func backoffDelay(p RetryPolicy, retry int, rng *rand.Rand) time.Duration {
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
