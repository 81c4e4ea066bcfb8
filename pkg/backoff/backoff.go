package backoff

import (
	"math/rand"
	"time"
)

// Policy computes exponential retry delays with jitter. The zero value is
// not usable; construct with New.
type Policy struct {
	base   time.Duration
	factor float64
	cap    time.Duration
	jitter float64
}

// New returns a policy starting at base, multiplying by factor per attempt,
// capped at max, with +/- jitter fraction applied (0 disables jitter).
func New(base time.Duration, factor float64, max time.Duration, jitter float64) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if factor < 1 {
		factor = 2
	}
	if max < base {
		max = base
	}
	return &Policy{base: base, factor: factor, cap: max, jitter: jitter}
}

// Delay returns the delay before the given retry attempt (0-based), with
// jitter applied.
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.Raw(attempt)
	if p.jitter <= 0 {
		return d
	}
	// Spread uniformly across [d*(1-jitter), d*(1+jitter)].
	delta := float64(d) * p.jitter
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

// Raw returns the un-jittered delay for the given attempt.
func (p *Policy) Raw(attempt int) time.Duration {
	d := float64(p.base)
	for i := 0; i < attempt; i++ {
		d *= p.factor
		if time.Duration(d) >= p.cap {
			return p.cap
		}
	}
	if time.Duration(d) > p.cap {
		return p.cap
	}
	return time.Duration(d)
}
