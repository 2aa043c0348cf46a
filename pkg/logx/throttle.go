package logx

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttle gates a noisy log site with a token bucket.
//
// Suppressed events are counted and reported on the next allowed event
// as "suppressed=<n>", so nothing disappears silently.
type Throttle struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle allows perSec events per second with the given burst.
func NewThrottle(perSec float64, burst int) *Throttle {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether an event may be logged now. When it returns true,
// the extra field carries the number of events dropped since the last one.
func (t *Throttle) Allow() (Field, bool) {
	if t == nil {
		return nil, true
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return nil, false
	}
	n := t.suppressed.Swap(0)
	if n == 0 {
		return nil, true
	}
	return Uint64("suppressed", n), true
}
