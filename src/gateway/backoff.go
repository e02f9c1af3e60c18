package gateway

import (
	"math/rand"
	"time"
)

// backoff computes reconnect delays: exponential growth from base, capped,
// with +/-25% jitter so a fleet of sessions does not reconnect in lockstep.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

func newBackoff() *backoff {
	return &backoff{
		base: time.Second,
		cap:  64 * time.Second,
	}
}

func (b *backoff) next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt && d < b.cap; i++ {
		d *= 2
	}
	if d > b.cap {
		d = b.cap
	}
	b.attempt++
	jittered := float64(d) * (0.75 + rand.Float64()*0.5)
	return time.Duration(jittered)
}

func (b *backoff) reset() {
	b.attempt = 0
}
