// Package ratelimit provides the process-wide identify gate shared by every
// gateway session. The remote service enforces a minimum spacing between
// identify handshakes across all shards of a token, so the gate must be
// constructed once and handed to each session rather than owned per
// connection.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultMinSpacing is the minimum delay between identify grants.
	DefaultMinSpacing = 5 * time.Second
	// DefaultMaxConcurrent bounds identify handshakes in flight at once.
	DefaultMaxConcurrent = 1
)

// IdentifyLimiter gates identify attempts. Acquire never rejects: callers
// suspend until a slot and the spacing window are both available, or until
// their context is cancelled. Waiters are served in arrival order.
type IdentifyLimiter struct {
	mu      sync.Mutex
	nextAt  time.Time
	spacing time.Duration
	slots   chan struct{}
}

func NewIdentifyLimiter(maxConcurrent int, minSpacing time.Duration) *IdentifyLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if minSpacing <= 0 {
		minSpacing = DefaultMinSpacing
	}
	return &IdentifyLimiter{
		spacing: minSpacing,
		slots:   make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until the caller may send an identify. A cancelled wait
// releases its slot immediately and never blocks other waiters.
func (l *IdentifyLimiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	wait := l.nextAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	l.nextAt = now.Add(wait + l.spacing)
	l.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			l.Release()
			return ctx.Err()
		}
	}
	return nil
}

// Release frees the concurrency slot taken by a successful Acquire. Call it
// once the identify handshake has settled (Ready received or the connection
// died).
func (l *IdentifyLimiter) Release() {
	select {
	case <-l.slots:
	default:
	}
}
