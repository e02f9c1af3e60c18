package gateway

import (
	"math/rand"
	"time"
)

// heartbeatMonitor owns the heartbeat timer for one connection. It is idle
// until Hello supplies an interval. The first beat fires after a random
// jitter in [0, interval) so reconnecting sessions do not thunder in step;
// subsequent beats fire at the full interval.
//
// The monitor is driven entirely by the session run loop: C() is one arm of
// the loop's select, so a tick never races an incoming frame.
type heartbeatMonitor struct {
	timer      *time.Timer
	interval   time.Duration
	ackPending bool
	lastSent   time.Time
}

func newHeartbeatMonitor() *heartbeatMonitor {
	return &heartbeatMonitor{}
}

func (m *heartbeatMonitor) start(interval time.Duration) {
	m.stop()
	m.interval = interval
	m.ackPending = false
	jitter := time.Duration(rand.Int63n(int64(interval)))
	m.timer = time.NewTimer(jitter)
}

// C returns the tick channel. A nil channel (monitor not started) blocks
// forever, which is exactly what the select loop wants before Hello.
func (m *heartbeatMonitor) C() <-chan time.Time {
	if m.timer == nil {
		return nil
	}
	return m.timer.C
}

// beat records that a heartbeat was sent and schedules the next tick. The
// ack must arrive before that tick or the connection is considered zombied.
// A beat before Hello (server-requested heartbeat) leaves the timer alone.
func (m *heartbeatMonitor) beat() {
	if m.timer == nil {
		return
	}
	m.ackPending = true
	m.lastSent = time.Now()
	m.timer.Reset(m.interval)
}

func (m *heartbeatMonitor) ack() {
	m.ackPending = false
}

// stop cancels the timer. Must be called before the connection is dropped
// so a stale timer never fires into the next connection's loop.
func (m *heartbeatMonitor) stop() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
