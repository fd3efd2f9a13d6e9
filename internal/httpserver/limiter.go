package httpserver

import "sync/atomic"

// connLimiter caps concurrent WebSocket connections per instance with
// lock-free counting.
type connLimiter struct {
	current atomic.Int64
	max     int64
}

func newConnLimiter(max int64) *connLimiter {
	return &connLimiter{max: max}
}

// acquire claims a connection slot, reporting false at capacity.
func (l *connLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *connLimiter) release() {
	l.current.Add(-1)
}
