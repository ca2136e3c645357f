package mqttv3

import (
	"sync"
	"time"
)

// PingInterval returns how often the dispatch loop sends PINGREQ for a
// keep-alive of the given seconds: floor(keepAlive/2) - 1 seconds.
// Keep-alives below 4 seconds yield zero or less, which pings every cycle.
func PingInterval(keepAlive uint16) time.Duration {
	return time.Duration(int(keepAlive)/2-1) * time.Second
}

// KeepAliveTimer tracks when the last PINGREQ was sent.
// The zero value has never pinged, so the first Due check is true.
type KeepAliveTimer struct {
	mu       sync.Mutex
	interval time.Duration
	lastPing time.Time
}

// NewKeepAliveTimer creates a timer for the keep-alive in seconds.
func NewKeepAliveTimer(keepAlive uint16) *KeepAliveTimer {
	return &KeepAliveTimer{
		interval: PingInterval(keepAlive),
	}
}

// Interval returns the ping interval.
func (t *KeepAliveTimer) Interval() time.Duration {
	return t.interval
}

// Due reports whether a ping should be sent at now.
func (t *KeepAliveTimer) Due(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return now.Sub(t.lastPing) >= t.interval
}

// Reset records a ping sent at now.
func (t *KeepAliveTimer) Reset(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastPing = now
}

// LastPing returns when the last ping was sent, or the zero time.
func (t *KeepAliveTimer) LastPing() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastPing
}
