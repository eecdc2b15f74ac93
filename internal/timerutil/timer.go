// Package timerutil provides the single-shot rearmable timer used
// throughout the mesh core's maintenance and retry logic:
// time.AfterFunc wrapped with pending-state bookkeeping, exposed as
// Mod/Del since these timers always carry a callback rather than being
// waited on via a channel.
package timerutil

import (
	"sync"
	"time"
)

// Timer is a cancelable, reschedulable one-shot callback timer: route
// discovery timeouts, retry backoff, and periodic sweeps are all built
// on it.
type Timer struct {
	mu      sync.Mutex
	fn      func()
	timer   *time.Timer
	pending bool
}

// New creates a Timer that is not yet armed. Call Mod to arm it.
func New(fn func()) *Timer {
	return &Timer{fn: fn}
}

// Mod (re)arms the timer to fire fn after dur, replacing any pending
// fire.
func (t *Timer) Mod(dur time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = true
	t.timer = time.AfterFunc(dur, func() {
		t.mu.Lock()
		t.pending = false
		t.mu.Unlock()
		t.fn()
	})
}

// Del cancels any pending fire. Safe to call whether or not the timer
// is currently armed.
func (t *Timer) Del() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = false
}

// Pending reports whether the timer is currently armed.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
