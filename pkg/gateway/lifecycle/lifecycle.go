// Package lifecycle holds process state shared across handlers during
// graceful shutdown.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle flips to draining once shutdown starts. Readiness then fails and
// new media streams are refused while calls already bridged finish.
type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64
}

// BeginDrain marks the process as draining. It reports whether this call
// started the drain.
func (l *Lifecycle) BeginDrain(now time.Time) bool {
	if l == nil {
		return false
	}
	if !l.draining.CompareAndSwap(false, true) {
		return false
	}
	l.since.Store(now.UnixNano())
	return true
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns when draining started, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if !l.IsDraining() {
		return time.Time{}
	}
	return time.Unix(0, l.since.Load())
}
