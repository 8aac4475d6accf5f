package prune

import (
	"context"
	"sync"
	"time"
)

// watchdog cancels a session when the server stays silent for longer than
// the idle timeout. Kick it after every response; Stop it on teardown.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	stopped bool
}

// newWatchdog arms a watchdog that calls cancel with ErrIdleTimeout. A
// non-positive timeout disables it.
func newWatchdog(timeout time.Duration, cancel context.CancelCauseFunc) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { cancel(ErrIdleTimeout) })
	}
	return w
}

// Kick restarts the idle period.
func (w *watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil || w.stopped {
		return
	}
	w.timer.Reset(w.timeout)
}

// Stop disarms the watchdog for good.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
