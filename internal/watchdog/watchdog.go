// Package watchdog bounds how long a request/response exchange may block.
package watchdog

import (
	"sync"
	"time"
)

// Watchdog is a re-armable one-shot timer. When it expires it calls the expiry
// function once with the generation returned by the Arm that started the
// countdown; session workers pass a function that posts a fault tagged with
// that generation on the mailbox they are already waiting on.
//
// Arm, Disarm and Release may be called from any goroutine. An expiry that was
// already in flight when Disarm or a new Arm happened is suppressed. An expiry
// that slipped past Disarm still carries its old generation, so the consumer
// can tell it from a fault for the current countdown.
type Watchdog struct {
	mu         sync.Mutex
	timeout    time.Duration
	onExpire   func(gen uint64)
	timer      *time.Timer
	generation uint64
	released   bool
	fired      uint64
}

// New creates a disarmed watchdog.
func New(timeout time.Duration, onExpire func(gen uint64)) *Watchdog {
	return &Watchdog{timeout: timeout, onExpire: onExpire}
}

// Arm starts, or restarts, the countdown and returns its generation.
// A released watchdog returns 0 and never fires.
func (w *Watchdog) Arm() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.released {
		return 0
	}
	w.stopLocked()
	w.generation++
	gen := w.generation
	w.timer = time.AfterFunc(w.timeout, func() { w.expire(gen) })
	return gen
}

// Disarm cancels a pending countdown.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.generation++
}

// Release disarms the watchdog permanently.
func (w *Watchdog) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.generation++
	w.released = true
}

// Armed reports whether a countdown is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Fired returns how many times the watchdog expired.
func (w *Watchdog) Fired() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if w.released || gen != w.generation {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.fired++
	fn := w.onExpire
	w.mu.Unlock()

	if fn != nil {
		fn(gen)
	}
}

func (w *Watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
