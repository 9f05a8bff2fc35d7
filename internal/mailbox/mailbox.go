// Package mailbox hands items from an asynchronous producer (the radio
// notification callback) to one synchronous consumer (a session worker).
//
// Two shapes are provided behind the Mailbox interface: Queue, a bounded FIFO
// whose producer never blocks, and Slot, a single-item mailbox where a new post
// supersedes a pending one. Both bound every wait with a timeout.
package mailbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Wait when nothing arrives within the timeout.
	ErrTimeout = errors.New("mailbox: wait timed out")

	// ErrClosed is returned by Wait once the mailbox is closed and drained.
	ErrClosed = errors.New("mailbox: closed")
)

// Mailbox is a single-producer, single-consumer hand-off.
type Mailbox[T any] interface {
	// TryPost delivers v without blocking. It reports false when the item was
	// not accepted (queue full or mailbox closed).
	TryPost(v T) bool

	// Wait blocks until an item is available, the timeout elapses, the mailbox
	// is closed, or ctx is done. A non-positive timeout waits without limit.
	Wait(ctx context.Context, timeout time.Duration) (T, error)

	// Close releases waiters. It is safe to call more than once.
	Close()
}

// timer returns a channel that fires after timeout, or nil for no limit.
func timer(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
