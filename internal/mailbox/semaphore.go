package mailbox

import (
	"context"
	"time"
)

// BinarySemaphore is a semaphore whose count saturates at one. Post never
// blocks; posting twice before a Wait releases only one waiter.
type BinarySemaphore struct {
	ch chan struct{}
}

// NewBinarySemaphore creates a semaphore in the non-signalled state.
func NewBinarySemaphore() *BinarySemaphore {
	return &BinarySemaphore{ch: make(chan struct{}, 1)}
}

// Post signals the semaphore.
func (s *BinarySemaphore) Post() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// TryWait consumes the signal if present.
func (s *BinarySemaphore) TryWait() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the semaphore is signalled, the timeout elapses or ctx is
// done. A non-positive timeout waits without limit.
func (s *BinarySemaphore) Wait(ctx context.Context, timeout time.Duration) error {
	if s.TryWait() {
		return nil
	}

	expired, stop := timer(timeout)
	defer stop()

	select {
	case <-s.ch:
		return nil
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
