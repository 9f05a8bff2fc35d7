package mailbox

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity is the queue depth used when none is configured.
const DefaultCapacity = 128

// Queue is a bounded FIFO over a buffered channel.
//
// Producers never block: TryPost drops the item and reports false when the
// queue is full. The consumer waits with a timeout. Items posted before Close
// are still delivered; Wait reports ErrClosed only once the queue is drained.
type Queue[T any] struct {
	mu     sync.RWMutex
	ch     chan T
	closed bool
}

var _ Mailbox[int] = (*Queue[int])(nil)

// NewQueue creates a Queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("mailbox: capacity must be > 0")
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPost attempts to enqueue without blocking.
func (q *Queue[T]) TryPost(v T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// Wait dequeues the oldest item.
func (q *Queue[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	// Fast path so an already queued item wins over an expired context.
	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	default:
	}

	expired, stop := timer(timeout)
	defer stop()

	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-expired:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Close stops accepting items and wakes the consumer once drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
