package mailbox

import (
	"context"
	"sync"
	"time"
)

// Slot is a single-item mailbox. A post while the slot is still occupied
// replaces the pending item; the consumer only ever sees the latest one.
type Slot[T any] struct {
	mu       sync.Mutex
	item     T
	occupied bool
	closed   bool
	sem      *BinarySemaphore
}

var _ Mailbox[int] = (*Slot[int])(nil)

// NewSlot creates an empty Slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{sem: NewBinarySemaphore()}
}

// TryPost stores v, overwriting any pending item. It only fails after Close.
func (s *Slot[T]) TryPost(v T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.item = v
	s.occupied = true
	s.mu.Unlock()

	s.sem.Post()
	return true
}

// Occupied reports whether a post would replace an unconsumed item.
func (s *Slot[T]) Occupied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occupied
}

// Wait consumes the pending item.
func (s *Slot[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		s.mu.Lock()
		if s.occupied {
			v := s.item
			s.item = zero
			s.occupied = false
			s.mu.Unlock()
			return v, nil
		}
		if s.closed {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		s.mu.Unlock()

		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return zero, ErrTimeout
			}
		}
		if err := s.sem.Wait(ctx, remaining); err != nil {
			return zero, err
		}
	}
}

// Close wakes a blocked consumer. A pending item is still delivered.
func (s *Slot[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sem.Post()
}
