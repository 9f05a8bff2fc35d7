package mailbox

// Ring is a bounded channel with overwrite-oldest semantics. Producers never
// block: when the buffer is full the oldest element is discarded. Consumers
// read from C like any channel.
type Ring[T any] struct {
	ch chan T
}

// NewRing creates a Ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("mailbox: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// ForceSend inserts v, discarding the oldest element if needed. It reports
// whether an element was discarded.
func (r *Ring[T]) ForceSend(v T) (dropped bool) {
	for {
		select {
		case r.ch <- v:
			return dropped
		default:
		}
		select {
		case <-r.ch:
			dropped = true
		default:
		}
	}
}

// TryReceive attempts a non-blocking receive.
func (r *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v = <-r.ch:
		return v, true
	default:
		return v, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	return len(r.ch)
}
