package protocol

import (
	"fmt"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// Framer turns the transport's arbitrarily sized notification chunks back into
// packets. It owns a byte ring twice the packet size and only ever interprets
// exactly PacketSize bytes at a time.
//
// Feed is safe to call from the radio notification goroutine while other
// goroutines call Pending or Reset.
type Framer struct {
	mu      sync.Mutex
	buf     *ringbuffer.RingBuffer
	scratch [PacketSize]byte
}

// NewFramer creates an empty Framer.
func NewFramer() *Framer {
	return &Framer{buf: ringbuffer.New(2 * PacketSize)}
}

// Feed appends chunk and returns every packet completed by it, in arrival order.
// Complete but invalid packets are dropped and reported in errs; the stream
// continues with the next packet boundary.
func (f *Framer) Feed(chunk []byte) (packets []Packet, errs []error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(chunk) > 0 {
		n := f.buf.Free()
		if n > len(chunk) {
			n = len(chunk)
		}
		written, err := f.buf.Write(chunk[:n])
		if err != nil {
			f.buf.Reset()
			errs = append(errs, fmt.Errorf("%w: receive buffer: %v", ErrCorruptPacket, err))
			return packets, errs
		}
		chunk = chunk[written:]

		for f.buf.Length() >= PacketSize {
			read, err := f.buf.Read(f.scratch[:])
			if err != nil || read != PacketSize {
				f.buf.Reset()
				errs = append(errs, fmt.Errorf("%w: short read %d from receive buffer: %v", ErrCorruptPacket, read, err))
				return packets, errs
			}
			p, err := Decode(f.scratch[:])
			if err != nil {
				errs = append(errs, err)
				continue
			}
			packets = append(packets, p)
		}
	}
	return packets, errs
}

// Pending returns the number of buffered bytes of an incomplete packet.
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Length()
}

// Reset discards any partially received packet.
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.Reset()
}
