package protocol

import (
	"fmt"
	"sync"
)

// Fragment splits a logical message into packets. A payload that fits in one
// packet yields a single packet with FragmentTotal 1; larger payloads are split
// into full fragments followed by one shorter final fragment.
func Fragment(kind Kind, cmd CommandID, payload []byte) ([]Packet, error) {
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), MaxMessageSize)
	}
	if len(payload) <= MaxPayload {
		p, err := NewPacket(kind, cmd, payload)
		if err != nil {
			return nil, err
		}
		return []Packet{p}, nil
	}

	total := (len(payload) + MaxPayload - 1) / MaxPayload
	packets := make([]Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxPayload
		end := start + MaxPayload
		if end > len(payload) {
			end = len(payload)
		}
		p := Packet{
			Kind:          kind,
			CommandID:     cmd,
			FragmentTotal: uint8(total),
			FragmentIndex: uint8(i),
			PayloadLength: uint8(end - start),
		}
		copy(p.Payload[:], payload[start:end])
		packets = append(packets, p)
	}
	return packets, nil
}

// HandleWriter is the transport capability the Writer needs.
type HandleWriter interface {
	WriteByHandle(handle uint16, value []byte) error
}

// Writer sends logical messages to one attribute handle, slicing every packet
// into transport-sized writes.
type Writer struct {
	mu        sync.Mutex
	dst       HandleWriter
	handle    uint16
	chunkSize int
}

// NewWriter creates a Writer; chunkSize is the largest single write the transport accepts.
func NewWriter(dst HandleWriter, handle uint16, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = PacketSize
	}
	return &Writer{dst: dst, handle: handle, chunkSize: chunkSize}
}

// Send fragments payload and writes every fragment in order. The first failed
// write aborts the message; callers re-issue the whole command.
func (w *Writer) Send(kind Kind, cmd CommandID, payload []byte) error {
	packets, err := Fragment(kind, cmd, payload)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range packets {
		b, err := p.MarshalBinary()
		if err != nil {
			return err
		}
		for off := 0; off < len(b); off += w.chunkSize {
			end := off + w.chunkSize
			if end > len(b) {
				end = len(b)
			}
			if err := w.dst.WriteByHandle(w.handle, b[off:end]); err != nil {
				return fmt.Errorf("write fragment %d/%d of %s: %w", p.FragmentIndex+1, p.FragmentTotal, cmd, err)
			}
		}
	}
	return nil
}

// Assembler joins the data fragments of one logical reply.
type Assembler struct {
	active   bool
	cmd      CommandID
	total    uint8
	parts    [][]byte
	received int
}

// Add consumes one packet. It returns the joined payload once every fragment has
// arrived. On error the partial message is dropped.
func (a *Assembler) Add(p Packet) ([]byte, bool, error) {
	if p.FragmentTotal <= 1 {
		if a.active {
			a.Reset()
			return nil, false, fmt.Errorf("%w: single packet inside %d-fragment %s", ErrFragmentMismatch, a.total, a.cmd)
		}
		return p.Data(), true, nil
	}

	if !a.active {
		a.active = true
		a.cmd = p.CommandID
		a.total = p.FragmentTotal
		a.parts = make([][]byte, p.FragmentTotal)
		a.received = 0
	}

	if p.CommandID != a.cmd || p.FragmentTotal != a.total {
		expected := a.cmd
		a.Reset()
		return nil, false, fmt.Errorf("%w: got %s, assembling %s", ErrFragmentMismatch, p, expected)
	}
	if a.parts[p.FragmentIndex] != nil {
		a.Reset()
		return nil, false, fmt.Errorf("%w: duplicate fragment %d", ErrFragmentMismatch, p.FragmentIndex)
	}

	a.parts[p.FragmentIndex] = p.Data()
	a.received++
	if a.received < int(a.total) {
		return nil, false, nil
	}

	size := 0
	for _, part := range a.parts {
		size += len(part)
	}
	out := make([]byte, 0, size)
	for _, part := range a.parts {
		out = append(out, part...)
	}
	a.Reset()
	return out, true, nil
}

// Reset drops any partially assembled message.
func (a *Assembler) Reset() {
	a.active = false
	a.cmd = 0
	a.total = 0
	a.parts = nil
	a.received = 0
}
