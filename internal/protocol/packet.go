package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ----------------------------
// Wire constants
// ----------------------------

const (
	// HeaderSize is the fixed packet header: kind, command id, fragment total,
	// fragment index, payload length.
	HeaderSize = 5

	// MaxPayload is the payload capacity of a single packet.
	MaxPayload = 32

	// PacketSize is the exact number of bytes every packet occupies on the wire.
	PacketSize = HeaderSize + MaxPayload

	// MaxFragments is bounded by the one-byte fragment total field.
	MaxFragments = 255

	// MaxMessageSize is the largest logical command or reply payload.
	MaxMessageSize = MaxFragments * MaxPayload
)

// Kind distinguishes requests from replies.
type Kind uint8

const (
	KindCommand Kind = 0x00
	KindData    Kind = 0x01
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// CommandID identifies what a command asks for and which command a reply answers.
type CommandID uint8

const (
	CmdGetTemperature CommandID = 0x01
	CmdGetHumidity    CommandID = 0x02
	CmdGetPressure    CommandID = 0x03
	CmdGetLuminosity  CommandID = 0x04

	// CmdFault is reserved: a command packet with this id is an out-of-band fault,
	// either sent by the peer or injected locally by the watchdog.
	CmdFault CommandID = 0xFF
)

func (c CommandID) String() string {
	switch c {
	case CmdGetTemperature:
		return "get_temperature"
	case CmdGetHumidity:
		return "get_humidity"
	case CmdGetPressure:
		return "get_pressure"
	case CmdGetLuminosity:
		return "get_luminosity"
	case CmdFault:
		return "fault"
	default:
		return fmt.Sprintf("cmd(0x%02x)", uint8(c))
	}
}

// FaultReason is stored in the first payload byte of locally injected fault packets.
// It never travels over the air.
type FaultReason uint8

const (
	FaultPeer FaultReason = iota
	FaultTimeout
	FaultCorrupt
)

func (r FaultReason) String() string {
	switch r {
	case FaultPeer:
		return "peer"
	case FaultTimeout:
		return "timeout"
	case FaultCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// ----------------------------
// Errors
// ----------------------------

var (
	ErrCorruptPacket    = errors.New("corrupt packet")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrFragmentMismatch = errors.New("fragment mismatch")
	ErrDesync           = errors.New("peer desynchronized")
	ErrPeerFault        = errors.New("peer fault")
)

// ----------------------------
// Packet
// ----------------------------

// Packet is one application-layer protocol unit, possibly one fragment of a
// larger logical message. Packets are values and are never mutated after build.
type Packet struct {
	Kind          Kind
	CommandID     CommandID
	FragmentTotal uint8
	FragmentIndex uint8
	PayloadLength uint8
	Payload       [MaxPayload]byte
}

// NewPacket builds a single-fragment packet carrying payload.
func NewPacket(kind Kind, cmd CommandID, payload []byte) (Packet, error) {
	if len(payload) > MaxPayload {
		return Packet{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	p := Packet{
		Kind:          kind,
		CommandID:     cmd,
		FragmentTotal: 1,
		PayloadLength: uint8(len(payload)),
	}
	copy(p.Payload[:], payload)
	return p, nil
}

// FaultPacket builds the synthetic fault packet injected by the watchdog or by the
// receive path. The reason byte is local bookkeeping only.
func FaultPacket(reason FaultReason) Packet {
	p := Packet{
		Kind:          KindCommand,
		CommandID:     CmdFault,
		FragmentTotal: 1,
		PayloadLength: 1,
	}
	p.Payload[0] = byte(reason)
	return p
}

// TimeoutFault builds a watchdog fault stamped with the countdown it belongs
// to, so a late expiry can be told apart from the current one.
func TimeoutFault(tag uint32) Packet {
	p := FaultPacket(FaultTimeout)
	binary.LittleEndian.PutUint32(p.Payload[1:5], tag)
	p.PayloadLength = 5
	return p
}

// FaultTag returns the countdown tag of a TimeoutFault, and false for
// untagged faults.
func (p Packet) FaultTag() (uint32, bool) {
	if !p.IsFault() || p.PayloadLength < 5 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(p.Payload[1:5]), true
}

// Data returns the meaningful part of the payload.
func (p Packet) Data() []byte {
	n := int(p.PayloadLength)
	if n > MaxPayload {
		n = MaxPayload
	}
	out := make([]byte, n)
	copy(out, p.Payload[:n])
	return out
}

// IsFault reports whether p is the reserved fault command.
func (p Packet) IsFault() bool {
	return p.Kind == KindCommand && p.CommandID == CmdFault
}

// FaultReason returns the reason recorded in a fault packet.
func (p Packet) FaultReason() FaultReason {
	if !p.IsFault() || p.PayloadLength == 0 {
		return FaultPeer
	}
	return FaultReason(p.Payload[0])
}

// Validate checks the header invariants.
func (p Packet) Validate() error {
	if p.Kind != KindCommand && p.Kind != KindData {
		return fmt.Errorf("%w: unknown kind 0x%02x", ErrCorruptPacket, uint8(p.Kind))
	}
	if int(p.PayloadLength) > MaxPayload {
		return fmt.Errorf("%w: payload length %d exceeds %d", ErrCorruptPacket, p.PayloadLength, MaxPayload)
	}
	if p.FragmentTotal == 0 {
		return fmt.Errorf("%w: zero fragment total", ErrCorruptPacket)
	}
	if p.FragmentIndex >= p.FragmentTotal {
		return fmt.Errorf("%w: fragment index %d out of %d", ErrCorruptPacket, p.FragmentIndex, p.FragmentTotal)
	}
	return nil
}

// MarshalBinary encodes p into exactly PacketSize bytes.
func (p Packet) MarshalBinary() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, PacketSize)
	b[0] = byte(p.Kind)
	b[1] = byte(p.CommandID)
	b[2] = p.FragmentTotal
	b[3] = p.FragmentIndex
	b[4] = p.PayloadLength
	copy(b[HeaderSize:], p.Payload[:])
	return b, nil
}

// Decode interprets exactly PacketSize bytes as a Packet and validates it.
func Decode(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, fmt.Errorf("%w: got %d bytes, want %d", ErrCorruptPacket, len(b), PacketSize)
	}
	p := Packet{
		Kind:          Kind(b[0]),
		CommandID:     CommandID(b[1]),
		FragmentTotal: b[2],
		FragmentIndex: b[3],
		PayloadLength: b[4],
	}
	copy(p.Payload[:], b[HeaderSize:])
	if err := p.Validate(); err != nil {
		return Packet{}, err
	}
	return p, nil
}

func (p Packet) String() string {
	return fmt.Sprintf("%s/%s %d/%d len=%d", p.Kind, p.CommandID, p.FragmentIndex+1, p.FragmentTotal, p.PayloadLength)
}
