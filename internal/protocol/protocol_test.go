package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	writes [][]byte
	failAt int // 1-based write index that fails, 0 = never
}

func (w *recordingWriter) WriteByHandle(handle uint16, value []byte) error {
	if w.failAt > 0 && len(w.writes)+1 == w.failAt {
		return errors.New("att write failed")
	}
	w.writes = append(w.writes, append([]byte(nil), value...))
	return nil
}

func (w *recordingWriter) stream() []byte {
	var out []byte
	for _, b := range w.writes {
		out = append(out, b...)
	}
	return out
}

func TestPacket_MarshalDecode(t *testing.T) {
	p, err := NewPacket(KindData, CmdGetTemperature, []byte{0x64, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	b, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, PacketSize)
	assert.Equal(t, []byte{0x01, 0x01, 0x01, 0x00, 0x04}, b[:HeaderSize])

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, []byte{0x64, 0x00, 0x00, 0x00}, got.Data())
}

func TestDecode_RejectsCorruptHeaders(t *testing.T) {
	valid := func() []byte {
		p, err := NewPacket(KindData, CmdGetHumidity, []byte{1, 2, 3, 4})
		require.NoError(t, err)
		b, err := p.MarshalBinary()
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"payload length exceeds max payload", func(b []byte) []byte { b[4] = MaxPayload + 1; return b }},
		{"unknown kind", func(b []byte) []byte { b[0] = 0x07; return b }},
		{"zero fragment total", func(b []byte) []byte { b[2] = 0; return b }},
		{"fragment index out of range", func(b []byte) []byte { b[2] = 2; b[3] = 2; return b }},
		{"undersized buffer", func(b []byte) []byte { return b[:PacketSize-1] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.mutate(valid()))
			assert.ErrorIs(t, err, ErrCorruptPacket)
		})
	}
}

func TestFaultPacket(t *testing.T) {
	p := FaultPacket(FaultTimeout)
	assert.True(t, p.IsFault())
	assert.Equal(t, FaultTimeout, p.FaultReason())
	assert.NoError(t, p.Validate())

	data, err := NewPacket(KindData, CmdFault, nil)
	require.NoError(t, err)
	assert.False(t, data.IsFault(), "only command-kind packets carry the fault sentinel")
}

func TestTimeoutFault_CarriesTag(t *testing.T) {
	p := TimeoutFault(0xCAFE0001)
	require.NoError(t, p.Validate())
	assert.True(t, p.IsFault())
	assert.Equal(t, FaultTimeout, p.FaultReason())

	tag, ok := p.FaultTag()
	require.True(t, ok)
	assert.Equal(t, uint32(0xCAFE0001), tag)

	_, ok = FaultPacket(FaultTimeout).FaultTag()
	assert.False(t, ok, "untagged faults MUST report no tag")
}

func TestFragment_Shapes(t *testing.T) {
	single, err := Fragment(KindCommand, CmdGetPressure, nil)
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, uint8(1), single[0].FragmentTotal)
	assert.Equal(t, uint8(0), single[0].PayloadLength)

	payload := bytes.Repeat([]byte{0xAB}, 2*MaxPayload+5)
	packets, err := Fragment(KindData, CmdGetPressure, payload)
	require.NoError(t, err)
	require.Len(t, packets, 3)
	for i, p := range packets {
		assert.Equal(t, uint8(3), p.FragmentTotal)
		assert.Equal(t, uint8(i), p.FragmentIndex)
	}
	assert.Equal(t, uint8(MaxPayload), packets[0].PayloadLength)
	assert.Equal(t, uint8(MaxPayload), packets[1].PayloadLength)
	assert.Equal(t, uint8(5), packets[2].PayloadLength)

	_, err = Fragment(KindData, CmdGetPressure, make([]byte, MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestFragmentationRoundTrip_AllLengths(t *testing.T) {
	// Every logical length from empty to the maximum survives
	// fragment -> marshal -> chunked transport -> framer -> assembler.
	rng := rand.New(rand.NewSource(7))
	for n := 0; n <= MaxMessageSize; n++ {
		payload := make([]byte, n)
		rng.Read(payload)

		w := &recordingWriter{}
		require.NoError(t, NewWriter(w, 0x0010, 20).Send(KindData, CmdGetLuminosity, payload))

		framer := NewFramer()
		var asm Assembler
		var got []byte
		complete := false
		for _, chunk := range w.writes {
			packets, errs := framer.Feed(chunk)
			require.Empty(t, errs)
			for _, p := range packets {
				out, done, err := asm.Add(p)
				require.NoError(t, err)
				if done {
					got, complete = out, true
				}
			}
		}
		require.True(t, complete, "length %d MUST reassemble", n)
		require.Equal(t, payload, got, "length %d MUST round trip", n)
		require.Zero(t, framer.Pending())
	}
}

func TestFramer_ArbitraryChunkSizes(t *testing.T) {
	const count = 9
	var stream []byte
	for i := 0; i < count; i++ {
		p, err := NewPacket(KindData, CmdGetTemperature, []byte{byte(i), 0, 0, 0})
		require.NoError(t, err)
		b, err := p.MarshalBinary()
		require.NoError(t, err)
		stream = append(stream, b...)
	}

	chunkings := map[string]func(int) int{
		"one byte":        func(int) int { return 1 },
		"transport slice": func(int) int { return 20 },
		"exact packet":    func(int) int { return PacketSize },
		"larger than ring": func(int) int {
			return 3*PacketSize + 1
		},
		"random": func(i int) int { return 1 + (i*7919)%50 },
	}

	for name, size := range chunkings {
		t.Run(name, func(t *testing.T) {
			f := NewFramer()
			var got []Packet
			for i, off := 0, 0; off < len(stream); i++ {
				end := off + size(i)
				if end > len(stream) {
					end = len(stream)
				}
				packets, errs := f.Feed(stream[off:end])
				require.Empty(t, errs)
				got = append(got, packets...)
				off = end
			}
			require.Len(t, got, count)
			for i, p := range got {
				assert.Equal(t, byte(i), p.Payload[0], "packets MUST complete in arrival order")
			}
			assert.Zero(t, f.Pending())
		})
	}
}

func TestFramer_CorruptPacketIsDroppedAndStreamContinues(t *testing.T) {
	good, err := NewPacket(KindData, CmdGetHumidity, []byte{9, 0, 0, 0})
	require.NoError(t, err)
	goodBytes, err := good.MarshalBinary()
	require.NoError(t, err)

	bad := append([]byte(nil), goodBytes...)
	bad[4] = MaxPayload + 10

	f := NewFramer()
	packets, errs := f.Feed(append(bad, goodBytes...))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCorruptPacket)
	require.Len(t, packets, 1)
	assert.Equal(t, good, packets[0])
}

func TestWriter_SlicesPacketsAndAbortsOnFailure(t *testing.T) {
	w := &recordingWriter{}
	require.NoError(t, NewWriter(w, 0x0010, 20).Send(KindCommand, CmdGetTemperature, nil))
	require.Len(t, w.writes, 2, "a %d-byte packet MUST be written as two 20-byte slices", PacketSize)
	assert.Len(t, w.writes[0], 20)
	assert.Len(t, w.writes[1], PacketSize-20)
	assert.Len(t, w.stream(), PacketSize)

	failing := &recordingWriter{failAt: 3}
	err := NewWriter(failing, 0x0010, 20).Send(KindData, CmdGetTemperature, make([]byte, 3*MaxPayload))
	require.Error(t, err)
	assert.Len(t, failing.writes, 2, "writes after the failing one MUST NOT be attempted")
}

func TestAssembler_Mismatches(t *testing.T) {
	packets, err := Fragment(KindData, CmdGetPressure, make([]byte, 2*MaxPayload))
	require.NoError(t, err)

	t.Run("duplicate fragment", func(t *testing.T) {
		var a Assembler
		_, done, err := a.Add(packets[0])
		require.NoError(t, err)
		require.False(t, done)
		_, _, err = a.Add(packets[0])
		assert.ErrorIs(t, err, ErrFragmentMismatch)
	})

	t.Run("different command mid message", func(t *testing.T) {
		var a Assembler
		_, _, err := a.Add(packets[0])
		require.NoError(t, err)
		other := packets[1]
		other.CommandID = CmdGetHumidity
		_, _, err = a.Add(other)
		assert.ErrorIs(t, err, ErrFragmentMismatch)
	})

	t.Run("out of order fragments join by index", func(t *testing.T) {
		payload := bytes.Repeat([]byte{1}, MaxPayload)
		payload = append(payload, bytes.Repeat([]byte{2}, 3)...)
		ps, err := Fragment(KindData, CmdGetPressure, payload)
		require.NoError(t, err)
		var a Assembler
		_, done, err := a.Add(ps[1])
		require.NoError(t, err)
		require.False(t, done)
		out, done, err := a.Add(ps[0])
		require.NoError(t, err)
		require.True(t, done)
		assert.Equal(t, payload, out)
	})
}
