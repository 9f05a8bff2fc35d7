package session

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/srg/beegate/internal/protocol"
)

// EnvironmentalReading is the latest value of every measurement of one device.
type EnvironmentalReading struct {
	Temperature int32  // milli-degrees Celsius
	Humidity    uint32 // percent
	Pressure    uint32 // pascal
	Luminosity  uint32 // lux
}

// Record is one completed acquisition cycle handed to the acquisition log.
type Record struct {
	Address   string
	SessionID string
	Reading   EnvironmentalReading
	Timestamp time.Time
}

// measurementSize is the width of every measurement payload.
const measurementSize = 4

// acquisitionOrder is the command sequence of one cycle.
var acquisitionOrder = []protocol.CommandID{
	protocol.CmdGetTemperature,
	protocol.CmdGetHumidity,
	protocol.CmdGetPressure,
	protocol.CmdGetLuminosity,
}

// apply stores a little-endian measurement payload in the field cmd asks for.
func (r *EnvironmentalReading) apply(cmd protocol.CommandID, payload []byte) error {
	if len(payload) < measurementSize {
		return fmt.Errorf("%w: %s reply has %d bytes, want %d", ErrShortPayload, cmd, len(payload), measurementSize)
	}
	v := binary.LittleEndian.Uint32(payload)
	switch cmd {
	case protocol.CmdGetTemperature:
		r.Temperature = int32(v)
	case protocol.CmdGetHumidity:
		r.Humidity = v
	case protocol.CmdGetPressure:
		r.Pressure = v
	case protocol.CmdGetLuminosity:
		r.Luminosity = v
	default:
		return fmt.Errorf("%w: unexpected reply %s", protocol.ErrDesync, cmd)
	}
	return nil
}
