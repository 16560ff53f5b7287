/*Package intercore implements the fixed binary command protocol spoken
between the gateway and the real-time sensor cores.

Every message starts with an 8 byte header: the command code as a little
endian uint32, followed by the sensor sample rate in seconds as a little
endian uint32. The remainder of the message is an application defined
payload. The layout is byte-identical on both sides of the socket, there
is no endianness or padding negotiation.
*/
package intercore

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is an inter-core command code.
type Command uint32

// The command codes understood by compliant real-time applications.
const (
	CmdUnknown Command = iota
	// CmdHeartbeat is answered with an identical heartbeat response.
	CmdHeartbeat
	// CmdReadSensor requests raw sensor data in the application's
	// own payload format.
	CmdReadSensor
	// CmdReadSensorTelemetry requests a telemetry response whose
	// payload is a ready-to-send JSON document.
	CmdReadSensorTelemetry
	// CmdSetSampleRate sets the automatic telemetry rate in seconds.
	// A rate of zero disables automatic telemetry. The response
	// acknowledges the new rate in the header.
	CmdSetSampleRate
)

func (c Command) String() string {
	switch c {
	case CmdHeartbeat:
		return "heartbeat"
	case CmdReadSensor:
		return "read-sensor"
	case CmdReadSensorTelemetry:
		return "read-sensor-telemetry"
	case CmdSetSampleRate:
		return "set-sample-rate"
	}
	return fmt.Sprintf("unknown(%d)", uint32(c))
}

const (
	// HeaderSize is the size of the fixed message header in bytes.
	HeaderSize = 8
	// MaxPayloadSize is the size of the payload area in bytes.
	MaxPayloadSize = 256
	// MaxMessageSize is the maximum size of a single message in bytes.
	// Larger messages are truncated by the receiver.
	MaxMessageSize = HeaderSize + MaxPayloadSize
)

// ErrShortMessage is returned when a message is too short to carry the
// fixed header.
var ErrShortMessage = errors.New("intercore: message shorter than header")

// ErrMessageTooLarge is returned when an encoded message would exceed
// MaxMessageSize.
var ErrMessageTooLarge = errors.New("intercore: message exceeds maximum size")

// Block is the command/response block exchanged with a real-time
// application.
type Block struct {
	Cmd        Command
	SampleRate uint32
	Payload    []byte
}

// Encode serializes the block into its fixed wire layout.
func (b *Block) Encode() ([]byte, error) {
	if len(b.Payload) > MaxPayloadSize {
		return nil, ErrMessageTooLarge
	}
	raw := make([]byte, HeaderSize+len(b.Payload))
	binary.LittleEndian.PutUint32(raw[0:4], uint32(b.Cmd))
	binary.LittleEndian.PutUint32(raw[4:8], b.SampleRate)
	copy(raw[HeaderSize:], b.Payload)
	return raw, nil
}

// Decode parses a received message into a block. The payload is copied,
// the caller may reuse the read buffer.
func Decode(raw []byte) (*Block, error) {
	if len(raw) < HeaderSize {
		return nil, ErrShortMessage
	}
	if len(raw) > MaxMessageSize {
		raw = raw[:MaxMessageSize]
	}
	b := Block{
		Cmd:        Command(binary.LittleEndian.Uint32(raw[0:4])),
		SampleRate: binary.LittleEndian.Uint32(raw[4:8]),
	}
	if len(raw) > HeaderSize {
		b.Payload = append(b.Payload, raw[HeaderSize:]...)
	}
	return &b, nil
}
