package iotconnect

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// TimeFormat is the ISO-8601 timestamp format required by IoTConnect,
// UTC with seven fractional digits.
const TimeFormat = "2006-01-02T15:04:05.0000000Z"

// Timestamp returns the current time in the IoTConnect format.
func Timestamp() string {
	return time.Now().UTC().Format(TimeFormat)
}

// DefaultMaxMessageSize is the default limit for a formatted telemetry
// message, matching the IoT Hub device-to-cloud message limit.
const DefaultMaxMessageSize = 256 * 1024

// envelopeOverhead is the worst-case number of bytes the envelope adds
// around the original telemetry document: the template characters, a
// 64 character session ID, a GUID and the timestamp.
const envelopeOverhead = 160

// ErrNotConnected is returned when telemetry is formatted before the
// first handshake has arrived.
var ErrNotConnected = errors.New("iotconnect: initial handshake has not completed")

// ErrMessageTooLarge is returned when the formatted message would
// exceed the configured maximum size.
var ErrMessageTooLarge = errors.New("iotconnect: formatted message exceeds maximum size")

// envelope is the IoTConnect telemetry envelope:
//
//	{"sid":"..","dtg":"..","mt":0,"dt":"..","d":[{"d":<telemetry>}]}
type envelope struct {
	SID string         `json:"sid"`
	DTG string         `json:"dtg"`
	MT  int            `json:"mt"`
	DT  string         `json:"dt"`
	D   []envelopeData `json:"d"`
}

type envelopeData struct {
	D json.RawMessage `json:"d"`
}

// Formatter wraps pre-built telemetry JSON documents in the IoTConnect
// envelope.
type Formatter struct {
	session        *Session
	maxMessageSize int
}

// NewFormatter returns a new formatter for the given session. A
// maxMessageSize of zero selects DefaultMaxMessageSize.
func NewFormatter(session *Session, maxMessageSize int) *Formatter {
	if session == nil {
		panic("session is missing")
	}
	if maxMessageSize == 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Formatter{
		session:        session,
		maxMessageSize: maxMessageSize,
	}
}

// Format wraps the telemetry document in the envelope. It refuses when
// the initial handshake has not completed, and when the worst-case
// formatted size would exceed the maximum message size.
func (f *Formatter) Format(telemetry []byte) ([]byte, error) {
	if !f.session.Connected() {
		return nil, ErrNotConnected
	}
	if len(telemetry)+envelopeOverhead > f.maxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return json.Marshal(envelope{
		SID: f.session.SID(),
		DTG: f.session.DTG(),
		MT:  0,
		DT:  Timestamp(),
		D:   []envelopeData{{D: telemetry}},
	})
}
