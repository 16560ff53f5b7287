/*Package iotconnect implements the session and telemetry envelope logic
of the Avnet IoTConnect platform.

A session begins with a hello telemetry message. The platform answers
with a handshake carrying the session ID (sid) and the device template
GUID (dtg); both are persisted so they survive restarts. Outbound
telemetry is suppressed until the first handshake has arrived.
*/
package iotconnect

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/corelink/core/logger"
	"github.com/relabs-tech/corelink/core/registry"
)

// registryPrefix scopes the persisted session fields.
const registryPrefix = "_iotconnect_"

// Session holds the IoTConnect session state: the session ID, the
// device template GUID, the device GUID and the connected flag. The
// connected flag is process local and starts false; sid and dtg are
// persisted through the registry.
type Session struct {
	mu        sync.Mutex
	sid       string
	dtg       string
	device    string
	connected bool

	accessor registry.Accessor
}

// SessionBuilder is a builder helper for the Session
type SessionBuilder struct {
	// Registry persists the session fields. This is mandatory.
	Registry registry.Registry
}

// NewSession returns a new session, restoring the persisted session ID
// and device template GUID. If nothing was persisted yet the fields
// remain empty; the hello message can still be sent with an empty sid.
func NewSession(b *SessionBuilder) *Session {
	s := &Session{
		accessor: b.Registry.Accessor(registryPrefix),
	}
	if _, err := s.accessor.Read("sid", &s.sid); err != nil {
		panic(err)
	}
	if _, err := s.accessor.Read("dtg", &s.dtg); err != nil {
		panic(err)
	}
	return s
}

// handshake is the platform's first-response message:
//
//	{
//	    "d": {
//	        "ec": 0,
//	        "ct": 200,
//	        "dtg": "b3a7d542-20ad-4397-abf3-5d7ec539fba6",
//	        "sid": "9tAyZ...64 characters...",
//	        "g": "c2fbe330-8787-4dbd-87e4-9ecf58c41f6a",
//	        "has": { "d": 1, "attr": 1, "set": 1, "r": 1 }
//	    }
//	}
type handshake struct {
	D struct {
		EC  int    `json:"ec"`
		CT  int    `json:"ct"`
		DTG string `json:"dtg"`
		SID string `json:"sid"`
		G   string `json:"g"`
		Has struct {
			D    int `json:"d"`
			Attr int `json:"attr"`
			Set  int `json:"set"`
			R    int `json:"r"`
		} `json:"has"`
	} `json:"d"`
}

// HandleMessage processes an inbound platform message. A valid
// handshake updates the session fields, persists changed values and
// marks the session connected.
func (s *Session) HandleMessage(payload []byte) error {
	rlog := logger.WithComponent("iotconnect")

	var message handshake
	if err := json.Unmarshal(payload, &message); err != nil {
		return fmt.Errorf("cannot parse the message as JSON content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sid := message.D.SID; len(sid) > 0 && sid != s.sid {
		rlog.Debug("session ID changed, persisting")
		if err := s.accessor.Write("sid", sid); err != nil {
			return err
		}
		s.sid = sid
	}
	if dtg := message.D.DTG; len(dtg) > 0 && dtg != s.dtg {
		rlog.Debug("device template GUID changed, persisting")
		if err := s.accessor.Write("dtg", dtg); err != nil {
			return err
		}
		s.dtg = dtg
	}
	if g := message.D.G; len(g) > 0 {
		s.device = g
	}

	// we just processed a platform response, the session is connected
	if !s.connected {
		rlog.Info("IoTConnect handshake complete")
	}
	s.connected = true
	return nil
}

// Connected reports whether the first handshake has arrived. Outbound
// telemetry is suppressed until then.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Disconnect clears the connected flag, for example when the uplink
// re-connects. The persisted session fields are kept.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// SID returns the session ID.
func (s *Session) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// DTG returns the device template GUID.
func (s *Session) DTG() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dtg
}

// DeviceGUID returns the device GUID from the last handshake.
func (s *Session) DeviceGUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// helloMessage informs the platform that the device is online.
type helloMessage struct {
	T   string `json:"t"`
	MT  int    `json:"mt"`
	SID string `json:"sid"`
}

// helloMessageType is the IoTConnect message type of the hello message.
const helloMessageType = 200

// Hello returns the hello telemetry message. It is sent on startup and
// re-sent until the first handshake arrives. The sid may still be empty
// on a factory-fresh device.
func (s *Session) Hello() ([]byte, error) {
	s.mu.Lock()
	sid := s.sid
	s.mu.Unlock()
	return json.Marshal(helloMessage{
		T:   Timestamp(),
		MT:  helloMessageType,
		SID: sid,
	})
}
