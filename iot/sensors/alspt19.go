/*Package sensors implements the raw-data payload parsers for the
supported real-time sensor applications.

Each parser decodes the fixed little endian payload layout defined by
its real-time application and keeps the most recent reading.
*/
package sensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/relabs-tech/corelink/core/logger"
)

// alsPT19PayloadSize is the raw payload of the light sensor application:
// uint32 raw ADC count, 4 reserved bytes, float64 illuminance in lux.
const alsPT19PayloadSize = 16

// ALSPT19Reading is one reading of the ALS-PT19 light sensor.
type ALSPT19Reading struct {
	Raw uint32  `json:"raw"`
	Lux float64 `json:"lux"`
}

// DecodeALSPT19 decodes the raw payload of the light sensor application.
func DecodeALSPT19(payload []byte) (ALSPT19Reading, error) {
	if len(payload) < alsPT19PayloadSize {
		return ALSPT19Reading{}, fmt.Errorf("sensors: ALS-PT19 payload too short: %d bytes", len(payload))
	}
	return ALSPT19Reading{
		Raw: binary.LittleEndian.Uint32(payload[0:4]),
		// bytes 4..7 are reserved
		Lux: math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16])),
	}, nil
}

// ALSPT19 handles raw-data responses of the light sensor application
// and keeps the latest reading.
type ALSPT19 struct {
	mu   sync.Mutex
	last ALSPT19Reading
	seen bool
}

// Handle is the raw-data handler for the dispatch table.
func (s *ALSPT19) Handle(payload []byte) error {
	reading, err := DecodeALSPT19(payload)
	if err != nil {
		return err
	}
	logger.WithComponent("sensors").Debugf("ALS-PT19 raw: %d, lux: %.2f", reading.Raw, reading.Lux)

	s.mu.Lock()
	s.last = reading
	s.seen = true
	s.mu.Unlock()
	return nil
}

// Last returns the latest reading. The second return value is false
// until the first reading arrives.
func (s *ALSPT19) Last() (ALSPT19Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.seen
}
