package sensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/corelink/core/logger"
)

// groveGPSPayloadSize is the raw payload of the Grove GPS application:
// float64 lat, float64 lon, int32 fix quality, int32 satellites,
// float32 horizontal dilution, float32 altitude.
const groveGPSPayloadSize = 32

// invalidCoordinate marks a coordinate that was never set.
const invalidCoordinate = -1000.0

// defaultLookupInterval limits network location lookups to once per hour.
const defaultLookupInterval = time.Hour

// GPSReading is one reading of the Grove GPS application.
type GPSReading struct {
	Lat                float64 `json:"lat"`
	Lon                float64 `json:"lon"`
	FixQuality         int32   `json:"fix_qual"`
	Satellites         int32   `json:"numSat"`
	HorizontalDilution float32 `json:"horiz_dilution"`
	Altitude           float32 `json:"alt"`
}

// DecodeGroveGPS decodes the raw payload of the Grove GPS application.
func DecodeGroveGPS(payload []byte) (GPSReading, error) {
	if len(payload) < groveGPSPayloadSize {
		return GPSReading{}, fmt.Errorf("sensors: Grove GPS payload too short: %d bytes", len(payload))
	}
	return GPSReading{
		Lat:                math.Float64frombits(binary.LittleEndian.Uint64(payload[0:8])),
		Lon:                math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16])),
		FixQuality:         int32(binary.LittleEndian.Uint32(payload[16:20])),
		Satellites:         int32(binary.LittleEndian.Uint32(payload[20:24])),
		HorizontalDilution: math.Float32frombits(binary.LittleEndian.Uint32(payload[24:28])),
		Altitude:           math.Float32frombits(binary.LittleEndian.Uint32(payload[28:32])),
	}, nil
}

// Locator resolves an approximate position from the network. It is used
// as a fallback when the GPS device is not delivering data.
type Locator interface {
	Locate() (lat, lon float64, err error)
}

// LocationReporter receives a device location JSON document whenever
// the position changes to a valid value.
type LocationReporter func(doc []byte)

// locationDocument is the reported state for a position change.
type locationDocument struct {
	DeviceLocation struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
		Alt float32 `json:"alt"`
	} `json:"DeviceLocation"`
	Satellites         int32   `json:"numSat"`
	FixQuality         int32   `json:"fix_qual"`
	HorizontalDilution float32 `json:"horiz_dilution"`
}

// GroveGPS handles raw-data responses of the Grove GPS application.
//
// When the device reports the all-zero "no fix" condition, the handler
// falls back to the network locator, at most once per lookup interval,
// and otherwise re-uses the last known position. Position changes to a
// valid value are reported through the location reporter.
type GroveGPS struct {
	locator        Locator
	report         LocationReporter
	lookupInterval time.Duration

	mu         sync.Mutex
	last       GPSReading
	seen       bool
	lastLat    float64
	lastLon    float64
	nextLookup time.Time
}

// NewGroveGPS returns a new handler. Both the locator and the reporter
// are optional.
func NewGroveGPS(locator Locator, report LocationReporter) *GroveGPS {
	return &GroveGPS{
		locator:        locator,
		report:         report,
		lookupInterval: defaultLookupInterval,
		lastLat:        invalidCoordinate,
		lastLon:        invalidCoordinate,
	}
}

// Handle is the raw-data handler for the dispatch table.
func (g *GroveGPS) Handle(payload []byte) error {
	reading, err := DecodeGroveGPS(payload)
	if err != nil {
		return err
	}
	rlog := logger.WithComponent("sensors")
	rlog.Debugf("Grove GPS raw: fix_qual: %d, numSat: %d, lat: %f, lon: %f, alt: %.2f",
		reading.FixQuality, reading.Satellites, reading.Lat, reading.Lon, reading.Altitude)

	g.mu.Lock()
	defer g.mu.Unlock()

	// All parameters zero means the Grove device is not connected or
	// not sending. Substitute the network location, or the last known
	// position, and flag the data as not coming from a GPS device.
	if reading.Lat == 0.0 && reading.Lon == 0.0 && reading.Altitude == 0.0 {
		now := time.Now()
		if g.locator != nil && now.After(g.nextLookup) {
			lat, lon, err := g.locator.Locate()
			if err != nil {
				// retry on the next reading, the rate limit only
				// applies to successful lookups
				rlog.WithError(err).Warn("network location lookup failed")
			} else {
				g.nextLookup = now.Add(g.lookupInterval)
				reading.Lat = lat
				reading.Lon = lon
			}
		} else if g.lastLat != invalidCoordinate {
			reading.Lat = g.lastLat
			reading.Lon = g.lastLon
		}
		reading.FixQuality = 0
		reading.Satellites = 0
		reading.HorizontalDilution = 10.0
	}

	g.last = reading
	g.seen = true

	// report only when the position changed to a valid value
	if g.report != nil &&
		g.lastLat != reading.Lat && g.lastLon != reading.Lon &&
		reading.Lat != 0.0 && reading.Lon != 0.0 {
		g.lastLat = reading.Lat
		g.lastLon = reading.Lon

		doc := locationDocument{
			Satellites:         reading.Satellites,
			FixQuality:         reading.FixQuality,
			HorizontalDilution: reading.HorizontalDilution,
		}
		doc.DeviceLocation.Lat = reading.Lat
		doc.DeviceLocation.Lon = reading.Lon
		doc.DeviceLocation.Alt = reading.Altitude
		body, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		rlog.Debug("reporting device location: ", string(body))
		g.report(body)
	}
	return nil
}

// Last returns the latest reading. The second return value is false
// until the first reading arrives.
func (g *GroveGPS) Last() (GPSReading, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.seen
}
